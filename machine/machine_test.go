package machine_test

import (
	"testing"

	"github.com/tetromino/stepwin32/machine"
	"github.com/tetromino/stepwin32/test"
)

// a host that records program output and exit code
type testHost struct {
	exited   bool
	exitCode int
	output   []byte
}

func (h *testHost) ProgramExit(code int) {
	h.exited = true
	h.exitCode = code
}

func (h *testHost) ProgramWrite(p []byte) int {
	h.output = append(h.output, p...)
	return len(p)
}

const flatOrigin = 0x1000

// load code at flatOrigin and step n times, failing the test on any step error
func stepFlat(t *testing.T, code []byte, n int) *machine.Machine {
	t.Helper()
	m := machine.New(&testHost{})
	m.LoadFlat(flatOrigin, flatOrigin, code)
	for i := 0; i < n; i++ {
		if err := m.Step(); err != nil {
			t.Fatalf("step %d: %s", i, err)
		}
	}
	return m
}

func TestMovImmediate(t *testing.T) {
	m := stepFlat(t, []byte{
		0xb8, 0x78, 0x56, 0x34, 0x12, // mov eax, 0x12345678
	}, 1)
	test.ExpectEquality(t, m.Registers().EAX, uint32(0x12345678))
	test.ExpectEquality(t, m.PC(), uint32(flatOrigin+5))
}

func TestMovRegisterToRegister(t *testing.T) {
	m := stepFlat(t, []byte{
		0xb8, 0x04, 0x03, 0x02, 0x01, // mov eax, 0x01020304
		0x89, 0xc3, // mov ebx, eax
	}, 2)
	test.ExpectEquality(t, m.Registers().EBX, uint32(0x01020304))
}

func TestByteRegisters(t *testing.T) {
	m := stepFlat(t, []byte{
		0xb8, 0x04, 0x03, 0x02, 0x01, // mov eax, 0x01020304
		0xb4, 0xff, // mov ah, 0xff
		0x0f, 0xb6, 0xd8, // movzx ebx, al
	}, 3)
	test.ExpectEquality(t, m.Registers().EAX, uint32(0x0102ff04))
	test.ExpectEquality(t, m.Registers().EBX, uint32(0x04))
}

func TestArithmeticFlags(t *testing.T) {
	t.Run("sub to zero sets ZF", func(t *testing.T) {
		m := stepFlat(t, []byte{
			0xb8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
			0x83, 0xe8, 0x05, // sub eax, 5
		}, 2)
		test.ExpectEquality(t, m.Registers().EAX, uint32(0))
		test.ExpectEquality(t, m.Registers().Flag(machine.FlagZF), true)
		test.ExpectEquality(t, m.Registers().Flag(machine.FlagCF), false)
	})

	t.Run("borrow sets CF and SF", func(t *testing.T) {
		m := stepFlat(t, []byte{
			0xb8, 0x03, 0x00, 0x00, 0x00, // mov eax, 3
			0x83, 0xe8, 0x05, // sub eax, 5
		}, 2)
		test.ExpectEquality(t, m.Registers().EAX, uint32(0xfffffffe))
		test.ExpectEquality(t, m.Registers().Flag(machine.FlagCF), true)
		test.ExpectEquality(t, m.Registers().Flag(machine.FlagSF), true)
	})

	t.Run("add carries out", func(t *testing.T) {
		m := stepFlat(t, []byte{
			0xb8, 0xff, 0xff, 0xff, 0xff, // mov eax, 0xffffffff
			0x83, 0xc0, 0x01, // add eax, 1
		}, 2)
		test.ExpectEquality(t, m.Registers().EAX, uint32(0))
		test.ExpectEquality(t, m.Registers().Flag(machine.FlagCF), true)
		test.ExpectEquality(t, m.Registers().Flag(machine.FlagZF), true)
	})

	t.Run("xor clears carry", func(t *testing.T) {
		m := stepFlat(t, []byte{
			0xb8, 0x03, 0x00, 0x00, 0x00, // mov eax, 3
			0x83, 0xe8, 0x05, // sub eax, 5 (sets CF)
			0x31, 0xc0, // xor eax, eax
		}, 3)
		test.ExpectEquality(t, m.Registers().Flag(machine.FlagCF), false)
		test.ExpectEquality(t, m.Registers().Flag(machine.FlagZF), true)
	})
}

func TestConditionalJump(t *testing.T) {
	t.Run("taken", func(t *testing.T) {
		m := stepFlat(t, []byte{
			0x31, 0xc0, // xor eax, eax
			0x74, 0x02, // je +2
			0x40,       // inc eax (skipped)
			0x40,       // inc eax (skipped)
			0x43,       // inc ebx
		}, 3)
		test.ExpectEquality(t, m.Registers().EAX, uint32(0))
		test.ExpectEquality(t, m.Registers().EBX, uint32(1))
	})

	t.Run("not taken", func(t *testing.T) {
		m := stepFlat(t, []byte{
			0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
			0x85, 0xc0, // test eax, eax
			0x74, 0x02, // je +2 (not taken)
			0x43, // inc ebx
		}, 4)
		test.ExpectEquality(t, m.Registers().EBX, uint32(1))
	})
}

func TestLoop(t *testing.T) {
	// count eax down from 5, incrementing ebx each time around
	m := stepFlat(t, []byte{
		0xb8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0x43,             // inc ebx
		0x48,             // dec eax
		0x75, 0xfc,       // jne -4
		0x90,             // nop
	}, 1+5*3+1)
	test.ExpectEquality(t, m.Registers().EAX, uint32(0))
	test.ExpectEquality(t, m.Registers().EBX, uint32(5))
}

func TestStack(t *testing.T) {
	m := stepFlat(t, []byte{
		0xb8, 0xef, 0xbe, 0xad, 0xde, // mov eax, 0xdeadbeef
		0x50, // push eax
		0x5b, // pop ebx
	}, 3)
	test.ExpectEquality(t, m.Registers().EBX, uint32(0xdeadbeef))
}

func TestCallRet(t *testing.T) {
	m := stepFlat(t, []byte{
		0xe8, 0x01, 0x00, 0x00, 0x00, // call +1
		0xf4,                         // hlt (skipped: call target is beyond it)
		0xbb, 0x07, 0x00, 0x00, 0x00, // mov ebx, 7
		0xc3, // ret
	}, 3)
	// after call, mov, ret: execution is back at the hlt instruction
	test.ExpectEquality(t, m.Registers().EBX, uint32(7))
	test.ExpectEquality(t, m.PC(), uint32(flatOrigin+5))
}

func TestMemoryOperands(t *testing.T) {
	m := stepFlat(t, []byte{
		0xb8, 0x44, 0x33, 0x22, 0x11, // mov eax, 0x11223344
		0xa3, 0x80, 0x10, 0x00, 0x00, // mov [0x1080], eax
		0x8b, 0x1d, 0x80, 0x10, 0x00, 0x00, // mov ebx, [0x1080]
	}, 3)
	test.ExpectEquality(t, m.Registers().EBX, uint32(0x11223344))

	var buf [4]byte
	err := m.ReadMemory(0x1080, buf[:])
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, buf[0], uint8(0x44))
	test.ExpectEquality(t, buf[3], uint8(0x11))
}

func TestShifts(t *testing.T) {
	m := stepFlat(t, []byte{
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xc1, 0xe0, 0x04, // shl eax, 4
		0xc1, 0xe8, 0x02, // shr eax, 2
	}, 3)
	test.ExpectEquality(t, m.Registers().EAX, uint32(4))
}

func TestUnsupportedInstruction(t *testing.T) {
	m := machine.New(&testHost{})
	m.LoadFlat(flatOrigin, flatOrigin, []byte{
		0xf4, // hlt
	})
	err := m.Step()
	test.ExpectFailure(t, err)

	// the instruction pointer does not advance on an execution error
	test.ExpectEquality(t, m.PC(), uint32(flatOrigin))
}

func TestUnmappedFetch(t *testing.T) {
	m := machine.New(&testHost{})
	m.LoadFlat(flatOrigin, flatOrigin, []byte{
		0xe9, 0xfb, 0xef, 0xff, 0xff, // jmp 0x0 (unmapped)
	})
	err := m.Step()
	test.ExpectSuccess(t, err)
	err = m.Step()
	test.ExpectFailure(t, err)
}

func TestPoke(t *testing.T) {
	m := machine.New(&testHost{})
	m.LoadFlat(flatOrigin, flatOrigin, []byte{0x90})

	err := m.Poke(flatOrigin, 0x42)
	test.ExpectSuccess(t, err)

	var buf [1]byte
	err = m.ReadMemory(flatOrigin, buf[:])
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, buf[0], uint8(0x42))

	// unmapped addresses are rejected
	err = m.Poke(0xdead0000, 0x42)
	test.ExpectFailure(t, err)
}

func TestDisassemble(t *testing.T) {
	m := stepFlat(t, []byte{
		0xb8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0x43, // inc ebx
		0xc3, // ret
	}, 0)

	entries, err := m.Disassemble(flatOrigin, 3)
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, len(entries), 3)
	test.ExpectEquality(t, entries[0].Addr, uint32(flatOrigin))
	test.ExpectEquality(t, entries[0].Length, 5)
	test.ExpectEquality(t, entries[1].Addr, uint32(flatOrigin+5))
	test.ExpectEquality(t, entries[2].Addr, uint32(flatOrigin+6))

	_, err = m.Disassemble(0xdead0000, 1)
	test.ExpectFailure(t, err)
}
