package debugger

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/tetromino/stepwin32/machine"
	"github.com/tetromino/stepwin32/test"
)

// mockEmulator is a scripted engine: the program counter advances by four
// each step, memory is a single zero-filled mapping, and reaching exitAt
// ends the program through the host callback, the way a real ExitProcess
// call would.
type mockEmulator struct {
	pc    uint32
	size  uint32
	steps int

	exitAt   uint32
	exitCode int
	exited   bool

	host machine.Host
}

func newMockEmulator(size uint32) *mockEmulator {
	return &mockEmulator{size: size}
}

func (e *mockEmulator) Step() error {
	if e.exited {
		return fmt.Errorf("machine stepped after program exit")
	}
	e.steps++

	if e.exitAt != 0 && e.pc == e.exitAt {
		e.exited = true
		e.host.ProgramExit(e.exitCode)
		return nil
	}

	e.pc += 4
	if e.pc >= e.size {
		return fmt.Errorf("fetch from unmapped address: %08x", e.pc)
	}
	return nil
}

func (e *mockEmulator) PC() uint32 {
	return e.pc
}

func (e *mockEmulator) Registers() machine.Registers {
	return machine.Registers{EIP: e.pc}
}

func (e *mockEmulator) ReadMemory(addr uint32, buf []byte) error {
	if addr+uint32(len(buf)) > e.size {
		return fmt.Errorf("read from unmapped address: %08x", addr)
	}
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (e *mockEmulator) Mapped(addr uint32) bool {
	return addr < e.size
}

func (e *mockEmulator) Mappings() []machine.Mapping {
	return []machine.Mapping{{Base: 0, Size: e.size, Perms: "rwx", Desc: "mock"}}
}

func (e *mockEmulator) Disassemble(addr uint32, count int) ([]machine.Entry, error) {
	if addr >= e.size {
		return nil, fmt.Errorf("disassembly of unmapped address: %08x", addr)
	}
	var entries []machine.Entry
	for i := 0; i < count; i++ {
		entries = append(entries, machine.Entry{
			Addr:   addr + uint32(i*4),
			Length: 4,
			Text:   "nop",
		})
	}
	return entries, nil
}

func (e *mockEmulator) Poke(addr uint32, v byte) error {
	if addr >= e.size {
		return fmt.Errorf("write to unmapped address: %08x", addr)
	}
	return nil
}

func newMockSession(size uint32) (*Session, *mockEmulator) {
	s := NewSession(nil)
	e := newMockEmulator(size)
	e.host = s
	s.Attach(e, nil)
	return s, e
}

func TestSessionStep(t *testing.T) {
	s, e := newMockSession(0x1000)

	res, err := s.Step()
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, res, StepContinue)
	test.ExpectEquality(t, s.PC(), uint32(4))
	test.ExpectEquality(t, e.steps, 1)
}

func TestSessionBreakpointHalt(t *testing.T) {
	s, _ := newMockSession(0x1000)
	s.Breakpoints.Set(0x10, false)

	res, err := s.Run(nil)
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, res, StepBreakpoint)
	test.ExpectEquality(t, s.PC(), uint32(0x10))

	// the persistent breakpoint survives its own hit
	bp, ok := s.Breakpoints.Lookup(0x10)
	test.ExpectEquality(t, ok, true)
	test.ExpectEquality(t, bp.Temporary, false)

	// stepping off the breakpoint does not re-trigger it
	res, err = s.Step()
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, res, StepContinue)
}

func TestSessionStepOntoBreakpoint(t *testing.T) {
	s, _ := newMockSession(0x1000)
	s.Breakpoints.Set(4, true)

	// a single step landing on a breakpoint reports the hit, and a
	// temporary breakpoint is consumed by it
	res, err := s.Step()
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, res, StepBreakpoint)

	_, ok := s.Breakpoints.Lookup(4)
	test.ExpectEquality(t, ok, false)
}

func TestSessionRunTo(t *testing.T) {
	s, _ := newMockSession(0x1000)

	res, err := s.RunTo(0x20, nil)
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, res, StepBreakpoint)
	test.ExpectEquality(t, s.PC(), uint32(0x20))

	// the temporary breakpoint has been consumed
	test.ExpectEquality(t, len(s.Breakpoints.List()), 0)
}

func TestSessionRunToPersistentBreakpoint(t *testing.T) {
	s, _ := newMockSession(0x1000)
	s.Breakpoints.Set(0x20, false)

	res, err := s.RunTo(0x20, nil)
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, res, StepBreakpoint)
	test.ExpectEquality(t, s.PC(), uint32(0x20))

	// the user's breakpoint has not been demoted to a temporary one
	bp, ok := s.Breakpoints.Lookup(0x20)
	test.ExpectEquality(t, ok, true)
	test.ExpectEquality(t, bp.Temporary, false)
}

func TestSessionRunToWithdrawsTemporary(t *testing.T) {
	s, _ := newMockSession(0x1000)
	s.Breakpoints.Set(0x10, false)

	// the run stops at 0x10 before reaching 0x20. the temporary breakpoint
	// at 0x20 must not be left behind
	res, err := s.RunTo(0x20, nil)
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, res, StepBreakpoint)
	test.ExpectEquality(t, s.PC(), uint32(0x10))

	_, ok := s.Breakpoints.Lookup(0x20)
	test.ExpectEquality(t, ok, false)
}

func TestSessionRunToUnmapped(t *testing.T) {
	s, e := newMockSession(0x1000)

	_, err := s.RunTo(0x2000, nil)
	test.ExpectEquality(t, errors.Is(err, ErrInvalidAddress), true)

	// the rejected operation has not stepped the machine or left a
	// breakpoint behind
	test.ExpectEquality(t, e.steps, 0)
	test.ExpectEquality(t, s.PC(), uint32(0))
	test.ExpectEquality(t, len(s.Breakpoints.List()), 0)
}

func TestSessionCancel(t *testing.T) {
	s, _ := newMockSession(0x10000)

	n := 0
	cancel := func() bool {
		n++
		return n > 10
	}

	res, err := s.Run(cancel)
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, res, StepInterrupted)
	test.ExpectEquality(t, s.PC(), uint32(40))
}

func TestSessionExit(t *testing.T) {
	s, e := newMockSession(0x1000)
	e.exitAt = 0x20
	e.exitCode = 42

	res, err := s.Run(nil)
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, res, StepExited)

	exited, code := s.Exited()
	test.ExpectEquality(t, exited, true)
	test.ExpectEquality(t, code, 42)

	// the exited state is terminal. further steps touch nothing
	steps := e.steps
	res, err = s.Step()
	test.ExpectEquality(t, res, StepExited)
	test.ExpectEquality(t, errors.Is(err, ErrProgramExited), true)
	test.ExpectEquality(t, e.steps, steps)

	res, err = s.Run(nil)
	test.ExpectEquality(t, res, StepExited)
	test.ExpectEquality(t, errors.Is(err, ErrProgramExited), true)

	_, err = s.RunTo(0x30, nil)
	test.ExpectEquality(t, errors.Is(err, ErrProgramExited), true)

	err = s.Poke(0x30, 0xff)
	test.ExpectEquality(t, errors.Is(err, ErrProgramExited), true)

	// queries remain valid
	snap, err := s.Snapshot(4)
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, snap.Exited, true)
	test.ExpectEquality(t, snap.ExitCode, 42)
}

func TestSessionEngineError(t *testing.T) {
	// the mock faults when the program counter runs off the end of its
	// mapping. the session reports the error and halts; the fault repeats
	// on the next step
	s, _ := newMockSession(0x10)

	for i := 0; i < 3; i++ {
		_, err := s.Step()
		test.ExpectSuccess(t, err)
	}

	_, err := s.Step()
	test.ExpectFailure(t, err)

	_, err = s.Step()
	test.ExpectFailure(t, err)
}

func TestSessionSnapshot(t *testing.T) {
	s, _ := newMockSession(0x1000)

	_, err := s.Step()
	test.ExpectSuccess(t, err)

	snap, err := s.Snapshot(4)
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, snap.PC, uint32(4))
	test.ExpectEquality(t, snap.Registers.EIP, uint32(4))
	test.ExpectEquality(t, len(snap.Disasm), 4)
	test.ExpectEquality(t, len(snap.Mappings), 1)
	test.ExpectEquality(t, snap.Exited, false)
}

func TestSessionMemoryWindow(t *testing.T) {
	s, _ := newMockSession(0x1000)

	w, err := s.ReadMemoryWindow(0x17, 4)
	test.ExpectSuccess(t, err)

	// the base is aligned down to a row boundary
	test.ExpectEquality(t, w.Base, uint32(0x10))
	test.ExpectEquality(t, len(w.Rows), 4)
	test.ExpectEquality(t, s.MemoryPosition(), uint32(0x50))

	_, err = s.ReadMemoryWindow(0x2000, 4)
	test.ExpectEquality(t, errors.Is(err, ErrInvalidAddress), true)

	// a failed read leaves the window position alone
	test.ExpectEquality(t, s.MemoryPosition(), uint32(0x50))
}

func TestSessionWithMachine(t *testing.T) {
	// a real machine running a two instruction loop: inc ebx / jmp back
	s := NewSession(nil)
	m := machine.New(s)
	m.LoadFlat(0x1000, 0x1000, []byte{
		0x43,       // inc ebx
		0xeb, 0xfd, // jmp -3
	})
	s.Attach(m, nil)

	s.Breakpoints.Set(0x1001, false)

	res, err := s.Run(nil)
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, res, StepBreakpoint)
	test.ExpectEquality(t, s.PC(), uint32(0x1001))

	snap, err := s.Snapshot(0)
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, snap.Registers.EBX, uint32(1))

	// each time around the loop hits the same breakpoint again
	res, err = s.Run(nil)
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, res, StepBreakpoint)

	snap, err = s.Snapshot(0)
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, snap.Registers.EBX, uint32(2))
}

func TestSessionProgramWrite(t *testing.T) {
	var out bytes.Buffer
	s := NewSession(&out)
	e := newMockEmulator(0x1000)
	e.host = s
	s.Attach(e, nil)

	n := s.ProgramWrite([]byte("hello"))
	test.ExpectEquality(t, n, 5)
	test.ExpectEquality(t, out.String(), "hello")
}
