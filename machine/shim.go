package machine

import (
	"fmt"
	"strings"
	"time"
)

// imports are not resolved to real code. every imported symbol is assigned an
// address inside a synthetic region well above anything the image maps; the
// instruction pointer landing there means the program has called through its
// IAT and the machine dispatches the call natively.
const (
	shimBase = 0xf1a70000
	shimStep = 4
)

type shimFunc struct {
	dll  string
	name string

	// number of bytes of stack arguments. all shimmed functions are stdcall,
	// the callee pops its own arguments.
	argBytes uint32

	// nil for imports the machine knows nothing about. calling one of those
	// is an execution error rather than a load error, packed executables
	// routinely import functions they never call.
	fn func(m *Machine, args []uint32) (uint32, error)
}

func (fn shimFunc) label() string {
	return fmt.Sprintf("%s!%s", fn.dll, fn.name)
}

type shims struct {
	m     *Machine
	table map[uint32]*shimFunc
	next  uint32
}

func newShims(m *Machine) *shims {
	return &shims{
		m:     m,
		table: make(map[uint32]*shimFunc),
		next:  shimBase,
	}
}

// register assigns a shim address for the named import. the same dll/symbol
// pair always resolves to the same address.
func (s *shims) register(dll string, name string) uint32 {
	for addr, fn := range s.table {
		if fn.dll == dll && fn.name == name {
			return addr
		}
	}

	fn := &shimFunc{dll: dll, name: name}
	if strings.EqualFold(dll, "kernel32.dll") {
		if spec, ok := kernel32[name]; ok {
			fn.argBytes = spec.argBytes
			fn.fn = spec.fn
		}
	}

	addr := s.next
	s.next += shimStep
	s.table[addr] = fn
	return addr
}

func (s *shims) at(addr uint32) (*shimFunc, bool) {
	fn, ok := s.table[addr]
	return fn, ok
}

// size returns the extent of the shim region, for the mapping list.
func (s *shims) size() uint32 {
	if s.next == shimBase {
		return 0
	}
	return ((s.next - shimBase) + pageSize - 1) &^ (pageSize - 1)
}

// callShim performs a native win32 call on behalf of the program: arguments
// are read from the stack, the callee's effect is applied, and control
// returns to the caller as if a stdcall function had executed.
func (m *Machine) callShim(fn *shimFunc) error {
	if fn.fn == nil {
		return fmt.Errorf("unimplemented win32 function: %s", fn.label())
	}

	retAddr, err := m.mem.read32(m.regs.ESP)
	if err != nil {
		return fmt.Errorf("%s: %v", fn.label(), err)
	}

	args := make([]uint32, fn.argBytes/4)
	for i := range args {
		args[i], err = m.mem.read32(m.regs.ESP + 4 + uint32(i)*4)
		if err != nil {
			return fmt.Errorf("%s: %v", fn.label(), err)
		}
	}

	m.log.Debugf("%s%v", fn.label(), args)

	ret, err := fn.fn(m, args)
	if err != nil {
		return fmt.Errorf("%s: %v", fn.label(), err)
	}

	m.regs.EAX = ret
	m.regs.ESP += 4 + fn.argBytes
	m.regs.EIP = retAddr
	return nil
}

type shimSpec struct {
	argBytes uint32
	fn       func(m *Machine, args []uint32) (uint32, error)
}

var kernel32 = map[string]shimSpec{
	"ExitProcess":   {4, exitProcess},
	"GetStdHandle":  {4, getStdHandle},
	"WriteFile":     {20, writeFile},
	"WriteConsoleA": {20, writeConsole},
	"VirtualAlloc":  {16, virtualAlloc},
	"GetTickCount":  {0, getTickCount},
}

func exitProcess(m *Machine, args []uint32) (uint32, error) {
	m.exited = true
	m.host.ProgramExit(int(args[0]))
	return 0, nil
}

func getStdHandle(m *Machine, args []uint32) (uint32, error) {
	// handles are opaque to the program; the identity is as good as any
	return args[0], nil
}

func writeFile(m *Machine, args []uint32) (uint32, error) {
	buf, n, written := args[1], args[2], args[3]

	data := make([]byte, n)
	if err := m.mem.readRange(buf, data); err != nil {
		return 0, err
	}
	consumed := m.host.ProgramWrite(data)

	if written != 0 {
		if err := m.mem.write32(written, uint32(consumed)); err != nil {
			return 0, err
		}
	}
	return 1, nil
}

func writeConsole(m *Machine, args []uint32) (uint32, error) {
	// same shape as WriteFile without the overlapped argument at the end
	return writeFile(m, args)
}

func virtualAlloc(m *Machine, args []uint32) (uint32, error) {
	size := args[1]
	if size == 0 {
		return 0, nil
	}

	// the requested base address is ignored, allocations always go to the
	// next free space. programs that require a fixed address will fail in
	// more interesting ways than an error here could describe
	p := m.mem.alloc(size, "rw", "VirtualAlloc")
	return p.Base, nil
}

func getTickCount(m *Machine, args []uint32) (uint32, error) {
	return uint32(time.Since(m.start).Milliseconds()), nil
}
