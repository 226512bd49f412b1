package debugger

import (
	"errors"
	"fmt"
	"io"

	"github.com/tetromino/stepwin32/logflags"
	"github.com/tetromino/stepwin32/machine"
)

var (
	// ErrProgramExited is returned by Step, Run, RunTo and Poke once the
	// program has called ExitProcess. The session is terminal in this state;
	// only queries remain valid.
	ErrProgramExited = errors.New("program has exited")

	// ErrInvalidAddress is returned for addresses outside every mapping. The
	// operation that returns it has not changed any session state.
	ErrInvalidAddress = errors.New("address is not mapped")
)

// StepResult says why a Step, Run or RunTo returned.
type StepResult int

const (
	// StepContinue: the instruction completed and nothing is asking for a
	// halt. Run treats this as "keep going"; a lone Step returns it for any
	// ordinary instruction.
	StepContinue StepResult = iota

	StepBreakpoint
	StepExited
	StepInterrupted
)

func (r StepResult) String() string {
	switch r {
	case StepContinue:
		return "stepped"
	case StepBreakpoint:
		return "breakpoint"
	case StepExited:
		return "exited"
	case StepInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// Session drives an emulator one instruction at a time on behalf of a single
// caller. It is not safe for concurrent use: every operation completes before
// the next is issued, which is also what makes the breakpoint check after
// each step sufficient.
//
// Session is the emulator's host. Exit and console-write callbacks arrive
// synchronously during Step and are folded into its result.
type Session struct {
	emu         Emulator
	Breakpoints *Breakpoints
	Symbols     *Symbols

	// console output from the running program
	out io.Writer

	// exitPending is set by the ProgramExit callback mid-step and folded
	// into the session state when the step returns
	exitPending bool
	exited      bool
	exitCode    int

	// position of the memory inspection window, remembered across commands
	memBase uint32

	log logflags.Logger
}

// NewSession creates a detached session. Program console output is forwarded
// to out. Attach must be called before anything else.
func NewSession(out io.Writer) *Session {
	return &Session{
		Breakpoints: newBreakpoints(),
		Symbols:     newSymbols(),
		out:         out,
		log:         logflags.DebuggerLogger(),
	}
}

// Attach connects the session to an emulator with a loaded program and
// resets session state. labels is the import table returned by the loader;
// it may be nil.
//
// The usual construction order is NewSession, machine.New with the session
// as host, LoadImage, then Attach.
func (s *Session) Attach(emu Emulator, labels map[uint32]string) {
	s.emu = emu
	s.Symbols = newSymbols()
	s.Symbols.BulkLoad(labels)
	s.exitPending = false
	s.exited = false
	s.exitCode = 0
	s.memBase = 0
	s.log.Debugf("session attached: entry %08x, %d labels", emu.PC(), len(labels))
}

// ProgramExit implements machine.Host.
func (s *Session) ProgramExit(code int) {
	s.exitPending = true
	s.exitCode = code
}

// ProgramWrite implements machine.Host.
func (s *Session) ProgramWrite(p []byte) int {
	if s.out == nil {
		return len(p)
	}
	n, _ := s.out.Write(p)
	return n
}

// PC returns the current instruction pointer.
func (s *Session) PC() uint32 {
	return s.emu.PC()
}

// Exited reports whether the program has exited and with what code.
func (s *Session) Exited() (bool, int) {
	return s.exited, s.exitCode
}

// Mapped returns true if addr is inside a mapped region.
func (s *Session) Mapped(addr uint32) bool {
	return s.emu.Mapped(addr)
}

// Step executes one instruction. The breakpoint table is consulted at the
// new program counter: stepping directly onto a breakpoint halts there, and
// a temporary breakpoint is consumed by the hit that reports it.
//
// An execution error from the emulator leaves the session halted at the
// failing instruction; stepping again retries it.
func (s *Session) Step() (StepResult, error) {
	if s.exited {
		return StepExited, ErrProgramExited
	}

	if err := s.emu.Step(); err != nil {
		return StepContinue, err
	}

	if s.exitPending {
		s.exitPending = false
		s.exited = true
		s.log.Debugf("program exited with code %d", s.exitCode)
		return StepExited, nil
	}

	if bp, ok := s.Breakpoints.Lookup(s.emu.PC()); ok {
		if bp.Temporary {
			s.Breakpoints.Remove(bp.Address)
		}
		return StepBreakpoint, nil
	}

	return StepContinue, nil
}

// Run steps until something other than StepContinue comes back. cancel is
// polled between steps; a true return stops the run with StepInterrupted
// before the next instruction. A nil cancel runs without interruption, which
// on a program that never exits or traps means Run does not return.
func (s *Session) Run(cancel func() bool) (StepResult, error) {
	for {
		if cancel != nil && cancel() {
			return StepInterrupted, nil
		}
		res, err := s.Step()
		if err != nil || res != StepContinue {
			return res, err
		}
	}
}

// RunTo runs until execution reaches addr, using a temporary breakpoint. A
// persistent breakpoint already at addr is left in place and serves as the
// stop instead. An unmapped addr is rejected before anything is mutated.
//
// If the run stops for another reason first (a different breakpoint, exit,
// interruption) the temporary breakpoint is withdrawn: run-to does not leave
// a pending stop behind.
func (s *Session) RunTo(addr uint32, cancel func() bool) (StepResult, error) {
	if s.exited {
		return StepExited, ErrProgramExited
	}
	if !s.emu.Mapped(addr) {
		return StepContinue, fmt.Errorf("%w: %08x", ErrInvalidAddress, addr)
	}

	if _, ok := s.Breakpoints.Lookup(addr); !ok {
		s.Breakpoints.Set(addr, true)
	}

	res, err := s.Run(cancel)

	if bp, ok := s.Breakpoints.Lookup(addr); ok && bp.Temporary {
		s.Breakpoints.Remove(addr)
	}

	return res, err
}

// Poke writes a byte to mapped memory.
func (s *Session) Poke(addr uint32, v byte) error {
	if s.exited {
		return ErrProgramExited
	}
	if err := s.emu.Poke(addr, v); err != nil {
		return fmt.Errorf("%w: %08x", ErrInvalidAddress, addr)
	}
	return nil
}

// Peek reads a single byte of mapped memory.
func (s *Session) Peek(addr uint32) (byte, error) {
	var buf [1]byte
	if err := s.emu.ReadMemory(addr, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %08x", ErrInvalidAddress, addr)
	}
	return buf[0], nil
}

// ReadMemory copies mapped memory into buf.
func (s *Session) ReadMemory(addr uint32, buf []byte) error {
	if err := s.emu.ReadMemory(addr, buf); err != nil {
		return fmt.Errorf("%w: %08x", ErrInvalidAddress, addr)
	}
	return nil
}

// Snapshot is a consistent picture of the halted machine: registers, the
// disassembly window at the program counter, and the region map. It is plain
// data, copied out of the emulator; holding onto one across further steps is
// safe but shows the machine as it was.
type Snapshot struct {
	PC        uint32
	Registers machine.Registers
	Disasm    []machine.Entry
	Mappings  []machine.Mapping
	Exited    bool
	ExitCode  int
}

// Snapshot captures the current machine state with a disassembly window of
// up to window instructions at the program counter.
func (s *Session) Snapshot(window int) (*Snapshot, error) {
	snap := &Snapshot{
		PC:        s.emu.PC(),
		Registers: s.emu.Registers(),
		Mappings:  s.emu.Mappings(),
		Exited:    s.exited,
		ExitCode:  s.exitCode,
	}

	// disassembly fails only when the program counter itself is unmapped,
	// which an execution error can legitimately leave us at
	d, err := s.emu.Disassemble(snap.PC, window)
	if err == nil {
		snap.Disasm = d
	}

	return snap, nil
}

// MemoryWindow is a hexdump-shaped view of memory: rows of sixteen bytes
// starting at a sixteen-byte aligned base.
type MemoryWindow struct {
	Base uint32
	Rows [][]byte
}

// ReadMemoryWindow reads a window of rows*16 bytes at base, which must be
// mapped. The window may be cut short where the mapping ends. The base is
// remembered so the memory inspector can be resumed without an address.
func (s *Session) ReadMemoryWindow(base uint32, rows int) (*MemoryWindow, error) {
	if !s.emu.Mapped(base) {
		return nil, fmt.Errorf("%w: %08x", ErrInvalidAddress, base)
	}
	base &^= 0xf

	w := &MemoryWindow{Base: base}
	for r := 0; r < rows; r++ {
		row := make([]byte, 16)
		if err := s.emu.ReadMemory(base+uint32(r*16), row); err != nil {
			break
		}
		w.Rows = append(w.Rows, row)
	}

	s.memBase = base + uint32(len(w.Rows)*16)
	return w, nil
}

// MemoryPosition is the address the next ReadMemoryWindow would naturally
// continue from.
func (s *Session) MemoryPosition() uint32 {
	return s.memBase
}

// NewMachineSession builds the standard stack: a session hosting a fresh
// machine with the executable image loaded and its import table attached.
func NewMachineSession(image []byte, out io.Writer) (*Session, *machine.Machine, error) {
	s := NewSession(out)
	mc := machine.New(s)
	labels, err := mc.LoadImage(image)
	if err != nil {
		return nil, nil, err
	}
	s.Attach(mc, labels)
	return s, mc, nil
}
