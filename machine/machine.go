// Package machine implements a miniature win32 user-mode machine: an x86
// interpreter over a flat memory space, a PE image loader, and a small set of
// kernel32 shims standing in for the operating system.
//
// The machine is single-threaded and exclusively owned by its caller. All
// memory reads copy into caller-supplied buffers, no view of the backing
// array ever leaves the package.
package machine

import (
	"fmt"
	"time"

	"github.com/tetromino/stepwin32/logflags"
)

type Machine struct {
	mem   *memory
	regs  Registers
	host  Host
	shims *shims

	// set once ExitProcess has been called. stepping a machine in this state
	// is a caller error
	exited bool

	// reference point for GetTickCount
	start time.Time

	log logflags.Logger
}

func New(host Host) *Machine {
	m := &Machine{
		mem:   newMemory(),
		host:  host,
		start: time.Now(),
		log:   logflags.MachineLogger(),
	}
	m.shims = newShims(m)
	return m
}

// PC returns the current instruction pointer.
func (m *Machine) PC() uint32 {
	return m.regs.EIP
}

// Registers returns a copy of the register file.
func (m *Machine) Registers() Registers {
	return m.regs
}

// ReadMemory copies mapped memory starting at addr into buf. The read fails
// if any byte of the range is unmapped.
func (m *Machine) ReadMemory(addr uint32, buf []byte) error {
	return m.mem.readRange(addr, buf)
}

// Mapped returns true if addr is inside a mapped region.
func (m *Machine) Mapped(addr uint32) bool {
	return m.mem.mapped(addr)
}

// Mappings returns a copy of the region mapping list, ordered by base
// address.
func (m *Machine) Mappings() []Mapping {
	p := make([]Mapping, len(m.mem.mappings))
	copy(p, m.mem.mappings)
	return p
}

// Poke writes a single byte directly to mapped memory. It is an escape hatch
// for environment setup and experimentation, not part of normal stepping.
func (m *Machine) Poke(addr uint32, v byte) error {
	return m.mem.write8(addr, v)
}

// Step executes exactly one instruction. Host callbacks fire synchronously
// from inside this function. An execution error (undecodable instruction,
// unmapped fetch, unimplemented win32 call) leaves the instruction pointer
// unchanged.
func (m *Machine) Step() error {
	if m.exited {
		return fmt.Errorf("machine stepped after program exit")
	}

	// the instruction pointer landing inside the shim region means the
	// program has called through a patched IAT slot
	if fn, ok := m.shims.at(m.regs.EIP); ok {
		return m.callShim(fn)
	}

	inst, err := m.decode(m.regs.EIP)
	if err != nil {
		return err
	}

	return m.execute(inst)
}

// LoadFlat places a raw image at origin and prepares registers for execution
// at entry. A 64KB stack is allocated above the image. Used by tests and the
// BOOT command; normal use goes through LoadImage.
func (m *Machine) LoadFlat(origin uint32, entry uint32, data []byte) {
	size := (uint32(len(data)) + pageSize - 1) &^ (pageSize - 1)
	m.mem.grow(origin + size)
	copy(m.mem.data[origin:], data)
	m.mem.addMapping(origin, size, "rwx", "flat image")

	stack := m.mem.alloc(0x10000, "rw", "stack")

	m.regs = Registers{}
	m.regs.ESP = stack.Base + stack.Size - 4
	m.regs.EBP = m.regs.ESP
	m.regs.EIP = entry

	m.log.Debugf("flat image: %d bytes at %08x, entry %08x", len(data), origin, entry)
}
