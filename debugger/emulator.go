package debugger

import (
	"github.com/tetromino/stepwin32/machine"
)

// Emulator is the execution engine under the session's control. The session
// owns the emulator exclusively: nothing else steps it or mutates its memory
// while a session is attached.
//
// Step executes exactly one instruction, with host callbacks firing
// synchronously before it returns. All other methods are queries and must not
// disturb execution state.
type Emulator interface {
	Step() error
	PC() uint32
	Registers() machine.Registers
	ReadMemory(addr uint32, buf []byte) error
	Mapped(addr uint32) bool
	Mappings() []machine.Mapping
	Disassemble(addr uint32, count int) ([]machine.Entry, error)
	Poke(addr uint32, v byte) error
}
