package machine

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Entry is one decoded instruction, as returned by Disassemble. The text is
// display data only; Addr and Length are the fields callers may reason about.
type Entry struct {
	Addr   uint32
	Length int
	Bytes  []byte
	Text   string
}

// Disassemble decodes up to count instructions starting at addr. Decoding
// stops early at unmapped memory or at bytes that do not decode; the latter
// produce a final entry with a "?" text so the caller can see where decoding
// gave up. Shim addresses disassemble to the name of the win32 function they
// stand for.
//
// Disassembling does not disturb machine state.
func (m *Machine) Disassemble(addr uint32, count int) ([]Entry, error) {
	var entries []Entry

	pc := addr
	for i := 0; i < count; i++ {
		if fn, ok := m.shims.at(pc); ok {
			entries = append(entries, Entry{
				Addr:   pc,
				Length: shimStep,
				Text:   fmt.Sprintf("<%s>", fn.label()),
			})
			pc += shimStep
			continue
		}

		var code [maxInstructionLen]byte
		n := m.mem.readAvailable(pc, code[:])
		if n == 0 {
			if i == 0 {
				return nil, fmt.Errorf("disassembly: %w: %08x", ErrUnmappedAddress, pc)
			}
			break
		}

		inst, err := x86asm.Decode(code[:n], 32)
		if err != nil {
			entries = append(entries, Entry{
				Addr:   pc,
				Length: 1,
				Bytes:  []byte{code[0]},
				Text:   "?",
			})
			break
		}

		patchRelativeArgs(pc, &inst)
		b := make([]byte, inst.Len)
		copy(b, code[:inst.Len])
		entries = append(entries, Entry{
			Addr:   pc,
			Length: inst.Len,
			Bytes:  b,
			Text:   x86asm.IntelSyntax(inst, uint64(pc), nil),
		})
		pc += uint32(inst.Len)
	}

	return entries, nil
}
