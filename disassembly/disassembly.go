// Package disassembly formats decoded instructions for terminal display.
package disassembly

import (
	"fmt"
	"strings"

	"github.com/tetromino/stepwin32/machine"
)

// Annotations supply the display context a bare decoded instruction doesn't
// carry: the current program counter, the breakpoint table and the import
// labels. Any field can be left zero.
type Annotations struct {
	Current    uint32
	Breakpoint func(addr uint32) bool
	Label      func(addr uint32) (string, bool)
}

// FormatEntry renders one instruction as an address column, a bytecode
// column and the instruction text. The current instruction is marked with >
// and a breakpointed address with *.
func FormatEntry(e machine.Entry, notes Annotations) string {
	marker := "  "
	if notes.Breakpoint != nil && notes.Breakpoint(e.Addr) {
		marker = "* "
	}
	if e.Addr == notes.Current {
		marker = "> "
	}

	var bytecode strings.Builder
	for _, b := range e.Bytes {
		fmt.Fprintf(&bytecode, "%02x ", b)
	}

	return fmt.Sprintf("%s%08x  %-22s%s", marker, e.Addr, bytecode.String(), e.Text)
}

// FormatWindow renders a run of instructions, inserting a label line above
// any address the label table knows about.
func FormatWindow(entries []machine.Entry, notes Annotations) []string {
	var lines []string
	for _, e := range entries {
		if notes.Label != nil {
			if label, ok := notes.Label(e.Addr); ok {
				lines = append(lines, fmt.Sprintf("%s:", label))
			}
		}
		lines = append(lines, FormatEntry(e, notes))
	}
	return lines
}
