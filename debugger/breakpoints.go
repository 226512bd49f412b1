package debugger

import (
	"sort"
)

// Breakpoint is an address the session halts at after a step lands on it.
// Temporary breakpoints are removed by the hit that reports them; they are
// created by RunTo and never outlive their target address being reached.
type Breakpoint struct {
	Address   uint32
	Temporary bool
}

// Breakpoints is the session's breakpoint table. At most one breakpoint
// exists per address.
type Breakpoints struct {
	table map[uint32]Breakpoint
}

func newBreakpoints() *Breakpoints {
	return &Breakpoints{
		table: make(map[uint32]Breakpoint),
	}
}

// Set adds a breakpoint at addr. A breakpoint already at addr is replaced.
func (b *Breakpoints) Set(addr uint32, temporary bool) {
	b.table[addr] = Breakpoint{Address: addr, Temporary: temporary}
}

// Remove deletes the breakpoint at addr. Removing an address with no
// breakpoint is not an error.
func (b *Breakpoints) Remove(addr uint32) {
	delete(b.table, addr)
}

// Clear empties the table.
func (b *Breakpoints) Clear() {
	clear(b.table)
}

func (b *Breakpoints) Lookup(addr uint32) (Breakpoint, bool) {
	bp, ok := b.table[addr]
	return bp, ok
}

// List returns every breakpoint ordered by address.
func (b *Breakpoints) List() []Breakpoint {
	l := make([]Breakpoint, 0, len(b.table))
	for _, bp := range b.table {
		l = append(l, bp)
	}
	sort.Slice(l, func(i, j int) bool {
		return l[i].Address < l[j].Address
	})
	return l
}
