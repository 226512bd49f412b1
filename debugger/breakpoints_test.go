package debugger

import (
	"testing"

	"github.com/tetromino/stepwin32/test"
)

func TestBreakpointsReplaceOnCollision(t *testing.T) {
	b := newBreakpoints()

	b.Set(0x401000, false)
	b.Set(0x401000, true)

	bp, ok := b.Lookup(0x401000)
	test.ExpectEquality(t, ok, true)
	test.ExpectEquality(t, bp.Temporary, true)
	test.ExpectEquality(t, len(b.List()), 1)
}

func TestBreakpointsRemove(t *testing.T) {
	b := newBreakpoints()

	b.Set(0x401000, false)
	b.Remove(0x401000)
	_, ok := b.Lookup(0x401000)
	test.ExpectEquality(t, ok, false)

	// removing an address with no breakpoint is not an error
	b.Remove(0x402000)
}

func TestBreakpointsListOrder(t *testing.T) {
	b := newBreakpoints()

	b.Set(0x403000, false)
	b.Set(0x401000, true)
	b.Set(0x402000, false)

	l := b.List()
	test.ExpectEquality(t, len(l), 3)
	test.ExpectEquality(t, l[0].Address, uint32(0x401000))
	test.ExpectEquality(t, l[1].Address, uint32(0x402000))
	test.ExpectEquality(t, l[2].Address, uint32(0x403000))

	b.Clear()
	test.ExpectEquality(t, len(b.List()), 0)
}
