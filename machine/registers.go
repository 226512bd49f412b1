package machine

import (
	"fmt"
	"strings"
)

// eflags bits. only the flags the interpreter actually maintains are listed.
const (
	FlagCF = uint32(1) << 0
	FlagZF = uint32(1) << 6
	FlagSF = uint32(1) << 7
	FlagOF = uint32(1) << 11
)

// Registers is a copy of the machine's register file. It is a value type and
// is always safe to retain.
type Registers struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	ESP uint32
	EBP uint32

	EIP    uint32
	EFLAGS uint32
}

func (r Registers) Flag(f uint32) bool {
	return r.EFLAGS&f == f
}

func (r *Registers) setFlag(f uint32, v bool) {
	if v {
		r.EFLAGS |= f
	} else {
		r.EFLAGS &^= f
	}
}

func (r Registers) flagString() string {
	var b strings.Builder
	for _, f := range []struct {
		bit   uint32
		label rune
	}{
		{FlagOF, 'O'},
		{FlagSF, 'S'},
		{FlagZF, 'Z'},
		{FlagCF, 'C'},
	} {
		if r.Flag(f.bit) {
			b.WriteRune(f.label)
		} else {
			b.WriteRune('-')
		}
	}
	return b.String()
}

func (r Registers) String() string {
	s := strings.Builder{}
	s.WriteString(fmt.Sprintf("eax=%08x ebx=%08x ecx=%08x edx=%08x\n", r.EAX, r.EBX, r.ECX, r.EDX))
	s.WriteString(fmt.Sprintf("esi=%08x edi=%08x esp=%08x ebp=%08x\n", r.ESI, r.EDI, r.ESP, r.EBP))
	s.WriteString(fmt.Sprintf("eip=%08x flags=%s", r.EIP, r.flagString()))
	return s.String()
}
