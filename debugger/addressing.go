package debugger

import (
	"fmt"
	"strconv"
	"strings"
)

// parseAddress turns a command argument into an address. Import labels are
// tried first, then numeric forms: $-prefixed and 0x-prefixed hexadecimal,
// plain decimal.
func (m *debugger) parseAddress(arg string) (uint32, error) {
	if addr, ok := m.session.Symbols.Resolve(arg); ok {
		return addr, nil
	}

	s := arg
	if strings.HasPrefix(s, "$") {
		s = fmt.Sprintf("0x%s", s[1:])
	}

	addr, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("address is not valid: %s", arg)
	}

	return uint32(addr), nil
}
