package logflags

import (
	"strings"
	"testing"

	"github.com/tetromino/stepwin32/test"
)

func TestSetup(t *testing.T) {
	err := Setup(true, "machine,debugger", "")
	test.ExpectSuccess(t, err)
	test.ExpectEquality(t, Machine(), true)
	test.ExpectEquality(t, Debugger(), true)
	test.ExpectEquality(t, Loader(), false)

	err = Setup(true, "no-such-component", "")
	test.ExpectFailure(t, err)
}

func TestTail(t *testing.T) {
	log := MachineLogger()
	log.Debugf("first entry")
	log.Debugf("second entry")

	var b strings.Builder
	Tail(&b, 1)
	test.ExpectEquality(t, strings.Contains(b.String(), "second entry"), true)
	test.ExpectEquality(t, strings.Contains(b.String(), "first entry"), false)
}
