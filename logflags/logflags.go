// Package logflags configures the component loggers used throughout
// stepwin32. Logging is disabled by default and enabled per-component with
// the --log and --log-output command line flags.
package logflags

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	machine  bool
	loader   bool
	debugger bool
	any      bool
)

var logOut io.WriteCloser

// Setup sets debugger logging according to the log and logstr flags.
func Setup(logFlag bool, logstr string, logDest string) error {
	if logDest != "" {
		f, err := os.Create(logDest)
		if err != nil {
			return fmt.Errorf("could not create log destination: %w", err)
		}
		logOut = f
	}

	if !logFlag && logstr == "" {
		return nil
	}
	any = true

	if logstr == "" {
		logstr = "debugger"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "machine":
			machine = true
		case "loader":
			loader = true
		case "debugger":
			debugger = true
		default:
			return fmt.Errorf("unknown log output value %q", logcmd)
		}
	}
	return nil
}

// Close closes the file descriptor pointed to by the --log-dest flag.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// Any returns true if any logging is enabled.
func Any() bool {
	return any
}

func makeLogger(flag bool, fields logrus.Fields) Logger {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Formatter = &textFormatter{}

	// logging is always performed at debug level. entries are retained by the
	// tail hook so that the LOG command can show them on demand, even when
	// the component is not producing direct output
	logger.Logger.Level = logrus.DebugLevel
	logger.Logger.AddHook(tail)

	switch {
	case !flag:
		logger.Logger.Out = io.Discard
	case logOut != nil:
		logger.Logger.Out = logOut
	default:
		logger.Logger.Out = os.Stderr
	}
	return logger
}

// Machine returns true if the execution engine should produce debug output.
func Machine() bool {
	return machine
}

// MachineLogger returns a logger for the execution engine.
func MachineLogger() Logger {
	return makeLogger(machine, logrus.Fields{"layer": "machine"})
}

// Loader returns true if image loading should produce debug output.
func Loader() bool {
	return loader
}

// LoaderLogger returns a logger for image loading.
func LoaderLogger() Logger {
	return makeLogger(loader, logrus.Fields{"layer": "loader"})
}

// Debugger returns true if the session controller should produce debug output.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the session controller.
func DebuggerLogger() Logger {
	return makeLogger(debugger, logrus.Fields{"layer": "debugger"})
}

type textFormatter struct{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(entry.Time.Format("2006-01-02T15:04:05"))
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(&b, " %s", layer)
	}
	fmt.Fprintf(&b, " %s\n", entry.Message)
	return []byte(b.String()), nil
}
