package debugger

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Run loads an executable and runs it to completion with no prompt and no
// breakpoints. Console output goes to stdout. The return value is the
// program's exit code; SIGINT stops the program early with an error.
func Run(filename string) (int, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return 1, err
	}

	s, _, err := NewMachineSession(data, os.Stdout)
	if err != nil {
		return 1, err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT)
	defer signal.Stop(sig)

	cancel := func() bool {
		select {
		case <-sig:
			return true
		default:
			return false
		}
	}

	res, err := s.Run(cancel)
	if err != nil {
		return 1, fmt.Errorf("at %08x: %w", s.PC(), err)
	}
	if res == StepInterrupted {
		return 1, fmt.Errorf("interrupted at %08x", s.PC())
	}

	_, code := s.Exited()
	return code, nil
}
