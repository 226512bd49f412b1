package machine

// Host is the capability the machine uses to reach the outside world. The
// emulated program has no I/O of its own, everything goes through the win32
// shims and from there through these callbacks.
//
// Callbacks are invoked synchronously from inside Step().
type Host interface {
	// ProgramExit is invoked when the emulated program calls ExitProcess.
	// The machine must not be stepped again after this callback has fired.
	ProgramExit(code int)

	// ProgramWrite is invoked when the emulated program writes to its
	// console. It returns the number of bytes consumed.
	ProgramWrite(p []byte) int
}
