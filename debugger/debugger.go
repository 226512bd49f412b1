package debugger

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/cosiner/argv"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"

	"github.com/tetromino/stepwin32/config"
	"github.com/tetromino/stepwin32/logflags"
	"github.com/tetromino/stepwin32/machine"
	"github.com/tetromino/stepwin32/resources"
)

const historyFile = "debug_history"

// Options are the launch arguments for an interactive debugging session.
type Options struct {
	// the executable to load
	Filename string

	// a file of debugger commands executed before the first prompt
	InitFile string
}

type debugger struct {
	opts Options
	conf *config.Config

	machine *machine.Machine
	session *Session

	// SIGINT while the program is running stops it at the next instruction
	// boundary. at the prompt, liner handles it
	sig chan os.Signal

	// styled debugger output. program console output goes directly to stdout
	out    io.Writer
	styles styles

	log logflags.Logger
}

// Launch runs the interactive debugger until the user quits. The terminal is
// the liner prompt with history and completion; command output is styled
// when stdout is a terminal.
func Launch(opts Options) error {
	conf, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("*** %s\n", err)
	}

	tty := isatty.IsTerminal(os.Stdout.Fd())
	styled := tty
	if conf.Styles != nil {
		styled = *conf.Styles
	}

	var out io.Writer = os.Stdout
	if tty {
		out = colorable.NewColorableStdout()
	}

	m := &debugger{
		opts:   opts,
		conf:   conf,
		sig:    make(chan os.Signal, 1),
		out:    out,
		styles: newStyles(styled),
		log:    logflags.DebuggerLogger(),
	}

	if err := m.reset(); err != nil {
		return err
	}
	m.printBanner()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(m.complete)

	history, err := resources.JoinPath(historyFile)
	if err == nil {
		if f, err := os.Open(history); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}

	signal.Notify(m.sig, syscall.SIGINT)
	defer signal.Stop(m.sig)

	if opts.InitFile != "" {
		if err := m.executeFile(opts.InitFile); err != nil {
			m.printErr(fmt.Sprintf("init file: %s", err.Error()))
		}
	}

	for {
		s, err := line.Prompt("(stepwin32) ")
		if err != nil {
			if err == liner.ErrPromptAborted {
				continue
			}
			// ctrl-d ends the session
			break
		}

		s = strings.TrimSpace(s)
		if s != "" {
			line.AppendHistory(s)
		}

		if m.execute(s) {
			break
		}
	}

	if history != "" {
		if f, err := os.Create(history); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}

	return nil
}

// reset discards the current machine and loads the session's executable
// afresh. used at launch and by the RESET command.
func (m *debugger) reset() error {
	data, err := os.ReadFile(m.opts.Filename)
	if err != nil {
		return fmt.Errorf("debugger: %w", err)
	}

	s, mc, err := NewMachineSession(data, os.Stdout)
	if err != nil {
		return fmt.Errorf("debugger: %w", err)
	}

	m.machine = mc
	m.session = s
	return nil
}

// execute tokenizes and dispatches one line of input. an empty line steps
// one instruction. the return value is true if the debugger is to quit.
func (m *debugger) execute(s string) bool {
	if s == "" {
		return m.commands([]string{"STEP"})
	}

	tokens, err := argv.Argv(s, nil, nil)
	if err != nil || len(tokens) == 0 {
		m.printErr(fmt.Sprintf("cannot parse: %s", s))
		return false
	}

	for _, cmd := range tokens {
		if len(cmd) == 0 {
			continue
		}
		if alias, ok := m.conf.Aliases[strings.ToLower(cmd[0])]; ok {
			cmd = append(append([]string{}, alias...), cmd[1:]...)
		}
		if m.commands(cmd) {
			return true
		}
	}

	return false
}

// executeFile runs every line of a command script, stopping at the first
// QUIT or at the end of the file.
func (m *debugger) executeFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	for _, s := range strings.Split(string(data), "\n") {
		s = strings.TrimSpace(s)
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		if m.execute(s) {
			break
		}
	}

	return nil
}

// complete offers command names and import labels for tab completion.
func (m *debugger) complete(s string) []string {
	var c []string

	if s == "" {
		return c
	}

	up := strings.ToUpper(s)
	for _, cmd := range commandNames {
		if strings.HasPrefix(cmd, up) {
			c = append(c, cmd)
		}
	}

	// symbol completion applies to the argument position. complete the last
	// field and reassemble the line
	fields := strings.Split(s, " ")
	if len(fields) > 1 {
		prefix := strings.Join(fields[:len(fields)-1], " ")
		for _, sym := range m.session.Symbols.Complete(fields[len(fields)-1]) {
			c = append(c, fmt.Sprintf("%s %s", prefix, sym))
		}
	}

	sort.Strings(c)
	return c
}

// interrupted drains any pending SIGINT. used as the cancel hook for RUN and
// RUNTO so a ctrl-c stops the program at the next instruction boundary.
func (m *debugger) interrupted() bool {
	select {
	case <-m.sig:
		return true
	default:
		return false
	}
}

func (m *debugger) printBanner() {
	snap, _ := m.session.Snapshot(0)
	m.println(m.styles.debugger, fmt.Sprintf("%s loaded, entry %08x", m.opts.Filename, snap.PC))
	m.println(m.styles.debugger, "Type HELP for a list of commands")
}

func (m *debugger) println(style lipgloss.Style, s string) {
	fmt.Fprintln(m.out, style.Render(s))
}

func (m *debugger) printErr(s string) {
	m.println(m.styles.err, s)
}
