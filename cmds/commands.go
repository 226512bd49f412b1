// Package cmds implements the stepwin32 command line interface.
package cmds

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tetromino/stepwin32/debugger"
	"github.com/tetromino/stepwin32/logflags"
	"github.com/tetromino/stepwin32/version"
)

var (
	// log is whether to log the debug output of the debugger itself
	log       bool
	logOutput string
	logDest   string

	// initFile is a file of debugger commands executed at startup
	initFile string

	rootCommand *cobra.Command
)

func buildRootCommand() {
	rootCommand = &cobra.Command{
		Use:   version.ApplicationName,
		Short: fmt.Sprintf("%s is a debugger for win32 executables running under emulation.", version.ApplicationName),
		Long: fmt.Sprintf(`%s loads a PE executable into an emulated x86 machine and lets you
single-step it, set breakpoints, and inspect registers and memory.
Imports from kernel32.dll are resolved to built-in implementations.`, version.ApplicationName),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (machine,loader,debugger).")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the debugger at startup.")

	debugCommand := &cobra.Command{
		Use:   "debug <executable>",
		Short: "Load an executable and begin an interactive debugging session.",
		Long: `Load a PE executable into a fresh machine, halted at its entry point, and
present the debugger prompt. Type HELP at the prompt for the command list.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide an executable")
			}
			return nil
		},
		Run: debugCmd,
	}
	rootCommand.AddCommand(debugCommand)

	runCommand := &cobra.Command{
		Use:   "run <executable>",
		Short: "Load an executable and run it to completion.",
		Long: `Load a PE executable and run it without debugging. Console output is
forwarded and the program's exit code becomes the process exit code.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide an executable")
			}
			return nil
		},
		Run: runCmd,
	}
	rootCommand.AddCommand(runCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}
	rootCommand.AddCommand(versionCommand)
}

func debugCmd(cmd *cobra.Command, args []string) {
	err := debugger.Launch(debugger.Options{
		Filename: args[0],
		InitFile: initFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func runCmd(cmd *cobra.Command, args []string) {
	code, err := debugger.Run(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

// Execute runs the command tree. The return value is the process exit code.
func Execute() int {
	buildRootCommand()
	if err := rootCommand.Execute(); err != nil {
		return 1
	}
	return 0
}
