package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		var ex *exitError
		if errors.As(err, &ex) {
			os.Exit(ex.code)
		}
		_, _ = color.New(color.FgRed).Fprintln(os.Stderr, "histd:", err)
		os.Exit(1)
	}
}

// exitError ends the process with code after the command has already
// reported the failure itself.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	g := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "histd",
		Short: "Shell history daemon",
		Long: `histd records every shell command with its directory, exit code and
duration. A local daemon owns the history; shell hooks report commands to it
with "histd start" and "histd end".

Examples:
  histd daemon                           # run the daemon in the foreground
  id=$(histd start --command "make")     # from a preexec hook
  histd end "$id" --exit $?              # from a precmd hook
  histd search git --limit 20`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if g.NoColor {
				color.NoColor = true
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&g.Addr, "addr", "", "daemon address (unix:/path, host:port or https://host:port)")
	root.PersistentFlags().DurationVar(&g.Timeout, "timeout", 5*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&g.NoColor, "no-color", false, "disable colored output")

	root.AddCommand(
		createDaemonCommand(g),
		createStartCommand(g),
		createEndCommand(g),
		createStatusCommand(g),
		createSearchCommand(g),
		createSyncCommand(g),
		createLogCommand(g),
	)
	return root
}
