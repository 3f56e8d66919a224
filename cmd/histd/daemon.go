package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/histd"
	"github.com/loykin/histd/internal/config"
	"github.com/loykin/histd/internal/logger"
)

func createDaemonCommand(g *GlobalFlags) *cobra.Command {
	f := &DaemonFlags{}
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the history daemon",
		Long: `Run the history daemon. It listens on a unix socket (or a TCP address
from the config), keeps the running-command registry, and persists finished
commands to the row store and the append log.

Examples:
  histd daemon
  histd daemon --config ~/.config/histd/config.toml --pidfile /tmp/histd.pid
  histd daemon --detach`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.ConfigPath)
			if err != nil {
				return err
			}
			if f.PidFile != "" {
				cfg.Daemon.PIDFile = f.PidFile
			}
			if f.Detach {
				return daemonize(cfg.Daemon.PIDFile)
			}
			log, closeLog, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = closeLog.Close() }()
			slog.SetDefault(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			d, err := histd.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			return serveDaemon(ctx, d, cfg.Daemon.PIDFile)
		},
	}
	cmd.Flags().BoolVar(&f.Detach, "detach", false, "run in the background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon PID to this file")
	return cmd
}

// serveDaemon runs d with the pid file held for its lifetime.
func serveDaemon(ctx context.Context, d *histd.Daemon, pidFile string) error {
	if pidFile != "" {
		if err := writePidFile(pidFile, os.Getpid()); err != nil {
			_ = d.Close()
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(pidFile) }()
	}
	return d.Run(ctx)
}

// daemonize re-executes the daemon command in a new session and returns
// once the child has started.
func daemonize(pidFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	args := make([]string, 0, len(os.Args))
	for _, arg := range os.Args[1:] {
		if arg == "--detach" || strings.HasPrefix(arg, "--detach=") {
			continue
		}
		args = append(args, arg)
	}

	// #nosec G204 re-executes this binary
	cmd := exec.Command(executable, args...)
	configureDaemonAttrs(cmd)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	if pidFile != "" {
		if err := writePidFile(pidFile, cmd.Process.Pid); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
	}
	fmt.Printf("Daemon started with PID %d\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

// writePidFile refuses to overwrite the pid file of a live process.
func writePidFile(pidFile string, pid int) error {
	if b, err := os.ReadFile(pidFile); err == nil {
		if old, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil && old != pid && processAlive(old) {
			return fmt.Errorf("pid file %s belongs to running process %d", pidFile, old)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	// #nosec G306 pid files are world readable by convention
	return os.WriteFile(pidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.Remove(pidFile)
}
