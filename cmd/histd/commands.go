package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loykin/histd/internal/auth"
	"github.com/loykin/histd/internal/config"
	"github.com/loykin/histd/pkg/client"
)

// newClient resolves the daemon address from --addr or the config file.
// With daemon auth configured the CLI signs its own tokens from the shared
// secret.
func newClient(g *GlobalFlags) (*client.Client, error) {
	cc := client.Config{Addr: g.Addr, Timeout: g.Timeout}
	if cc.Addr != "" {
		return client.New(cc)
	}
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	cc.Addr = cfg.ListenAddr()
	if tc := cfg.Daemon.TLS; tc.Enabled && cfg.Daemon.TCPAddr != "" {
		cc.Addr = "https://" + cfg.Daemon.TCPAddr
		if tc.CertFile == "" {
			cc.CACert = filepath.Join(tc.Dir, "tls_ca.crt")
		}
	}
	tokens, err := auth.FromConfig(cfg.Daemon.Auth)
	if err != nil {
		return nil, err
	}
	if tokens != nil {
		cc.Token = tokens.Source("cli", auth.ScopeHistory, auth.ScopeSync)
	}
	return client.New(cc)
}

func createStartCommand(g *GlobalFlags) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start [command...]",
		Short: "Report a command that is about to run and print its id",
		Long: `Report a command to the daemon before it runs. The printed id is passed
to "histd end" once the command exits.

Examples:
  histd start --command "git push" --session "$HISTD_SESSION"
  histd start -- make -j8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Command == "" {
				f.Command = strings.Join(args, " ")
			}
			c, err := newClient(g)
			if err != nil {
				return err
			}
			return runStart(cmd.Context(), c, cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Command, "command", "", "command line as typed")
	cmd.Flags().StringVar(&f.Cwd, "cwd", "", "working directory (default: current)")
	cmd.Flags().StringVar(&f.Session, "session", os.Getenv("HISTD_SESSION"), "shell session id")
	cmd.Flags().StringVar(&f.Hostname, "hostname", "", "hostname (default: this machine)")
	cmd.Flags().Int64Var(&f.Timestamp, "timestamp", 0, "start time in ns since the epoch (default: now)")
	return cmd
}

func runStart(ctx context.Context, c *client.Client, w io.Writer, f StartFlags) error {
	if f.Cwd == "" {
		f.Cwd, _ = os.Getwd()
	}
	if f.Hostname == "" {
		f.Hostname, _ = os.Hostname()
	}
	if f.Timestamp == 0 {
		f.Timestamp = time.Now().UnixNano()
	}
	id, err := c.Start(ctx, client.StartRequest{
		Command:   f.Command,
		Cwd:       f.Cwd,
		Session:   f.Session,
		Hostname:  f.Hostname,
		Timestamp: f.Timestamp,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, id)
	return err
}

func createEndCommand(g *GlobalFlags) *cobra.Command {
	f := &EndFlags{}
	cmd := &cobra.Command{
		Use:   "end <id>",
		Short: "Report that a command exited",
		Long: `Report the exit of a command started with "histd start". An id the
daemon does not know (for instance after a daemon restart) is ignored.

Examples:
  histd end "$id" --exit $?
  histd end "$id" --exit 1 --duration 2.5s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			return runEnd(cmd.Context(), c, cmd.ErrOrStderr(), args[0], *f)
		},
	}
	cmd.Flags().Int64Var(&f.Exit, "exit", 0, "exit status")
	cmd.Flags().StringVar(&f.Duration, "duration", "", "run time as nanoseconds or a duration like 1.5s (default: measured)")
	return cmd
}

// parseDuration accepts a bare nanosecond count or a Go duration string.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 10, 63); err == nil {
		return time.Duration(n), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func runEnd(ctx context.Context, c *client.Client, stderr io.Writer, id string, f EndFlags) error {
	d, err := parseDuration(f.Duration)
	if err != nil {
		return err
	}
	_, err = c.End(ctx, id, f.Exit, d)
	switch {
	case err == nil, errors.Is(err, client.ErrNotFound):
		// an unknown id means the command simply goes unrecorded
		return nil
	case errors.Is(err, client.ErrStorage):
		_, _ = color.New(color.FgRed, color.Bold).Fprintf(stderr, "histd: command %s was not saved: %v\n", id, err)
		return &exitError{code: 2}
	default:
		return err
	}
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			return runStatus(cmd.Context(), c, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func runStatus(ctx context.Context, c *client.Client, w io.Writer, asJSON bool) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(w, st)
	}
	bold := color.New(color.Bold)
	_, _ = bold.Fprintln(w, "histd daemon")
	_, _ = fmt.Fprintf(w, "  host     %s\n", st.Host)
	_, _ = fmt.Fprintf(w, "  uptime   %s\n", st.Uptime)
	_, _ = fmt.Fprintf(w, "  running  %d\n", st.Running)
	_, _ = fmt.Fprintf(w, "  next     %d\n", st.Next)
	sync := color.YellowString("disabled")
	if st.Sync {
		sync = color.GreenString("enabled")
	}
	_, _ = fmt.Fprintf(w, "  sync     %s\n", sync)
	if st.Self != nil {
		_, _ = fmt.Fprintf(w, "  process  pid %d, %.1f%% cpu, %.1f MB\n", st.Self.PID, st.Self.CPUPercent, st.Self.MemoryMB)
	}
	hosts := make([]string, 0, len(st.Heads))
	for h := range st.Heads {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	_, _ = bold.Fprintln(w, "log heads")
	for _, h := range hosts {
		mark := ""
		if h == st.Host {
			mark = " (local)"
		}
		_, _ = fmt.Fprintf(w, "  %s  %d%s\n", h, st.Heads[h], mark)
	}
	return nil
}

func createSearchCommand(g *GlobalFlags) *cobra.Command {
	f := &SearchFlags{}
	cmd := &cobra.Command{
		Use:   "search [prefix]",
		Short: "List recorded commands, newest first",
		Example: `  histd search
  histd search "git " --limit 100
  histd search --session "$HISTD_SESSION"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return runSearch(cmd.Context(), c, cmd.OutOrStdout(), prefix, *f)
		},
	}
	cmd.Flags().StringVar(&f.Session, "session", "", "only this session")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows (default 50)")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print raw JSON")
	return cmd
}

func runSearch(ctx context.Context, c *client.Client, w io.Writer, prefix string, f SearchFlags) error {
	rows, err := c.Search(ctx, client.SearchQuery{Prefix: prefix, Session: f.Session, Limit: f.Limit})
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(w, rows)
	}
	for _, r := range rows {
		exit := color.GreenString("%3d", r.Exit)
		if r.Exit != 0 {
			exit = color.RedString("%3d", r.Exit)
		}
		_, _ = fmt.Fprintf(w, "%s  %s  %8s  %s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), exit, r.Duration.Round(time.Millisecond), r.Command)
	}
	return nil
}

func createSyncCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Ask the daemon to run one sync round now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			return runSync(cmd.Context(), c, cmd.OutOrStdout())
		},
	}
}

func runSync(ctx context.Context, c *client.Client, w io.Writer) error {
	rep, err := c.SyncRun(ctx)
	if errors.Is(err, client.ErrUnavailable) {
		return errors.New("sync is not enabled in the daemon config")
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "pushed %d, pulled %d across %d hosts in %s\n", rep.Pushed, rep.Pulled, rep.Hosts, rep.Took.Round(time.Millisecond))
	return err
}

func createLogCommand(g *GlobalFlags) *cobra.Command {
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the append log",
	}
	f := &LogDumpFlags{}
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print decoded log entries as JSON lines",
		Example: `  histd log dump
  histd log dump --host 0190b8a4-... --from 100`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			return runLogDump(cmd.Context(), c, cmd.OutOrStdout(), *f)
		},
	}
	dump.Flags().StringVar(&f.Host, "host", "", "host id (default: the daemon's own)")
	dump.Flags().Uint64Var(&f.From, "from", 0, "first index")
	dump.Flags().IntVar(&f.Limit, "limit", 0, "stop after this many entries (default: all)")
	logCmd.AddCommand(dump)
	return logCmd
}

const dumpPage = 500

func runLogDump(ctx context.Context, c *client.Client, w io.Writer, f LogDumpFlags) error {
	enc := json.NewEncoder(w)
	from, written := f.From, 0
	for {
		page := dumpPage
		if f.Limit > 0 {
			page = min(page, f.Limit-written)
		}
		items, err := c.Log(ctx, f.Host, from, page)
		if err != nil {
			return err
		}
		for _, it := range items {
			if err := enc.Encode(it); err != nil {
				return err
			}
		}
		written += len(items)
		if len(items) < page || (f.Limit > 0 && written >= f.Limit) {
			return nil
		}
		from = items[len(items)-1].Idx + 1
	}
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
