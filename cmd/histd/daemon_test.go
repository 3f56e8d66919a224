package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/histd"
	"github.com/loykin/histd/internal/config"
	"github.com/loykin/histd/pkg/client"
)

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "histd.pid")
	require.NoError(t, writePidFile(pidFile, os.Getpid()))
	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(b)))

	// same pid may rewrite; another pid may not while we are alive
	require.NoError(t, writePidFile(pidFile, os.Getpid()))
	require.Error(t, writePidFile(pidFile, os.Getpid()+100000))

	require.NoError(t, removePidFile(pidFile))
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, removePidFile(""))
}

func TestPidFileStale(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "histd.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid"), 0o644))
	require.NoError(t, writePidFile(pidFile, os.Getpid()))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "histd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "cfg"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_RUNTIME_DIR", dir)

	p := filepath.Join(dir, "histd.toml")
	body := `
[daemon]
socket_path = "` + filepath.Join(dir, "d.sock") + `"
pidfile = "` + filepath.Join(dir, "histd.pid") + `"
shutdown_timeout = "1s"

[store]
dsn = "sqlite://` + filepath.Join(dir, "log.db") + `"

[history]
dsn = "sqlite://:memory:"

[keys]
key_path = "` + filepath.Join(dir, "keys", "key") + `"
host_id_path = "` + filepath.Join(dir, "keys", "host_id") + `"

[log]
level = "error"
`
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	cfg, err := config.Load(p)
	require.NoError(t, err)
	return cfg
}

func TestDaemonEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := histd.New(ctx, cfg, nil)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- serveDaemon(ctx, d, cfg.Daemon.PIDFile) }()

	c, err := client.New(client.Config{Addr: cfg.ListenAddr()})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.IsReachable(ctx) }, 5*time.Second, 20*time.Millisecond)

	_, err = os.Stat(cfg.Daemon.PIDFile)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runStart(ctx, c, &out, StartFlags{Command: "echo hi", Session: "s1"}))
	id := strings.TrimSpace(out.String())
	require.NotEmpty(t, id)
	require.NoError(t, runEnd(ctx, c, &out, id, EndFlags{Exit: 3, Duration: "250ms"}))
	// a second end is silently ignored
	require.NoError(t, runEnd(ctx, c, &out, id, EndFlags{}))

	out.Reset()
	require.NoError(t, runSearch(ctx, c, &out, "echo", SearchFlags{JSON: true}))
	var rows []client.Record
	require.NoError(t, json.Unmarshal(out.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].Exit)
	assert.Equal(t, 250*time.Millisecond, rows[0].Duration)

	out.Reset()
	require.NoError(t, runLogDump(ctx, c, &out, LogDumpFlags{}))
	var item client.LogItem
	require.NoError(t, json.Unmarshal(out.Bytes(), &item))
	require.NotNil(t, item.Record)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, "echo hi", item.Record.Command)

	out.Reset()
	require.NoError(t, runStatus(ctx, c, &out, false))
	assert.Contains(t, out.String(), "(local)")

	require.Error(t, runSync(ctx, c, &out))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	_, err = os.Stat(cfg.Daemon.SocketPath)
	assert.True(t, os.IsNotExist(err), "socket removed on shutdown")
	_, err = os.Stat(cfg.Daemon.PIDFile)
	assert.True(t, os.IsNotExist(err), "pid file removed on shutdown")
}

func TestDaemonRestartKeepsHostAndIndex(t *testing.T) {
	cfg := testConfig(t)
	var hosts []string
	for round := 0; round < 2; round++ {
		ctx, cancel := context.WithCancel(context.Background())
		d, err := histd.New(ctx, cfg, nil)
		require.NoError(t, err)
		hosts = append(hosts, d.HostID())

		done := make(chan error, 1)
		go func() { done <- serveDaemon(ctx, d, "") }()
		c, err := client.New(client.Config{Addr: cfg.ListenAddr()})
		require.NoError(t, err)
		require.Eventually(t, func() bool { return c.IsReachable(ctx) }, 5*time.Second, 20*time.Millisecond)
		st, err := c.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(round), st.Next)
		id, err := c.Start(ctx, client.StartRequest{Command: "true", Timestamp: 1})
		require.NoError(t, err)
		_, err = c.End(ctx, id, 0, 0)
		require.NoError(t, err)
		cancel()
		require.NoError(t, <-done)
	}
	assert.Equal(t, hosts[0], hosts[1])
}
