package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/histd/pkg/client"
)

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{"": 0, "0": 0, "1500": 1500, "1.5s": 1500 * time.Millisecond, "2m": 2 * time.Minute}
	for in, want := range cases {
		got, err := parseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"abc", "-1s", "-5"} {
		_, err := parseDuration(in)
		assert.Error(t, err, in)
	}
}

func fakeDaemon(t *testing.T, code int, body string) *client.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	c, err := client.New(client.Config{Addr: srv.URL})
	require.NoError(t, err)
	return c
}

func TestRunEndNotFoundIsSilent(t *testing.T) {
	c := fakeDaemon(t, http.StatusNotFound, `{"error":"unknown id","kind":"not_found"}`)
	var stderr bytes.Buffer
	require.NoError(t, runEnd(context.Background(), c, &stderr, "x", EndFlags{}))
	assert.Empty(t, stderr.String())
}

func TestRunEndStorageIsLoud(t *testing.T) {
	c := fakeDaemon(t, http.StatusInternalServerError, `{"error":"row store: disk full","kind":"storage"}`)
	var stderr bytes.Buffer
	err := runEnd(context.Background(), c, &stderr, "abc", EndFlags{})
	var ex *exitError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, 2, ex.code)
	assert.Contains(t, stderr.String(), "abc was not saved")
	assert.Contains(t, stderr.String(), "disk full")
}

func TestRunEndBadDuration(t *testing.T) {
	c := fakeDaemon(t, http.StatusOK, `{}`)
	require.Error(t, runEnd(context.Background(), c, &bytes.Buffer{}, "x", EndFlags{Duration: "soon"}))
}

func TestRunSyncDisabled(t *testing.T) {
	c := fakeDaemon(t, http.StatusServiceUnavailable, `{"error":"sync is not configured","kind":"unavailable"}`)
	err := runSync(context.Background(), c, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enabled")
}

func TestRunSyncReport(t *testing.T) {
	c := fakeDaemon(t, http.StatusOK, `{"pushed":3,"pulled":1,"hosts":2,"took":1000000}`)
	var out bytes.Buffer
	require.NoError(t, runSync(context.Background(), c, &out))
	assert.Equal(t, "pushed 3, pulled 1 across 2 hosts in 1ms\n", out.String())
}

func TestRunLogDumpPages(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		from := r.URL.Query().Get("from")
		switch from {
		case "0":
			_, _ = w.Write([]byte(`[{"host":"h","idx":0,"id":"a"},{"host":"h","idx":1,"id":"b"}]`))
		default:
			_, _ = w.Write([]byte(`[{"host":"h","idx":2,"id":"c"}]`))
		}
	}))
	defer srv.Close()
	c, err := client.New(client.Config{Addr: srv.URL})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runLogDump(context.Background(), c, &out, LogDumpFlags{Limit: 2}))
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))
	assert.Equal(t, 1, calls)
}

func TestRootHelp(t *testing.T) {
	var out bytes.Buffer
	root := buildRoot(&out, &out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "histd")
	for _, name := range []string{"daemon", "start", "end", "status", "search", "sync", "log"} {
		assert.Contains(t, out.String(), name)
	}
}

func TestEndRequiresID(t *testing.T) {
	var out bytes.Buffer
	root := buildRoot(&out, &out)
	root.SetArgs([]string{"end"})
	require.Error(t, root.Execute())
}
