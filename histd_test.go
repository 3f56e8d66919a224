package histd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/histd/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "cfg"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_RUNTIME_DIR", dir)
	t.Setenv("HISTD_HISTORY_DSN", "sqlite://:memory:")
	t.Setenv("HISTD_LOG_LEVEL", "error")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	return cfg
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b)))
	return rr
}

func TestDaemonHandlerEmbedded(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	assert.NotEmpty(t, d.HostID())

	h := d.Handler()
	rr := post(t, h, "/history/start", map[string]any{"command": "make", "timestamp": 10})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var start struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &start))

	rr = post(t, h, "/history/end", map[string]any{"id": start.ID, "exit": 0, "duration": 5})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sync/heads", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), d.HostID())
}

func TestDaemonSyncDisabled(t *testing.T) {
	d, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	_, err = d.SyncOnce(context.Background())
	require.Error(t, err)
}

func TestDaemonCloseTwice(t *testing.T) {
	d, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}

func TestNewBadStoreDSN(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.DSN = "nosuch://x"
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
}
