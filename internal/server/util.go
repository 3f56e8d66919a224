package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/histd/internal/lifecycle"
	"github.com/loykin/histd/internal/store"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeName validates host ids taken from query strings.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func isSafeName(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// Error kinds carried in errorResp.Kind. Clients map them back to sentinels.
const (
	KindInvalidArgument = "invalid_argument"
	KindNotFound        = "not_found"
	KindStorage         = "storage"
	KindConflict        = "conflict"
	KindUnavailable     = "unavailable"
	KindInternal        = "internal"
)

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func badRequest(c *gin.Context, msg string) {
	writeJSON(c, http.StatusBadRequest, errorResp{Error: msg, Kind: KindInvalidArgument})
}

// classify maps a service or log error onto a status code and kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidArgument), errors.Is(err, store.ErrInvalidEntry):
		return http.StatusBadRequest, KindInvalidArgument
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrGap), errors.Is(err, store.ErrLocalHost):
		return http.StatusConflict, KindConflict
	case errors.Is(err, lifecycle.ErrStorage), errors.Is(err, store.ErrStorage):
		return http.StatusInternalServerError, KindStorage
	default:
		return http.StatusInternalServerError, KindInternal
	}
}

func writeError(c *gin.Context, err error) {
	code, kind := classify(err)
	writeJSON(c, code, errorResp{Error: err.Error(), Kind: kind})
}
