package client

import (
	"github.com/loykin/histd/internal/history"
	"github.com/loykin/histd/internal/metrics"
	"github.com/loykin/histd/internal/syncer"
)

// Record is a completed command as served by GET /history and /log.
type Record = history.Record

// SyncReport summarizes one sync round.
type SyncReport = syncer.Report

// StartRequest reports a command the shell is about to run. Timestamp is
// nanoseconds since the Unix epoch.
type StartRequest struct {
	Command   string `json:"command"`
	Cwd       string `json:"cwd"`
	Session   string `json:"session"`
	Hostname  string `json:"hostname"`
	Timestamp int64  `json:"timestamp"`
}

type EndResult struct {
	ID  string `json:"id"`
	Idx uint64 `json:"idx"`
}

// SearchQuery filters GET /history. Prefix matches the start of the command.
type SearchQuery struct {
	Prefix  string
	Session string
	Limit   int
}

// Status is the daemon's view of itself.
type Status struct {
	Host    string              `json:"host"`
	Running int                 `json:"running"`
	Next    uint64              `json:"next"`
	Heads   map[string]uint64   `json:"heads"`
	Uptime  string              `json:"uptime"`
	Sync    bool                `json:"sync"`
	Self    *metrics.SelfSample `json:"self,omitempty"`
}

// LogItem is one decoded append log entry. Error is set instead of Record
// when the payload could not be opened.
type LogItem struct {
	Host   string  `json:"host"`
	Idx    uint64  `json:"idx"`
	ID     string  `json:"id"`
	Record *Record `json:"record,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
