package main

import "time"

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Addr       string // daemon address; overrides the config
	Timeout    time.Duration
	NoColor    bool
}

// Flag structs decouple cobra from logic for testing.
type StartFlags struct {
	Command   string
	Cwd       string
	Session   string
	Hostname  string
	Timestamp int64 // ns since epoch; 0 means now
}

type EndFlags struct {
	Exit int64
	// Duration is nanoseconds or a Go duration ("1.5s"); empty or 0 lets
	// the daemon measure.
	Duration string
}

type SearchFlags struct {
	Session string
	Limit   int
	JSON    bool
}

type LogDumpFlags struct {
	Host  string
	From  uint64
	Limit int
}

type DaemonFlags struct {
	Detach  bool
	PidFile string
}
