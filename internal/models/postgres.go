package models

import "time"

// PostgresConfig holds PostgreSQL dump configuration.
type PostgresConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	Binary      string // "pg_dump" unless overridden
	Format      string // "custom" (default), "plain", "tar"
	Compression int    // 0-9
}

// DumpOutcome classifies how a streamed dump ended.
type DumpOutcome string

// Dump outcomes.
const (
	DumpCompleted   DumpOutcome = "completed"
	DumpAborted     DumpOutcome = "aborted"
	DumpStreamError DumpOutcome = "stream_error"
	DumpExitError   DumpOutcome = "exit_error"
)

// DumpResult holds the result of a streamed pg_dump run.
type DumpResult struct {
	Database  string
	BytesSent int64
	Duration  time.Duration
	ExitCode  int    // -1 if the process was killed or never reported
	Stderr    string // tail of the process stderr
	Outcome   DumpOutcome
	Error     error
}
