package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for a dump failure notification.
type TelegramMessage struct {
	Database string
	Origin   string
	Outcome  DumpOutcome // empty for launch failures
	At       time.Time
	Duration time.Duration

	BytesSent int64
	ExitCode  int

	// Error info.
	ErrorMessage string
	Stderr       string
	FailedStep   string // "launch" or "stream"
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
