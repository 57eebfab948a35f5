// Package telegram provides Telegram notification services.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fgeck/pgdump-relay/internal/models"
	"github.com/rs/zerolog"
)

const (
	// maxMessageRunes is the sendMessage text limit.
	maxMessageRunes = 4096
	maxErrorRunes   = 1024
	ellipsis        = "…"
)

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendNotification sends a dump failure notification via Telegram.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Str("database", msg.Database).
		Str("failed_step", msg.FailedStep).
		Msg("sending Telegram notification")

	reqBody := sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      s.formatMessage(msg),
		ParseMode: "HTML",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Msg("Telegram notification sent successfully")

	return result, nil
}

func (s *Impl) formatMessage(msg models.TelegramMessage) string {
	var b bytes.Buffer

	if msg.FailedStep == "launch" {
		b.WriteString("❌ <b>Dump Launch Failed</b>\n\n")
	} else {
		b.WriteString("⚠️ <b>Dump Stream Failed</b>\n\n")
	}

	b.WriteString(fmt.Sprintf("🗄 <b>Database:</b> %s\n", escapeHTML(msg.Database)))
	if msg.Origin != "" {
		b.WriteString(fmt.Sprintf("🌐 <b>Origin:</b> %s\n", escapeHTML(msg.Origin)))
	}
	b.WriteString(fmt.Sprintf("⏰ <b>At:</b> %s\n", msg.At.UTC().Format("2006-01-02 15:04:05 MST")))

	if msg.FailedStep != "launch" {
		b.WriteString(fmt.Sprintf("⏱ <b>Duration:</b> %s\n", msg.Duration.Round(time.Second)))
		b.WriteString("\n<b>📊 Transfer:</b>\n")
		b.WriteString(fmt.Sprintf("  • Outcome: %s\n", escapeHTML(string(msg.Outcome))))
		b.WriteString(fmt.Sprintf("  • Bytes sent: %s\n", formatBytes(msg.BytesSent)))
		b.WriteString(fmt.Sprintf("  • Exit code: %d\n", msg.ExitCode))
	}

	b.WriteString("\n<b>⚠️ Error Details:</b>\n")
	b.WriteString(fmt.Sprintf("  • Failed step: %s\n", escapeHTML(msg.FailedStep)))
	b.WriteString(fmt.Sprintf("  • Error: <code>%s</code>\n", escapedHead(msg.ErrorMessage, maxErrorRunes)))
	if msg.Stderr != "" {
		const open, closing = "  • stderr: <pre>", "</pre>\n"
		budget := maxMessageRunes - utf8.RuneCount(b.Bytes()) - utf8.RuneCountInString(open+closing)
		if tail := escapedTail(msg.Stderr, budget); tail != "" {
			b.WriteString(open + tail + closing)
		}
	}

	return b.String()
}

// escapedHead escapes s and keeps at most limit runes from its start.
func escapedHead(s string, limit int) string {
	escaped := escapeHTML(s)
	if utf8.RuneCountInString(escaped) <= limit {
		return escaped
	}

	var b strings.Builder
	used := 0
	for _, r := range s {
		e := escapeHTML(string(r))
		n := utf8.RuneCountInString(e)
		if used+n > limit-1 {
			break
		}
		b.WriteString(e)
		used += n
	}
	b.WriteString(ellipsis)
	return b.String()
}

// escapedTail escapes s and keeps at most limit runes from its end.
// Entities are never split.
func escapedTail(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	escaped := escapeHTML(s)
	if utf8.RuneCountInString(escaped) <= limit {
		return escaped
	}

	runes := []rune(s)
	start, used := len(runes), 0
	for start > 0 {
		n := utf8.RuneCountInString(escapeHTML(string(runes[start-1])))
		if used+n > limit-1 {
			break
		}
		used += n
		start--
	}
	return ellipsis + escapeHTML(string(runes[start:]))
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
