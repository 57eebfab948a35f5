package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fgeck/pgdump-relay/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("{}")),
	}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.TelegramConfig {
	return models.TelegramConfig{
		BotToken: "123456:ABC-DEF",
		ChatID:   "-100123456789",
	}
}

func streamFailure() models.TelegramMessage {
	return models.TelegramMessage{
		Database:     "app",
		Origin:       "10.0.0.7",
		Outcome:      models.DumpExitError,
		At:           time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Duration:     3*time.Minute + 45*time.Second,
		BytesSent:    1024 * 1024 * 100,
		ExitCode:     1,
		ErrorMessage: "pg_dump exited with code 1",
		Stderr:       "pg_dump: error: connection to server lost",
		FailedStep:   "stream",
	}
}

func TestSendNotification_Success(t *testing.T) {
	var capturedRequest *http.Request
	var capturedBody sendMessageRequest

	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			capturedRequest = req
			body, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(body, &capturedBody)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("{\"ok\":true}")),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	result, err := svc.SendNotification(context.Background(), testConfig(), streamFailure())

	require.NoError(t, err)
	assert.True(t, result.MessageSent)
	assert.Nil(t, result.Error)

	// Verify request
	assert.Equal(t, http.MethodPost, capturedRequest.Method)
	assert.Contains(t, capturedRequest.URL.String(), "/bot123456:ABC-DEF/sendMessage")
	assert.Equal(t, "application/json", capturedRequest.Header.Get("Content-Type"))

	// Verify body
	assert.Equal(t, "-100123456789", capturedBody.ChatID)
	assert.Equal(t, "HTML", capturedBody.ParseMode)
	assert.Contains(t, capturedBody.Text, "Dump Stream Failed")
}

func TestSendNotification_HTTPError(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("network error")
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	result, err := svc.SendNotification(context.Background(), testConfig(), streamFailure())

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	assert.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to send request")
}

func TestSendNotification_APIError(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusBadRequest,
				Body:       io.NopCloser(strings.NewReader("{\"ok\":false}")),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	result, err := svc.SendNotification(context.Background(), testConfig(), streamFailure())

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	assert.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "status 400")
}

func TestSendNotification_ContextCancelled(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, context.Canceled
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.SendNotification(ctx, testConfig(), streamFailure())

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	assert.NotNil(t, result.Error)
}

func TestFormatMessage_StreamFailure(t *testing.T) {
	svc := New(testLogger())

	result := svc.formatMessage(streamFailure())

	assert.Contains(t, result, "Dump Stream Failed")
	assert.Contains(t, result, "app")
	assert.Contains(t, result, "10.0.0.7")
	assert.Contains(t, result, "2024-01-15 10:30:00 UTC")
	assert.Contains(t, result, "Duration:</b> 3m45s")
	assert.Contains(t, result, "Outcome: exit_error")
	assert.Contains(t, result, "Bytes sent: 100.0 MiB")
	assert.Contains(t, result, "Exit code: 1")
	assert.Contains(t, result, "Failed step: stream")
	assert.Contains(t, result, "connection to server lost")
}

func TestFormatMessage_LaunchFailure(t *testing.T) {
	svc := New(testLogger())

	msg := models.TelegramMessage{
		Database:     "app",
		At:           time.Now(),
		FailedStep:   "launch",
		ErrorMessage: "exec: \"pg_dump\": executable file not found in $PATH",
	}

	result := svc.formatMessage(msg)

	assert.Contains(t, result, "Dump Launch Failed")
	assert.Contains(t, result, "Failed step: launch")
	assert.Contains(t, result, "executable file not found")
	assert.NotContains(t, result, "Bytes sent")
	assert.NotContains(t, result, "Origin")
}

func TestFormatMessage_EscapesStderr(t *testing.T) {
	msg := streamFailure()
	msg.Stderr = "<b>bad</b>"

	result := New(testLogger()).formatMessage(msg)
	assert.Contains(t, result, "&lt;b&gt;bad&lt;/b&gt;")
}

func TestFormatMessage_FitsTelegramLimit(t *testing.T) {
	// A full stderr tail, with entities and multi-byte runes.
	line := "pg_dump: error: query failed: relation <événement> & co\n"
	stderr := strings.Repeat(line, 4096/len(line)+1)
	stderr = stderr[len(stderr)-4096:] + "pg_dump: last line"

	msg := streamFailure()
	msg.Stderr = stderr
	msg.ErrorMessage = strings.Repeat("x", 5000)

	result := New(testLogger()).formatMessage(msg)

	assert.LessOrEqual(t, utf8.RuneCountInString(result), maxMessageRunes)
	assert.True(t, utf8.ValidString(result))
	assert.Contains(t, result, "Dump Stream Failed")
	assert.Contains(t, result, "pg_dump: last line</pre>")
	assert.Contains(t, result, "<pre>…")
	// No entity is cut in half.
	pre := result[strings.Index(result, "<pre>")+len("<pre>") : strings.Index(result, "</pre>")]
	assert.NotContains(t, strings.ReplaceAll(strings.ReplaceAll(strings.ReplaceAll(pre, "&lt;", ""), "&gt;", ""), "&amp;", ""), "&")
}

func TestEscapedTail(t *testing.T) {
	assert.Equal(t, "a&lt;b", escapedTail("a<b", 10))
	assert.Equal(t, "a&lt;b", escapedTail("a<b", 6))
	assert.Equal(t, "…b", escapedTail("a<b", 5))
	assert.Equal(t, "…&lt;b", escapedTail("aa<b", 6))
	assert.Equal(t, "", escapedTail("a<b", 0))
	assert.Equal(t, "…é", escapedTail("ééé", 2))
}

func TestEscapedHead(t *testing.T) {
	assert.Equal(t, "a&amp;b", escapedHead("a&b", 10))
	assert.Equal(t, "a…", escapedHead("a&b", 6))
	assert.Equal(t, "ab…", escapedHead("abcdef", 3))
}

func TestEscapeHTML(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello", "hello"},
		{"<script>", "&lt;script&gt;"},
		{"a & b", "a &amp; b"},
		{"<>&", "&lt;&gt;&amp;"},
		{"normal text", "normal text"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeHTML(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{500, "500 B"},
		{1024, "1.0 KiB"},
		{1024 * 1024, "1.0 MiB"},
		{1024 * 1024 * 1024, "1.0 GiB"},
		{1536 * 1024, "1.5 MiB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatBytes(tt.bytes)
			assert.Equal(t, tt.expected, result)
		})
	}
}
