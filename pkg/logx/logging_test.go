package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inviter/internal/transport"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "invite"))
	log.Warn("invite failed", String("account", "a1"), Int("attempt", 2), Err(errors.New("peer flood")), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if m["comp"] != "invite" || m["account"] != "a1" || m["attempt"] != float64(2) || m["message"] != "invite failed" {
		t.Fatalf("fields = %v", m)
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v", m["level"])
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()

	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	zero.Info("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormatTelegramJSONRedactsAndSorts(t *testing.T) {
	t.Parallel()

	line := `{"level":"error","time":"x","message":"session open failed","session_string":"1Aabc","account":"a1","api_hash":"deadbeef"}`
	got := formatTelegramJSON([]byte(line))
	want := "[ERROR] session open failed\n- account=a1\n- api_hash=[redacted]\n- session_string=[redacted]"
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
	if got := formatTelegramJSON([]byte("not json")); got != "not json" {
		t.Fatalf("raw passthrough = %q", got)
	}
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, text)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// Not parallel: New sets zerolog package globals.
func TestServiceForwardsWarningsToTelegram(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: t.TempDir() + "/inviter.log"},
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     -100,
			MinLevel:   "warn",
			RatePerSec: 100,
		},
	}, sender)
	defer svc.Close()

	log.Info("below threshold")
	log.Warn("backlog over threshold", Int("depth", 120))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 || !strings.HasPrefix(sender.msgs[0], "[WARN] backlog over threshold") {
		t.Fatalf("forwarded = %q", sender.msgs)
	}
}
