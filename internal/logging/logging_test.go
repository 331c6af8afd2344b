package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	mu.Lock()
	baseWriter = &buf
	mu.Unlock()

	Init(Config{Format: "json", Level: "debug", Component: "blink-backend"})
	log.Debug().Str("flow", "deposit_reserve").Msg("step started")

	line := strings.TrimSpace(buf.String())
	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line %q: %v", line, err)
	}
	if event["component"] != "blink-backend" {
		t.Fatalf("expected component field, got %v", event["component"])
	}
	if event["level"] != "debug" {
		t.Fatalf("expected debug level to be enabled, got %v", event["level"])
	}
	if event["flow"] != "deposit_reserve" {
		t.Fatalf("expected flow field, got %v", event["flow"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{input: "", want: zerolog.InfoLevel},
		{input: "DEBUG", want: zerolog.DebugLevel},
		{input: "warning", want: zerolog.WarnLevel},
		{input: "error", want: zerolog.ErrorLevel},
		{input: "bogus", want: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
