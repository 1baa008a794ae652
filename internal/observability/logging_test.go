package observability

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	secret := "sk-ant-" + strings.Repeat("a", 96)
	logger.Info("client connected", "auth", "api_key = "+strings.Repeat("b", 20))
	logger.Error("provider failed", "detail", secret)

	out := buf.String()
	if strings.Contains(out, secret) {
		t.Error("anthropic key leaked into logs")
	}
	if strings.Contains(out, strings.Repeat("b", 20)) {
		t.Error("api key leaked into logs")
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction marker in output:\n%s", out)
	}
	if !strings.Contains(out, "client connected") {
		t.Error("message dropped")
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info("should be filtered")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Error("info record passed a warn-level logger")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn record missing")
	}
}

func TestLogger_WithAttrsRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	token := "bearer " + strings.Repeat("c", 24)
	logger.With("header", token).Info("request")

	if strings.Contains(buf.String(), strings.Repeat("c", 24)) {
		t.Error("token in With attrs leaked")
	}
}
