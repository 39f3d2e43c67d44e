package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_WritesMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.ShowSource = false

	logger := slog.New(NewPrettyHandler(&buf, &opts))
	logger.Info("connection established", slog.Int("conn_id", 7))

	out := buf.String()
	if !strings.Contains(out, "connection established") {
		t.Fatalf("output %q missing message", out)
	}
	if !strings.Contains(out, "conn_id") {
		t.Fatalf("output %q missing attribute key", out)
	}
}

func TestPrettyHandler_WithAttrsPropagatesToChildren(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.ShowSource = false

	logger := slog.New(NewPrettyHandler(&buf, &opts)).With(slog.String("component", "wire"))
	logger.Warn("peer stalled")

	out := buf.String()
	if !strings.Contains(out, "component") || !strings.Contains(out, "wire") {
		t.Fatalf("output %q missing inherited attribute", out)
	}
}
