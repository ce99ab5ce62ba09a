package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("session_id", "s1").WithGroup("router").Info("router.message.routed",
		"status", 200,
		"duration_ms", int64(12),
		"note", "two words",
		slog.Group("peer", "id", "bob"),
	)

	line := buf.String()
	for _, want := range []string{
		"[INFO] router.message.routed",
		"session_id=s1",
		"router.status=200",
		"router.duration=12ms",
		`router.note="two words"`,
		"router.peer.id=bob",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("plain line contains escape codes: %q", line)
	}
}

func TestPrettyHandler_LevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))

	log.Info("dropped")
	log.Warn("kept")
	log.Error("also.kept", "err", "boom")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info record should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] kept") || !strings.Contains(out, "[ERROR] also.kept err=boom") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestValueToString(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		in   slog.Value
		want string
	}{
		{in: slog.StringValue("x"), want: "x"},
		{in: slog.Int64Value(-3), want: "-3"},
		{in: slog.Uint64Value(7), want: "7"},
		{in: slog.Float64Value(1.5), want: "1.5"},
		{in: slog.BoolValue(true), want: "true"},
		{in: slog.DurationValue(1500 * time.Millisecond), want: "1.5s"},
		{in: slog.TimeValue(at), want: "2026-01-02T03:04:05Z"},
	}
	for _, tc := range cases {
		if got := valueToString(tc.in); got != tc.want {
			t.Fatalf("valueToString(%v)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":        `""`,
		"plain":   "plain",
		"a b":     `"a b"`,
		"k=v":     `"k=v"`,
		"line\nx": `"line\nx"`,
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", in, got, want)
		}
	}
}
