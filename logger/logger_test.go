package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

type recorded struct {
	level   string
	msg     string
	keyvals []any
}

type memLogger struct{ lines []recorded }

func (m *memLogger) add(level, msg string, kv []any) {
	m.lines = append(m.lines, recorded{level, msg, kv})
}
func (m *memLogger) Debug(msg string, kv ...any) { m.add("debug", msg, kv) }
func (m *memLogger) Info(msg string, kv ...any)  { m.add("info", msg, kv) }
func (m *memLogger) Warn(msg string, kv ...any)  { m.add("warn", msg, kv) }
func (m *memLogger) Error(msg string, kv ...any) { m.add("error", msg, kv) }

func TestWithPrependsFields(t *testing.T) {
	base := &memLogger{}
	l := With(base, "component", "engine")
	l.Warn("denied", "principal", "alice")
	if len(base.lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(base.lines))
	}
	got := base.lines[0]
	if got.level != "warn" || got.msg != "denied" {
		t.Fatalf("unexpected line %+v", got)
	}
	if len(got.keyvals) != 4 || got.keyvals[0] != "component" || got.keyvals[3] != "alice" {
		t.Fatalf("unexpected keyvals %v", got.keyvals)
	}
}

func TestWithNilBase(t *testing.T) {
	l := With(nil, "a", "b")
	l.Info("ignored")
}

func TestSLogLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	l := NewSLogLogger(slog.New(h))
	l.Debug("hidden", "k", 1)
	l.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "k=v") {
		t.Fatalf("warn line missing: %s", out)
	}
}
