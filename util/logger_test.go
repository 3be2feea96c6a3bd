package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(3) // debug level
	l.SetOutput(&buf)
	l.SetTimestamps(false)

	l.Error("e")
	l.Warn("w")
	l.Info("i")
	l.Verbose("v")
	l.Debug("d")

	output := buf.String()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d:\n%s", len(lines), output)
	}

	wantPrefixes := []string{"[ERR]", "[WRN]", "[INF]", "[VRB]", "[DBG]"}
	for i, prefix := range wantPrefixes {
		if !strings.Contains(lines[i], prefix) {
			t.Errorf("line %d %q missing prefix %q", i, lines[i], prefix)
		}
	}
}

func TestLogger_QuietMode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(0) // quiet
	l.SetOutput(&buf)
	l.SetTimestamps(false)

	l.Info("should not appear")
	l.Verbose("should not appear")
	l.Debug("should not appear")
	l.Error("always appears")

	output := buf.String()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 1 {
		t.Errorf("expected 1 line in quiet mode, got %d:\n%s", len(lines), output)
	}
}

func TestLogger_Timestamps(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&buf)
	l.SetTimestamps(true)

	l.Info("test")

	output := buf.String()
	// Timestamp format is "HH:MM:SS.mmm"
	if !strings.Contains(output, ":") || len(output) < 15 {
		t.Errorf("expected timestamp prefix, got %q", output)
	}
}

func TestLogger_WarnLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1) // normal
	l.SetOutput(&buf)
	l.SetTimestamps(false)

	l.Warn("warning message")

	if !strings.Contains(buf.String(), "[WRN]") {
		t.Errorf("expected [WRN] prefix, got %q", buf.String())
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&buf)
	l.SetTimestamps(false)

	l.With("bridge").Info("slot %d connected", 3)

	out := buf.String()
	if !strings.Contains(out, "slot 3 connected") {
		t.Errorf("missing message in %q", out)
	}
	if !strings.Contains(out, "component=bridge") {
		t.Errorf("missing component field in %q", out)
	}
}

func TestLogger_NoTimestampPlaceholder(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&buf)
	l.SetTimestamps(false)

	l.Info("plain")

	if strings.Contains(buf.String(), "<nil>") {
		t.Errorf("unexpected placeholder in %q", buf.String())
	}
	if !strings.HasPrefix(buf.String(), "[INF]") {
		t.Errorf("expected line to start with [INF], got %q", buf.String())
	}
}
