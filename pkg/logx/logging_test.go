package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerWithFieldsAreAppliedInOrder(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "poller"), String("key", "a"))
	log.Info("hello", String("key", "b"), Int("n", 3))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "poller" {
		t.Fatalf("comp = %v, want poller", m["comp"])
	}
	if m["n"] != float64(3) {
		t.Fatalf("n = %v, want 3", m["n"])
	}
	if !strings.Contains(buf.String(), `"message":"hello"`) {
		t.Fatalf("missing message in %q", buf.String())
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("ignored", Err(context.Canceled))
}

func TestFormatChatLineSortsFields(t *testing.T) {
	line := []byte(`{"level":"warn","message":"publish failed","time":"x","b":"2","a":"1"}`)
	got := formatChatLine(line)
	want := "[WARN] publish failed\n- a=1\n- b=2"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}
}

func TestParseLevelDefault(t *testing.T) {
	if got := parseLevel("nope", LevelWarn); got != LevelWarn {
		t.Fatalf("parseLevel = %v, want %v", got, LevelWarn)
	}
	if got := parseLevel(" debug ", LevelWarn); got != LevelDebug {
		t.Fatalf("parseLevel = %v, want %v", got, LevelDebug)
	}
}
