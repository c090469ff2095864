package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestInfoWritesSortedFields(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(New(&buf))

	Info(context.Background(), "connection registered", Fields{
		"user_id":     "u-1",
		"conn_id":     "c-1",
		"total_conns": 3,
	})

	out := buf.String()
	if !strings.Contains(out, "level=INFO") {
		t.Errorf("INFO level not found in %q", out)
	}
	if !strings.Contains(out, `msg="connection registered"`) {
		t.Errorf("message not found in %q", out)
	}
	conn := strings.Index(out, "conn_id=c-1")
	total := strings.Index(out, "total_conns=3")
	user := strings.Index(out, "user_id=u-1")
	if conn < 0 || total < 0 || user < 0 {
		t.Fatalf("missing fields in %q", out)
	}
	if conn >= total || total >= user {
		t.Errorf("fields not in sorted order: %q", out)
	}
}

func TestNilAndEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(New(&buf))

	Info(context.Background(), "nil fields", nil)
	Warn(context.TODO(), "empty fields", Fields{})

	out := buf.String()
	if !strings.Contains(out, `msg="nil fields"`) {
		t.Error("nil-fields message missing")
	}
	if !strings.Contains(out, "level=WARN") {
		t.Error("WARN level missing")
	}
	if strings.Contains(out, "[]") {
		t.Error("empty fields should not render brackets")
	}
}

func TestErrorAttachesErrorField(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(New(&buf))

	Error(context.Background(), "session verification failed", errors.New("token expired"), Fields{"ip": "10.0.0.1"})

	out := buf.String()
	if !strings.Contains(out, "level=ERROR") {
		t.Error("ERROR level missing")
	}
	if !strings.Contains(out, `error="token expired"`) {
		t.Errorf("error field missing: %q", out)
	}
	if !strings.Contains(out, "ip=10.0.0.1") {
		t.Errorf("ip field missing: %q", out)
	}
}

func TestErrorWithNilError(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(New(&buf))

	Error(context.Background(), "no cause", nil, nil)

	if strings.Contains(buf.String(), "error=") {
		t.Errorf("nil error should not add a field: %q", buf.String())
	}
}

func TestDebugFilteredAtInfo(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(New(&buf))

	Debug(context.Background(), "text frame ignored", Fields{"len": 4})

	if buf.Len() != 0 {
		t.Errorf("debug output should be filtered at INFO, got %q", buf.String())
	}
}

func TestDebugEnabledWithLevel(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewWithOptions(&buf, slog.LevelDebug, false))

	Debug(context.Background(), "text frame ignored", Fields{"len": 4})

	if !strings.Contains(buf.String(), "level=DEBUG") {
		t.Errorf("debug output missing: %q", buf.String())
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewWithOptions(&buf, slog.LevelInfo, true))

	Info(context.Background(), "broadcast", Fields{"writes": 2})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if line["msg"] != "broadcast" {
		t.Errorf("msg = %v, want broadcast", line["msg"])
	}
	if line["writes"] != float64(2) {
		t.Errorf("writes = %v, want 2", line["writes"])
	}
}

func TestLogAt(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(New(&buf))

	LogAt(slog.LevelWarn, 0, "logged at custom location", Fields{"custom": "value"})

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "custom=value") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"loud", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetLoggerIgnoresNil(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	SetLogger(l)
	SetLogger(nil)
	if Logger() != l {
		t.Error("SetLogger(nil) replaced the active logger")
	}
}
