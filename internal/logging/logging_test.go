package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentFollowsLaterInit(t *testing.T) {
	log := Component("shmem")

	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, true)
	t.Cleanup(func() { Init(slog.LevelInfo, false) })

	log.Info("arena exhausted", "arena", "history")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Unmarshal: %v (%q)", err, buf.String())
	}
	if rec["component"] != "shmem" {
		t.Errorf("component = %v, want shmem", rec["component"])
	}
	if rec["arena"] != "history" {
		t.Errorf("arena = %v, want history", rec["arena"])
	}
}

func TestComponentRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelWarn, false)
	t.Cleanup(func() { Init(slog.LevelInfo, false) })

	log := Component("syncer").WithGroup("pass")
	log.Info("hidden")
	log.Warn("shown", "items", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %q", out)
	}
	if !strings.Contains(out, "pass.items=3") {
		t.Errorf("group attr missing: %q", out)
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, false)
	t.Cleanup(func() { Init(slog.LevelInfo, false) })

	ctx := ContextWithPass(ContextWithWorker(context.Background(), 2), 17)
	WithContext(ctx).Info("done")

	out := buf.String()
	if !strings.Contains(out, "worker=2") || !strings.Contains(out, "pass=17") {
		t.Errorf("context attrs missing: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"WARNING", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
