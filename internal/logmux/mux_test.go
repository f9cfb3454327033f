package logmux

import (
	"strings"
	"testing"
	"time"
)

func TestMuxFansInMultipleSources(t *testing.T) {
	mux := New(4)
	src1 := make(chan Entry)
	src2 := make(chan Entry)

	mux.Add(src1)
	mux.Add(src2)

	go func() {
		src1 <- Entry{Job: "backup", Message: "backup started"}
		src1 <- Entry{Job: "backup", Message: "backup done", Stream: StreamStderr}
		close(src1)
	}()

	go func() {
		src2 <- Entry{Job: "compact", Message: "compact done"}
		close(src2)
	}()

	go mux.Close()

	perJob := map[string][]Entry{}
	for entry := range mux.Output() {
		perJob[entry.Job] = append(perJob[entry.Job], entry)
	}

	backup := perJob["backup"]
	if len(backup) != 2 || backup[0].Message != "backup started" || backup[1].Message != "backup done" {
		t.Fatalf("unexpected backup entries: %+v", backup)
	}
	if backup[0].Stream != StreamStdout || backup[0].Level != "info" {
		t.Fatalf("expected stdout defaults, got %+v", backup[0])
	}
	if backup[1].Level != "warn" {
		t.Fatalf("expected stderr lines to default to warn, got %s", backup[1].Level)
	}
	if compact := perJob["compact"]; len(compact) != 1 || compact[0].Message != "compact done" {
		t.Fatalf("unexpected compact entries: %+v", compact)
	}
}

func TestMuxEmitsDropMetaEntries(t *testing.T) {
	mux := New(1)
	src := make(chan Entry)

	mux.Add(src)

	done := make(chan struct{})
	go func() {
		src <- Entry{Job: "backup", Run: 3, Message: "line-1", Level: "info"}
		src <- Entry{Job: "backup", Run: 3, Message: "line-2", Level: "info"}
		src <- Entry{Job: "backup", Run: 3, Message: "line-3", Level: "info"}
		close(src)
		close(done)
	}()

	<-done

	go mux.Close()

	var entries []Entry
	for entry := range mux.Output() {
		entries = append(entries, entry)
	}

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries (1 line + 1 meta), got %d", len(entries))
	}
	if entries[0].Message != "line-1" {
		t.Fatalf("expected first entry to be the original line, got %q", entries[0].Message)
	}

	meta := entries[1]
	if meta.Job != "backup" || meta.Run != 3 {
		t.Fatalf("meta entry job mismatch: got %+v", meta)
	}
	if meta.Message != "dropped=2" {
		t.Fatalf("expected drop metadata, got %q", meta.Message)
	}
	if meta.Stream != StreamSystem {
		t.Fatalf("expected meta stream %s, got %s", StreamSystem, meta.Stream)
	}
	if meta.Level != "warn" {
		t.Fatalf("expected meta level warn, got %s", meta.Level)
	}
	if time.Since(meta.Timestamp) > time.Second {
		t.Fatalf("expected recent timestamp, got %v", meta.Timestamp)
	}
}

func TestNormalizeInfersLevelFromMessage(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		want  string
	}{
		{name: "error token", entry: Entry{Message: "[ERROR] compaction failed"}, want: "error"},
		{name: "warn token on stdout", entry: Entry{Message: "WARN disk at 91%"}, want: "warn"},
		{name: "info token on stderr", entry: Entry{Message: "info: progress 40%", Stream: StreamStderr}, want: "info"},
		{name: "no token on stdout", entry: Entry{Message: "done"}, want: "info"},
		{name: "explicit level kept", entry: Entry{Message: "error budget fine", Level: "debug"}, want: "debug"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalize(tc.entry).Level; got != tc.want {
				t.Fatalf("expected level %q, got %q", tc.want, got)
			}
		})
	}
}

func TestNormalizeRedactsSecrets(t *testing.T) {
	entry := normalize(Entry{Message: `uploading with ${API_TOKEN} AWS_SECRET_ACCESS_KEY="super-secret"`})

	if strings.Contains(entry.Message, "${API_TOKEN}") || !strings.Contains(entry.Message, "${[redacted]}") {
		t.Fatalf("expected template reference to be redacted, got %q", entry.Message)
	}
	if strings.Contains(entry.Message, "super-secret") {
		t.Fatalf("expected secret value to be redacted, got %q", entry.Message)
	}
	if !strings.Contains(entry.Message, `AWS_SECRET_ACCESS_KEY="[redacted]"`) {
		t.Fatalf("expected known secret key redacted, got %q", entry.Message)
	}
}
