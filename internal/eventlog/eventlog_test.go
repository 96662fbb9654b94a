package eventlog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSessionLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()

	l := NewSessionLogger(dir)
	want := []Event{
		{Kind: KindConn, Endpoint: "wss://a.example/ws", Detail: "connected"},
		{Kind: KindPeerJoin, Peer: "p1"},
		{Kind: KindChat, Peer: "p1", Text: "hello"},
		{Kind: KindPeerLeave, Peer: "p1"},
	}
	for _, e := range want {
		if err := l.WriteEvent(e); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListFiles(dir, "session")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 log file, got %d: %v", len(files), files)
	}

	var got []Event
	if err := ReadFile(files[0], func(e Event) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("read %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Kind != want[i].Kind || got[i].Peer != want[i].Peer || got[i].Text != want[i].Text {
			t.Fatalf("event %d = %+v, want kind=%s peer=%s text=%s", i, got[i], want[i].Kind, want[i].Peer, want[i].Text)
		}
		if got[i].At.IsZero() {
			t.Fatalf("event %d has zero timestamp", i)
		}
	}
}

func TestWriteEventPreservesExplicitTimestamp(t *testing.T) {
	dir := t.TempDir()

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	l := NewSessionLogger(dir)
	if err := l.WriteEvent(Event{At: at, Kind: KindStatus, Detail: "connected"}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListFiles(dir, "session")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	var got Event
	if err := ReadFile(files[0], func(e Event) error {
		got = e
		return nil
	}); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !got.At.Equal(at) {
		t.Fatalf("at = %v, want %v", got.At, at)
	}
}

func TestListFilesFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{
		"session-2026-01-02-11.jsonl.zst",
		"session-2026-01-02-09.jsonl.zst",
		"session-2026-01-02-10.jsonl.zst",
		"other-2026-01-02-09.jsonl.zst",
		"session-2026-01-02-09.jsonl",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "session-2026-01-02-12.jsonl.zst"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	files, err := ListFiles(dir, "session")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	want := []string{
		filepath.Join(dir, "session-2026-01-02-09.jsonl.zst"),
		filepath.Join(dir, "session-2026-01-02-10.jsonl.zst"),
		filepath.Join(dir, "session-2026-01-02-11.jsonl.zst"),
	}
	if len(files) != len(want) {
		t.Fatalf("files = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("files[%d] = %s, want %s", i, files[i], want[i])
		}
	}
}

func TestReadFileStopsOnCallbackError(t *testing.T) {
	dir := t.TempDir()

	l := NewSessionLogger(dir)
	for i := 0; i < 5; i++ {
		if err := l.WriteEvent(Event{Kind: KindChat, Text: "x"}); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListFiles(dir, "session")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}

	stop := errors.New("stop")
	seen := 0
	err = ReadFile(files[0], func(Event) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want %v", err, stop)
	}
	if seen != 2 {
		t.Fatalf("callback ran %d times, want 2", seen)
	}
}
