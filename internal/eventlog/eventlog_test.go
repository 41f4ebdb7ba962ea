package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}

func TestLog_WritesWireEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	l.Log("bead_completed", map[string]any{"runId": "run-1", "beadId": "bd-1"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected a line in the event log")
	}
	var we wireEvent
	if err := json.Unmarshal(scanner.Bytes(), &we); err != nil {
		t.Fatalf("unmarshaling event line: %v", err)
	}
	if we.Event != "bead_completed" {
		t.Errorf("Event = %q, want bead_completed", we.Event)
	}
	if we.Data["beadId"] != "bd-1" {
		t.Errorf("Data[beadId] = %v, want bd-1", we.Data["beadId"])
	}
	if we.V != 1 {
		t.Errorf("V = %d, want 1", we.V)
	}
	if time.Since(we.TS) > time.Minute {
		t.Errorf("TS = %v, looks stale", we.TS)
	}
}

func TestLog_MultipleEventsAppendInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	l.Log("run_started", map[string]any{"runId": "run-1"})
	l.Log("spec_frozen", map[string]any{"runId": "run-1"})
	l.Log("run_completed", map[string]any{"runId": "run-1", "state": "completed"})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var we wireEvent
		if err := json.Unmarshal(scanner.Bytes(), &we); err != nil {
			t.Fatal(err)
		}
		names = append(names, we.Event)
	}
	want := []string{"run_started", "spec_frozen", "run_completed"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

func TestLog_AfterClose_DoesNotPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	// Logging after Close is swallowed: the queue is closed, so the
	// send would panic without Log's closed check.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Log after Close panicked: %v", r)
		}
	}()
	l.Log("run_interrupted", map[string]any{"runId": "run-1"})
}

func TestSubscribe_ReceivesLoggedEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	sub := l.Subscribe()
	l.Log("bead_completed", map[string]any{"beadId": "bd-1"})

	select {
	case ev := <-sub:
		if ev.Name != "bead_completed" {
			t.Errorf("Name = %q, want bead_completed", ev.Name)
		}
		if ev.Fields["beadId"] != "bd-1" {
			t.Errorf("Fields[beadId] = %v, want bd-1", ev.Fields["beadId"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestSubscribe_ClosedOnLoggerClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	sub := l.Subscribe()
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case _, ok := <-sub:
		if ok {
			t.Error("expected subscriber channel to be closed with no pending events")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber channel to close")
	}
}
