// Package eventlog appends structured harness events to a JSONL file,
// one event per line, via a single background goroutine so concurrent
// callers never interleave partial writes.
package eventlog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Event is one harness occurrence: a bead claimed, an agent finished, a
// maintenance pass completed, and so on. Fields is the event-specific
// payload; Event and Fields are marshaled flat alongside v and ts.
type Event struct {
	Name   string
	Fields map[string]any
}

type wireEvent struct {
	V     int
	TS    time.Time
	Event string
	Data  map[string]any
}

// MarshalJSON flattens Data's keys alongside v/ts/event instead of
// nesting them under a "data" object, so a record on disk reads as
// {"v":1,"ts":...,"event":"bead_completed","beadId":"bd-1",...}.
func (we wireEvent) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(we.Data)+3)
	for k, v := range we.Data {
		flat[k] = v
	}
	flat["v"] = we.V
	flat["ts"] = we.TS
	flat["event"] = we.Event
	return json.Marshal(flat)
}

// UnmarshalJSON reverses MarshalJSON: v/ts/event populate their fields,
// and every other top-level key is collected back into Data.
func (we *wireEvent) UnmarshalJSON(b []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(b, &flat); err != nil {
		return err
	}
	if raw, ok := flat["v"]; ok {
		if err := json.Unmarshal(raw, &we.V); err != nil {
			return err
		}
		delete(flat, "v")
	}
	if raw, ok := flat["ts"]; ok {
		if err := json.Unmarshal(raw, &we.TS); err != nil {
			return err
		}
		delete(flat, "ts")
	}
	if raw, ok := flat["event"]; ok {
		if err := json.Unmarshal(raw, &we.Event); err != nil {
			return err
		}
		delete(flat, "event")
	}
	if len(flat) == 0 {
		return nil
	}
	we.Data = make(map[string]any, len(flat))
	for k, raw := range flat {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		we.Data[k] = v
	}
	return nil
}

// Logger appends Events to a JSONL file via a buffered write queue
// drained by one goroutine, so Log never blocks on disk I/O from the
// caller's perspective until the queue itself is full.
type Logger struct {
	queue  chan wireEvent
	done   chan struct{}
	file   *os.File
	enc    *json.Encoder
	mu     sync.Mutex // guards closed and Log's channel sends against concurrent Close
	closed bool

	sub chan Event // optional live tap for a display; nil until Subscribe is called
}

// Open creates or appends to the JSONL event log at path and starts its
// drain goroutine.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: opening %s: %w", path, err)
	}

	l := &Logger{
		queue: make(chan wireEvent, 256),
		done:  make(chan struct{}),
		file:  f,
		enc:   json.NewEncoder(f),
	}
	go l.drain()
	return l, nil
}

func (l *Logger) drain() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.enc.Encode(ev); err != nil {
			// A failed event write is never fatal to the run: the
			// orchestrator's correctness does not depend on the log.
			log.Printf("eventlog: write failed: %v", err)
		}
	}
}

// Log enqueues an event for append. Non-blocking failures (a full queue,
// a closed logger) are swallowed by design: event logging is an
// observability aid, never a run-ending condition.
func (l *Logger) Log(name string, fields map[string]any) {
	we := wireEvent{V: 1, TS: time.Now().UTC(), Event: name, Data: fields}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- we:
	default:
		log.Printf("eventlog: queue full, dropping event %q", name)
	}

	if l.sub != nil {
		select {
		case l.sub <- Event{Name: name, Fields: fields}:
		default:
			// A stalled subscriber (e.g. a paused display) never backs up
			// event logging; it simply misses events until it catches up.
		}
	}
}

// Subscribe returns a channel that receives a copy of every event
// logged from this point on, for a live display driven off the same
// event stream the JSONL file records. Only one subscriber is
// supported; calling Subscribe again replaces the previous channel.
func (l *Logger) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	l.sub = ch
	return ch
}

// Close drains the remaining queue, closes the underlying file, and
// blocks until both complete.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	sub := l.sub
	l.mu.Unlock()

	if sub != nil {
		close(sub)
	}
	close(l.queue)
	<-l.done
	return l.file.Close()
}
