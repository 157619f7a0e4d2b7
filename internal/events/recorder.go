package events

import (
	"sync"
	"time"
)

// Record is one captured emission.
type Record struct {
	Event   string
	Payload any
}

// Recorder is a capturing Sink for tests.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(event string, payload any) {
	r.mu.Lock()
	r.records = append(r.records, Record{Event: event, Payload: payload})
	r.mu.Unlock()
}

// Records returns a snapshot of everything captured so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Count returns how many times the named event fired.
func (r *Recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Event == event {
			n++
		}
	}
	return n
}

// Last returns the most recent record for the named event.
func (r *Recorder) Last(event string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].Event == event {
			return r.records[i], true
		}
	}
	return Record{}, false
}

// WaitFor polls until the named event has fired at least n times or the
// timeout expires.
func (r *Recorder) WaitFor(event string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if r.Count(event) >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
