// Package announcetest provides an Announcer that records calls.
package announcetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fire-dispatch/radiostatus/internal/announce"
)

var ErrUnavailable = errors.New("announcetest: output unavailable")

type Call struct {
	Kind         string // tones, speech, vibration, notification
	Sequence     announce.Sequence
	Utterance    announce.Utterance
	Notification announce.Notification
	At           time.Time
}

// Recorder implements announce.Announcer, announce.Vibrator and
// announce.Notifier. Playback completes immediately.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	fail  bool
}

func (r *Recorder) SetFailing(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return ErrUnavailable
	}
	c.At = time.Now()
	r.calls = append(r.calls, c)
	return nil
}

func (r *Recorder) PlayTones(_ context.Context, seq announce.Sequence) error {
	return r.record(Call{Kind: "tones", Sequence: seq})
}

func (r *Recorder) Speak(_ context.Context, u announce.Utterance) error {
	return r.record(Call{Kind: "speech", Utterance: u})
}

func (r *Recorder) Vibrate(_ context.Context, _ []time.Duration) error {
	return r.record(Call{Kind: "vibration"})
}

func (r *Recorder) Notify(_ context.Context, n announce.Notification) error {
	return r.record(Call{Kind: "notification", Notification: n})
}

func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *Recorder) Count(kind string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// WaitFor polls until cond holds for the recorded calls or fails t after two seconds.
func (r *Recorder) WaitFor(t testing.TB, what string, cond func([]Call) bool) []Call {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		calls := r.Calls()
		if cond(calls) {
			return calls
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; calls: %+v", what, calls)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// HasKind is a WaitFor condition: at least n calls of kind.
func HasKind(kind string, n int) func([]Call) bool {
	return func(calls []Call) bool {
		count := 0
		for _, c := range calls {
			if c.Kind == kind {
				count++
			}
		}
		return count >= n
	}
}
