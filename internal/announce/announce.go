// Package announce renders audible alerts. The subsystem doing the actual
// rendering (browser audio, a speaker on the console PC) sits behind
// Announcer; this package decides what to play and in which order.
package announce

import (
	"context"
	"errors"
	"sync"
	"time"

	"fire-dispatch/radiostatus/internal/domain"
)

var ErrNoListener = errors.New("announce: no listener connected")

// SpeechPause separates a tone sequence from the speech that follows it.
const SpeechPause = 500 * time.Millisecond

type Tone struct {
	Frequency float64       `json:"frequency"`
	Duration  time.Duration `json:"duration"`
	Volume    float64       `json:"volume"`
	// Offset from the start of the sequence.
	Offset time.Duration `json:"offset"`
}

type Sequence struct {
	Name  string `json:"name"`
	Tones []Tone `json:"tones"`
	// Hold extends the sequence past its last tone before it counts as done.
	Hold time.Duration `json:"hold,omitempty"`
}

// Length is the time from the first tone until the sequence is complete.
func (s Sequence) Length() time.Duration {
	length := s.Hold
	for _, t := range s.Tones {
		if end := t.Offset + t.Duration; end > length {
			length = end
		}
	}
	return length
}

var (
	// AlarmGong is the ascending three-tone gong that precedes a spoken
	// incident announcement.
	AlarmGong = Sequence{
		Name: "alarm-gong",
		Tones: []Tone{
			{Frequency: 400, Duration: 800 * time.Millisecond, Volume: 0.4},
			{Frequency: 600, Duration: 600 * time.Millisecond, Volume: 0.4, Offset: 200 * time.Millisecond},
			{Frequency: 800, Duration: 400 * time.Millisecond, Volume: 0.4, Offset: 400 * time.Millisecond},
		},
		Hold: 1200 * time.Millisecond,
	}

	PriorityGong = Sequence{
		Name: "priority-speech-request",
		Tones: []Tone{
			{Frequency: 800, Duration: 500 * time.Millisecond, Volume: 0.5},
			{Frequency: 600, Duration: 300 * time.Millisecond, Volume: 0.4, Offset: 100 * time.Millisecond},
		},
	}

	SpeechRequestGong = Sequence{
		Name: "speech-request",
		Tones: []Tone{
			{Frequency: 400, Duration: 800 * time.Millisecond, Volume: 0.3},
		},
	}

	// MobileAlertTone tells a crew that dispatch wants to talk to them.
	MobileAlertTone = Sequence{
		Name: "mobile-alert",
		Tones: []Tone{
			{Frequency: 800, Duration: 500 * time.Millisecond, Volume: 0.3},
		},
	}

	MobileVibration = []time.Duration{
		200 * time.Millisecond, 100 * time.Millisecond,
		200 * time.Millisecond, 100 * time.Millisecond,
		200 * time.Millisecond,
	}
)

// GongFor returns the repeating gong for a speech request status and how
// often it repeats. The priority gong is higher and twice as frequent.
func GongFor(status domain.StatusCode) (Sequence, time.Duration, bool) {
	switch status {
	case domain.PrioritySpeechRequest:
		return PriorityGong, time.Second, true
	case domain.SpeechRequest:
		return SpeechRequestGong, 2 * time.Second, true
	default:
		return Sequence{}, 0, false
	}
}

type Utterance struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Rate     float64 `json:"rate"`
}

type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag,omitempty"`
}

// Announcer plays tones and speaks. Both calls return once playback has
// completed or failed.
type Announcer interface {
	PlayTones(ctx context.Context, seq Sequence) error
	Speak(ctx context.Context, u Utterance) error
}

// Vibrator is implemented by announcers attached to a device that can vibrate.
type Vibrator interface {
	Vibrate(ctx context.Context, pattern []time.Duration) error
}

// Notifier is implemented by announcers that can raise a system notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi plays on every announcer at once. It fails only when all of them do.
type Multi []Announcer

func (m Multi) PlayTones(ctx context.Context, seq Sequence) error {
	return m.each(func(a Announcer) error { return a.PlayTones(ctx, seq) })
}

func (m Multi) Speak(ctx context.Context, u Utterance) error {
	return m.each(func(a Announcer) error { return a.Speak(ctx, u) })
}

func (m Multi) Vibrate(ctx context.Context, pattern []time.Duration) error {
	return m.each(func(a Announcer) error {
		if v, ok := a.(Vibrator); ok {
			return v.Vibrate(ctx, pattern)
		}
		return ErrNoListener
	})
}

func (m Multi) Notify(ctx context.Context, n Notification) error {
	return m.each(func(a Announcer) error {
		if nt, ok := a.(Notifier); ok {
			return nt.Notify(ctx, n)
		}
		return ErrNoListener
	})
}

func (m Multi) each(fn func(Announcer) error) error {
	if len(m) == 0 {
		return ErrNoListener
	}
	errs := make([]error, len(m))
	var wg sync.WaitGroup
	for i, a := range m {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(a)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return errors.Join(errs...)
}
