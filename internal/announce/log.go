package announce

import (
	"context"
	"time"

	"fire-dispatch/radiostatus/pkg/logger"
)

// LogAnnouncer stands in for audio hardware on headless hosts. It returns
// once the sequence would have finished playing.
type LogAnnouncer struct {
	logger *logger.Logger
}

func NewLogAnnouncer(log *logger.Logger) *LogAnnouncer {
	return &LogAnnouncer{logger: log.Named("announcer")}
}

func (a *LogAnnouncer) PlayTones(ctx context.Context, seq Sequence) error {
	a.logger.Info("tones", logger.String("sequence", seq.Name), logger.Int("count", len(seq.Tones)))
	return Wait(ctx, seq.Length())
}

func (a *LogAnnouncer) Speak(ctx context.Context, u Utterance) error {
	a.logger.Info("speech", logger.String("text", u.Text), logger.String("language", u.Language))
	return ctx.Err()
}

func (a *LogAnnouncer) Vibrate(ctx context.Context, pattern []time.Duration) error {
	a.logger.Info("vibration", logger.Int("pulses", (len(pattern)+1)/2))
	return ctx.Err()
}

func (a *LogAnnouncer) Notify(ctx context.Context, n Notification) error {
	a.logger.Info("notification", logger.String("title", n.Title), logger.String("body", n.Body))
	return ctx.Err()
}

// Wait blocks for d or until ctx is done. Announcers that only hand a
// sequence off to a device use it to report completion on time.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
