package announce

import (
	"context"
	"sync"
	"time"

	"fire-dispatch/radiostatus/internal/metrics"
	"fire-dispatch/radiostatus/pkg/logger"
)

const playerQueueSize = 32

type job struct {
	kind string
	run  func(ctx context.Context) error
}

// Player serialises playback on one Announcer. Callers enqueue and move on;
// a failed playback is logged and counted, never returned.
type Player struct {
	out    Announcer
	jobs   chan job
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewPlayer(out Announcer, log *logger.Logger) *Player {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		out:    out,
		jobs:   make(chan job, playerQueueSize),
		logger: log.Named("player"),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Player) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.jobs:
			if err := j.run(p.ctx); err != nil && p.ctx.Err() == nil {
				metrics.AnnouncementFailures.WithLabelValues(j.kind).Inc()
				p.logger.Warn("announcement failed, alert stays visual only",
					logger.String("kind", j.kind),
					logger.Error(err),
				)
			}
		}
	}
}

func (p *Player) enqueue(j job) {
	if p.ctx.Err() != nil {
		return
	}
	select {
	case p.jobs <- j:
	default:
		metrics.AnnouncementFailures.WithLabelValues("queue_full").Inc()
		p.logger.Warn("announcement queue full, dropping", logger.String("kind", j.kind))
	}
}

func (p *Player) Tones(seq Sequence) {
	p.enqueue(job{kind: "tones", run: func(ctx context.Context) error {
		return p.out.PlayTones(ctx, seq)
	}})
}

func (p *Player) Say(u Utterance) {
	p.enqueue(job{kind: "speech", run: func(ctx context.Context) error {
		return p.out.Speak(ctx, u)
	}})
}

// TonesThenSay plays seq, waits SpeechPause, then speaks u. Speech still
// happens when the tones fail.
func (p *Player) TonesThenSay(seq Sequence, u Utterance) {
	p.enqueue(job{kind: "tones", run: func(ctx context.Context) error {
		return p.out.PlayTones(ctx, seq)
	}})
	p.enqueue(job{kind: "speech", run: func(ctx context.Context) error {
		select {
		case <-time.After(SpeechPause):
		case <-ctx.Done():
			return ctx.Err()
		}
		return p.out.Speak(ctx, u)
	}})
}

func (p *Player) Vibrate(pattern []time.Duration) {
	v, ok := p.out.(Vibrator)
	if !ok {
		return
	}
	p.enqueue(job{kind: "vibration", run: func(ctx context.Context) error {
		return v.Vibrate(ctx, pattern)
	}})
}

func (p *Player) Notify(n Notification) {
	nt, ok := p.out.(Notifier)
	if !ok {
		return
	}
	p.enqueue(job{kind: "notification", run: func(ctx context.Context) error {
		return nt.Notify(ctx, n)
	}})
}

// Close stops any playback in progress and discards queued jobs.
func (p *Player) Close() {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

// Repeater replays one gong on an interval until stopped. Starting a
// different gong replaces the one playing.
type Repeater struct {
	player *Player

	mu      sync.Mutex
	current string
	stop    chan struct{}
	done    chan struct{}
}

func NewRepeater(p *Player) *Repeater {
	return &Repeater{player: p}
}

func (r *Repeater) Start(seq Sequence, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil && r.current == seq.Name {
		return
	}
	r.stopLocked()

	stop := make(chan struct{})
	done := make(chan struct{})
	r.current = seq.Name
	r.stop = stop
	r.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.player.Tones(seq)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.player.Tones(seq)
			}
		}
	}()
}

func (r *Repeater) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Repeater) stopLocked() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
	r.stop = nil
	r.done = nil
	r.current = ""
}

// Playing returns the name of the gong being repeated.
func (r *Repeater) Playing() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.stop != nil
}
