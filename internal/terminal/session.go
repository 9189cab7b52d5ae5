// Package terminal runs the per-terminal synchronisation loop. Every open
// dispatch console or mobile client is a Session that polls the shared store,
// reacts to change events from other terminals, records the transitions it
// sees and drives its own alerts.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fire-dispatch/radiostatus/internal/alerting"
	"fire-dispatch/radiostatus/internal/announce"
	"fire-dispatch/radiostatus/internal/domain"
	"fire-dispatch/radiostatus/internal/metrics"
	"fire-dispatch/radiostatus/internal/statuslog"
	"fire-dispatch/radiostatus/internal/store"
	"fire-dispatch/radiostatus/internal/tracker"
	"fire-dispatch/radiostatus/pkg/logger"
)

type Kind string

const (
	KindDispatch Kind = "dispatch"
	KindMobile   Kind = "mobile"
)

func (k Kind) Valid() bool {
	return k == KindDispatch || k == KindMobile
}

var (
	ErrWrongKind           = errors.New("terminal: operation not available on this terminal")
	ErrNoVehicleSelected   = errors.New("terminal: no vehicle selected")
	ErrOutOfScope          = errors.New("terminal: vehicle not visible to this user")
	ErrUnknownSession      = errors.New("terminal: unknown session")
	ErrInactiveUser        = errors.New("terminal: user account is inactive")
	ErrAlreadyAcknowledged = alerting.ErrAlreadyAcknowledged
)

// Options configures a session. Zero values fall back to defaults.
type Options struct {
	PollInterval time.Duration
	Speech       alerting.Options
}

type Session struct {
	ID   string
	Kind Kind
	User domain.User

	scope   tracker.Scope
	records *store.Records
	writer  *statuslog.Writer
	player  *announce.Player
	engine  *alerting.Engine // dispatch only
	opts    Options
	logger  *logger.Logger

	// inFlight serialises ticks with acknowledgments and selection changes.
	inFlight sync.Mutex

	mu        sync.Mutex
	selected  string
	processed *ProcessedSet
	surfaced  []domain.StatusLogEntry

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, kind Kind, user domain.User, scope tracker.Scope, records *store.Records, writer *statuslog.Writer, out announce.Announcer, opts Options, log *logger.Logger) *Session {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	sessionLog := log.Named("terminal").With(
		logger.String("session_id", id),
		logger.String("kind", string(kind)),
		logger.String("user", user.Username),
	)
	s := &Session{
		ID:        id,
		Kind:      kind,
		User:      user,
		scope:     scope,
		records:   records,
		writer:    writer,
		player:    announce.NewPlayer(out, sessionLog),
		opts:      opts,
		logger:    sessionLog,
		processed: NewProcessedSet(),
		done:      make(chan struct{}),
	}
	if kind == KindDispatch {
		s.engine = alerting.NewEngine(writer, records, s.player, opts.Speech, sessionLog)
	}
	return s
}

// start subscribes to the shared collections and launches the loop. The
// first tick runs before start returns.
func (s *Session) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	vehicleEvents, err := s.records.Subscribe(ctx, domain.CollectionVehicles)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to vehicles: %w", err)
	}
	logEvents, err := s.records.Subscribe(ctx, domain.CollectionStatusLog)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to status log: %w", err)
	}
	s.cancel = cancel

	s.tick(ctx)
	go s.run(ctx, vehicleEvents, logEvents)
	return nil
}

func (s *Session) run(ctx context.Context, vehicleEvents, logEvents <-chan store.ChangeEvent) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case _, ok := <-vehicleEvents:
			if !ok {
				vehicleEvents = nil
				continue
			}
			s.tick(ctx)
		case ev, ok := <-logEvents:
			if !ok {
				logEvents = nil
				continue
			}
			s.onStatusLogChanged(ctx, ev)
			s.tick(ctx)
		}
	}
}

// Refresh runs a tick unless one is already in progress and reports whether
// it ran.
func (s *Session) Refresh(ctx context.Context) bool {
	if !s.inFlight.TryLock() {
		return false
	}
	defer s.inFlight.Unlock()
	s.tickLocked(ctx)
	return true
}

func (s *Session) tick(ctx context.Context) {
	s.inFlight.Lock()
	defer s.inFlight.Unlock()
	s.tickLocked(ctx)
}

func (s *Session) tickLocked(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	vehicles := s.visible(s.records.Vehicles(ctx))
	log := s.records.StatusLog(ctx)

	transitions := tracker.Detect(vehicles, log, nil)
	wrote := false
	for _, t := range transitions {
		metrics.TransitionsDetected.Inc()
		_, appended, err := s.writer.Record(ctx, t, "")
		if err != nil {
			// The next tick sees the same transition and tries again.
			s.logger.Warn("failed to record transition",
				logger.String("vehicle", t.Vehicle.CallSign),
				logger.Error(err),
			)
			continue
		}
		wrote = wrote || appended
	}
	if wrote {
		log = s.records.StatusLog(ctx)
	}

	switch s.Kind {
	case KindDispatch:
		s.engine.Sync(vehicles, log)
	case KindMobile:
		s.deliver(log)
	}
}

func (s *Session) onStatusLogChanged(ctx context.Context, ev store.ChangeEvent) {
	if s.Kind != KindMobile {
		return
	}
	log, err := store.DecodeStatusLog(ev.New)
	if err != nil || len(ev.New) == 0 {
		log = s.records.StatusLog(ctx)
	}
	s.inFlight.Lock()
	defer s.inFlight.Unlock()
	s.deliver(log)
}

// deliver surfaces acknowledged speech requests for the selected vehicle to
// the crew, each entry once.
func (s *Session) deliver(log []domain.StatusLogEntry) {
	s.mu.Lock()
	if s.selected == "" {
		s.mu.Unlock()
		return
	}
	var fresh []domain.StatusLogEntry
	for _, e := range log {
		if e.VehicleID != s.selected || !e.NewStatus.AlertWorthy() || !e.AlertDelivered {
			continue
		}
		if s.processed.Add(e.ID) {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) > 0 {
		s.surfaced = fresh
	}
	s.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	callSign := fresh[len(fresh)-1].VehicleCallSign
	metrics.MobileDeliveries.Add(float64(len(fresh)))
	s.logger.Info("speech request delivered to crew",
		logger.String("vehicle", callSign),
		logger.Int("entries", len(fresh)),
	)
	s.player.Tones(announce.MobileAlertTone)
	s.player.Vibrate(announce.MobileVibration)
	s.player.Notify(announce.Notification{
		Title: "J-Sprechaufforderung",
		Body:  fmt.Sprintf("Leitstelle fordert Sprechkontakt für %s", callSign),
		Tag:   "jsprech-" + fresh[len(fresh)-1].VehicleID,
	})
}

func (s *Session) visible(vehicles []domain.Vehicle) []domain.Vehicle {
	return FilterVehicles(vehicles, s.scope)
}

// FilterVehicles keeps the vehicles inside scope. A nil scope keeps all.
func FilterVehicles(vehicles []domain.Vehicle, scope tracker.Scope) []domain.Vehicle {
	if scope == nil {
		return vehicles
	}
	out := vehicles[:0:0]
	for _, v := range vehicles {
		if scope(v) {
			out = append(out, v)
		}
	}
	return out
}

// VisibleLog returns up to limit entries of log, newest first, that refer
// to one of vehicles. limit <= 0 means no limit.
func VisibleLog(vehicles []domain.Vehicle, log []domain.StatusLogEntry, limit int) []domain.StatusLogEntry {
	known := make(map[string]bool, len(vehicles))
	for _, v := range vehicles {
		known[v.ID] = true
	}
	out := []domain.StatusLogEntry{}
	for _, e := range domain.Recent(log, 0) {
		if !known[e.VehicleID] {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Vehicles lists the vehicles this user may see.
func (s *Session) Vehicles(ctx context.Context) []domain.Vehicle {
	return s.visible(s.records.Vehicles(ctx))
}

// StatusLog returns up to limit entries, newest first, for visible vehicles.
// Entries referring to vehicles that are unknown or out of scope are left out.
func (s *Session) StatusLog(ctx context.Context, limit int) []domain.StatusLogEntry {
	return VisibleLog(s.Vehicles(ctx), s.records.StatusLog(ctx), limit)
}

// Select changes the vehicle the terminal is focused on; "" clears it. On a
// mobile terminal acknowledged requests for the new vehicle are surfaced
// right away.
func (s *Session) Select(ctx context.Context, vehicleID string) error {
	if vehicleID != "" {
		if _, ok := domain.FindVehicle(s.Vehicles(ctx), vehicleID); !ok {
			return fmt.Errorf("%w: %s", ErrOutOfScope, vehicleID)
		}
	}

	s.inFlight.Lock()
	defer s.inFlight.Unlock()

	s.mu.Lock()
	changed := s.selected != vehicleID
	s.selected = vehicleID
	if changed {
		s.processed.Reset()
		s.surfaced = nil
	}
	s.mu.Unlock()

	switch s.Kind {
	case KindDispatch:
		s.engine.Observe(vehicleID)
	case KindMobile:
		if changed {
			s.deliver(s.records.StatusLog(ctx))
		}
	}
	s.logger.Info("vehicle selected", logger.String("vehicle_id", vehicleID))
	return nil
}

func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// SetStatus reports a new status for the selected vehicle.
func (s *Session) SetStatus(ctx context.Context, status domain.StatusCode) (domain.StatusLogEntry, error) {
	if s.Kind != KindMobile {
		return domain.StatusLogEntry{}, ErrWrongKind
	}
	vehicleID := s.Selected()
	if vehicleID == "" {
		return domain.StatusLogEntry{}, ErrNoVehicleSelected
	}
	entry, err := s.writer.SetStatus(ctx, vehicleID, status, s.User)
	if err != nil {
		return domain.StatusLogEntry{}, err
	}
	s.player.Vibrate([]time.Duration{50 * time.Millisecond})
	s.player.Tones(announce.MobileAlertTone)
	return entry, nil
}

// Alerts lists the open alerts on a dispatch terminal, or the speech
// requests last surfaced to the crew on a mobile terminal.
func (s *Session) Alerts() []alerting.Alert {
	if s.Kind == KindDispatch {
		return s.engine.Alerts()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]alerting.Alert, 0, len(s.surfaced))
	for _, e := range s.surfaced {
		out = append(out, alerting.Alert{Entry: e, State: e.State()})
	}
	return out
}

// Dismiss clears the requests surfaced on a mobile terminal. They stay
// processed and will not be surfaced again.
func (s *Session) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surfaced = nil
}

func (s *Session) Acknowledge(ctx context.Context, entryID string) (alerting.Acknowledgment, error) {
	if s.Kind != KindDispatch {
		return alerting.Acknowledgment{}, ErrWrongKind
	}
	s.inFlight.Lock()
	defer s.inFlight.Unlock()
	if err := s.checkEntryScope(ctx, entryID); err != nil {
		return alerting.Acknowledgment{}, err
	}
	return s.engine.Acknowledge(ctx, entryID)
}

// checkEntryScope refuses entries of vehicles this user may not see. Unknown
// entries pass through so the engine reports them as such.
func (s *Session) checkEntryScope(ctx context.Context, entryID string) error {
	if s.scope == nil {
		return nil
	}
	log := s.records.StatusLog(ctx)
	i, ok := domain.FindEntry(log, entryID)
	if !ok {
		return nil
	}
	if _, visible := domain.FindVehicle(s.Vehicles(ctx), log[i].VehicleID); !visible {
		return fmt.Errorf("%w: %s", ErrOutOfScope, log[i].VehicleID)
	}
	return nil
}

func (s *Session) AnnounceEmergency(ctx context.Context, emergencyID string) (domain.Emergency, error) {
	if s.Kind != KindDispatch {
		return domain.Emergency{}, ErrWrongKind
	}
	return s.engine.AnnounceEmergency(ctx, emergencyID)
}

// Close stops the loop and any playback. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		if s.engine != nil {
			s.engine.Close()
		}
		s.player.Close()

		s.mu.Lock()
		s.selected = ""
		s.processed.Reset()
		s.surfaced = nil
		s.mu.Unlock()
		s.logger.Info("session closed")
	})
}
