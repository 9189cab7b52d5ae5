// Package alerting drives speech requests through their lifecycle on a
// dispatch terminal: RAISED when the log shows an open request,
// DELIVERED_PENDING_ACK once the operator has been alerted, ACKNOWLEDGED
// after the operator confirms and the vehicle is rolled back.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"fire-dispatch/radiostatus/internal/announce"
	"fire-dispatch/radiostatus/internal/domain"
	"fire-dispatch/radiostatus/internal/metrics"
	"fire-dispatch/radiostatus/internal/statuslog"
	"fire-dispatch/radiostatus/internal/store"
	"fire-dispatch/radiostatus/pkg/logger"
)

var (
	ErrAlreadyAcknowledged = statuslog.ErrAlreadyAcknowledged
	ErrUnknownEntry        = statuslog.ErrUnknownEntry
	ErrUnknownEmergency    = errors.New("alerting: unknown emergency")
)

type Options struct {
	Language string
	Rate     float64
}

// Alert is an open speech request as this terminal sees it.
type Alert struct {
	Entry domain.StatusLogEntry `json:"entry"`
	State domain.AlertState     `json:"state"`
}

type Acknowledgment struct {
	Entry domain.StatusLogEntry `json:"entry"`
	// Restored is false when the vehicle had already left the requested
	// status and kept its newer one.
	Restored bool `json:"restored"`
}

type tracked struct {
	entry     domain.StatusLogEntry
	delivered bool
}

type Engine struct {
	writer   *statuslog.Writer
	records  *store.Records
	player   *announce.Player
	repeater *announce.Repeater
	opts     Options
	logger   *logger.Logger

	mu       sync.Mutex
	selected string
	open     map[string]*tracked
}

func NewEngine(writer *statuslog.Writer, records *store.Records, player *announce.Player, opts Options, log *logger.Logger) *Engine {
	if opts.Language == "" {
		opts.Language = "de-DE"
	}
	if opts.Rate == 0 {
		opts.Rate = 0.7
	}
	return &Engine{
		writer:   writer,
		records:  records,
		player:   player,
		repeater: announce.NewRepeater(player),
		opts:     opts,
		logger:   log.Named("alerting"),
		open:     make(map[string]*tracked),
	}
}

// Observe narrows what the operator is looking at to one vehicle; "" means
// every vehicle in scope. Alerts for other vehicles are held back, and the
// held alerts of the newly observed vehicle are delivered once.
func (e *Engine) Observe(vehicleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selected == vehicleID {
		return
	}
	e.selected = vehicleID
	for _, t := range e.open {
		if !e.observingLocked(t.entry.VehicleID) {
			t.delivered = false
		}
	}
	e.deliverLocked()
}

func (e *Engine) observingLocked(vehicleID string) bool {
	return e.selected == "" || e.selected == vehicleID
}

// Sync reconciles the engine with the current log. vehicles is the
// terminal's scope; entries for vehicles outside it are ignored.
func (e *Engine) Sync(vehicles []domain.Vehicle, log []domain.StatusLogEntry) {
	inScope := make(map[string]bool, len(vehicles))
	for _, v := range vehicles {
		inScope[v.ID] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool)
	for _, entry := range log {
		if !entry.IsAlert() || !inScope[entry.VehicleID] {
			continue
		}
		seen[entry.ID] = true
		if _, ok := e.open[entry.ID]; ok {
			continue
		}
		e.open[entry.ID] = &tracked{entry: entry}
		e.logger.Info("speech request raised",
			logger.String("entry_id", entry.ID),
			logger.String("vehicle", entry.VehicleCallSign),
			logger.Int("status", int(entry.NewStatus)),
		)
	}

	// Acknowledged elsewhere, or the vehicle left scope.
	for id := range e.open {
		if !seen[id] {
			delete(e.open, id)
		}
	}

	e.deliverLocked()
}

// deliverLocked alerts the operator for every observed, undelivered alert
// and keeps the gong matched to the most urgent delivered one.
func (e *Engine) deliverLocked() {
	for _, t := range e.open {
		if t.delivered || !e.observingLocked(t.entry.VehicleID) {
			continue
		}
		t.delivered = true
		metrics.AlertsRaised.WithLabelValues(fmt.Sprint(int(t.entry.NewStatus))).Inc()
	}
	e.refreshGongLocked()
}

func (e *Engine) refreshGongLocked() {
	var priority, active bool
	for _, t := range e.open {
		if !t.delivered {
			continue
		}
		active = true
		if t.entry.NewStatus.Priority() {
			priority = true
		}
	}
	if !active {
		e.repeater.Stop()
		return
	}
	status := domain.SpeechRequest
	if priority {
		status = domain.PrioritySpeechRequest
	}
	seq, interval, _ := announce.GongFor(status)
	e.repeater.Start(seq, interval)
}

// Alerts lists open alerts oldest first.
func (e *Engine) Alerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.open))
	for _, t := range e.open {
		state := domain.AlertRaised
		if t.delivered {
			state = domain.AlertPendingAck
		}
		out = append(out, Alert{Entry: t.entry, State: state})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entry.Timestamp.Equal(out[j].Entry.Timestamp) {
			return out[i].Entry.ID < out[j].Entry.ID
		}
		return out[i].Entry.Timestamp.Before(out[j].Entry.Timestamp)
	})
	return out
}

// Acknowledge confirms a speech request: the entry is marked confirmed and
// delivered, the vehicle returns to the status it had before the request,
// and the crew is called up by voice. Acknowledging an entry twice returns
// ErrAlreadyAcknowledged and changes nothing.
func (e *Engine) Acknowledge(ctx context.Context, entryID string) (Acknowledgment, error) {
	entry, err := e.writer.MarkAcknowledged(ctx, entryID)
	if errors.Is(err, ErrAlreadyAcknowledged) {
		metrics.DuplicateAcknowledgments.Inc()
		e.forget(entryID)
		e.logger.Debug("duplicate acknowledgment ignored", logger.String("entry_id", entryID))
		return Acknowledgment{Entry: entry}, err
	}
	if err != nil {
		return Acknowledgment{}, err
	}
	e.forget(entryID)

	restored, err := e.writer.RestoreStatus(ctx, entry.VehicleID, entry.NewStatus, entry.PreviousStatus)
	if err != nil {
		// The log entry is already acknowledged; a missing vehicle only
		// means there is nothing left to roll back.
		e.logger.Warn("status rollback skipped",
			logger.String("entry_id", entry.ID),
			logger.String("vehicle_id", entry.VehicleID),
			logger.Error(err),
		)
	}

	name := entry.VehicleCallSign
	if v, ok := domain.FindVehicle(e.records.Vehicles(ctx), entry.VehicleID); ok {
		name = v.SpokenName()
	}
	e.player.Say(announce.Utterance{
		Text:     fmt.Sprintf("J-Sprechaufforderung an %s", name),
		Language: e.opts.Language,
		Rate:     e.opts.Rate,
	})

	metrics.Acknowledgments.Inc()
	e.logger.Info("speech request acknowledged",
		logger.String("entry_id", entry.ID),
		logger.String("vehicle", entry.VehicleCallSign),
		logger.Int("restored_status", int(entry.PreviousStatus)),
		logger.Bool("restored", restored),
	)
	return Acknowledgment{Entry: entry, Restored: restored}, nil
}

func (e *Engine) forget(entryID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.open, entryID)
	e.refreshGongLocked()
}

// AnnounceEmergency reads an incident out on the console, preceded by the
// alarm gong.
func (e *Engine) AnnounceEmergency(ctx context.Context, emergencyID string) (domain.Emergency, error) {
	for _, em := range e.records.Emergencies(ctx) {
		if em.ID != emergencyID {
			continue
		}
		e.player.TonesThenSay(announce.AlarmGong, announce.Utterance{
			Text:     fmt.Sprintf("Einsatz %s in %s", em.Title, em.Location),
			Language: e.opts.Language,
			Rate:     e.opts.Rate,
		})
		return em, nil
	}
	return domain.Emergency{}, fmt.Errorf("%w: %s", ErrUnknownEmergency, emergencyID)
}

// Close silences the gong. The player belongs to the caller.
func (e *Engine) Close() {
	e.repeater.Stop()
}
