// Package statuslog owns every write to the status transition log and the
// vehicle status field. All writes are single read-modify-write
// transactions against the shared store with no I/O inside the window.
package statuslog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fire-dispatch/radiostatus/internal/domain"
	"fire-dispatch/radiostatus/internal/metrics"
	"fire-dispatch/radiostatus/internal/store"
	"fire-dispatch/radiostatus/internal/tracker"
	"fire-dispatch/radiostatus/pkg/logger"
)

var (
	ErrInvalidStatus       = errors.New("statuslog: invalid status code")
	ErrUnknownVehicle      = errors.New("statuslog: unknown vehicle")
	ErrUnknownEntry        = errors.New("statuslog: unknown log entry")
	ErrAlreadyAcknowledged = errors.New("statuslog: entry already acknowledged")
	ErrNotAlert            = errors.New("statuslog: entry is not a speech request")
)

type Writer struct {
	records    *store.Records
	terminalID string
	now        func() time.Time
	logger     *logger.Logger
}

func NewWriter(records *store.Records, terminalID string, log *logger.Logger) *Writer {
	return &Writer{
		records:    records,
		terminalID: terminalID,
		now:        time.Now,
		logger:     log.Named("statuslog"),
	}
}

// NewID returns a log entry id unique across terminals without coordination:
// the terminal identity followed by a time-ordered UUIDv7.
func (w *Writer) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s-%s", w.terminalID, id)
}

// Record appends t to the status log. When the log already shows the
// vehicle at t.To (another terminal got there first) nothing is written and
// appended is false.
func (w *Writer) Record(ctx context.Context, t tracker.Transition, userID string) (entry domain.StatusLogEntry, appended bool, err error) {
	err = w.records.UpdateStatusLog(ctx, func(log []domain.StatusLogEntry) ([]domain.StatusLogEntry, error) {
		appended = false
		last := domain.LastStatus(t.Vehicle.ID, log)
		if last == t.To {
			return nil, store.ErrNoChange
		}
		entry = w.newEntry(t.Vehicle, last, t.To, userID, log)
		appended = true
		return append(log, entry), nil
	})
	if err != nil {
		return domain.StatusLogEntry{}, false, fmt.Errorf("record transition for %s: %w", t.Vehicle.ID, err)
	}

	if appended {
		w.recorded(entry)
	} else {
		metrics.TransitionsAlreadyLogged.Inc()
	}
	return entry, appended, nil
}

// timestampAfter keeps a vehicle's entries strictly increasing in time even
// when terminal clocks disagree, so LastStatus resolves to the new entry.
func (w *Writer) timestampAfter(vehicleID string, log []domain.StatusLogEntry) time.Time {
	ts := w.now().UTC()
	for _, e := range log {
		if e.VehicleID == vehicleID && !e.Timestamp.Before(ts) {
			ts = e.Timestamp.Add(time.Millisecond)
		}
	}
	return ts
}

func (w *Writer) newEntry(v domain.Vehicle, from, to domain.StatusCode, userID string, log []domain.StatusLogEntry) domain.StatusLogEntry {
	return domain.StatusLogEntry{
		ID:              w.NewID(),
		VehicleID:       v.ID,
		VehicleCallSign: v.CallSign,
		OldStatus:       from,
		NewStatus:       to,
		PreviousStatus:  from,
		Timestamp:       w.timestampAfter(v.ID, log),
		UserID:          userID,
	}
}

func (w *Writer) recorded(entry domain.StatusLogEntry) {
	metrics.TransitionsRecorded.Inc()
	w.logger.Info("status transition recorded",
		logger.String("entry_id", entry.ID),
		logger.String("vehicle", entry.VehicleCallSign),
		logger.Int("old_status", int(entry.OldStatus)),
		logger.Int("new_status", int(entry.NewStatus)),
	)
}

// SetStatus is a mobile terminal reporting a new status for its vehicle on
// behalf of by. The vehicle is written first and the log second, and the
// report always ends up in the log: when the log lags behind the status the
// vehicle had (a rollback no tracker has logged yet), that step is logged
// first so the report starts from what the crew saw. A tracker that logged
// this very write in between is not duplicated; its entry is returned.
func (w *Writer) SetStatus(ctx context.Context, vehicleID string, status domain.StatusCode, by domain.User) (domain.StatusLogEntry, error) {
	if !status.Valid() {
		return domain.StatusLogEntry{}, fmt.Errorf("%w: %d", ErrInvalidStatus, int(status))
	}

	var (
		updated   domain.Vehicle
		prior     domain.StatusCode
		writtenAt time.Time
	)
	err := w.records.UpdateVehicles(ctx, func(vehicles []domain.Vehicle) ([]domain.Vehicle, error) {
		for i := range vehicles {
			if vehicles[i].ID != vehicleID {
				continue
			}
			prior = vehicles[i].Status
			writtenAt = w.now().UTC()
			vehicles[i].Status = status
			vehicles[i].LastUpdate = writtenAt
			if by.Username != "" {
				vehicles[i].Crew = []string{by.Username}
			}
			updated = vehicles[i]
			return vehicles, nil
		}
		return nil, ErrUnknownVehicle
	})
	if err != nil {
		return domain.StatusLogEntry{}, fmt.Errorf("set status of %s: %w", vehicleID, err)
	}

	var (
		entry    domain.StatusLogEntry
		appended []domain.StatusLogEntry
	)
	err = w.records.UpdateStatusLog(ctx, func(log []domain.StatusLogEntry) ([]domain.StatusLogEntry, error) {
		appended = nil
		if e, ok := reported(vehicleID, log, prior, status, writtenAt); ok {
			entry = e
			return nil, store.ErrNoChange
		}

		last := domain.LastStatus(vehicleID, log)
		from := prior
		switch {
		case prior == status:
			from = last
		case last != prior:
			gap := w.newEntry(updated, last, prior, "", log)
			log = append(log, gap)
			appended = append(appended, gap)
		}
		entry = w.newEntry(updated, from, status, by.ID, log)
		appended = append(appended, entry)
		return append(log, entry), nil
	})
	if err != nil {
		return domain.StatusLogEntry{}, fmt.Errorf("log status report of %s: %w", vehicleID, err)
	}

	if len(appended) == 0 {
		metrics.TransitionsAlreadyLogged.Inc()
	}
	for _, e := range appended {
		w.recorded(e)
	}
	return entry, nil
}

// reported finds the entry that already accounts for a status report: the
// newest entry of the vehicle, still open, ending in status, and either a
// repeated report of the same status or a tracker's record of this write.
// An acknowledged speech request never accounts for a new one.
func reported(vehicleID string, log []domain.StatusLogEntry, prior, status domain.StatusCode, writtenAt time.Time) (domain.StatusLogEntry, bool) {
	e, ok := latest(vehicleID, log)
	if !ok || e.NewStatus != status || e.State() == domain.AlertAcknowledged {
		return domain.StatusLogEntry{}, false
	}
	if prior == status {
		return e, true
	}
	return e, e.OldStatus == prior && !e.Timestamp.Before(writtenAt)
}

// latest picks the entry domain.LastStatus would resolve to.
func latest(vehicleID string, log []domain.StatusLogEntry) (domain.StatusLogEntry, bool) {
	var (
		out   domain.StatusLogEntry
		found bool
	)
	for _, e := range log {
		if e.VehicleID != vehicleID {
			continue
		}
		if !found || !e.Timestamp.Before(out.Timestamp) {
			out, found = e, true
		}
	}
	return out, found
}

// MarkAcknowledged flips an open speech request to confirmed and delivered.
// An entry that is already delivered is left untouched and
// ErrAlreadyAcknowledged is returned alongside it.
func (w *Writer) MarkAcknowledged(ctx context.Context, entryID string) (domain.StatusLogEntry, error) {
	var (
		entry  domain.StatusLogEntry
		result error
	)
	err := w.records.UpdateStatusLog(ctx, func(log []domain.StatusLogEntry) ([]domain.StatusLogEntry, error) {
		result = nil
		i, ok := domain.FindEntry(log, entryID)
		if !ok {
			return nil, ErrUnknownEntry
		}
		entry = log[i]
		switch {
		case !entry.NewStatus.AlertWorthy():
			result = ErrNotAlert
			return nil, store.ErrNoChange
		case entry.AlertDelivered:
			result = ErrAlreadyAcknowledged
			return nil, store.ErrNoChange
		}
		log[i].Confirmed = true
		log[i].AlertDelivered = true
		entry = log[i]
		return log, nil
	})
	if err != nil {
		return domain.StatusLogEntry{}, fmt.Errorf("acknowledge %s: %w", entryID, err)
	}
	return entry, result
}

// RestoreStatus rolls a vehicle back to restore, provided it still shows
// expect. A vehicle that has moved on since keeps its newer status.
func (w *Writer) RestoreStatus(ctx context.Context, vehicleID string, expect, restore domain.StatusCode) (bool, error) {
	restored := false
	err := w.records.UpdateVehicles(ctx, func(vehicles []domain.Vehicle) ([]domain.Vehicle, error) {
		restored = false
		for i := range vehicles {
			if vehicles[i].ID != vehicleID {
				continue
			}
			if vehicles[i].Status != expect {
				return nil, store.ErrNoChange
			}
			vehicles[i].Status = restore
			vehicles[i].LastUpdate = w.now().UTC()
			restored = true
			return vehicles, nil
		}
		return nil, ErrUnknownVehicle
	})
	if err != nil {
		return false, fmt.Errorf("restore status of %s: %w", vehicleID, err)
	}
	return restored, nil
}
