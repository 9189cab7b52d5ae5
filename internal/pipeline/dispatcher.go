// Package pipeline mirrors the shared status log into the durable archive.
// The Dispatcher turns change events into the entries that changed; the
// ArchiveWriter batches them into the database.
package pipeline

import (
	"context"

	"fire-dispatch/radiostatus/internal/domain"
	"fire-dispatch/radiostatus/internal/metrics"
	"fire-dispatch/radiostatus/internal/store"
	"fire-dispatch/radiostatus/pkg/logger"
)

type Dispatcher struct {
	ArchiveChan chan domain.StatusLogEntry

	records *store.Records
	logger  *logger.Logger
}

func NewDispatcher(records *store.Records, archiveSize int, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		ArchiveChan: make(chan domain.StatusLogEntry, archiveSize),
		records:     records,
		logger:      log.Named("dispatcher"),
	}
}

// Run forwards status log changes until ctx is done or the subscription
// ends, then closes ArchiveChan. The current log is dispatched first so a
// restarted process catches up on whatever it missed.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.ArchiveChan)

	events, err := d.records.Subscribe(ctx, domain.CollectionStatusLog)
	if err != nil {
		return err
	}
	for _, e := range d.records.StatusLog(ctx) {
		d.Dispatch(e)
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.handle(ctx, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev store.ChangeEvent) {
	oldLog, errOld := store.DecodeStatusLog(ev.Old)
	newLog, errNew := store.DecodeStatusLog(ev.New)
	if errNew != nil || len(ev.New) == 0 {
		// Only a signal; everything is upserted again.
		newLog, oldLog = d.records.StatusLog(ctx), nil
	} else if errOld != nil {
		oldLog = nil
	}
	for _, e := range Changed(oldLog, newLog) {
		d.Dispatch(e)
	}
}

func (d *Dispatcher) Dispatch(e domain.StatusLogEntry) {
	select {
	case d.ArchiveChan <- e:
	default:
		metrics.ArchiveChannelDrops.Inc()
		d.logger.Warn("archive channel full, entry dropped", logger.String("entry_id", e.ID))
	}
}

// Changed returns the entries of next that are new or differ from their
// counterpart in prev, in log order.
func Changed(prev, next []domain.StatusLogEntry) []domain.StatusLogEntry {
	before := make(map[string]domain.StatusLogEntry, len(prev))
	for _, e := range prev {
		before[e.ID] = e
	}
	var out []domain.StatusLogEntry
	for _, e := range next {
		old, ok := before[e.ID]
		if ok && sameEntry(old, e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func sameEntry(a, b domain.StatusLogEntry) bool {
	return a.Confirmed == b.Confirmed &&
		a.AlertDelivered == b.AlertDelivered &&
		a.NewStatus == b.NewStatus &&
		a.OldStatus == b.OldStatus &&
		a.PreviousStatus == b.PreviousStatus &&
		a.Timestamp.Equal(b.Timestamp)
}
