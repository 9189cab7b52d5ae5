package pipeline

import (
	"context"
	"time"

	"fire-dispatch/radiostatus/internal/domain"
	"fire-dispatch/radiostatus/internal/metrics"
	"fire-dispatch/radiostatus/pkg/logger"
)

const retryDelay = 500 * time.Millisecond

// EntrySink is where archived entries end up; *store.Archive in production.
type EntrySink interface {
	UpsertEntries(ctx context.Context, entries []domain.StatusLogEntry) error
}

type ArchiveWriter struct {
	ch        <-chan domain.StatusLogEntry
	sink      EntrySink
	batchSize int
	flush     time.Duration
	logger    *logger.Logger
}

func NewArchiveWriter(
	ch <-chan domain.StatusLogEntry,
	sink EntrySink,
	batchSize int,
	flushInterval time.Duration,
	log *logger.Logger,
) *ArchiveWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &ArchiveWriter{
		ch:        ch,
		sink:      sink,
		batchSize: batchSize,
		flush:     flushInterval,
		logger:    log.Named("archive_writer"),
	}
}

// Run drains the channel until it is closed or ctx is done, flushing what is
// left either way.
func (w *ArchiveWriter) Run(ctx context.Context) {
	batch := make([]domain.StatusLogEntry, 0, w.batchSize)
	ticker := time.NewTicker(w.flush)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-w.ch:
			if !ok {
				if len(batch) > 0 {
					w.write(context.WithoutCancel(ctx), batch)
				}
				return
			}
			batch = append(batch, e)
			if len(batch) >= w.batchSize {
				w.write(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.write(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			if len(batch) > 0 {
				w.write(context.WithoutCancel(ctx), batch)
			}
			return
		}
	}
}

func (w *ArchiveWriter) write(ctx context.Context, batch []domain.StatusLogEntry) {
	batch = dedupe(batch)
	err := w.sink.UpsertEntries(ctx, batch)
	if err != nil {
		w.logger.Warn("archive write failed, retrying", logger.Int("batch", len(batch)), logger.Error(err))
		retry := time.NewTimer(retryDelay)
		select {
		case <-retry.C:
			err = w.sink.UpsertEntries(ctx, batch)
		case <-ctx.Done():
			retry.Stop()
			err = ctx.Err()
		}
		if err != nil {
			w.logger.Error("archive write permanently failed", logger.Int("batch", len(batch)), logger.Error(err))
			metrics.ArchiveWriteFailures.Add(float64(len(batch)))
			return
		}
	}
	metrics.ArchiveWriteSuccess.Add(float64(len(batch)))
}

// dedupe keeps the last version of each entry; one upsert batch may not
// touch the same row twice.
func dedupe(batch []domain.StatusLogEntry) []domain.StatusLogEntry {
	idx := make(map[string]int, len(batch))
	out := make([]domain.StatusLogEntry, 0, len(batch))
	for _, e := range batch {
		if i, ok := idx[e.ID]; ok {
			out[i] = e
			continue
		}
		idx[e.ID] = len(out)
		out = append(out, e)
	}
	return out
}
