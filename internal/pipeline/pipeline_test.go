package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fire-dispatch/radiostatus/internal/domain"
	"fire-dispatch/radiostatus/internal/store"
	"fire-dispatch/radiostatus/pkg/logger"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]domain.StatusLogEntry
	failN   int
}

func (f *fakeSink) UpsertEntries(_ context.Context, entries []domain.StatusLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("connection reset")
	}
	f.batches = append(f.batches, append([]domain.StatusLogEntry(nil), entries...))
	return nil
}

func (f *fakeSink) written() []domain.StatusLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.StatusLogEntry
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func entry(id string, status domain.StatusCode) domain.StatusLogEntry {
	return domain.StatusLogEntry{
		ID:        id,
		VehicleID: "v1",
		NewStatus: status,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestChanged(t *testing.T) {
	a := entry("a", domain.SpeechRequest)
	b := entry("b", domain.EnRoute)
	acked := a
	acked.Confirmed, acked.AlertDelivered = true, true

	tests := []struct {
		name string
		prev []domain.StatusLogEntry
		next []domain.StatusLogEntry
		want []string
	}{
		{"append", []domain.StatusLogEntry{a}, []domain.StatusLogEntry{a, b}, []string{"b"}},
		{"acknowledged", []domain.StatusLogEntry{a, b}, []domain.StatusLogEntry{acked, b}, []string{"a"}},
		{"unchanged", []domain.StatusLogEntry{a, b}, []domain.StatusLogEntry{a, b}, nil},
		{"from empty", nil, []domain.StatusLogEntry{a, b}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Changed(tt.prev, tt.next)
			if len(got) != len(tt.want) {
				t.Fatalf("Changed = %+v, want ids %v", got, tt.want)
			}
			for i, e := range got {
				if e.ID != tt.want[i] {
					t.Errorf("Changed[%d] = %s, want %s", i, e.ID, tt.want[i])
				}
			}
		})
	}
}

func TestArchiveWriterFlushesOnBatchSizeAndClose(t *testing.T) {
	ch := make(chan domain.StatusLogEntry, 10)
	sink := &fakeSink{}
	w := NewArchiveWriter(ch, sink, 2, time.Hour, logger.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	ch <- entry("a", domain.EnRoute)
	ch <- entry("b", domain.OnScene)
	ch <- entry("c", domain.FreeOnRadio)
	close(ch)
	<-done

	if got := len(sink.batches); got != 2 {
		t.Fatalf("batches = %d, want 2", got)
	}
	if got := len(sink.written()); got != 3 {
		t.Errorf("written = %d, want 3", got)
	}
}

func TestArchiveWriterRetriesOnce(t *testing.T) {
	sink := &fakeSink{failN: 1}
	w := NewArchiveWriter(nil, sink, 10, time.Hour, logger.NewNop())
	w.write(context.Background(), []domain.StatusLogEntry{entry("a", domain.EnRoute)})
	if got := len(sink.written()); got != 1 {
		t.Fatalf("written after retry = %d, want 1", got)
	}

	sink = &fakeSink{failN: 2}
	w = NewArchiveWriter(nil, sink, 10, time.Hour, logger.NewNop())
	w.write(context.Background(), []domain.StatusLogEntry{entry("a", domain.EnRoute)})
	if got := len(sink.written()); got != 0 {
		t.Fatalf("written after two failures = %d, want 0", got)
	}
}

func TestArchiveWriterRetryStopsOnCancel(t *testing.T) {
	sink := &fakeSink{failN: 2}
	w := NewArchiveWriter(nil, sink, 10, time.Hour, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	w.write(ctx, []domain.StatusLogEntry{entry("a", domain.EnRoute)})
	if took := time.Since(start); took >= retryDelay {
		t.Errorf("write took %v after cancel, want it to skip the %v retry wait", took, retryDelay)
	}
	sink.mu.Lock()
	left := sink.failN
	sink.mu.Unlock()
	if left != 1 {
		t.Errorf("sink called %d times, want 1", 2-left)
	}
}

func TestDedupeKeepsLastVersion(t *testing.T) {
	a := entry("a", domain.SpeechRequest)
	acked := a
	acked.AlertDelivered = true
	got := dedupe([]domain.StatusLogEntry{a, entry("b", domain.EnRoute), acked})
	if len(got) != 2 || got[0].ID != "a" || !got[0].AlertDelivered {
		t.Fatalf("dedupe = %+v", got)
	}
}

func TestDispatcherForwardsChanges(t *testing.T) {
	backend := store.NewMemoryBackend("test")
	defer backend.Close()
	records := store.NewRecords(backend, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	existing := entry("a", domain.SpeechRequest)
	if err := records.Replace(ctx, domain.CollectionStatusLog, []domain.StatusLogEntry{existing}); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(records, 10, logger.NewNop())
	go d.Run(ctx)

	next := func() domain.StatusLogEntry {
		t.Helper()
		select {
		case e := <-d.ArchiveChan:
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a dispatched entry")
			return domain.StatusLogEntry{}
		}
	}

	if got := next(); got.ID != "a" {
		t.Fatalf("initial entry = %s", got.ID)
	}

	if err := records.UpdateStatusLog(ctx, func(log []domain.StatusLogEntry) ([]domain.StatusLogEntry, error) {
		log[0].AlertDelivered = true
		return append(log, entry("b", domain.EnRoute)), nil
	}); err != nil {
		t.Fatal(err)
	}
	got := map[string]domain.StatusLogEntry{}
	for i := 0; i < 2; i++ {
		e := next()
		got[e.ID] = e
	}
	if !got["a"].AlertDelivered {
		t.Error("acknowledgment not forwarded")
	}
	if _, ok := got["b"]; !ok {
		t.Error("appended entry not forwarded")
	}

	cancel()
	select {
	case _, ok := <-d.ArchiveChan:
		for ok {
			_, ok = <-d.ArchiveChan
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ArchiveChan not closed after cancel")
	}
}
