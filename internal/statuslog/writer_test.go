package statuslog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fire-dispatch/radiostatus/internal/domain"
	"fire-dispatch/radiostatus/internal/store"
	"fire-dispatch/radiostatus/internal/tracker"
	"fire-dispatch/radiostatus/pkg/logger"
)

func newTestRecords(t *testing.T, vehicles ...domain.Vehicle) *store.Records {
	t.Helper()
	backend := store.NewMemoryBackend("test")
	t.Cleanup(func() { backend.Close() })
	records := store.NewRecords(backend, logger.NewNop())
	if err := records.Replace(context.Background(), domain.CollectionVehicles, vehicles); err != nil {
		t.Fatalf("seed vehicles: %v", err)
	}
	return records
}

func TestNewIDUnique(t *testing.T) {
	w := NewWriter(newTestRecords(t), "console-1", logger.NewNop())
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := w.NewID()
		if !strings.HasPrefix(id, "console-1-") {
			t.Fatalf("id %q lacks terminal prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestRecordSkipsAlreadyLogged(t *testing.T) {
	records := newTestRecords(t, domain.Vehicle{ID: "v1", CallSign: "HLF-1", Status: domain.EnRoute})
	ctx := context.Background()
	a := NewWriter(records, "a", logger.NewNop())
	b := NewWriter(records, "b", logger.NewNop())

	transitions := tracker.Detect(records.Vehicles(ctx), records.StatusLog(ctx), nil)
	if len(transitions) != 1 {
		t.Fatalf("transitions = %d, want 1", len(transitions))
	}

	entry, appended, err := a.Record(ctx, transitions[0], "")
	if err != nil || !appended {
		t.Fatalf("first Record = %v, %v", appended, err)
	}
	if entry.OldStatus != domain.FreeAtStation || entry.NewStatus != domain.EnRoute || entry.PreviousStatus != entry.OldStatus {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Confirmed || entry.AlertDelivered {
		t.Error("new entry must start unconfirmed and undelivered")
	}

	// b detected the same transition from a stale read.
	if _, appended, err := b.Record(ctx, transitions[0], ""); err != nil || appended {
		t.Fatalf("second Record = %v, %v, want skipped", appended, err)
	}
	if got := len(records.StatusLog(ctx)); got != 1 {
		t.Fatalf("log length = %d, want 1", got)
	}
}

var reporter = domain.User{ID: "u7", Username: "hlf-crew"}

func TestSetStatus(t *testing.T) {
	records := newTestRecords(t, domain.Vehicle{ID: "v1", CallSign: "HLF-1", Status: domain.FreeAtStation})
	w := NewWriter(records, "mobile", logger.NewNop())
	ctx := context.Background()

	entry, err := w.SetStatus(ctx, "v1", domain.SpeechRequest, reporter)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if entry.UserID != "u7" || entry.NewStatus != domain.SpeechRequest || entry.VehicleCallSign != "HLF-1" {
		t.Errorf("entry = %+v", entry)
	}
	v, _ := domain.FindVehicle(records.Vehicles(ctx), "v1")
	if v.Status != domain.SpeechRequest || len(v.Crew) != 1 || v.Crew[0] != "hlf-crew" || v.LastUpdate.IsZero() {
		t.Errorf("vehicle = %+v", v)
	}

	if _, err := w.SetStatus(ctx, "v1", domain.StatusCode(12), reporter); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("invalid status error = %v", err)
	}
	if _, err := w.SetStatus(ctx, "nope", domain.EnRoute, reporter); !errors.Is(err, ErrUnknownVehicle) {
		t.Errorf("unknown vehicle error = %v", err)
	}
}

func TestTimestampsIncreasePerVehicle(t *testing.T) {
	records := newTestRecords(t, domain.Vehicle{ID: "v1", Status: domain.FreeAtStation})
	w := NewWriter(records, "a", logger.NewNop())
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return frozen }
	ctx := context.Background()

	first, err := w.SetStatus(ctx, "v1", domain.EnRoute, domain.User{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := w.SetStatus(ctx, "v1", domain.OnScene, domain.User{})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Timestamp.After(first.Timestamp) {
		t.Fatalf("second entry at %v not after first at %v", second.Timestamp, first.Timestamp)
	}
	if got := domain.LastStatus("v1", records.StatusLog(ctx)); got != domain.OnScene {
		t.Errorf("LastStatus = %d, want %d", got, domain.OnScene)
	}
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	var vehicles []domain.Vehicle
	for _, id := range []string{"v1", "v2", "v3", "v4", "v5", "v6"} {
		vehicles = append(vehicles, domain.Vehicle{ID: id, Status: domain.FreeAtStation})
	}
	records := newTestRecords(t, vehicles...)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i, v := range vehicles {
		w := NewWriter(records, "terminal", logger.NewNop())
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := domain.EnRoute
			if i%2 == 0 {
				status = domain.SpeechRequest
			}
			if _, err := w.SetStatus(ctx, v.ID, status, domain.User{}); err != nil {
				t.Errorf("SetStatus(%s): %v", v.ID, err)
			}
		}()
	}
	wg.Wait()

	log := records.StatusLog(ctx)
	if len(log) != len(vehicles) {
		t.Fatalf("log has %d entries, want %d", len(log), len(vehicles))
	}
	if left := tracker.Detect(records.Vehicles(ctx), log, nil); len(left) != 0 {
		t.Fatalf("unlogged transitions: %+v", left)
	}
}

func TestMarkAcknowledged(t *testing.T) {
	records := newTestRecords(t, domain.Vehicle{ID: "v1", Status: domain.FreeAtStation})
	w := NewWriter(records, "a", logger.NewNop())
	ctx := context.Background()

	route, _ := w.SetStatus(ctx, "v1", domain.EnRoute, domain.User{})
	if _, err := w.MarkAcknowledged(ctx, route.ID); !errors.Is(err, ErrNotAlert) {
		t.Errorf("acknowledging a non-alert entry: %v", err)
	}

	req, _ := w.SetStatus(ctx, "v1", domain.SpeechRequest, domain.User{})
	got, err := w.MarkAcknowledged(ctx, req.ID)
	if err != nil || !got.Confirmed || !got.AlertDelivered {
		t.Fatalf("MarkAcknowledged = %+v, %v", got, err)
	}
	if _, err := w.MarkAcknowledged(ctx, req.ID); !errors.Is(err, ErrAlreadyAcknowledged) {
		t.Errorf("second MarkAcknowledged: %v", err)
	}
	if _, err := w.MarkAcknowledged(ctx, "missing"); !errors.Is(err, ErrUnknownEntry) {
		t.Errorf("unknown entry: %v", err)
	}
}

func TestSetStatusAfterUnloggedRollback(t *testing.T) {
	records := newTestRecords(t, domain.Vehicle{ID: "v1", CallSign: "HLF-1", Status: domain.FreeAtStation})
	w := NewWriter(records, "a", logger.NewNop())
	ctx := context.Background()

	first, err := w.SetStatus(ctx, "v1", domain.SpeechRequest, reporter)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.MarkAcknowledged(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if restored, err := w.RestoreStatus(ctx, "v1", domain.SpeechRequest, domain.FreeAtStation); err != nil || !restored {
		t.Fatalf("RestoreStatus = %v, %v", restored, err)
	}

	// The crew asks again before any tracker logged the rollback.
	second, err := w.SetStatus(ctx, "v1", domain.SpeechRequest, reporter)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == "" || second.ID == first.ID {
		t.Fatalf("second request not logged: %+v", second)
	}
	if second.OldStatus != domain.FreeAtStation || second.PreviousStatus != domain.FreeAtStation || second.AlertDelivered {
		t.Errorf("second = %+v", second)
	}

	log := records.StatusLog(ctx)
	if len(log) != 3 {
		t.Fatalf("log has %d entries, want request, rollback, request", len(log))
	}
	if gap := log[1]; gap.OldStatus != domain.SpeechRequest || gap.NewStatus != domain.FreeAtStation || gap.UserID != "" {
		t.Errorf("rollback entry = %+v", gap)
	}
	if pending := domain.PendingAlerts(log); len(pending) != 1 || pending[0].ID != second.ID {
		t.Errorf("pending = %+v", pending)
	}
	if left := tracker.Detect(records.Vehicles(ctx), log, nil); len(left) != 0 {
		t.Errorf("log and vehicles disagree: %+v", left)
	}
}

func TestSetStatusRepeatedReportReturnsOpenEntry(t *testing.T) {
	records := newTestRecords(t, domain.Vehicle{ID: "v1", CallSign: "HLF-1", Status: domain.FreeAtStation})
	w := NewWriter(records, "a", logger.NewNop())
	ctx := context.Background()

	first, err := w.SetStatus(ctx, "v1", domain.SpeechRequest, reporter)
	if err != nil {
		t.Fatal(err)
	}
	again, err := w.SetStatus(ctx, "v1", domain.SpeechRequest, reporter)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Errorf("repeated report = %q, want open entry %q", again.ID, first.ID)
	}
	if got := len(records.StatusLog(ctx)); got != 1 {
		t.Errorf("log length = %d, want 1", got)
	}
}
