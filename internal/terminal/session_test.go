package terminal_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"fire-dispatch/radiostatus/internal/announce"
	"fire-dispatch/radiostatus/internal/announce/announcetest"
	"fire-dispatch/radiostatus/internal/domain"
	"fire-dispatch/radiostatus/internal/statuslog"
	"fire-dispatch/radiostatus/internal/store"
	"fire-dispatch/radiostatus/internal/terminal"
	"fire-dispatch/radiostatus/internal/tracker"
	"fire-dispatch/radiostatus/pkg/logger"
)

type harness struct {
	records *store.Records
	writer  *statuslog.Writer
	manager *terminal.Manager

	mu   sync.Mutex
	outs map[string]*announcetest.Recorder
}

var (
	hlf1 = domain.Vehicle{ID: "v1", CallSign: "HLF-1", SpeechCallSign: "Florian Hauptwache eins", Station: "s1", Status: domain.FreeAtStation}
	rtw2 = domain.Vehicle{ID: "v2", CallSign: "RTW-2", Station: "s2", Status: domain.FreeAtStation}

	dispatcher = domain.User{ID: "u1", Username: "leitstelle", Role: domain.RoleDispatcher, Active: true}
	crew       = domain.User{ID: "u2", Username: "hlf-crew", Role: domain.RoleFirefighter, Station: "s1", Active: true}
)

func newHarness(t *testing.T, vehicles ...domain.Vehicle) *harness {
	t.Helper()
	log := logger.NewNop()
	backend := store.NewMemoryBackend("test")
	records := store.NewRecords(backend, log)
	if err := records.Replace(context.Background(), domain.CollectionVehicles, vehicles); err != nil {
		t.Fatalf("seed vehicles: %v", err)
	}

	h := &harness{
		records: records,
		writer:  statuslog.NewWriter(records, "test", log),
		outs:    make(map[string]*announcetest.Recorder),
	}
	scopeOf := func(u domain.User) tracker.Scope {
		if u.Role != domain.RoleFirefighter {
			return nil
		}
		return func(v domain.Vehicle) bool { return v.Station == u.Station }
	}
	output := func(id string) announce.Announcer {
		h.mu.Lock()
		defer h.mu.Unlock()
		rec := &announcetest.Recorder{}
		h.outs[id] = rec
		return rec
	}
	h.manager = terminal.NewManager(context.Background(), records, h.writer, scopeOf, output,
		terminal.Options{PollInterval: 20 * time.Millisecond}, log)
	t.Cleanup(func() {
		h.manager.CloseAll()
		backend.Close()
	})
	return h
}

func (h *harness) open(t *testing.T, kind terminal.Kind, user domain.User) (*terminal.Session, *announcetest.Recorder) {
	t.Helper()
	s, err := h.manager.Open(kind, user)
	if err != nil {
		t.Fatalf("Open(%s): %v", kind, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return s, h.outs[s.ID]
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func countStatus(log []domain.StatusLogEntry, status domain.StatusCode) int {
	n := 0
	for _, e := range log {
		if e.NewStatus == status {
			n++
		}
	}
	return n
}

func pendingOn(s *terminal.Session) bool {
	alerts := s.Alerts()
	return len(alerts) == 1 && alerts[0].State == domain.AlertPendingAck
}

func TestSpeechRequestReachesEveryConsole(t *testing.T) {
	h := newHarness(t, hlf1, rtw2)
	ctx := context.Background()
	consoleA, recA := h.open(t, terminal.KindDispatch, dispatcher)
	consoleB, recB := h.open(t, terminal.KindDispatch, dispatcher)
	mobile, _ := h.open(t, terminal.KindMobile, crew)

	if err := mobile.Select(ctx, "v1"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, err := mobile.SetStatus(ctx, domain.SpeechRequest); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	eventually(t, "alert on console A", func() bool { return pendingOn(consoleA) })
	eventually(t, "alert on console B", func() bool { return pendingOn(consoleB) })
	recA.WaitFor(t, "gong on console A", announcetest.HasKind("tones", 1))
	recB.WaitFor(t, "gong on console B", announcetest.HasKind("tones", 1))

	// Give every terminal a few more polls to race on the same transition.
	time.Sleep(100 * time.Millisecond)
	if got := countStatus(h.records.StatusLog(ctx), domain.SpeechRequest); got != 1 {
		t.Fatalf("speech request logged %d times, want 1", got)
	}
	if got := consoleA.Alerts()[0].Entry.ID; got != consoleB.Alerts()[0].Entry.ID {
		t.Errorf("consoles disagree on the entry: %s", got)
	}
}

func TestAcknowledgeClearsEverywhereAndReachesCrew(t *testing.T) {
	h := newHarness(t, hlf1)
	ctx := context.Background()
	consoleA, recA := h.open(t, terminal.KindDispatch, dispatcher)
	consoleB, _ := h.open(t, terminal.KindDispatch, dispatcher)
	mobile, recM := h.open(t, terminal.KindMobile, crew)

	if err := mobile.Select(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := mobile.SetStatus(ctx, domain.SpeechRequest); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alert on console A", func() bool { return pendingOn(consoleA) })
	eventually(t, "alert on console B", func() bool { return pendingOn(consoleB) })
	entryID := consoleA.Alerts()[0].Entry.ID

	ack, err := consoleA.Acknowledge(ctx, entryID)
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if !ack.Restored || !ack.Entry.Confirmed || !ack.Entry.AlertDelivered {
		t.Errorf("acknowledgment = %+v", ack)
	}
	if got := len(consoleA.Alerts()); got != 0 {
		t.Errorf("console A still shows %d alerts", got)
	}
	eventually(t, "alert cleared on console B", func() bool { return len(consoleB.Alerts()) == 0 })

	v, _ := domain.FindVehicle(h.records.Vehicles(ctx), "v1")
	if v.Status != domain.FreeAtStation {
		t.Errorf("vehicle status = %d, want %d", v.Status, domain.FreeAtStation)
	}

	calls := recA.WaitFor(t, "confirmation speech", announcetest.HasKind("speech", 1))
	for _, c := range calls {
		if c.Kind == "speech" && c.Utterance.Text != "J-Sprechaufforderung an Florian Hauptwache eins" {
			t.Errorf("speech = %q", c.Utterance.Text)
		}
	}

	calls = recM.WaitFor(t, "crew notification", announcetest.HasKind("notification", 1))
	for _, c := range calls {
		if c.Kind == "notification" && !strings.Contains(c.Notification.Body, "Leitstelle fordert Sprechkontakt für HLF-1") {
			t.Errorf("notification = %+v", c.Notification)
		}
	}
	recM.WaitFor(t, "crew alert tone", func(calls []announcetest.Call) bool {
		for _, c := range calls {
			if c.Kind == "tones" && c.Sequence.Name == announce.MobileAlertTone.Name {
				return true
			}
		}
		return false
	})

	if _, err := consoleB.Acknowledge(ctx, entryID); !errors.Is(err, terminal.ErrAlreadyAcknowledged) {
		t.Errorf("second acknowledgment: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := recM.Count("notification"); got != 1 {
		t.Errorf("crew notified %d times, want 1", got)
	}
}

func TestSelectSurfacesDeliveredRequestOnce(t *testing.T) {
	h := newHarness(t, hlf1)
	ctx := context.Background()

	req, err := h.writer.SetStatus(ctx, "v1", domain.SpeechRequest, crew)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.writer.MarkAcknowledged(ctx, req.ID); err != nil {
		t.Fatal(err)
	}

	mobile, rec := h.open(t, terminal.KindMobile, crew)
	time.Sleep(50 * time.Millisecond)
	if got := rec.Count("notification"); got != 0 {
		t.Fatalf("notified %d times before a vehicle was selected", got)
	}

	if err := mobile.Select(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	rec.WaitFor(t, "notification after select", announcetest.HasKind("notification", 1))
	if alerts := mobile.Alerts(); len(alerts) != 1 || alerts[0].Entry.ID != req.ID || alerts[0].State != domain.AlertAcknowledged {
		t.Errorf("surfaced = %+v", alerts)
	}

	mobile.Refresh(ctx)
	time.Sleep(100 * time.Millisecond)
	if got := rec.Count("notification"); got != 1 {
		t.Fatalf("notified %d times, want exactly once", got)
	}

	mobile.Dismiss()
	if got := len(mobile.Alerts()); got != 0 {
		t.Errorf("%d alerts left after Dismiss", got)
	}

	// A fresh selection starts with an empty processed set.
	if err := mobile.Select(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := mobile.Select(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	rec.WaitFor(t, "notification after reselect", announcetest.HasKind("notification", 2))
}

func TestConcurrentStatusChangesFromTwoTerminals(t *testing.T) {
	h := newHarness(t, hlf1, rtw2)
	ctx := context.Background()
	console, _ := h.open(t, terminal.KindDispatch, dispatcher)
	a, _ := h.open(t, terminal.KindMobile, dispatcher)
	b, _ := h.open(t, terminal.KindMobile, dispatcher)
	if err := a.Select(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := b.Select(ctx, "v2"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, s := range []*terminal.Session{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.SetStatus(ctx, domain.SpeechRequest); err != nil {
				t.Errorf("SetStatus: %v", err)
			}
		}()
	}
	wg.Wait()

	log := h.records.StatusLog(ctx)
	if got := countStatus(log, domain.SpeechRequest); got != 2 {
		t.Fatalf("log holds %d speech requests, want 2: %+v", got, log)
	}
	eventually(t, "both alerts on the console", func() bool { return len(console.Alerts()) == 2 })
}

func TestScopedViews(t *testing.T) {
	h := newHarness(t, hlf1, rtw2)
	ctx := context.Background()
	if _, err := h.writer.SetStatus(ctx, "v1", domain.EnRoute, domain.User{}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.writer.SetStatus(ctx, "v2", domain.EnRoute, domain.User{}); err != nil {
		t.Fatal(err)
	}
	ghost := domain.StatusLogEntry{ID: "ghost-1", VehicleID: "gone", NewStatus: domain.OnScene, Timestamp: time.Now()}
	if err := h.records.UpdateStatusLog(ctx, func(log []domain.StatusLogEntry) ([]domain.StatusLogEntry, error) {
		return append(log, ghost), nil
	}); err != nil {
		t.Fatal(err)
	}

	mobile, _ := h.open(t, terminal.KindMobile, crew)
	if got := mobile.Vehicles(ctx); len(got) != 1 || got[0].ID != "v1" {
		t.Errorf("crew sees %+v", got)
	}
	if err := mobile.Select(ctx, "v2"); !errors.Is(err, terminal.ErrOutOfScope) {
		t.Errorf("selecting another station's vehicle: %v", err)
	}
	for _, e := range mobile.StatusLog(ctx, 0) {
		if e.VehicleID != "v1" {
			t.Errorf("crew log shows %+v", e)
		}
	}

	console, _ := h.open(t, terminal.KindDispatch, dispatcher)
	log := console.StatusLog(ctx, 0)
	if len(log) != 2 {
		t.Fatalf("console log has %d entries, want 2", len(log))
	}
	if log[1].Timestamp.After(log[0].Timestamp) {
		t.Error("log not newest first")
	}
	if got := console.StatusLog(ctx, 1); len(got) != 1 {
		t.Errorf("limit ignored: %d entries", len(got))
	}
}

func TestWrongKindAndLifecycle(t *testing.T) {
	h := newHarness(t, hlf1)
	ctx := context.Background()

	if _, err := h.manager.Open(terminal.Kind("kiosk"), dispatcher); !errors.Is(err, terminal.ErrWrongKind) {
		t.Errorf("unknown kind: %v", err)
	}
	inactive := crew
	inactive.Active = false
	if _, err := h.manager.Open(terminal.KindMobile, inactive); !errors.Is(err, terminal.ErrInactiveUser) {
		t.Errorf("inactive user: %v", err)
	}

	console, _ := h.open(t, terminal.KindDispatch, dispatcher)
	if _, err := console.SetStatus(ctx, domain.EnRoute); !errors.Is(err, terminal.ErrWrongKind) {
		t.Errorf("SetStatus on console: %v", err)
	}
	mobile, _ := h.open(t, terminal.KindMobile, crew)
	if _, err := mobile.SetStatus(ctx, domain.EnRoute); !errors.Is(err, terminal.ErrNoVehicleSelected) {
		t.Errorf("SetStatus without selection: %v", err)
	}
	if _, err := mobile.Acknowledge(ctx, "x"); !errors.Is(err, terminal.ErrWrongKind) {
		t.Errorf("Acknowledge on mobile: %v", err)
	}

	if got, ok := h.manager.Get(console.ID); !ok || got != console {
		t.Fatal("Get did not return the open session")
	}
	if err := h.manager.Close(console.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := h.manager.Get(console.ID); ok {
		t.Error("closed session still registered")
	}
	if err := h.manager.Close(console.ID); !errors.Is(err, terminal.ErrUnknownSession) {
		t.Errorf("closing twice: %v", err)
	}
	// Close on the session itself is idempotent.
	console.Close()
	if h.manager.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.manager.Len())
	}
}

func TestLogoutSilencesGong(t *testing.T) {
	h := newHarness(t, hlf1)
	ctx := context.Background()
	console, rec := h.open(t, terminal.KindDispatch, dispatcher)

	if _, err := h.writer.SetStatus(ctx, "v1", domain.PrioritySpeechRequest, domain.User{}); err != nil {
		t.Fatal(err)
	}
	rec.WaitFor(t, "priority gong", func(calls []announcetest.Call) bool {
		for _, c := range calls {
			if c.Kind == "tones" && c.Sequence.Name == announce.PriorityGong.Name {
				return true
			}
		}
		return false
	})

	if err := h.manager.Close(console.ID); err != nil {
		t.Fatal(err)
	}
	played := rec.Count("tones")
	time.Sleep(1500 * time.Millisecond)
	if got := rec.Count("tones"); got != played {
		t.Errorf("gong kept playing after logout: %d -> %d", played, got)
	}
}

func TestLongDeliveredHistoryIsSurfacedOnce(t *testing.T) {
	h := newHarness(t, hlf1)
	ctx := context.Background()

	t0 := time.Now().UTC().Add(-time.Hour)
	var log []domain.StatusLogEntry
	for i := 0; i < 1500; i++ {
		log = append(log, domain.StatusLogEntry{
			ID: fmt.Sprintf("old-%04d", i), VehicleID: "v1", VehicleCallSign: "HLF-1",
			OldStatus: domain.FreeAtStation, NewStatus: domain.SpeechRequest, PreviousStatus: domain.FreeAtStation,
			Timestamp: t0.Add(time.Duration(i) * time.Millisecond), Confirmed: true, AlertDelivered: true,
		})
	}
	if err := h.records.Replace(ctx, domain.CollectionStatusLog, log); err != nil {
		t.Fatal(err)
	}

	mobile, rec := h.open(t, terminal.KindMobile, crew)
	if err := mobile.Select(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	rec.WaitFor(t, "notification after select", announcetest.HasKind("notification", 1))

	time.Sleep(300 * time.Millisecond)
	if got := rec.Count("notification"); got != 1 {
		t.Fatalf("crew notified %d times, want once", got)
	}
	if got := rec.Count("tones"); got != 1 {
		t.Errorf("alert tone played %d times, want once", got)
	}
}

func TestAcknowledgeOutsideScopeIsRefused(t *testing.T) {
	h := newHarness(t, hlf1, rtw2)
	ctx := context.Background()

	req, err := h.writer.SetStatus(ctx, "v2", domain.SpeechRequest, domain.User{})
	if err != nil {
		t.Fatal(err)
	}
	stationConsole, _ := h.open(t, terminal.KindDispatch, crew)
	if _, err := stationConsole.Acknowledge(ctx, req.ID); !errors.Is(err, terminal.ErrOutOfScope) {
		t.Fatalf("Acknowledge other station = %v, want ErrOutOfScope", err)
	}

	i, _ := domain.FindEntry(h.records.StatusLog(ctx), req.ID)
	if e := h.records.StatusLog(ctx)[i]; e.AlertDelivered || e.Confirmed {
		t.Errorf("entry changed by refused acknowledgment: %+v", e)
	}
	v, _ := domain.FindVehicle(h.records.Vehicles(ctx), "v2")
	if v.Status != domain.SpeechRequest {
		t.Errorf("vehicle rolled back to %d by refused acknowledgment", v.Status)
	}

	console, _ := h.open(t, terminal.KindDispatch, dispatcher)
	if _, err := console.Acknowledge(ctx, req.ID); err != nil {
		t.Fatalf("Acknowledge from control room = %v", err)
	}
}

func TestMobileStatusReportFeedback(t *testing.T) {
	h := newHarness(t, hlf1)
	ctx := context.Background()
	mobile, rec := h.open(t, terminal.KindMobile, crew)
	if err := mobile.Select(ctx, "v1"); err != nil {
		t.Fatal(err)
	}

	entry, err := mobile.SetStatus(ctx, domain.EnRoute)
	if err != nil {
		t.Fatal(err)
	}
	if entry.ID == "" || entry.UserID != crew.ID {
		t.Errorf("entry = %+v", entry)
	}
	rec.WaitFor(t, "status feedback", func(calls []announcetest.Call) bool {
		return announcetest.HasKind("vibration", 1)(calls) && announcetest.HasKind("tones", 1)(calls)
	})

	v, _ := domain.FindVehicle(h.records.Vehicles(ctx), "v1")
	if len(v.Crew) != 1 || v.Crew[0] != crew.Username {
		t.Errorf("crew = %v, want [%s]", v.Crew, crew.Username)
	}
}
