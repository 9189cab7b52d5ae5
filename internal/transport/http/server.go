// Package http exposes terminal sessions to the dispatch console and mobile
// UIs: session lifecycle, status reports, acknowledgments and scoped read
// views of the shared records.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fire-dispatch/radiostatus/internal/alerting"
	"fire-dispatch/radiostatus/internal/auth"
	"fire-dispatch/radiostatus/internal/domain"
	"fire-dispatch/radiostatus/internal/metrics"
	"fire-dispatch/radiostatus/internal/statuslog"
	"fire-dispatch/radiostatus/internal/store"
	"fire-dispatch/radiostatus/internal/terminal"
	"fire-dispatch/radiostatus/internal/transport/ws"
	"fire-dispatch/radiostatus/pkg/logger"
)

// History serves archived log entries; *store.Archive in production.
type History interface {
	RecentForVehicle(ctx context.Context, vehicleID string, limit int) ([]domain.StatusLogEntry, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

const readyTimeout = 2 * time.Second

type Server struct {
	manager      *terminal.Manager
	records      *store.Records
	hub          *ws.Hub
	auth         *AuthMiddleware
	history      History
	ready        map[string]Pinger
	displayLimit int
	logger       *logger.Logger
}

type Options struct {
	// DisplayLimit caps status log views when the client asks for no limit.
	DisplayLimit int
	// History is optional; without it the history route answers 503.
	History History
	// Ready lists the dependencies /readyz pings, by name.
	Ready map[string]Pinger
}

func NewServer(manager *terminal.Manager, records *store.Records, hub *ws.Hub, authenticator *auth.Authenticator, opts Options, log *logger.Logger) *Server {
	if opts.DisplayLimit <= 0 {
		opts.DisplayLimit = 50
	}
	s := &Server{
		manager:      manager,
		records:      records,
		hub:          hub,
		history:      opts.History,
		ready:        opts.Ready,
		displayLimit: opts.DisplayLimit,
		logger:       log.Named("http"),
	}
	s.auth = NewAuthMiddleware(authenticator, s.lookupUser)
	return s
}

func (s *Server) lookupUser(ctx context.Context, userID string) (domain.User, bool) {
	for _, u := range s.records.Users(ctx) {
		if u.ID == userID {
			return u, true
		}
	}
	return domain.User{}, false
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/readyz", s.readiness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Wrap)

		r.Get("/vehicles", s.listVehicles)
		r.Get("/vehicles/{vehicleId}/history", s.vehicleHistory)
		r.Get("/statuslog", s.listStatusLog)

		r.Post("/sessions", s.openSession)
		r.Route("/sessions/{sessionId}", func(r chi.Router) {
			r.Delete("/", s.closeSession)
			r.Post("/select", s.selectVehicle)
			r.Post("/status", s.setStatus)
			r.Post("/refresh", s.refresh)
			r.Get("/alerts", s.listAlerts)
			r.Delete("/alerts", s.dismissAlerts)
			r.Post("/alerts/{entryId}/ack", s.acknowledge)
			r.Post("/emergencies/{emergencyId}/announce", s.announceEmergency)
			r.Get("/ws", s.serveWS)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.ready))
	for name, p := range s.ready {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", logger.String("dependency", name), logger.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, checks)
}

func (s *Server) listVehicles(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	vehicles := terminal.FilterVehicles(s.records.Vehicles(r.Context()), auth.ScopeFor(user))
	if vehicles == nil {
		vehicles = []domain.Vehicle{}
	}
	writeJSON(w, http.StatusOK, vehicles)
}

func (s *Server) listStatusLog(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	user, _ := UserFrom(r.Context())
	vehicles := terminal.FilterVehicles(s.records.Vehicles(r.Context()), auth.ScopeFor(user))
	writeJSON(w, http.StatusOK, terminal.VisibleLog(vehicles, s.records.StatusLog(r.Context()), limit))
}

func (s *Server) vehicleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "status log archive is disabled")
		return
	}
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	user, _ := UserFrom(r.Context())
	vehicleID := chi.URLParam(r, "vehicleId")
	visible := terminal.FilterVehicles(s.records.Vehicles(r.Context()), auth.ScopeFor(user))
	if _, found := domain.FindVehicle(visible, vehicleID); !found {
		writeError(w, http.StatusNotFound, "unknown vehicle")
		return
	}

	entries, err := s.history.RecentForVehicle(r.Context(), vehicleID, limit)
	if err != nil {
		s.logger.Error("history query failed", logger.String("vehicle_id", vehicleID), logger.Error(err))
		writeError(w, http.StatusBadGateway, "status log archive unavailable")
		return
	}
	if entries == nil {
		entries = []domain.StatusLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// limit reads ?limit=, falling back to the display limit.
func (s *Server) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return s.displayLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

type sessionView struct {
	ID       string        `json:"id"`
	Kind     terminal.Kind `json:"kind"`
	User     domain.User   `json:"user"`
	Selected string        `json:"selectedVehicleId,omitempty"`
}

func viewOf(sess *terminal.Session) sessionView {
	return sessionView{ID: sess.ID, Kind: sess.Kind, User: sess.User, Selected: sess.Selected()}
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind terminal.Kind `json:"kind"`
	}
	if !decode(w, r, &req) {
		return
	}
	user, _ := UserFrom(r.Context())
	sess, err := s.manager.Open(req.Kind, user)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

// session resolves {sessionId}; a session of another user is reported as
// unknown.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*terminal.Session, bool) {
	sess, ok := s.manager.Get(chi.URLParam(r, "sessionId"))
	user, _ := UserFrom(r.Context())
	if !ok || sess.User.ID != user.ID {
		writeError(w, http.StatusNotFound, "unknown session")
		return nil, false
	}
	return sess, true
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := s.manager.Close(sess.ID); err != nil {
		s.fail(w, err)
		return
	}
	s.hub.Remove(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) selectVehicle(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		VehicleID string `json:"vehicleId"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := sess.Select(r.Context(), req.VehicleID); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Status *domain.StatusCode `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Status == nil {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	entry, err := sess.SetStatus(r.Context(), *req.Status)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Alerts())
}

// dismissAlerts clears what a mobile terminal has surfaced to its crew.
func (s *Server) dismissAlerts(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Dismiss()
	w.WriteHeader(http.StatusNoContent)
}

// refresh re-reads the store now instead of waiting for the next poll.
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	ran := sess.Refresh(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"refreshed": ran})
}

type ackResponse struct {
	alerting.Acknowledgment
	AlreadyAcknowledged bool `json:"alreadyAcknowledged"`
}

func (s *Server) acknowledge(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	ack, err := sess.Acknowledge(r.Context(), chi.URLParam(r, "entryId"))
	switch {
	case errors.Is(err, terminal.ErrAlreadyAcknowledged):
		writeJSON(w, http.StatusOK, ackResponse{Acknowledgment: ack, AlreadyAcknowledged: true})
	case err != nil:
		s.fail(w, err)
	default:
		writeJSON(w, http.StatusOK, ackResponse{Acknowledgment: ack})
	}
}

func (s *Server) announceEmergency(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	em, err := sess.AnnounceEmergency(r.Context(), chi.URLParam(r, "emergencyId"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, em)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := s.hub.Serve(w, r, sess.ID); err != nil {
		// The upgrader has already answered the request.
		s.logger.Warn("websocket upgrade failed", logger.String("session_id", sess.ID), logger.Error(err))
	}
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, terminal.ErrUnknownSession),
		errors.Is(err, statuslog.ErrUnknownEntry),
		errors.Is(err, statuslog.ErrUnknownVehicle),
		errors.Is(err, alerting.ErrUnknownEmergency):
		status = http.StatusNotFound
	case errors.Is(err, terminal.ErrOutOfScope),
		errors.Is(err, terminal.ErrInactiveUser):
		status = http.StatusForbidden
	case errors.Is(err, terminal.ErrWrongKind),
		errors.Is(err, statuslog.ErrInvalidStatus):
		status = http.StatusBadRequest
	case errors.Is(err, terminal.ErrNoVehicleSelected),
		errors.Is(err, statuslog.ErrNotAlert):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", logger.Error(err))
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
