package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/andres-ax/voicecart/internal/config"
	"github.com/andres-ax/voicecart/internal/coordinator"
	"github.com/andres-ax/voicecart/internal/fault"
	"github.com/andres-ax/voicecart/internal/history"
	"github.com/andres-ax/voicecart/internal/observability"
	"github.com/andres-ax/voicecart/internal/persona"
	"github.com/andres-ax/voicecart/internal/session"
)

// SessionService is the lifecycle surface the HTTP layer drives.
type SessionService interface {
	CreateSession(ctx context.Context, personaID string) (session.CreateResponse, error)
	Switch(ctx context.Context, sessionID, personaID, reason string) (history.PersonaSwitchRecord, error)
	End(sessionID, reason string) error
	ActiveSessions() int
}

type Server struct {
	cfg      config.Config
	service  SessionService
	sessions *session.Manager
	personas *persona.Registry
	store    history.Store
	metrics  *observability.Metrics
}

func New(cfg config.Config, service SessionService, sessions *session.Manager, personas *persona.Registry, store history.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		service:  service,
		sessions: sessions,
		personas: personas,
		store:    store,
		metrics:  metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/switch", s.handleSwitch)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/switches", s.handleListSwitches)
	r.Get("/v1/sessions/{id}/calls", s.handleListCalls)
	r.Get("/v1/personas", s.handleListPersonas)
	r.Get("/v1/perf/dispatch", s.handlePerfDispatch)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"history_store": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"history_store":   s.storeMode(),
		"active_sessions": s.service.ActiveSessions(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.PersonaID) == "" {
		req.PersonaID = s.cfg.DefaultPersonaID
	}

	resp, err := s.service.CreateSession(r.Context(), req.PersonaID)
	if err != nil {
		s.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type switchRequest struct {
	PersonaID string `json:"persona_id"`
	Reason    string `json:"reason"`
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req switchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "persona_id is required")
		return
	}
	if strings.TrimSpace(req.PersonaID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "persona_id is required")
		return
	}

	rec, err := s.service.Switch(r.Context(), id, req.PersonaID, req.Reason)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, rec)
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, persona.ErrUnknownPersona):
		respondError(w, http.StatusBadRequest, "unknown_persona", err.Error())
	case errors.Is(err, coordinator.ErrSwitchInFlight):
		respondError(w, http.StatusConflict, "switch_in_flight", err.Error())
	default:
		s.respondFault(w, err)
	}
}

type endRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req endRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = session.ReasonUserAction
	}

	if err := s.service.End(id, req.Reason); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		s.respondFault(w, err)
		return
	}
	rec, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListSwitches(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	records, err := s.store.SwitchesFor(r.Context(), rec.ID, queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": rec.ID, "switches": records})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	records, err := s.store.CallsFor(r.Context(), rec.ID, queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	// A limit can truncate the listing; total is the full stored count.
	total, err := s.store.CallCount(r.Context(), rec.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": rec.ID, "calls": records, "total": total})
}

type personaSummary struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	VoiceID     string   `json:"voice_id"`
	ToolNames   []string `json:"tool_names"`
}

func (s *Server) handleListPersonas(w http.ResponseWriter, _ *http.Request) {
	all := s.personas.All()
	out := make([]personaSummary, 0, len(all))
	for _, p := range all {
		out = append(out, personaSummary{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			VoiceID:     p.VoiceID,
			ToolNames:   p.ToolNames,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"personas": out})
}

func (s *Server) handlePerfDispatch(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Record, bool) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	rec, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return rec, true
}

// respondFault maps engine fault codes onto HTTP statuses. Upstream
// failures are gateway errors, local capacity is 503.
func (s *Server) respondFault(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	switch code {
	case fault.CodeCapacity:
		respondError(w, http.StatusServiceUnavailable, string(code), err.Error())
	case fault.CodeAuth, fault.CodeNegotiation:
		respondError(w, http.StatusBadGateway, string(code), err.Error())
	case fault.CodeNotFound:
		respondError(w, http.StatusNotFound, string(code), err.Error())
	case fault.CodeTimeout:
		respondError(w, http.StatusGatewayTimeout, string(code), err.Error())
	default:
		if errors.Is(err, persona.ErrUnknownPersona) {
			respondError(w, http.StatusBadRequest, "unknown_persona", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) != "" {
		return "postgres"
	}
	return "in-memory"
}

func queryLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
