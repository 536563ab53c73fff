package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/focuslens/internal/config"
	"github.com/antoniostano/focuslens/internal/frame"
	"github.com/antoniostano/focuslens/internal/observability"
	"github.com/antoniostano/focuslens/internal/report"
	"github.com/antoniostano/focuslens/internal/sampler"
	"github.com/antoniostano/focuslens/internal/session"
	"github.com/antoniostano/focuslens/internal/store"
)

type Server struct {
	cfg        config.Config
	sessions   *session.Manager
	runner     *sampler.Runner
	store      store.Store
	metrics    *observability.Metrics
	classifier string
	upgrader   websocket.Upgrader
	static     http.Handler
}

func New(cfg config.Config, sessions *session.Manager, runner *sampler.Runner, st store.Store, metrics *observability.Metrics, classifierName string) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		runner:     runner,
		store:      st,
		metrics:    metrics,
		classifier: classifierName,
		static:     newCapturePageHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may push camera frames unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Get("/ws", s.handleSessionWS)
		r.Get("/{id}", s.handleGetSession)
		r.Post("/{id}/end", s.handleEndSession)
		r.Get("/{id}/live", s.handleLive)
		r.Get("/{id}/summary", s.handleSessionSummary)
		r.Get("/{id}/events", s.handleSessionEvents)
	})
	r.Get("/v1/subjects", s.handleListSubjects)
	r.Get("/v1/subjects/{id}/sessions", s.handleSubjectSessions)
	r.Get("/v1/subjects/{id}/summary", s.handleSubjectSummary)
	r.Get("/v1/reconcile", s.handlePending)
	r.Post("/v1/reconcile", s.handleReconcile)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.store.Mode(),
		"classifier": s.classifier,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.ListSubjects(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"store_mode":      s.store.Mode(),
		"classifier":      s.classifier,
		"active_sessions": s.sessions.ActiveCount(),
		"pending_closes":  len(s.sessions.Pending()),
	})
}

type createSessionRequest struct {
	SubjectID string `json:"subject_id"`
	SourceURL string `json:"source_url,omitempty"`
}

type createSessionResponse struct {
	SessionID     string        `json:"session_id"`
	SubjectID     string        `json:"subject_id"`
	State         session.State `json:"state"`
	StartedAt     time.Time     `json:"started_at"`
	Capture       string        `json:"capture"`
	WSPath        string        `json:"ws_path"`
	IdleTimeoutMS int64         `json:"idle_timeout_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.SubjectID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "subject_id is required")
		return
	}

	var (
		src     frame.Source
		capture = "push"
	)
	if sourceURL := strings.TrimSpace(req.SourceURL); sourceURL != "" {
		u, err := url.Parse(sourceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			respondError(w, http.StatusBadRequest, "invalid_request", "source_url must be an http(s) snapshot endpoint")
			return
		}
		src = frame.NewSnapshotSource(sourceURL, s.cfg.SamplerFrameTimeout)
		capture = "snapshot"
	} else {
		src = frame.NewChannelSource(8, s.cfg.SamplerFrameTimeout)
	}

	h, err := s.runner.Start(r.Context(), req.SubjectID, src)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:     h.ID,
		SubjectID:     h.SubjectID,
		State:         session.StateRunning,
		StartedAt:     h.StartedAt,
		Capture:       capture,
		WSPath:        "/v1/sessions/ws?session_id=" + url.QueryEscape(h.ID),
		IdleTimeoutMS: s.cfg.SessionIdleTimeout.Milliseconds(),
	})
}

type endSessionResponse struct {
	Session session.Session    `json:"session"`
	Reason  sampler.StopReason `json:"reason,omitempty"`
	Warning string             `json:"warning,omitempty"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	res, err := s.runner.Stop(ctx, id)
	switch {
	case errors.Is(err, sampler.ErrNotRunning):
		// Sampling already ended (or never ran here); close directly.
		h, herr := s.sessions.Handle(id)
		if herr != nil {
			s.respondSessionError(w, s.missingOrClosed(r.Context(), id))
			return
		}
		closed, cerr := s.sessions.Close(ctx, h)
		if cerr != nil {
			s.respondSessionError(w, cerr)
			return
		}
		respondJSON(w, http.StatusOK, endSessionResponse{Session: closed})
		return
	case err != nil && res.Session.State != session.StateClosed:
		if res.Session.ID == "" {
			s.respondSessionError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, endSessionResponse{
			Session: res.Session,
			Reason:  res.Reason,
			Warning: "close queued for reconciliation: " + err.Error(),
		})
		return
	}

	out := endSessionResponse{Session: res.Session, Reason: res.Reason}
	if err != nil {
		out.Warning = err.Error()
	}
	respondJSON(w, http.StatusOK, out)
}

// missingOrClosed explains why a session has no live handle.
func (s *Server) missingOrClosed(ctx context.Context, id string) error {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: session %s is %s", session.ErrInvalidState, sess.ID, sess.State)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.runner.Live(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "not_running", "session is not being sampled")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	withTimeline := boolQuery(r, "timeline")
	summary, err := report.SummarizeSession(r.Context(), s.store, chi.URLParam(r, "id"), withTimeline)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	emotions, focus, err := s.store.ReadEvents(r.Context(), id)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"emotions":   emotions,
		"focus":      focus,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	rows, err := report.CompletedSessions(r.Context(), s.store, "", intQuery(r, "limit", 50))
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": rows,
		"running":  s.runner.Running(),
	})
}

func (s *Server) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := s.store.ListSubjects(r.Context())
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"subjects": subjects})
}

func (s *Server) handleSubjectSessions(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "id")
	rows, err := report.CompletedSessions(r.Context(), s.store, subjectID, intQuery(r, "limit", 50))
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	payload := map[string]any{
		"subject_id": subjectID,
		"sessions":   rows,
	}
	if h, ok := s.sessions.ActiveForSubject(subjectID); ok {
		payload["active_session_id"] = h.ID
	}
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSubjectSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := report.SummarizeSubject(r.Context(), s.store, chi.URLParam(r, "id"))
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"pending": s.sessions.Pending()})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	closed := s.sessions.Reconcile(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{
		"closed":  closed,
		"pending": s.sessions.Pending(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.CycleStageSnapshot())
}

// respondSessionError maps domain errors onto HTTP statuses.
func (s *Server) respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidState):
		respondError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, sampler.ErrNotRunning):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, store.ErrPersistence):
		respondError(w, http.StatusServiceUnavailable, "persistence_failure", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func boolQuery(r *http.Request, key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
