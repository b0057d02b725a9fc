package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/atelier-run/atelier/pkg/config"
	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/health"
	"github.com/atelier-run/atelier/pkg/log"
	"github.com/atelier-run/atelier/pkg/metrics"
	"github.com/atelier-run/atelier/pkg/orchestrator"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/rs/zerolog"
)

// Server is the JSON control plane plus the collaboration WebSocket
// data plane
type Server struct {
	cfg    config.Config
	orch   *orchestrator.Orchestrator
	checks *health.Registry
	mux    *http.ServeMux
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates the API server. gateway may be nil when
// collaboration is disabled.
func NewServer(cfg config.Config, orch *orchestrator.Orchestrator, gateway CollabGateway, checks *health.Registry) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:    cfg,
		orch:   orch,
		checks: checks,
		mux:    mux,
		logger: log.WithComponent("api"),
	}

	mux.HandleFunc("/v1/execute", s.authenticated(s.instrumented("execute", s.executeHandler)))
	mux.HandleFunc("/v1/runs/", s.authenticated(s.instrumented("runs", s.runsHandler)))
	mux.HandleFunc("/v1/runs", s.authenticated(s.instrumented("runs", s.runsHandler)))
	if gateway != nil {
		mux.HandleFunc("/v1/collab", s.authenticated(s.collabHandler(gateway)))
	}
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start serves until the listener fails or Stop is called
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.APIAddr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info().Str("addr", s.cfg.APIAddr).Msg("api listening")
	return s.http.ListenAndServe()
}

// Stop drains in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the mux for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// authenticated enforces the bearer token when one is configured. The
// WebSocket path also accepts the token as a query parameter because
// browser clients cannot set headers on upgrade requests.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || token == r.Header.Get("Authorization") {
				token = r.URL.Query().Get("auth")
			}
			if token != s.cfg.AuthToken {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid or missing token", Code: string(errdefs.KindAuthorizationDenied)})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) instrumented(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(endpoint, http.StatusText(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ExecuteRequest is the control-plane command envelope
type ExecuteRequest struct {
	Action   string `json:"action"`
	RunID    string `json:"run_id,omitempty"`
	OrgID    string `json:"org_id,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Deadline string `json:"deadline,omitempty"` // RFC 3339, create only
}

// ExecuteResponse reports the outcome of a control-plane command
type ExecuteResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type errorBody struct {
	Error      string  `json:"error"`
	Code       string  `json:"code"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

func (s *Server) executeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body", Code: string(errdefs.KindValidation)})
		return
	}

	var run *types.Run
	var err error
	var message string
	switch req.Action {
	case "create":
		var deadline time.Time
		if req.Deadline != "" {
			deadline, err = time.Parse(time.RFC3339, req.Deadline)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "deadline must be RFC 3339", Code: string(errdefs.KindValidation)})
				return
			}
		}
		run, err = s.orch.Create(req.OrgID, req.Prompt, deadline)
		message = "run created"
	case "start", "resume":
		run, err = s.orch.Resume(req.RunID)
		message = "run queued"
	case "stop":
		run, err = s.orch.Cancel(req.RunID)
		message = "run cancelled"
	case "retry":
		run, err = s.orch.Retry(req.RunID)
		message = "run retried"
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "action must be one of create, start, stop, retry, resume",
			Code:  string(errdefs.KindValidation),
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{
		RunID:   run.ID,
		Status:  string(run.State),
		Message: message,
	})
}

// RunView is the wire form of a run
type RunView struct {
	ID         string          `json:"id"`
	OrgID      string          `json:"org_id"`
	Prompt     string          `json:"prompt"`
	State      string          `json:"state"`
	PhaseIndex int             `json:"phase_index"`
	Cost       string          `json:"cost"`
	Result     string          `json:"result,omitempty"`
	LastError  *types.RunError `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

func runView(run *types.Run) RunView {
	v := RunView{
		ID:         run.ID,
		OrgID:      run.OrgID,
		Prompt:     run.Prompt,
		State:      string(run.State),
		PhaseIndex: run.PhaseIndex,
		Cost:       run.Cost.String(),
		Result:     run.Result,
		LastError:  run.LastError,
		CreatedAt:  run.CreatedAt,
		UpdatedAt:  run.UpdatedAt,
	}
	if !run.FinishedAt.IsZero() {
		finished := run.FinishedAt
		v.FinishedAt = &finished
	}
	return v
}

func (s *Server) runsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/runs")
	id = strings.Trim(id, "/")
	if id == "" {
		runs, err := s.orch.List()
		if err != nil {
			s.writeError(w, err)
			return
		}
		views := make([]RunView, 0, len(runs))
		for _, run := range runs {
			views = append(views, runView(run))
		}
		writeJSON(w, http.StatusOK, views)
		return
	}

	run, err := s.orch.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runView(run))
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	report := s.checks.Run(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": string(report.Status)})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	report := s.checks.Run(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Code: string(errdefs.KindOf(err))}
	if d := errdefs.RetryAfter(err); d > 0 {
		body.RetryAfter = d.Seconds()
	}

	status := http.StatusInternalServerError
	switch errdefs.KindOf(err) {
	case errdefs.KindValidation, errdefs.KindInvalidTransition:
		status = http.StatusBadRequest
	case errdefs.KindInsufficientCredits, errdefs.KindRunBudget, errdefs.KindPerCallLimit:
		status = http.StatusPaymentRequired
	case errdefs.KindNotFound:
		status = http.StatusNotFound
	case errdefs.KindRateLimited:
		status = http.StatusTooManyRequests
	case errdefs.KindAuthorizationDenied:
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
