package httpserver

import (
	"context"
	"net/http"
	"time"

	"linuxdiag/pkg/command"
	"linuxdiag/pkg/define"
	"linuxdiag/pkg/gatekeeper"
	"linuxdiag/pkg/metrics"
	"linuxdiag/pkg/router"

	"github.com/sirupsen/logrus"
)

// APIServer is the local control surface. It listens on a Unix socket on
// the host.
//
// Endpoints:
//   - GET  /healthz               - Health check
//   - POST /exec                  - Run a fixed command, local or remote
//   - GET  /metrics               - Prometheus metrics
//   - GET  /scripts               - List script executions
//   - POST /scripts               - Submit a script for review
//   - POST /scripts/run           - Check and run a script without approval
//   - GET  /scripts/{id}          - One execution
//   - GET  /scripts/{id}/result   - The result of a finished execution
//   - POST /scripts/{id}/approve  - Approve and run a waiting script
//   - POST /scripts/{id}/reject   - Decline a waiting script
//   - GET  /events                - Script transitions (SSE)
//
// The script endpoints exist only when a Gatekeeper is configured.
type APIServer struct {
	executor  router.Executor
	gk        *gatekeeper.Gatekeeper
	events    *EventStream
	metrics   *metrics.Metrics
	decisions chan gatekeeper.Decision
	srv       *httpServer
}

type Option func(*APIServer)

func WithGatekeeper(gk *gatekeeper.Gatekeeper, events *EventStream) Option {
	return func(s *APIServer) {
		s.gk = gk
		s.events = events
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *APIServer) { s.metrics = m }
}

func NewAPIServer(listen string, executor router.Executor, opts ...Option) *APIServer {
	s := &APIServer{
		executor:  executor,
		decisions: make(chan gatekeeper.Decision),
		srv:       newUnixSockHTTPServer("api", listen),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gk != nil && s.events == nil {
		s.events = NewEventStream()
	}
	s.routes(s.srv.mux)
	return s
}

func (s *APIServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+define.RestAPIHealthURL, s.handleHealth)
	mux.HandleFunc("POST "+define.RestAPIExecURL, s.handleExec)
	mux.Handle("GET "+define.RestAPIMetricsURL, s.metrics.Handler())

	if s.gk == nil {
		return
	}
	scripts := define.RestAPIScriptsURL
	mux.HandleFunc("GET "+scripts, s.handleListScripts)
	mux.HandleFunc("POST "+scripts, s.handleSubmitScript)
	mux.HandleFunc("POST "+scripts+"/run", s.handleRunScript)
	mux.HandleFunc("GET "+scripts+"/{id}", s.handleGetScript)
	mux.HandleFunc("GET "+scripts+"/{id}/result", s.handleScriptResult)
	mux.HandleFunc("POST "+scripts+"/{id}/approve", s.handleDecision(true))
	mux.HandleFunc("POST "+scripts+"/{id}/reject", s.handleDecision(false))
	mux.Handle("GET "+define.RestAPIEventsURL, s.events)
}

// Handler exposes the routes without a listener.
func (s *APIServer) Handler() http.Handler {
	return s.srv.mux
}

// Start begins serving requests. Blocks until context is cancelled.
func (s *APIServer) Start(ctx context.Context) error {
	if s.gk != nil {
		s.srv.onShutdown = append(s.srv.onShutdown, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = s.events.Shutdown(ctx)
		})
		go func() {
			if err := s.gk.Serve(ctx, s.decisions); err != nil && ctx.Err() == nil {
				logrus.Errorf("script decision loop stopped: %v", err)
			}
		}()
	}
	return s.srv.serve(ctx)
}

// ServeDecisions runs the approval loop for Handler users that do not call
// Start.
func (s *APIServer) ServeDecisions(ctx context.Context) error {
	if s.gk == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.gk.Serve(ctx, s.decisions)
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]bool{"scripts": s.gk != nil})
}

// ExecRequest runs Argv, or Fallback when Argv exits non-zero.
type ExecRequest struct {
	Argv     []string `json:"argv"`
	Fallback []string `json:"fallback,omitempty"`
	Host     string   `json:"host,omitempty"`
	User     string   `json:"user,omitempty"`
	Port     uint16   `json:"port,omitempty"`
	// TimeoutSeconds of 0 uses the router default.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

func (s *APIServer) handleExec(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	creq := command.Request{
		Argv:    req.Argv,
		Host:    req.Host,
		User:    req.User,
		Port:    req.Port,
		Timeout: time.Duration(req.TimeoutSeconds * float64(time.Second)),
	}
	res, err := router.ExecuteWithFallback(r.Context(), s.executor, creq, req.Fallback)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *APIServer) handleListScripts(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.gk.List())
}

func (s *APIServer) handleSubmitScript(w http.ResponseWriter, r *http.Request) {
	var sub gatekeeper.Submission
	if err := decodeJSON(r, &sub); err != nil {
		WriteError(w, err)
		return
	}
	e, err := s.gk.Submit(r.Context(), sub)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, e)
}

// RunRequest is a script for the direct run modes.
type RunRequest struct {
	gatekeeper.Submission
	Readonly bool `json:"readonly"`
}

func (s *APIServer) handleRunScript(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	run := s.gk.RunModify
	if req.Readonly {
		run = s.gk.RunReadonly
	}
	res, err := run(r.Context(), req.Submission)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *APIServer) handleGetScript(w http.ResponseWriter, r *http.Request) {
	e, err := s.gk.Get(r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, e)
}

func (s *APIServer) handleScriptResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.gk.GetResult(r.PathValue("id"))
	if err != nil && res == nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *APIServer) handleDecision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := gatekeeper.Decide(r.Context(), s.decisions, r.PathValue("id"), approve)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, e)
	}
}
