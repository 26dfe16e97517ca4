// Package operator serves the station's HTTP API: start and abort runs, run a
// single step, turn the valve, and read status, history and metrics.
package operator

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.viam.com/rdk/logging"

	"github.com/oto-labs/eol-station/history"
	"github.com/oto-labs/eol-station/runner"
	"github.com/oto-labs/eol-station/steps"
)

// Controller is what the API drives.
type Controller interface {
	// StartRun begins a full run in the background.
	StartRun(ctx context.Context) error
	RunStep(ctx context.Context, name string) (steps.Result, error)
	Abort()
	// TurnValve90 returns the new valve position in centidegrees.
	TurnValve90(ctx context.Context) (int, error)
	Status() runner.Status
	History(deviceID string, limit int) ([]history.Run, error)
}

// StepResponse is the body returned by a single step run.
type StepResponse struct {
	Step    string  `json:"step"`
	Passed  bool    `json:"passed"`
	Message string  `json:"message,omitempty"`
	Seconds float64 `json:"seconds"`
}

// Server holds the routes.
type Server struct {
	ctrl   Controller
	router *mux.Router
	logger logging.Logger
}

// NewServer builds the router. gatherer may be nil to leave out /metrics.
func NewServer(ctrl Controller, gatherer prometheus.Gatherer, logger logging.Logger) *Server {
	s := &Server{ctrl: ctrl, router: mux.NewRouter(), logger: logger}
	sr := s.router.PathPrefix("/api").Subrouter()
	sr.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	sr.HandleFunc("/runs", s.startRun).Methods("POST")
	sr.HandleFunc("/runs/{step}", s.runStep).Methods("POST")
	sr.HandleFunc("/abort", s.abort).Methods("POST")
	sr.HandleFunc("/valve/turn90", s.turnValve).Methods("POST")
	sr.HandleFunc("/status", s.status).Methods("GET")
	sr.HandleFunc("/history/{device}", s.history).Methods("GET")
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return s
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Listen serves on addr until ctx is done.
func (s *Server) Listen(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnf("stopping operator api: %v", err)
		}
	}()
	s.logger.Infof("operator api listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartRun(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) runStep(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.RunStep(r.Context(), mux.Vars(r)["step"])
	if err != nil {
		s.fail(w, err)
		return
	}
	message := res.Outcome.Info()
	if !res.Passed() {
		message = res.Outcome.Reason()
	}
	writeJSON(w, StepResponse{Step: res.Step, Passed: res.Passed(), Message: message, Seconds: res.Elapsed.Seconds()})
}

func (s *Server) abort(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Abort()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) turnValve(w http.ResponseWriter, r *http.Request) {
	pos, err := s.ctrl.TurnValve90(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]int{"valve_position": pos})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.ctrl.Status())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.ctrl.History(mux.Vars(r)["device"], limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, runs)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, runner.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, runner.ErrNoSuchStep):
		code = http.StatusNotFound
	case errors.Is(err, runner.ErrNotStandalone):
		code = http.StatusBadRequest
	}
	if code != http.StatusInternalServerError {
		http.Error(w, err.Error(), code)
		return
	}
	s.logger.Error(err)
	http.Error(w, runner.OperatorMessage(err), code)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	//nolint:errcheck
	json.NewEncoder(w).Encode(v)
}
