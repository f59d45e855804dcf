// Package api implements the HTTP/JSON external interface (spec §6): a
// thin, stdlib-routed layer over the control plane and store, with
// structured request logging and Prometheus instrumentation.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/asgardops/maestro/pkg/config"
	"github.com/asgardops/maestro/pkg/control"
	"github.com/asgardops/maestro/pkg/log"
	"github.com/asgardops/maestro/pkg/metrics"
	"github.com/asgardops/maestro/pkg/store"
	"github.com/asgardops/maestro/pkg/types"
)

// Server wires the control plane and store into the route table. Version
// is reported by /healthcheck.
type Server struct {
	Control *control.Control
	Store   store.Store
	Config  *config.Config
	Version string
}

// NewServer builds a Server from its collaborators.
func NewServer(ctrl *control.Control, st store.Store, cfg *config.Config, version string) *Server {
	return &Server{Control: ctrl, Store: st, Config: cfg, Version: version}
}

// Handler builds the full route table (§6) wrapped in request-logging
// and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /healthcheck", s.handleHealthcheck)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /lock", s.handleGetLock)
	mux.HandleFunc("POST /lock", s.handlePostLock)
	mux.HandleFunc("DELETE /lock", s.handleDeleteLock)

	mux.HandleFunc("GET /deployments", s.handleListDeployments)
	mux.HandleFunc("GET /deployments/{id}", s.handleGetDeployment)
	mux.HandleFunc("GET /deployments/{id}/tasks", s.handleGetDeploymentTasks)
	mux.HandleFunc("GET /deployments/{id}/logs", s.handleGetDeploymentLogs)

	mux.HandleFunc("GET /applications", s.handleListApplications)
	mux.HandleFunc("GET /applications/{app}", s.handleGetApplication)
	mux.HandleFunc("PUT /applications/{app}", s.handlePutApplication)

	mux.HandleFunc("POST /applications/{app}/{env}/deploy", s.handleDeploy)
	mux.HandleFunc("POST /applications/{app}/{env}/undo", s.handleUndo)
	mux.HandleFunc("POST /applications/{app}/{env}/rollback", s.handleRollback)
	mux.HandleFunc("POST /applications/{app}/{env}/pause", s.handlePause)
	mux.HandleFunc("DELETE /applications/{app}/{env}/pause", s.handleUnpause)
	mux.HandleFunc("POST /applications/{app}/{env}/resume", s.handleResume)

	mux.HandleFunc("GET /environments", s.handleEnvironments)
	mux.HandleFunc("GET /in-progress", s.handleInProgress)
	mux.HandleFunc("GET /paused", s.handlePaused)
	mux.HandleFunc("GET /awaiting-pause", s.handleAwaitingPause)

	return loggingMiddleware(mux)
}

// statusRecorder captures the status code a handler wrote, defaulting
// to 200 if WriteHeader was never called explicitly.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs method/path/status/duration at info, or warn
// on 4xx/5xx (§9.3), and records the same dimensions as Prometheus
// metrics.
func loggingMiddleware(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}

		metrics.APIRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route, r.Method).Observe(duration.Seconds())

		event := logger.Info()
		if rec.status >= 400 {
			event = logger.Warn()
		}
		event.Str("method", r.Method).Str("path", r.URL.Path).Int("status", rec.status).Dur("duration", duration).Msg("api request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    "maestro",
		"version": s.Version,
		"success": true,
	})
}

func (s *Server) handleGetLock(w http.ResponseWriter, r *http.Request) {
	locked, reason, err := s.Control.IsLocked()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !locked {
		writeError(w, http.StatusNotFound, "not locked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reason": reason})
}

func (s *Server) handlePostLock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.Control.Lock(body.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteLock(w http.ResponseWriter, r *http.Request) {
	if err := s.Control.Unlock(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deploymentSummary is the projection GET /deployments returns absent
// full=true (§9.1): the request fields, timestamps, phase/status and
// rollback/paused flags; tasks, log, new/previous state, cause and the
// silent flag are left out.
type deploymentSummary struct {
	ID          string         `json:"id"`
	Application string         `json:"application"`
	Environment string         `json:"environment"`
	Region      string         `json:"region"`
	User        string         `json:"user"`
	Message     string         `json:"message"`
	Created     time.Time      `json:"created"`
	Start       time.Time      `json:"start,omitempty"`
	End         time.Time      `json:"end,omitempty"`
	Phase       types.Phase    `json:"phase"`
	Status      types.Status   `json:"status"`
	Rollback    bool           `json:"rollback"`
	Paused      bool           `json:"paused"`
}

func summarize(dep *types.Deployment) deploymentSummary {
	return deploymentSummary{
		ID: dep.ID, Application: dep.Application, Environment: dep.Environment, Region: dep.Region,
		User: dep.User, Message: dep.Message, Created: dep.Created, Start: dep.Start, End: dep.End,
		Phase: dep.Phase, Status: dep.Status, Rollback: dep.Rollback, Paused: dep.Paused,
	}
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.ListFilter{
		Application: q.Get("application"),
		Environment: q.Get("environment"),
		Region:      q.Get("region"),
	}
	if status := q.Get("status"); status != "" {
		filter.Statuses = []types.Status{types.Status(status)}
	}

	from := 0
	if v := q.Get("from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid from parameter")
			return
		}
		from = n
	}
	size := 50
	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid size parameter")
			return
		}
		size = n
	}

	var startFrom, startTo time.Time
	if v := q.Get("start-from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start-from parameter")
			return
		}
		startFrom = t
	}
	if v := q.Get("start-to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start-to parameter")
			return
		}
		startTo = t
	}

	deployments, err := s.Store.ListDeployments(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	filtered := deployments[:0:0]
	for _, dep := range deployments {
		if !startFrom.IsZero() && dep.Created.Before(startFrom) {
			continue
		}
		if !startTo.IsZero() && dep.Created.After(startTo) {
			continue
		}
		filtered = append(filtered, dep)
	}

	if from > len(filtered) {
		from = len(filtered)
	}
	end := from + size
	if end > len(filtered) {
		end = len(filtered)
	}
	page := filtered[from:end]

	full := q.Get("full") == "true"
	if full {
		writeJSON(w, http.StatusOK, page)
		return
	}
	summaries := make([]deploymentSummary, len(page))
	for i, dep := range page {
		summaries[i] = summarize(dep)
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.Store.GetDeployment(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (s *Server) handleGetDeploymentTasks(w http.ResponseWriter, r *http.Request) {
	dep, err := s.Store.GetDeployment(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dep.Tasks)
}

func (s *Server) handleGetDeploymentLogs(w http.ResponseWriter, r *http.Request) {
	dep, err := s.Store.GetDeployment(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	lines := dep.Log
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		filtered := lines[:0:0]
		for _, line := range lines {
			if line.Date.After(t) {
				filtered = append(filtered, line)
			}
		}
		lines = filtered
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := s.Store.ListApplications()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.Store.GetApplication(r.PathValue("app"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "application not registered")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handlePutApplication(w http.ResponseWriter, r *http.Request) {
	appName := r.PathValue("app")
	if err := control.ValidateApplicationName(appName); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var app types.ApplicationMetadata
	if err := json.NewDecoder(r.Body).Decode(&app); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	app.Name = appName

	if err := s.Store.UpsertApplication(&app); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, app)
}

type deployRequest struct {
	AMI     string `json:"ami"`
	Hash    string `json:"hash"`
	Message string `json:"message"`
	Silent  bool   `json:"silent"`
	User    string `json:"user"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var body deployRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := control.BeginRequest{
		Application: r.PathValue("app"),
		Environment: r.PathValue("env"),
		Region:      s.Config.DefaultRegion,
		User:        body.User,
		Message:     body.Message,
		ImageID:     body.AMI,
		Hash:        body.Hash,
		Silent:      body.Silent,
	}

	id, err := s.Control.Begin(r.Context(), req)
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

type undoRollbackRequest struct {
	User    string `json:"user"`
	Message string `json:"message"`
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	var body undoRollbackRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	key := types.Key{Application: r.PathValue("app"), Environment: r.PathValue("env"), Region: s.Config.DefaultRegion}
	id, err := s.Control.Undo(r.Context(), key, body.User, body.Message)
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var body undoRollbackRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	key := types.Key{Application: r.PathValue("app"), Environment: r.PathValue("env"), Region: s.Config.DefaultRegion}
	id, err := s.Control.Rollback(r.Context(), key, body.User, body.Message)
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) keyFromPath(r *http.Request) types.Key {
	return types.Key{Application: r.PathValue("app"), Environment: r.PathValue("env"), Region: s.Config.DefaultRegion}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	key := s.keyFromPath(r)
	depID, err := s.Control.Locks.InProgressDeploymentID(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if depID == "" {
		writeError(w, http.StatusConflict, "no deployment in progress for this application/environment")
		return
	}
	if err := s.Control.Pause(key); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	key := s.keyFromPath(r)
	if err := s.Control.Unpause(key); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unpaused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	key := s.keyFromPath(r)
	if err := s.Control.Resume(key); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Config.SortedEnvironments())
}

type tripleView struct {
	Application  string `json:"application"`
	Environment  string `json:"environment"`
	Region       string `json:"region"`
	DeploymentID string `json:"deployment_id,omitempty"`
}

func (s *Server) handleInProgress(w http.ResponseWriter, r *http.Request) {
	inProgress, err := s.Control.ListInProgress()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]tripleView, 0, len(inProgress))
	for key, depID := range inProgress {
		views = append(views, tripleView{Application: key.Application, Environment: key.Environment, Region: key.Region, DeploymentID: depID})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].DeploymentID < views[j].DeploymentID })
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePaused(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Control.ListPaused()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]tripleView, len(keys))
	for i, key := range keys {
		views[i] = tripleView{Application: key.Application, Environment: key.Environment, Region: key.Region}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAwaitingPause(w http.ResponseWriter, r *http.Request) {
	deployments, err := s.Control.ListAwaitingPause()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summaries := make([]deploymentSummary, len(deployments))
	for i, dep := range deployments {
		summaries[i] = summarize(dep)
	}
	writeJSON(w, http.StatusOK, summaries)
}

// writeControlError maps a control-plane error to the status code the
// route table promises (§6): locked, already-in-progress and not-paused
// -> 409, nothing-to-undo/rollback -> 404, everything else -> 400.
func writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, control.ErrLocked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, control.ErrAlreadyInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, control.ErrNothingToUndo):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, control.ErrNothingToRollback):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, control.ErrNotPaused):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
