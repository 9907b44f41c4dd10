package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"function-harness/internal/engine"
	"function-harness/internal/engine/pipeline"
	"function-harness/internal/entity"
	"function-harness/internal/errdefs"
	"function-harness/internal/harness"
	"function-harness/internal/monitor"
	"function-harness/internal/poller"
	"function-harness/internal/storage"
)

// Executor runs one function execution. *harness.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, req harness.Request) (*harness.Result, error)
}

// Runs reads and writes platform run records. entity.Client satisfies it.
type Runs interface {
	GetRun(ctx context.Context, project, key string) (*entity.Run, error)
	SetRunStatus(ctx context.Context, project, key string, status *entity.RunStatus) error
}

type Handlers struct {
	executor Executor
	db       *storage.DB
	runs     Runs
	metrics  *monitor.Metrics
	engines  map[string]engine.Engine

	// Poller is copied for every submission; Engine and Status are filled
	// in per run.
	Poller poller.Poller
	// MaxTimeout caps the timeout a request may ask for. Zero means none.
	MaxTimeout time.Duration
	// WatchInterval is how often a run is re-read for event streams.
	WatchInterval time.Duration

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHandlers(executor Executor, db *storage.DB, runs Runs, metrics *monitor.Metrics) *Handlers {
	bg, cancel := context.WithCancel(context.Background())
	return &Handlers{
		executor:      executor,
		db:            db,
		runs:          runs,
		metrics:       metrics,
		engines:       make(map[string]engine.Engine),
		WatchInterval: time.Second,
		bg:            bg,
		cancel:        cancel,
	}
}

// AddEngine makes e available to submissions under e.Name().
func (h *Handlers) AddEngine(e engine.Engine) {
	h.engines[e.Name()] = e
}

// Engines returns the names of the registered engines, sorted.
func (h *Handlers) Engines() []string {
	names := make([]string, 0, len(h.engines))
	for name := range h.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops background pollers and waits for them until ctx is done.
func (h *Handlers) Close(ctx context.Context) error {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Project == "" {
		writeError(w, "project is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.executor == nil {
		writeError(w, "executor unavailable", "EXECUTOR_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	ctx := r.Context()
	if timeout := h.timeout(req.Timeout.Duration); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	hreq := req.Request
	hreq.RequestIP = r.RemoteAddr
	hreq.APIKeyHash = hashKey(APIKeyFromContext(r.Context()))

	start := time.Now()
	res, err := h.executor.Execute(ctx, hreq)
	if res == nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
		return
	}

	resp := ExecutionResponse{
		ID:       res.ID,
		RunKey:   res.RunKey,
		Duration: time.Since(start).String(),
		Outputs:  map[string]string{},
		Results:  map[string]any{},
	}
	if res.Status != nil {
		resp.State = string(res.Status.State)
		resp.Message = res.Status.Message
		if res.Status.Outputs != nil {
			resp.Outputs = res.Status.Outputs
		}
		if res.Status.Results != nil {
			resp.Results = res.Status.Results
		}
	}

	status := http.StatusOK
	if err != nil {
		resp.ErrorKind = errdefs.Category(err)
		status = statusForError(ctx, err)
	}
	writeJSON(w, status, resp)
}

func (h *Handlers) timeout(requested time.Duration) time.Duration {
	if requested <= 0 || (h.MaxTimeout > 0 && requested > h.MaxTimeout) {
		return h.MaxTimeout
	}
	return requested
}

// statusForError maps a failed execution onto an HTTP status. Failures
// caused by the request itself are 422, everything else is a server error.
func statusForError(ctx context.Context, err error) int {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errdefs.IsSource(err), errdefs.IsBinding(err), errors.Is(err, errdefs.ErrHandler):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.db.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		Project:  q.Get("project"),
		Language: q.Get("language"),
		State:    q.Get("state"),
		Limit:    100,
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, fmt.Sprintf("invalid %s %q", name, v), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		*dst = n
	}

	execs, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	project, key := runKeyFromPath(r)
	run, err := h.runs.GetRun(r.Context(), project, key)
	if errors.Is(err, entity.ErrNotExist) {
		writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("run_key", key).Msg("reading run failed")
		writeError(w, "reading run failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleWatchRun streams the run status as server-sent events until the
// run reaches a terminal state or the client goes away.
func (h *Handlers) HandleWatchRun(w http.ResponseWriter, r *http.Request) {
	project, key := runKeyFromPath(r)
	stream, ok := newStatusStream(w)
	if !ok {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	ticker := time.NewTicker(h.WatchInterval)
	defer ticker.Stop()

	var last []byte
	for {
		run, err := h.runs.GetRun(r.Context(), project, key)
		switch {
		case errors.Is(err, entity.ErrNotExist):
			// The run may not have been recorded yet.
		case err != nil:
			stream.fail("reading run failed")
			return
		default:
			data, err := json.Marshal(run.Status)
			if err != nil {
				stream.fail("encoding status failed")
				return
			}
			if string(data) != string(last) {
				if err := stream.send("status", data); err != nil {
					return
				}
				last = data
			}
			if terminal(run.Status.State) {
				_ = stream.send("done", data)
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// HandleSubmit hands a package to an external engine and keeps the run
// status current in the background.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Project == "" {
		writeError(w, "project is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	eng, ok := h.engines[req.Engine]
	if !ok {
		writeError(w, fmt.Sprintf("unknown engine %q, available: %v", req.Engine, h.Engines()), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	pkg, err := buildPackage(req)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.RunKey == "" {
		req.RunKey = entity.RunKey(req.Project, req.Engine+"+run", uuid.New().String())
	}

	handle, err := eng.Submit(r.Context(), pkg)
	if err != nil {
		log.Error().Err(err).Str("engine", req.Engine).Str("run_key", req.RunKey).Msg("submission failed")
		writeError(w, "submission failed: "+err.Error(), "SUBMIT_FAILED", http.StatusBadGateway, r)
		return
	}

	running := &entity.RunStatus{State: entity.StateRunning, Outputs: map[string]string{}, Results: map[string]any{}}
	if err := h.runs.SetRunStatus(r.Context(), req.Project, req.RunKey, running); err != nil {
		log.Warn().Err(err).Str("run_key", req.RunKey).Msg("failed to record running status")
	}

	p := h.Poller
	p.Engine = eng
	p.Status = h.runs
	h.wg.Add(1)
	go func(project, key string) {
		defer h.wg.Done()
		if _, err := p.Watch(h.bg, handle, project, key); err != nil {
			log.Error().Err(err).Str("run_key", key).Msg("polling stopped")
		}
	}(req.Project, req.RunKey)

	writeJSON(w, http.StatusAccepted, SubmitResponse{RunKey: req.RunKey, Engine: handle.Engine, Handle: handle.ID})
}

func buildPackage(req SubmitRequest) (engine.Package, error) {
	name := req.Name
	if name == "" {
		name = "harness-run"
	}
	pkg := engine.Package{Name: name, Image: req.Image, Env: req.Env}

	switch req.Engine {
	case "pipeline":
		if req.Workflow != "" {
			if _, err := pipeline.ParseWorkflow([]byte(req.Workflow)); err != nil {
				return pkg, err
			}
			pkg.Workflow = []byte(req.Workflow)
			return pkg, nil
		}
		if req.Image == "" {
			return pkg, errors.New("pipeline submissions need a workflow or an image")
		}
		wf, err := pipeline.SingleStep(name, req.Image, req.Command, req.Args).Render()
		if err != nil {
			return pkg, err
		}
		pkg.Workflow = wf
	default:
		if req.Image == "" {
			return pkg, errors.New("image is required")
		}
		pkg.Args = append(append([]string{}, req.Command...), req.Args...)
	}
	return pkg, nil
}

func runKeyFromPath(r *http.Request) (project, key string) {
	project = r.PathValue("project")
	return project, entity.RunKey(project, r.PathValue("kind"), r.PathValue("id"))
}

func terminal(s entity.State) bool {
	switch s {
	case entity.StateCompleted, entity.StateError, entity.StateStopped:
		return true
	}
	return false
}

func hashKey(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
