package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kscalelabs/gaintune/internal/config"
	"github.com/kscalelabs/gaintune/internal/envcfg"
	apierrors "github.com/kscalelabs/gaintune/internal/errors"
	"github.com/kscalelabs/gaintune/internal/logging"
	"github.com/kscalelabs/gaintune/internal/metrics"
	"github.com/kscalelabs/gaintune/internal/optimization"
	"github.com/kscalelabs/gaintune/internal/optimization/bayesian"
	"github.com/kscalelabs/gaintune/internal/sim"
	"github.com/kscalelabs/gaintune/internal/sim/pdbalance"
)

// Status is the lifecycle state of a tuning run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// OptimizationState tracks one tuning run. All fields are guarded by the
// server's mutex.
type OptimizationState struct {
	ID          string
	Study       *config.Study
	Status      Status
	StartTime   time.Time
	EndTime     *time.Time
	Progress    float64
	Best        *optimization.Solution
	History     []float64
	Result      *optimization.OptimizationResult
	Err         error
	Optimizer   *bayesian.BayesianOptimizer
	CancelFunc  context.CancelFunc
	LastUpdated time.Time
}

// Server implements the HTTP and JSON-RPC API for tuning runs. Runs execute
// in background goroutines; at most OPT_MAX_RUNS run at once and the rest
// wait as pending.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	base    *envcfg.Config
	factory sim.Factory
	metrics *metrics.Metrics
	limiter *rate.Limiter
	slots   chan struct{}

	optimizations   map[string]*OptimizationState
	optimizationsMu sync.RWMutex
	wg              sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records run and evaluation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithEnvironment replaces the simulator used for evaluations.
func WithEnvironment(base *envcfg.Config, factory sim.Factory) Option {
	return func(s *Server) {
		s.base = base
		s.factory = factory
	}
}

// NewServer creates a new server instance. Without WithEnvironment the base
// simulator config comes from cfg and runs use the reference balance model.
func NewServer(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := cfg.Optimization.StartBurst
	if burst < 1 {
		burst = 1
	}
	maxRuns := cfg.Optimization.MaxRuns
	if maxRuns < 1 {
		maxRuns = 1
	}

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		limiter:       rate.NewLimiter(cfg.StartLimit(), burst),
		slots:         make(chan struct{}, maxRuns),
		optimizations: make(map[string]*OptimizationState),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.base == nil {
		base, err := cfg.SimulatorConfig()
		if err != nil {
			return nil, err
		}
		s.base = base
	}
	if s.factory == nil {
		s.factory = pdbalance.New
	}
	return s, nil
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/optimize", s.handleOptimize)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/optimization/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      interface{}       `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, rpcParseError, "Parse error", nil)
		return
	}

	if request.JSONRPC != "2.0" {
		s.respondWithError(w, rpcInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "optimization.start":
		var study config.Study
		if err = decodeParam(request.Params, &study); err == nil {
			var state *OptimizationState
			if state, err = s.startOptimization(&study); err == nil {
				result = startResponse{ID: state.ID, Status: StatusPending}
			}
		}
	case "optimization.status":
		var ref idParam
		if err = decodeParam(request.Params, &ref); err == nil {
			result, err = s.optimizationStatus(ref.ID)
		}
	case "optimization.cancel":
		var ref idParam
		if err = decodeParam(request.Params, &ref); err == nil {
			err = s.cancelOptimization(ref.ID)
			result = map[string]string{"status": "cancellation requested"}
		}
	default:
		s.respondWithError(w, rpcMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		e := apierrors.From(err)
		code := rpcServerError
		if e.Status == http.StatusBadRequest {
			code = rpcInvalidParams
		}
		s.respondWithError(w, code, e.Message, request.ID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

type idParam struct {
	ID string `json:"optimization_id"`
}

type startResponse struct {
	ID     string `json:"optimization_id"`
	Status Status `json:"status"`
}

// decodeParam decodes the first positional parameter into v.
func decodeParam(params []json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return apierrors.BadRequest(stderrors.New("missing required parameters"))
	}
	if err := json.Unmarshal(params[0], v); err != nil {
		return apierrors.BadRequest(fmt.Errorf("invalid parameter format: %w", err))
	}
	return nil
}

// startOptimization validates a study, registers a run and starts it in
// the background.
func (s *Server) startOptimization(study *config.Study) (*OptimizationState, error) {
	if !s.limiter.Allow() {
		return nil, apierrors.New(http.StatusTooManyRequests, apierrors.CodeRateLimited,
			"too many optimization requests")
	}

	s.cfg.FillDefaults(study)
	if err := study.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	state := &OptimizationState{
		ID:          id,
		Study:       study,
		Status:      StatusPending,
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
	}

	oc, err := study.OptimizerConfig(s.base, s.factory)
	if err != nil {
		return nil, apierrors.BadRequest(err)
	}
	oc.Logger = s.logger.With(zap.String("optimization_id", id))
	oc.Metrics = s.metrics
	oc.Observer = s.observer(state)

	optimizer, err := bayesian.NewOptimizer(oc)
	if err != nil {
		return nil, err
	}
	state.Optimizer = optimizer

	ctx, cancel := context.WithCancel(context.Background())
	state.CancelFunc = cancel

	s.optimizationsMu.Lock()
	s.optimizations[id] = state
	s.optimizationsMu.Unlock()

	s.logger.Info("Optimization accepted",
		zap.String("optimization_id", id),
		zap.String("study", study.Name),
		zap.Int("parameters", len(study.Parameters)),
	)

	s.wg.Add(1)
	go s.runOptimization(ctx, state)

	return state, nil
}

// observer records progress after every evaluation of a run.
func (s *Server) observer(state *OptimizationState) optimization.Observer {
	return func(e optimization.Evaluation) {
		s.optimizationsMu.Lock()
		defer s.optimizationsMu.Unlock()

		state.History = append(state.History, e.Solution.Score)
		state.Best = e.Best
		oc := state.Optimizer.Config()
		total := oc.NInitialPoints + oc.NIterations
		if total > 0 {
			state.Progress = math.Min(1, float64(len(state.History))/float64(total))
		}
		state.LastUpdated = time.Now()

		if s.metrics != nil && e.Improved && !math.IsInf(e.Best.Score, 0) && !math.IsNaN(e.Best.Score) {
			s.metrics.BestScore.WithLabelValues(state.ID).Set(e.Best.Score)
		}
	}
}

// runOptimization executes the optimization process in a goroutine
func (s *Server) runOptimization(ctx context.Context, state *OptimizationState) {
	defer s.wg.Done()
	defer state.CancelFunc()

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		s.finish(state, nil, ctx.Err())
		return
	}

	s.optimizationsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
		state.LastUpdated = time.Now()
	}
	s.optimizationsMu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveRuns.Inc()
	}
	result, err := state.Optimizer.Optimize(ctx)
	if s.metrics != nil {
		s.metrics.ActiveRuns.Dec()
	}
	s.finish(state, result, err)
}

// finish moves a run to its terminal state. A run cancelled by a client
// keeps its cancelled status.
func (s *Server) finish(state *OptimizationState, result *optimization.OptimizationResult, err error) {
	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	now := time.Now()
	switch {
	case state.Status == StatusCancelled:
	case err != nil && stderrors.Is(err, context.Canceled):
		state.Status = StatusCancelled
	case err != nil:
		state.Status = StatusFailed
		state.Err = err
		s.logger.Error("Optimization failed",
			zap.String("optimization_id", state.ID),
			zap.Error(err),
		)
	default:
		state.Status = StatusCompleted
		state.Result = result
		state.Progress = 1
		s.logger.Info("Optimization completed",
			zap.String("optimization_id", state.ID),
			zap.Any("best_params", result.BestParams),
			zap.Float64("best_score", result.BestScore),
			zap.Bool("early_stopped", result.EarlyStopped),
		)
	}
	if state.EndTime == nil {
		state.EndTime = &now
	}
	state.LastUpdated = now

	if s.metrics != nil {
		s.metrics.Runs.WithLabelValues(string(state.Status)).Inc()
	}
}

// RunStatus is the externally visible view of a run.
type RunStatus struct {
	ID           string             `json:"optimization_id"`
	Study        string             `json:"study,omitempty"`
	Status       Status             `json:"status"`
	Progress     float64            `json:"progress"`
	StartTime    time.Time          `json:"start_time"`
	LastUpdate   time.Time          `json:"last_update"`
	EndTime      *time.Time         `json:"end_time,omitempty"`
	BestParams   map[string]float64 `json:"best_params,omitempty"`
	BestScore    *Score             `json:"best_score,omitempty"`
	History      []Score            `json:"history"`
	Iterations   int                `json:"iterations,omitempty"`
	EarlyStopped bool               `json:"early_stopped,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Score is a float64 that encodes failed (non-finite) scores as null.
type Score float64

// MarshalJSON implements json.Marshaler.
func (s Score) MarshalJSON() ([]byte, error) {
	f := float64(s)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

// optimizationStatus returns a snapshot of a run.
func (s *Server) optimizationStatus(id string) (*RunStatus, error) {
	s.optimizationsMu.RLock()
	defer s.optimizationsMu.RUnlock()

	state, exists := s.optimizations[id]
	if !exists {
		return nil, apierrors.NotFound("optimization %s not found", id)
	}

	status := &RunStatus{
		ID:         state.ID,
		Study:      state.Study.Name,
		Status:     state.Status,
		Progress:   state.Progress,
		StartTime:  state.StartTime,
		LastUpdate: state.LastUpdated,
		EndTime:    state.EndTime,
		History:    make([]Score, len(state.History)),
	}
	for i, v := range state.History {
		status.History[i] = Score(v)
	}
	if state.Best != nil {
		status.BestParams = state.Best.Params
		score := Score(state.Best.Score)
		status.BestScore = &score
	}
	if state.Result != nil {
		status.Iterations = state.Result.Iterations
		status.EarlyStopped = state.Result.EarlyStopped
	}
	if state.Err != nil {
		status.Error = state.Err.Error()
	}
	return status, nil
}

// cancelOptimization cancels a pending or running run.
func (s *Server) cancelOptimization(id string) error {
	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	state, exists := s.optimizations[id]
	if !exists {
		return apierrors.NotFound("optimization %s not found", id)
	}
	if state.Status.Terminal() {
		return apierrors.Errorf(http.StatusConflict, apierrors.CodeConflict,
			"cannot cancel optimization with status: %s", state.Status)
	}

	state.CancelFunc()

	now := time.Now()
	state.Status = StatusCancelled
	state.EndTime = &now
	state.LastUpdated = now

	s.logger.Info("Optimization cancelled", zap.String("optimization_id", id))
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Debug("JSON-RPC error",
		zap.Int("code", code),
		zap.String("message", message),
	)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}

// Close cancels every run and waits for their goroutines to return.
func (s *Server) Close() error {
	s.optimizationsMu.RLock()
	for _, opt := range s.optimizations {
		opt.CancelFunc()
	}
	s.optimizationsMu.RUnlock()

	s.wg.Wait()
	return nil
}

// handleOptimize handles POST /api/v1/optimize. The body is a study.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var study config.Study
	if err := json.NewDecoder(r.Body).Decode(&study); err != nil {
		apierrors.Write(w, apierrors.BadRequest(fmt.Errorf("invalid request body: %w", err)))
		return
	}

	state, err := s.startOptimization(&study)
	if err != nil {
		logging.FromContext(r.Context()).Debug("Rejected optimization", zap.Error(err))
		apierrors.Write(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{ID: state.ID, Status: StatusPending})
}

// handleStatus handles GET /api/v1/status/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.optimizationStatus(chi.URLParam(r, "id"))
	if err != nil {
		apierrors.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCancel handles DELETE /api/v1/optimization/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cancelOptimization(chi.URLParam(r, "id")); err != nil {
		apierrors.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cancellation requested",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
