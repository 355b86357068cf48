package runner

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/primemesh/core"
	"github.com/hupe1980/primemesh/engine"
	"github.com/hupe1980/primemesh/internal/util"
	"github.com/hupe1980/primemesh/logging"
	"github.com/hupe1980/primemesh/telemetry"
)

// DefaultMaxSteps bounds a run when StartOptions.MaxSteps is zero.
const DefaultMaxSteps = 100

// ReasonInterrupted is recorded on runs that were live when the process
// stopped.
const ReasonInterrupted = "interrupted"

// Agents is the subset of the agent manager the runner drives.
type Agents interface {
	Exists(id string) bool
	Acquire(id, owner string) error
	Release(id, owner string) bool
	StepAs(ctx context.Context, id, owner string, obs core.Observation, actions []string) (core.StepResult, error)
	GetState(id string) (engine.State, error)
}

// transitionLogger is implemented by logging.MeshLogger.
type transitionLogger interface {
	LogRunTransition(runID, from, to string, steps int)
}

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// MaxConcurrentRuns limits live (running or paused) runs. Zero means
	// unlimited. Start beyond the limit fails with ErrCapacityExceeded.
	MaxConcurrentRuns int
	// Store persists run records. Nil disables persistence.
	Store core.RunStore
	// Sink receives telemetry events. Defaults to a no-op sink.
	Sink core.TelemetrySink
	// SinkTimeout bounds a single telemetry Record call.
	SinkTimeout time.Duration
	// Logger receives structured logs. Defaults to logging.NoOpLogger.
	Logger logging.Logger
	// Clock stamps records. Defaults to time.Now.
	Clock func() time.Time
}

// StartOptions configures a run.
type StartOptions struct {
	// Observations are fed to the agent in order, cycling when exhausted.
	Observations []core.Observation
	// Actions are the candidate actions for every step. Empty uses the
	// catalog defaults.
	Actions []string
	// MaxSteps completes the run after that many steps. Zero uses
	// DefaultMaxSteps.
	MaxSteps int
	// Interval is the pause between steps.
	Interval time.Duration
	// Until completes the run once it returns true for a step result.
	Until func(res core.StepResult) bool
}

// Handle identifies a started run.
type Handle struct {
	RunID   string `json:"run_id"`
	AgentID string `json:"agent_id"`
}

// Telemetry aggregates every run known to the runner.
type Telemetry struct {
	TotalRuns   int                    `json:"total_runs"`
	ActiveRuns  int                    `json:"active_runs"`
	ByStatus    map[core.RunStatus]int `json:"by_status"`
	TotalSteps  int                    `json:"total_steps"`
	MeanEntropy float64                `json:"mean_entropy"`
	// Capacity is the configured run limit, zero when unlimited.
	Capacity int `json:"capacity"`
	// Available is the number of free run slots, -1 when unlimited.
	Available int `json:"available"`
}

type run struct {
	rec    core.Run
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	saveMu sync.Mutex
}

// Runner drives agents through autonomous multi-step loops. Each run owns
// its agent's stepping rights until it reaches a terminal state, so direct
// steps on that agent are rejected meanwhile. Public methods are safe for
// concurrent use.
type Runner struct {
	agents  Agents
	limiter *core.Limiter
	maxRuns int

	store       core.RunStore
	sink        core.TelemetrySink
	sinkTimeout time.Duration
	logger      logging.Logger
	now         func() time.Time

	mu   sync.RWMutex
	runs map[string]*run
}

// New constructs a Runner with optional overrides.
func New(agents Agents, optFns ...func(o *Options)) *Runner {
	opts := Options{
		MaxConcurrentRuns: 10,
		SinkTimeout:       2 * time.Second,
		Logger:            logging.NoOpLogger{},
		Clock:             time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Sink == nil {
		opts.Sink = telemetry.NoOpSink{}
	}

	return &Runner{
		agents:      agents,
		limiter:     core.NewLimiter(opts.MaxConcurrentRuns),
		maxRuns:     opts.MaxConcurrentRuns,
		store:       opts.Store,
		sink:        opts.Sink,
		sinkTimeout: opts.SinkTimeout,
		logger:      opts.Logger,
		now:         opts.Clock,
		runs:        make(map[string]*run),
	}
}

// Start launches a run for agentID. The agent does not have to be summoned;
// a run whose first step fails ends in the failed state. The returned handle
// is valid even if the run finishes before Start returns.
func (r *Runner) Start(ctx context.Context, agentID string, opts StartOptions) (Handle, error) {
	const op = "runner.Start"

	if len(opts.Observations) == 0 {
		return Handle{}, core.NewValidationError(op, "observations", "must not be empty")
	}
	for i, obs := range opts.Observations {
		if strings.TrimSpace(obs.Text) == "" {
			return Handle{}, core.NewValidationError(op, "observations", fmt.Sprintf("observation %d has empty text", i))
		}
	}
	if opts.MaxSteps < 0 {
		return Handle{}, core.NewValidationError(op, "max_steps", "must not be negative")
	}
	if opts.Interval < 0 {
		return Handle{}, core.NewValidationError(op, "interval", "must not be negative")
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if !r.agents.Exists(agentID) {
		return Handle{}, core.NewNotFoundError(op, "agent", agentID)
	}

	if !r.limiter.TryAcquire() {
		return Handle{}, core.NewCapacityError(op, fmt.Sprintf("%d runs already live", r.limiter.Count()))
	}

	runID := util.NewID()
	if err := r.agents.Acquire(agentID, runID); err != nil {
		r.limiter.Release()
		return Handle{}, err
	}

	state, err := r.agents.GetState(agentID)
	if err != nil {
		r.agents.Release(agentID, runID)
		r.limiter.Release()
		return Handle{}, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &run{
		rec: core.Run{
			ID:        runID,
			AgentID:   agentID,
			Status:    core.RunRunning,
			MaxSteps:  opts.MaxSteps,
			StartedAt: r.now(),
			Steps:     []core.StepResult{},
		},
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.runs[runID] = h
	r.mu.Unlock()

	r.persist(h)
	r.emit(core.TelemetryEvent{Type: core.TelemetryRunStarted, RunID: runID, AgentID: agentID, Status: core.RunRunning, Epoch: state.Epoch})
	r.logger.Info("Run started", "run_id", runID, "agent_id", agentID, "max_steps", opts.MaxSteps)

	go r.loop(runCtx, h, state.Epoch, opts)

	return Handle{RunID: runID, AgentID: agentID}, nil
}

func (r *Runner) loop(ctx context.Context, h *run, epoch uint64, opts StartOptions) {
	agentID, runID := h.rec.AgentID, h.rec.ID

	defer func() {
		r.agents.Release(agentID, runID)
		r.limiter.Release()
		h.cancel()
		close(h.done)
	}()

	for i := 0; ; i++ {
		if !r.awaitRunnable(ctx, h) {
			return
		}
		if i >= opts.MaxSteps {
			r.finish(h, core.RunCompleted, "")
			return
		}

		res, err := r.step(ctx, h, opts.Observations[i%len(opts.Observations)], opts.Actions)
		if err != nil {
			r.finish(h, core.RunFailed, err.Error())
			return
		}
		if res.Epoch != epoch+1 {
			r.record(h, res)
			r.finish(h, core.RunFailed, fmt.Sprintf("epoch drift: expected %d, got %d", epoch+1, res.Epoch))
			return
		}
		epoch = res.Epoch

		r.record(h, res)

		stop, err := r.until(opts.Until, res)
		if err != nil {
			r.finish(h, core.RunFailed, err.Error())
			return
		}
		if stop {
			r.finish(h, core.RunCompleted, "")
			return
		}

		if opts.Interval > 0 && i+1 < opts.MaxSteps {
			timer := time.NewTimer(opts.Interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// awaitRunnable blocks while the run is paused. It reports false once the
// run is terminal or its context is done.
func (r *Runner) awaitRunnable(ctx context.Context, h *run) bool {
	for {
		r.mu.RLock()
		status := h.rec.Status
		r.mu.RUnlock()

		switch {
		case status.Terminal():
			return false
		case status == core.RunRunning:
			return ctx.Err() == nil
		}

		select {
		case <-ctx.Done():
			return false
		case <-h.wake:
		}
	}
}

// step runs one agent step. A panic inside the step is turned into an error
// so it only fails this run.
func (r *Runner) step(ctx context.Context, h *run, obs core.Observation, actions []string) (res core.StepResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("runner.step: panic: %v", p)
		}
	}()
	return r.agents.StepAs(ctx, h.rec.AgentID, h.rec.ID, obs, actions)
}

// until evaluates the caller's stop predicate under the same panic guard as
// a step.
func (r *Runner) until(pred func(core.StepResult) bool, res core.StepResult) (stop bool, err error) {
	if pred == nil {
		return false, nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("runner.until: panic: %v", p)
		}
	}()
	return pred(res.Clone()), nil
}

func (r *Runner) record(h *run, res core.StepResult) {
	r.mu.Lock()
	h.rec.Steps = append(h.rec.Steps, res.Clone())
	r.mu.Unlock()

	r.persist(h)
	r.emit(core.TelemetryEvent{
		Type:    core.TelemetryStep,
		RunID:   h.rec.ID,
		AgentID: h.rec.AgentID,
		Epoch:   res.Epoch,
		Entropy: res.Entropy,
		Action:  res.ChosenAction,
	})
}

// finish moves a live run into a terminal state and releases the agent. It
// reports false when the run was already terminal. The limiter slot is freed
// when the loop exits.
func (r *Runner) finish(h *run, to core.RunStatus, reason string) bool {
	r.mu.Lock()
	from := h.rec.Status
	if from.Terminal() {
		r.mu.Unlock()
		return false
	}
	h.rec.Status = to
	h.rec.EndedAt = r.now()
	h.rec.Error = reason
	steps := len(h.rec.Steps)
	r.mu.Unlock()

	h.cancel()
	r.agents.Release(h.rec.AgentID, h.rec.ID)
	r.persist(h)
	r.logTransition(h.rec.ID, from, to, steps)
	r.emit(core.TelemetryEvent{
		Type:    core.TelemetryRunFinished,
		RunID:   h.rec.ID,
		AgentID: h.rec.AgentID,
		Status:  to,
		Error:   reason,
	})
	return true
}

// Pause suspends a running run at its next step boundary.
func (r *Runner) Pause(runID string) error {
	return r.transition("runner.Pause", runID, core.RunRunning, core.RunPaused)
}

// Resume continues a paused run.
func (r *Runner) Resume(runID string) error {
	return r.transition("runner.Resume", runID, core.RunPaused, core.RunRunning)
}

func (r *Runner) transition(op, runID string, from, to core.RunStatus) error {
	r.mu.Lock()
	h, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return core.NewNotFoundError(op, "run", runID)
	}
	cur := h.rec.Status
	if cur.Terminal() {
		r.mu.Unlock()
		return core.NewStateError(op, core.ErrAlreadyTerminal, fmt.Sprintf("run is %s", cur))
	}
	if cur != from {
		r.mu.Unlock()
		return core.NewStateError(op, core.ErrInvalidTransition, fmt.Sprintf("cannot go from %s to %s", cur, to))
	}
	h.rec.Status = to
	steps := len(h.rec.Steps)
	r.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}

	r.persist(h)
	r.logTransition(runID, cur, to, steps)
	return nil
}

// Stop ends a running or paused run. A step already in progress completes
// and is recorded; no further step starts.
func (r *Runner) Stop(runID string) error {
	const op = "runner.Stop"

	h, err := r.get(op, runID)
	if err != nil {
		return err
	}
	if !r.finish(h, core.RunStopped, "") {
		return core.NewStateError(op, core.ErrAlreadyTerminal, "run already finished")
	}
	return nil
}

// StopAgentRuns stops every live run bound to agentID and waits for their
// loops to exit. It is registered as the agent manager's delete hook.
func (r *Runner) StopAgentRuns(ctx context.Context, agentID string) error {
	r.mu.RLock()
	var bound []*run
	for _, h := range r.runs {
		if h.rec.AgentID == agentID {
			bound = append(bound, h)
		}
	}
	r.mu.RUnlock()

	for _, h := range bound {
		r.finish(h, core.RunStopped, "agent deleted")
	}
	for _, h := range bound {
		select {
		case <-h.done:
		case <-ctx.Done():
			return fmt.Errorf("runner.StopAgentRuns: %w", ctx.Err())
		}
	}
	return nil
}

// Wait blocks until the run's loop has exited and returns its final status.
func (r *Runner) Wait(ctx context.Context, runID string) (core.RunStatusView, error) {
	h, err := r.get("runner.Wait", runID)
	if err != nil {
		return core.RunStatusView{}, err
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		return core.RunStatusView{}, fmt.Errorf("runner.Wait: %w", ctx.Err())
	}

	return r.GetRunStatus(runID)
}

// GetRunStatus returns the status of a run without its step log.
func (r *Runner) GetRunStatus(runID string) (core.RunStatusView, error) {
	h, err := r.get("runner.GetRunStatus", runID)
	if err != nil {
		return core.RunStatusView{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return h.rec.StatusView(), nil
}

// GetRunResults returns a copy of the run's step log.
func (r *Runner) GetRunResults(runID string) ([]core.StepResult, error) {
	h, err := r.get("runner.GetRunResults", runID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return h.rec.Clone().Steps, nil
}

// ListActiveRuns returns running and paused runs ordered by start time.
func (r *Runner) ListActiveRuns() []core.RunStatusView {
	r.mu.RLock()
	out := make([]core.RunStatusView, 0, len(r.runs))
	for _, h := range r.runs {
		if !h.rec.Status.Terminal() {
			out = append(out, h.rec.StatusView())
		}
	}
	r.mu.RUnlock()

	sortViews(out)
	return out
}

// GetTelemetry aggregates all runs.
func (r *Runner) GetTelemetry() Telemetry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t := Telemetry{
		TotalRuns: len(r.runs),
		ByStatus:  map[core.RunStatus]int{},
		Capacity:  r.maxRuns,
		Available: r.limiter.Remaining(),
	}

	var entropy float64
	for _, h := range r.runs {
		t.ByStatus[h.rec.Status]++
		if !h.rec.Status.Terminal() {
			t.ActiveRuns++
		}
		for _, s := range h.rec.Steps {
			entropy += s.Entropy
		}
		t.TotalSteps += len(h.rec.Steps)
	}
	if t.TotalSteps > 0 {
		t.MeanEntropy = entropy / float64(t.TotalSteps)
	}
	return t
}

// Load restores persisted runs. Runs that were live when the previous
// process ended are marked failed because their loops cannot be resumed.
func (r *Runner) Load(_ context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	recs, err := r.store.LoadRuns()
	if err != nil {
		return 0, fmt.Errorf("runner.Load: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		h := &run{rec: rec.Clone(), cancel: func() {}, wake: make(chan struct{}, 1), done: make(chan struct{})}
		close(h.done)

		interrupted := !h.rec.Status.Terminal()
		if interrupted {
			h.rec.Status = core.RunFailed
			h.rec.EndedAt = r.now()
			h.rec.Error = ReasonInterrupted
		}

		r.mu.Lock()
		_, exists := r.runs[rec.ID]
		if !exists {
			r.runs[rec.ID] = h
			restored++
		}
		r.mu.Unlock()

		if interrupted && !exists {
			r.persist(h)
		}
	}

	r.logger.Info("Runs loaded", "count", restored)
	return restored, nil
}

func (r *Runner) get(op, runID string) (*run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.runs[runID]
	if !ok {
		return nil, core.NewNotFoundError(op, "run", runID)
	}
	return h, nil
}

// persist saves the current record. The copy is taken under the run's save
// lock so a later save never writes older state.
func (r *Runner) persist(h *run) {
	if r.store == nil {
		return
	}

	h.saveMu.Lock()
	defer h.saveMu.Unlock()

	r.mu.RLock()
	rec := h.rec.Clone()
	r.mu.RUnlock()

	if err := r.store.SaveRun(rec); err != nil {
		r.logger.Error("Failed to persist run", "run_id", rec.ID, "error", err.Error())
	}
}

func (r *Runner) emit(ev core.TelemetryEvent) {
	ev.At = r.now()

	ctx := context.Background()
	if r.sinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.sinkTimeout)
		defer cancel()
	}

	if err := r.sink.Record(ctx, ev); err != nil {
		r.logger.Warn("Telemetry sink failed", "run_id", ev.RunID, "type", string(ev.Type), "error", err.Error())
	}
}

func (r *Runner) logTransition(runID string, from, to core.RunStatus, steps int) {
	if tl, ok := r.logger.(transitionLogger); ok {
		tl.LogRunTransition(runID, string(from), string(to), steps)
		return
	}
	r.logger.Info("Run transition", "run_id", runID, "from", string(from), "to", string(to), "step_count", steps)
}

func sortViews(views []core.RunStatusView) {
	slices.SortFunc(views, func(a, b core.RunStatusView) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
