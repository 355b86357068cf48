package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/primemesh/catalog"
	"github.com/hupe1980/primemesh/core"
	"github.com/hupe1980/primemesh/engine"
	"github.com/hupe1980/primemesh/internal/util"
	"github.com/hupe1980/primemesh/logging"
	"github.com/hupe1980/primemesh/resonance"
)

// Options configures a Manager.
type Options struct {
	// Catalog supplies layers, default actions and templates.
	Catalog *catalog.Catalog
	// Store persists records and snapshots. Nil disables persistence.
	Store core.AgentStore
	// Logger receives structured logs. Defaults to logging.NoOpLogger.
	Logger logging.Logger
	// Clock stamps records. Defaults to time.Now.
	Clock func() time.Time
	// Callbacks is shared by every engine the manager creates.
	Callbacks *engine.CallbackManager
}

// DeleteHook is invoked before an agent is removed. Hook errors are logged
// and never abort the delete.
type DeleteHook func(ctx context.Context, agentID string) error

// Stats summarizes the registry.
type Stats struct {
	Agents       int            `json:"agents"`
	Summoned     int            `json:"summoned"`
	Owned        int            `json:"owned"`
	TotalEpochs  uint64         `json:"total_epochs"`
	TotalBeacons int            `json:"total_beacons"`
	SessionSteps int            `json:"session_steps"`
	LayerUsage   map[string]int `json:"layer_usage"`
}

type entry struct {
	agent    core.Agent
	engine   *engine.Engine
	deleting bool
	saveMu   sync.Mutex
}

// Manager is the agent registry.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*entry
	hooks  []DeleteHook

	catalog   *catalog.Catalog
	store     core.AgentStore
	logger    logging.Logger
	now       func() time.Time
	callbacks *engine.CallbackManager
}

// New creates a Manager.
func New(optFns ...func(o *Options)) *Manager {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Clock:  time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}

	return &Manager{
		agents:    make(map[string]*entry),
		catalog:   opts.Catalog,
		store:     opts.Store,
		logger:    opts.Logger,
		now:       opts.Clock,
		callbacks: opts.Callbacks,
	}
}

// Catalog returns the catalog shared by the manager's engines.
func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }

// OnDelete registers a hook run on every delete, in registration order.
func (m *Manager) OnDelete(hook DeleteHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

func (m *Manager) engineOptions(o *engine.Options) {
	o.Catalog = m.catalog
	o.Clock = m.now
	o.Callbacks = m.callbacks
}

// Create validates spec, assigns an id and registers a new agent in the
// Created state.
func (m *Manager) Create(ctx context.Context, spec core.AgentSpec) (core.Agent, error) {
	return m.create(ctx, spec, "")
}

func (m *Manager) create(_ context.Context, spec core.AgentSpec, template string) (core.Agent, error) {
	const op = "agent.Create"

	if err := validateSpec(op, spec); err != nil {
		return core.Agent{}, err
	}

	now := m.now()
	a := core.Agent{
		ID:                util.NewID(),
		Name:              strings.TrimSpace(spec.Name),
		BodyPrimes:        resonance.SortedPrimes(spec.BodyPrimes),
		PerceptionConfig:  spec.PerceptionConfig,
		GoalPriors:        spec.GoalPriors,
		AttractorBiases:   spec.AttractorBiases,
		CollapseDynamics:  spec.CollapseDynamics,
		SafetyConstraints: spec.SafetyConstraints,
		Template:          template,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	a = a.Clone()

	eng, err := engine.New(a, m.engineOptions)
	if err != nil {
		return core.Agent{}, err
	}

	if m.store != nil {
		if err := m.store.SaveAgent(core.StoredAgent{Agent: a.Clone(), Snapshot: eng.Snapshot()}); err != nil {
			return core.Agent{}, fmt.Errorf("%s: failed to persist agent: %w", op, err)
		}
	}

	m.mu.Lock()
	m.agents[a.ID] = &entry{agent: a, engine: eng}
	m.mu.Unlock()

	m.logger.Info("Agent created", "agent_id", a.ID, "name", a.Name, "template", template)

	return a.Clone(), nil
}

// CreateFromTemplate creates an agent from a catalog template and summons
// the template's layers. If a layer cannot be summoned the agent is removed
// again.
func (m *Manager) CreateFromTemplate(ctx context.Context, template, name string) (core.Agent, error) {
	tpl, ok := m.catalog.Template(template)
	if !ok {
		return core.Agent{}, core.NewNotFoundError("agent.CreateFromTemplate", "template", template)
	}

	a, err := m.create(ctx, tpl.Spec(name), tpl.Name)
	if err != nil {
		return core.Agent{}, err
	}

	for _, layer := range tpl.Layers {
		if _, err := m.Summon(a.ID, layer); err != nil {
			_ = m.Delete(ctx, a.ID)
			return core.Agent{}, fmt.Errorf("agent.CreateFromTemplate: %w", err)
		}
	}

	return a, nil
}

func validateSpec(op string, spec core.AgentSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return core.NewValidationError(op, "name", "must not be empty")
	}
	if err := resonance.ValidatePrimes(op, spec.BodyPrimes); err != nil {
		return err
	}
	return validateBehavior(op, spec.PerceptionConfig, spec.GoalPriors, spec.AttractorBiases, spec.CollapseDynamics, spec.SafetyConstraints)
}

func validateBehavior(op string, pc core.PerceptionConfig, priors, biases map[string]float64, cd core.CollapseDynamics, safety []string) error {
	if pc.Dimension < 0 {
		return core.NewValidationError(op, "perception_config.dimension", "must not be negative")
	}
	if pc.MaxTokens < 0 {
		return core.NewValidationError(op, "perception_config.max_tokens", "must not be negative")
	}
	if cd.Temperature < 0 || !finite(cd.Temperature) {
		return core.NewValidationError(op, "collapse_dynamics.temperature", "must be a non-negative number")
	}
	if cd.Decay < 0 || cd.Decay > 1 || !finite(cd.Decay) {
		return core.NewValidationError(op, "collapse_dynamics.decay", "must be within [0, 1]")
	}
	for field, values := range map[string]map[string]float64{"goal_priors": priors, "attractor_biases": biases} {
		for k, v := range values {
			if strings.TrimSpace(k) == "" || !finite(v) {
				return core.NewValidationError(op, field, fmt.Sprintf("invalid entry %q", k))
			}
		}
	}
	for _, s := range safety {
		if strings.TrimSpace(s) == "" {
			return core.NewValidationError(op, "safety_constraints", "entries must not be empty")
		}
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// lookup returns the live entry for id. Entries being deleted reject every
// operation except Get and List.
func (m *Manager) lookup(op, id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.agents[id]
	if !ok || e.deleting {
		return nil, core.NewNotFoundError(op, "agent", id)
	}
	return e, nil
}

// Get returns a copy of the agent record. A record stays readable while its
// delete is in progress, until the cascade has finished.
func (m *Manager) Get(id string) (core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.agents[id]
	if !ok {
		return core.Agent{}, core.NewNotFoundError("agent.Get", "agent", id)
	}
	return e.agent.Clone(), nil
}

// Exists reports whether id names a live agent.
func (m *Manager) Exists(id string) bool {
	_, err := m.lookup("agent.Exists", id)
	return err == nil
}

// List returns the agents matching filter ordered by creation time, then id.
func (m *Manager) List(filter core.AgentFilter) []core.Agent {
	name := strings.ToLower(strings.TrimSpace(filter.Name))

	m.mu.RLock()
	out := make([]core.Agent, 0, len(m.agents))
	for _, e := range m.agents {
		if name != "" && !strings.Contains(strings.ToLower(e.agent.Name), name) {
			continue
		}
		if len(filter.BodyPrimes) > 0 && !intersects(e.agent.BodyPrimes, filter.BodyPrimes) {
			continue
		}
		out = append(out, e.agent.Clone())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b core.Agent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func intersects(a, b []uint64) bool {
	for _, p := range b {
		if slices.Contains(a, p) {
			return true
		}
	}
	return false
}

// Update applies patch to the behavioral parameters and name. Changing the
// body primes is rejected.
func (m *Manager) Update(_ context.Context, id string, patch core.AgentPatch) (core.Agent, error) {
	const op = "agent.Update"

	e, err := m.lookup(op, id)
	if err != nil {
		return core.Agent{}, err
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	m.mu.RLock()
	updated := e.agent.Clone()
	m.mu.RUnlock()

	if patch.BodyPrimes != nil && !slices.Equal(resonance.SortedPrimes(patch.BodyPrimes), updated.BodyPrimes) {
		return core.Agent{}, &core.Error{
			Kind:  core.KindValidation,
			Op:    op,
			Field: "body_primes",
			Msg:   "body primes cannot change after creation",
			Err:   core.ErrIdentityImmutable,
		}
	}
	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return core.Agent{}, core.NewValidationError(op, "name", "must not be empty")
		}
		updated.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.PerceptionConfig != nil {
		updated.PerceptionConfig = *patch.PerceptionConfig
	}
	if patch.GoalPriors != nil {
		updated.GoalPriors = patch.GoalPriors
	}
	if patch.AttractorBiases != nil {
		updated.AttractorBiases = patch.AttractorBiases
	}
	if patch.CollapseDynamics != nil {
		updated.CollapseDynamics = *patch.CollapseDynamics
	}
	if patch.SafetyConstraints != nil {
		updated.SafetyConstraints = *patch.SafetyConstraints
	}
	updated = updated.Clone()

	if err := validateBehavior(op, updated.PerceptionConfig, updated.GoalPriors, updated.AttractorBiases, updated.CollapseDynamics, updated.SafetyConstraints); err != nil {
		return core.Agent{}, err
	}
	updated.UpdatedAt = m.now()

	if m.store != nil {
		if err := m.store.SaveAgent(core.StoredAgent{Agent: updated.Clone(), Snapshot: e.engine.Snapshot()}); err != nil {
			return core.Agent{}, fmt.Errorf("%s: failed to persist agent: %w", op, err)
		}
	}

	m.mu.Lock()
	if e.deleting {
		m.mu.Unlock()
		return core.Agent{}, core.NewNotFoundError(op, "agent", id)
	}
	e.agent = updated
	m.mu.Unlock()

	e.engine.Configure(updated)

	return updated.Clone(), nil
}

// Delete runs the delete hooks, dismisses any active session and removes the
// agent and its persisted copy. Once Delete has started, the agent rejects
// new summons, steps and ownership requests; the record stays readable until
// the hooks have completed and the session is cleared.
func (m *Manager) Delete(ctx context.Context, id string) error {
	const op = "agent.Delete"

	m.mu.Lock()
	e, ok := m.agents[id]
	if !ok || e.deleting {
		m.mu.Unlock()
		return core.NewNotFoundError(op, "agent", id)
	}
	e.deleting = true
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(ctx, id); err != nil {
			m.logger.Warn("Delete hook failed", "agent_id", id, "error", err.Error())
		}
	}

	if e.engine.Summoned() {
		if err := e.engine.Dismiss(); err != nil && !errors.Is(err, core.ErrNotSummoned) {
			m.logger.Warn("Dismiss during delete failed", "agent_id", id, "error", err.Error())
		}
	}

	m.mu.Lock()
	delete(m.agents, id)
	m.mu.Unlock()

	if m.store != nil {
		e.saveMu.Lock()
		err := m.store.DeleteAgent(id)
		e.saveMu.Unlock()
		if err != nil {
			m.logger.Error("Failed to delete persisted agent", "agent_id", id, "error", err.Error())
		}
	}

	m.logger.Info("Agent deleted", "agent_id", id)

	return nil
}

// Summon activates a layer on the agent's engine.
func (m *Manager) Summon(id, layer string) (engine.SummonResult, error) {
	e, err := m.lookup("agent.Summon", id)
	if err != nil {
		return engine.SummonResult{}, err
	}
	return e.engine.SummonLayer(layer)
}

// Dismiss clears the agent's session.
func (m *Manager) Dismiss(id string) error {
	e, err := m.lookup("agent.Dismiss", id)
	if err != nil {
		return err
	}
	return e.engine.Dismiss()
}

// IsSummoned reports whether the agent has an active session.
func (m *Manager) IsSummoned(id string) (bool, error) {
	e, err := m.lookup("agent.IsSummoned", id)
	if err != nil {
		return false, err
	}
	return e.engine.Summoned(), nil
}

// Step performs an unowned step. It fails while a run owns the agent.
func (m *Manager) Step(ctx context.Context, id string, obs core.Observation, actions []string) (core.StepResult, error) {
	return m.StepAs(ctx, id, "", obs, actions)
}

// StepAs performs a step on behalf of owner. The snapshot is persisted after
// a successful step; persistence failures are logged, not returned.
func (m *Manager) StepAs(ctx context.Context, id, owner string, obs core.Observation, actions []string) (core.StepResult, error) {
	e, err := m.lookup("agent.Step", id)
	if err != nil {
		return core.StepResult{}, err
	}

	start := time.Now()
	res, err := e.engine.StepAs(ctx, owner, obs, actions)
	m.logStep(id, res, time.Since(start), err)
	if err != nil {
		return core.StepResult{}, err
	}

	m.persist(e)

	return res, nil
}

// stepLogger is implemented by loggers with a dedicated step record, such as
// logging.MeshLogger.
type stepLogger interface {
	LogStep(agentID string, epoch uint64, action string, entropy float64, dur time.Duration, err error)
}

func (m *Manager) logStep(id string, res core.StepResult, dur time.Duration, err error) {
	if sl, ok := m.logger.(stepLogger); ok {
		sl.LogStep(id, res.Epoch, res.ChosenAction, res.Entropy, dur, err)
		return
	}
	if err != nil {
		m.logger.Debug("Step failed", "agent_id", id, "duration", dur, "error", err.Error())
		return
	}
	m.logger.Debug("Step completed", "agent_id", id, "epoch", res.Epoch, "action", res.ChosenAction, "entropy", res.Entropy, "duration", dur)
}

// Acquire grants owner exclusive stepping rights on the agent.
func (m *Manager) Acquire(id, owner string) error {
	e, err := m.lookup("agent.Acquire", id)
	if err != nil {
		return err
	}
	return e.engine.Acquire(owner)
}

// Release drops owner's stepping rights. It reports whether ownership was
// held. Releasing on a deleted agent is not an error.
func (m *Manager) Release(id, owner string) bool {
	m.mu.RLock()
	e, ok := m.agents[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return e.engine.Release(owner)
}

// GetState returns the engine view of the agent.
func (m *Manager) GetState(id string) (engine.State, error) {
	e, err := m.lookup("agent.GetState", id)
	if err != nil {
		return engine.State{}, err
	}
	return e.engine.State(), nil
}

// GenerateBeacon records a beacon for the agent.
func (m *Manager) GenerateBeacon(id string) (core.Beacon, error) {
	e, err := m.lookup("agent.GenerateBeacon", id)
	if err != nil {
		return core.Beacon{}, err
	}
	b, err := e.engine.GenerateBeacon()
	if err != nil {
		return core.Beacon{}, err
	}
	m.persist(e)
	return b, nil
}

// Snapshot returns the persistent engine state of the agent.
func (m *Manager) Snapshot(id string) (core.Snapshot, error) {
	e, err := m.lookup("agent.Snapshot", id)
	if err != nil {
		return core.Snapshot{}, err
	}
	return e.engine.Snapshot(), nil
}

// ListTemplates returns the catalog templates.
func (m *Manager) ListTemplates() []catalog.Template {
	return m.catalog.Templates()
}

// GetStats summarizes the registry.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	engines := make([]*engine.Engine, 0, len(m.agents))
	for _, e := range m.agents {
		if !e.deleting {
			engines = append(engines, e.engine)
		}
	}
	m.mu.RUnlock()

	st := Stats{Agents: len(engines), LayerUsage: map[string]int{}}
	for _, eng := range engines {
		s := eng.State()
		if s.Summoned {
			st.Summoned++
			st.SessionSteps += s.Session.Steps()
			for _, l := range s.Session.Layers {
				st.LayerUsage[l]++
			}
		}
		if s.Owner != "" {
			st.Owned++
		}
		st.TotalEpochs += s.Epoch
		st.TotalBeacons += s.BeaconCount
	}
	return st
}

// Load restores agents from the store. Agents already registered are kept.
// It returns the number of agents restored.
func (m *Manager) Load(_ context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	recs, err := m.store.LoadAgents()
	if err != nil {
		return 0, fmt.Errorf("agent.Load: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		eng, err := engine.Restore(rec.Agent, rec.Snapshot, m.engineOptions)
		if err != nil {
			m.logger.Warn("Skipping unrestorable agent", "agent_id", rec.Agent.ID, "error", err.Error())
			continue
		}

		m.mu.Lock()
		if _, exists := m.agents[rec.Agent.ID]; !exists {
			m.agents[rec.Agent.ID] = &entry{agent: rec.Agent.Clone(), engine: eng}
			restored++
		}
		m.mu.Unlock()
	}

	m.logger.Info("Agents loaded", "count", restored)
	return restored, nil
}

// persist saves the current record and snapshot. The snapshot is taken under
// the entry's save lock so a later save never writes older state.
func (m *Manager) persist(e *entry) {
	if m.store == nil {
		return
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	m.mu.RLock()
	if e.deleting {
		m.mu.RUnlock()
		return
	}
	a := e.agent.Clone()
	m.mu.RUnlock()

	if err := m.store.SaveAgent(core.StoredAgent{Agent: a, Snapshot: e.engine.Snapshot()}); err != nil {
		m.logger.Error("Failed to persist agent", "agent_id", a.ID, "error", err.Error())
	}
}
