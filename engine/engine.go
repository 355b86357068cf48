package engine

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/primemesh/catalog"
	"github.com/hupe1980/primemesh/core"
	"github.com/hupe1980/primemesh/resonance"
)

// Options configures an Engine instance using the functional options pattern.
type Options struct {
	// Catalog supplies the layer table and default actions.
	// Defaults to catalog.Default().
	Catalog *catalog.Catalog

	// Clock stamps sessions, step results and beacons. The clock never feeds
	// the step math. Defaults to time.Now.
	Clock func() time.Time

	// Callbacks receives lifecycle hooks. May be nil.
	Callbacks *CallbackManager
}

// SummonResult reports the active layer set after a summon.
type SummonResult struct {
	Success         bool     `json:"success"`
	ActivatedLayers []string `json:"activated_layers"`
}

// State is a read-only view of an engine.
type State struct {
	AgentID            string          `json:"agent_id"`
	BodyPrimes         []uint64        `json:"body_primes"`
	BodyHash           string          `json:"body_hash"`
	Summoned           bool            `json:"summoned"`
	Session            *core.Session   `json:"session,omitempty"`
	Quaternion         core.Quaternion `json:"quaternion"`
	Epoch              uint64          `json:"epoch"`
	MemoryPhaseLengths map[uint64]int  `json:"memory_phase_lengths"`
	BeaconCount        int             `json:"beacon_count"`
	Owner              string          `json:"owner,omitempty"`
}

// Engine owns one agent's mutable state and is its single writer.
//
// Persistent state (body primes, memory phases, quaternion/epoch, beacons)
// lives directly on the Engine and survives Dismiss. Summon-scoped state
// (active layers, belief, entropy trajectory, attention) lives in the
// optional *core.Session, which is nil whenever the agent is not summoned.
//
// Every method takes the engine mutex for its whole duration, so steps on one
// agent never interleave. An optional owner token (a run id) restricts Step to
// that owner while held.
type Engine struct {
	mu sync.Mutex

	catalog   *catalog.Catalog
	now       func() time.Time
	encoder   resonance.Encoder
	callbacks *CallbackManager

	agentID      string
	agent        core.Agent
	bodyPrimes   []uint64
	memoryPhases map[uint64][]float64
	quaternion   core.Quaternion
	epoch        uint64
	beacons      []core.Beacon

	session *core.Session
	owner   string

	actionVectors map[string][]float64
}

// New creates an engine for agent in the Created state. The agent's body
// primes are validated and frozen.
func New(agent core.Agent, optFns ...func(o *Options)) (*Engine, error) {
	if err := resonance.ValidatePrimes("engine.New", agent.BodyPrimes); err != nil {
		return nil, err
	}

	opts := Options{Catalog: catalog.Default(), Clock: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}

	e := &Engine{
		catalog:       opts.Catalog,
		now:           opts.Clock,
		callbacks:     opts.Callbacks,
		agentID:       agent.ID,
		bodyPrimes:    resonance.SortedPrimes(agent.BodyPrimes),
		memoryPhases:  make(map[uint64][]float64, len(agent.BodyPrimes)),
		quaternion:    core.IdentityQuaternion,
		actionVectors: map[string][]float64{},
	}
	for _, p := range e.bodyPrimes {
		e.memoryPhases[p] = []float64{}
	}
	e.configureLocked(agent)

	return e, nil
}

// Configure replaces the behavioral parameters of the backing agent record.
// Identity (body primes) is never changed.
func (e *Engine) Configure(agent core.Agent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configureLocked(agent)
}

func (e *Engine) configureLocked(agent core.Agent) {
	agent = agent.Clone()
	agent.ID = e.agentID
	agent.BodyPrimes = slices.Clone(e.bodyPrimes)
	if agent.PerceptionConfig != e.agent.PerceptionConfig {
		e.actionVectors = map[string][]float64{}
	}
	e.agent = agent
	e.encoder = resonance.Encoder{
		Dimension: agent.PerceptionConfig.Dimension,
		MaxTokens: agent.PerceptionConfig.MaxTokens,
		Now:       e.now,
	}
}

// SummonLayer activates a layer. The first successful summon creates the
// session. Summoning an already active layer is a successful no-op.
func (e *Engine) SummonLayer(name string) (SummonResult, error) {
	res, err := e.summonLayer(name)
	if err != nil {
		_ = e.callbacks.ExecuteCallbacks(context.Background(), CallbackOnError, &CallbackContext{AgentID: e.agentID, Layer: name, Err: err})
		return res, err
	}
	_ = e.callbacks.ExecuteCallbacks(context.Background(), CallbackOnSummon, &CallbackContext{AgentID: e.agentID, Layer: name})
	return res, nil
}

func (e *Engine) summonLayer(name string) (SummonResult, error) {
	const op = "engine.SummonLayer"

	if _, ok := e.catalog.Layer(name); !ok {
		return SummonResult{}, &core.Error{
			Kind:  core.KindValidation,
			Op:    op,
			Field: "layer",
			Msg:   fmt.Sprintf("unknown layer %q", name),
			Err:   core.ErrInvalidLayer,
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var active []string
	if e.session != nil {
		if e.session.HasLayer(name) {
			return SummonResult{Success: true, ActivatedLayers: slices.Clone(e.session.Layers)}, nil
		}
		active = e.session.Layers
	}

	if missing := e.catalog.MissingPrerequisites(name, active); len(missing) > 0 {
		return SummonResult{}, &core.Error{
			Kind:    core.KindDependency,
			Op:      op,
			Msg:     fmt.Sprintf("layer %q has unmet prerequisites", name),
			Missing: missing,
			Err:     core.ErrUnmetDependency,
		}
	}

	if e.session == nil {
		e.session = core.NewSession(e.now(), e.epoch)
	}
	e.session.Layers = append(e.session.Layers, name)

	return SummonResult{Success: true, ActivatedLayers: slices.Clone(e.session.Layers)}, nil
}

// Dismiss clears the session. Identity, memory phases, orientation, epoch and
// beacons are untouched.
func (e *Engine) Dismiss() error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return core.NewStateError("engine.Dismiss", core.ErrNotSummoned, "agent has no active session")
	}
	e.session = nil
	e.mu.Unlock()

	_ = e.callbacks.ExecuteCallbacks(context.Background(), CallbackOnDismiss, &CallbackContext{AgentID: e.agentID})

	return nil
}

// Summoned reports whether a session is active.
func (e *Engine) Summoned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil
}

// Step performs one unowned step. It fails while a run owns the engine.
func (e *Engine) Step(ctx context.Context, obs core.Observation, actions []string) (core.StepResult, error) {
	return e.StepAs(ctx, "", obs, actions)
}

// StepAs performs one step on behalf of owner ("" for direct callers).
//
// All validation happens before any state changes, so a failed step leaves
// the engine exactly as it was. A successful step appends one phase per
// encoded token, one entropy value, and advances the epoch by exactly one.
func (e *Engine) StepAs(ctx context.Context, owner string, obs core.Observation, actions []string) (core.StepResult, error) {
	const op = "engine.Step"

	if err := ctx.Err(); err != nil {
		return core.StepResult{}, fmt.Errorf("%s: %w", op, err)
	}

	cbCtx := &CallbackContext{AgentID: e.agentID, Owner: owner, Observation: &obs}
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeStep, cbCtx); err != nil {
		return core.StepResult{}, fmt.Errorf("%s: vetoed: %w", op, err)
	}

	res, err := e.step(ctx, owner, obs, actions)
	if err != nil {
		cbCtx.Err = err
		_ = e.callbacks.ExecuteCallbacks(ctx, CallbackOnError, cbCtx)
		return core.StepResult{}, err
	}

	cbCtx.Result = &res
	_ = e.callbacks.ExecuteCallbacks(ctx, CallbackAfterStep, cbCtx)

	return res.Clone(), nil
}

func (e *Engine) step(_ context.Context, owner string, obs core.Observation, actions []string) (core.StepResult, error) {
	const op = "engine.Step"

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.owner != "" && e.owner != owner {
		return core.StepResult{}, core.NewStateError(op, core.ErrOwnedByRun, fmt.Sprintf("owned by run %s", e.owner))
	}
	if e.owner == "" && owner != "" {
		return core.StepResult{}, core.NewStateError(op, core.ErrNotOwner, fmt.Sprintf("run %s does not own the agent", owner))
	}
	if e.session == nil {
		return core.StepResult{}, core.NewStateError(op, core.ErrNotSummoned, "step requires an active session")
	}
	if strings.TrimSpace(obs.Text) == "" {
		return core.StepResult{}, core.NewValidationError(op, "observation.text", "must not be empty")
	}

	candidates := e.candidates(actions)
	if len(candidates) == 0 {
		return core.StepResult{}, &core.Error{
			Kind:  core.KindValidation,
			Op:    op,
			Field: "actions",
			Msg:   "every candidate action is forbidden by safety constraints",
			Err:   core.ErrNoPermissibleAction,
		}
	}

	for name, v := range obs.Features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return core.StepResult{}, core.NewValidationError(op, "observation.features", fmt.Sprintf("feature %q is not finite", name))
		}
	}

	percept, err := e.encoder.Encode(obs.Text, e.bodyPrimes)
	if err != nil {
		return core.StepResult{}, err
	}

	recorded := make(map[uint64]int, len(percept.Phases))
	for _, ph := range percept.Phases {
		if _, ok := recorded[ph.Prime]; !ok {
			recorded[ph.Prime] = len(e.memoryPhases[ph.Prime])
		}
		e.memoryPhases[ph.Prime] = append(e.memoryPhases[ph.Prime], ph.Phase)
	}

	d, err := e.deliberate(percept, obs, candidates)
	if err != nil {
		e.truncatePhases(recorded)
		return core.StepResult{}, err
	}

	e.session.Belief = d.belief
	e.session.EntropyTrajectory = append(e.session.EntropyTrajectory, d.entropy)
	if e.catalog.HasCapability(e.session.Layers, catalog.CapAttend) {
		updateAttention(e.session.Attention, percept.Tokens)
	}

	e.quaternion = rotate(e.quaternion, percept.EncodedVector, d.normalizedEntropy)
	e.epoch++

	return core.StepResult{
		AgentID:      e.agentID,
		ChosenAction: d.chosen,
		NewBelief:    copyBelief(d.belief),
		Entropy:      d.entropy,
		Quaternion:   e.quaternion,
		Epoch:        e.epoch,
		PrimesUsed:   slices.Clone(percept.PrimesUsed),
		At:           e.now(),
	}, nil
}

// truncatePhases drops phases appended by a step that did not commit.
func (e *Engine) truncatePhases(lengths map[uint64]int) {
	for prime, n := range lengths {
		e.memoryPhases[prime] = e.memoryPhases[prime][:n]
	}
}

// candidates dedupes caller actions (falling back to catalog defaults) and
// removes those forbidden by the safety constraints.
func (e *Engine) candidates(actions []string) []string {
	if len(actions) == 0 {
		actions = e.catalog.DefaultActions()
	}
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		a = strings.TrimSpace(a)
		if a == "" || slices.Contains(out, a) || e.agent.Forbids(a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// GenerateBeacon derives and records a beacon from the current identity,
// orientation and epoch. No session is required.
func (e *Engine) GenerateBeacon() (core.Beacon, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := newBeacon(e.agentID, e.bodyPrimes, e.quaternion, e.epoch, e.now())
	if err != nil {
		return core.Beacon{}, err
	}
	e.beacons = append(e.beacons, b)

	return b, nil
}

// Beacons returns a copy of the beacon history.
func (e *Engine) Beacons() []core.Beacon {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.beacons)
}

// Acquire grants owner exclusive stepping rights. Re-acquiring by the
// current owner succeeds.
func (e *Engine) Acquire(owner string) error {
	const op = "engine.Acquire"
	if owner == "" {
		return core.NewValidationError(op, "owner", "must not be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.owner != "" && e.owner != owner {
		return core.NewStateError(op, core.ErrOwnedByRun, fmt.Sprintf("owned by run %s", e.owner))
	}
	e.owner = owner

	return nil
}

// Release drops ownership if held by owner and reports whether it did.
func (e *Engine) Release(owner string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if owner == "" || e.owner != owner {
		return false
	}
	e.owner = ""

	return true
}

// Owner returns the current owner token, if any.
func (e *Engine) Owner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

// Epoch returns the current epoch.
func (e *Engine) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// State returns a read-only view of the engine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	lengths := make(map[uint64]int, len(e.memoryPhases))
	for p, v := range e.memoryPhases {
		lengths[p] = len(v)
	}
	hash, _ := resonance.BodyHash(e.bodyPrimes)

	return State{
		AgentID:            e.agentID,
		BodyPrimes:         slices.Clone(e.bodyPrimes),
		BodyHash:           hash,
		Summoned:           e.session != nil,
		Session:            e.session.Clone(),
		Quaternion:         e.quaternion,
		Epoch:              e.epoch,
		MemoryPhaseLengths: lengths,
		BeaconCount:        len(e.beacons),
		Owner:              e.owner,
	}
}

// AgentID returns the id of the agent this engine serves.
func (e *Engine) AgentID() string { return e.agentID }

// ActiveLayers returns the active layers, or nil when not summoned.
func (e *Engine) ActiveLayers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	return slices.Clone(e.session.Layers)
}

func copyBelief(b map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}
