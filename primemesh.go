// Package primemesh provides a high-level façade over the agent, team and
// runner managers. Most applications interact with this package by:
//  1. Creating a PrimeMesh via New() or NewFromEnv()
//  2. Creating agents and summoning layers through Agents()
//  3. Stepping agents directly, grouping them with Teams(), or handing them
//     to Runner() for autonomous execution
//
// The façade wires the managers together: deleting an agent first stops its
// runs, then removes it from every team, then dismisses its session. All
// defaults are in-memory and safe for local development and testing;
// production deployments typically supply a durable store, a telemetry sink
// and a structured logger.
package primemesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/primemesh/agent"
	"github.com/hupe1980/primemesh/catalog"
	"github.com/hupe1980/primemesh/core"
	"github.com/hupe1980/primemesh/engine"
	"github.com/hupe1980/primemesh/internal/util"
	"github.com/hupe1980/primemesh/logging"
	"github.com/hupe1980/primemesh/runner"
	"github.com/hupe1980/primemesh/store"
	"github.com/hupe1980/primemesh/team"
	"github.com/hupe1980/primemesh/telemetry"
)

// Environment variables read by NewFromEnv.
const (
	EnvSQLitePath  = "PRIMEMESH_SQLITE_PATH"
	EnvRedisURL    = "PRIMEMESH_REDIS_URL"
	EnvRedisStream = "PRIMEMESH_REDIS_STREAM"
	EnvMaxRuns     = "PRIMEMESH_MAX_RUNS"
	EnvLogLevel    = "PRIMEMESH_LOG_LEVEL"
	EnvLogFormat   = "PRIMEMESH_LOG_FORMAT"
	EnvCatalogPath = "PRIMEMESH_CATALOG_PATH"
)

// Options configures the PrimeMesh instance.
type Options struct {
	// Catalog supplies layers, default actions and templates. Defaults to
	// catalog.Default().
	Catalog *catalog.Catalog

	// Stores (persistence is disabled for any store left nil)
	AgentStore core.AgentStore
	TeamStore  core.TeamStore
	RunStore   core.RunStore

	// Sink receives runner telemetry (defaults to a no-op sink if nil).
	Sink core.TelemetrySink

	// MaxConcurrentRuns bounds live runs. Set to 0 for unlimited.
	MaxConcurrentRuns int

	// Callbacks is shared by every engine. A manager is created when nil.
	Callbacks *engine.CallbackManager

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// Clock stamps records. Defaults to time.Now.
	Clock func() time.Time
}

// PrimeMesh is the high-level façade aggregating the managers.
type PrimeMesh struct {
	agents    *agent.Manager
	teams     *team.Manager
	runner    *runner.Runner
	callbacks *engine.CallbackManager
	logger    logging.Logger
	closers   []func() error
}

// Status summarizes the whole mesh.
type Status struct {
	Agents agent.Stats      `json:"agents"`
	Teams  int              `json:"teams"`
	Runs   runner.Telemetry `json:"runs"`
}

// New creates a new PrimeMesh instance with optional overrides.
func New(optFns ...func(o *Options)) *PrimeMesh {
	opts := Options{
		Catalog:           catalog.Default(),
		MaxConcurrentRuns: 10,
		Logger:            logging.NoOpLogger{},
		Clock:             time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Callbacks == nil {
		opts.Callbacks = engine.NewCallbackManager()
		opts.Callbacks.RegisterCallback(engine.NewLoggingCallback(engine.CallbackOnError, opts.Logger))
		opts.Callbacks.RegisterCallback(engine.NewLoggingCallback(engine.CallbackOnSummon, opts.Logger))
		opts.Callbacks.RegisterCallback(engine.NewLoggingCallback(engine.CallbackOnDismiss, opts.Logger))
	}

	agents := agent.New(func(o *agent.Options) {
		o.Catalog = opts.Catalog
		o.Store = opts.AgentStore
		o.Logger = opts.Logger
		o.Clock = opts.Clock
		o.Callbacks = opts.Callbacks
	})

	teams := team.New(agents, func(o *team.Options) {
		o.Store = opts.TeamStore
		o.Logger = opts.Logger
		o.Clock = opts.Clock
	})

	r := runner.New(agents, func(o *runner.Options) {
		o.MaxConcurrentRuns = opts.MaxConcurrentRuns
		o.Store = opts.RunStore
		o.Sink = opts.Sink
		o.Logger = opts.Logger
		o.Clock = opts.Clock
	})

	// Runs must stop before the agent leaves its teams and loses its session.
	agents.OnDelete(r.StopAgentRuns)
	agents.OnDelete(teams.RemoveFromAll)

	return &PrimeMesh{
		agents:    agents,
		teams:     teams,
		runner:    r,
		callbacks: opts.Callbacks,
		logger:    opts.Logger,
	}
}

// NewFromEnv builds a PrimeMesh from PRIMEMESH_* environment variables and
// restores persisted state. SQLite persistence is enabled when
// PRIMEMESH_SQLITE_PATH is set; Redis stream telemetry when
// PRIMEMESH_REDIS_URL is set. optFns are applied after the environment.
func NewFromEnv(ctx context.Context, optFns ...func(o *Options)) (*PrimeMesh, error) {
	logger := logging.NewSlogLogger(
		logging.ParseLevel(util.EnvString(EnvLogLevel, "info")),
		util.EnvString(EnvLogFormat, "json"),
		false,
	).WithComponent("primemesh")

	envFns := []func(o *Options){func(o *Options) {
		o.Logger = logger
		o.MaxConcurrentRuns = util.EnvInt(EnvMaxRuns, 10)
	}}

	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	if path := util.EnvString(EnvCatalogPath, ""); path != "" {
		cat, err := catalog.LoadFile(path)
		if err != nil {
			return nil, err
		}
		envFns = append(envFns, func(o *Options) { o.Catalog = cat })
	}

	if path := util.EnvString(EnvSQLitePath, ""); path != "" {
		st, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		closers = append(closers, st.Close)
		envFns = append(envFns, func(o *Options) {
			o.AgentStore, o.TeamStore, o.RunStore = st, st, st
		})
	}

	if url := util.EnvString(EnvRedisURL, ""); url != "" {
		rdb, err := telemetry.NewRedisClient(url)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, rdb.Close)
		sink := telemetry.NewRedisStreamSink(rdb, func(o *telemetry.RedisStreamOptions) {
			o.Stream = util.EnvString(EnvRedisStream, telemetry.DefaultStream)
		})
		envFns = append(envFns, func(o *Options) { o.Sink = sink })
	}

	m := New(append(envFns, optFns...)...)
	m.closers = closers

	if err := m.Load(ctx); err != nil {
		_ = m.Shutdown(ctx)
		return nil, err
	}

	logger.Info("PrimeMesh ready", "agents", len(m.agents.List(core.AgentFilter{})), "teams", len(m.teams.List()))
	return m, nil
}

// Agents returns the agent manager.
func (m *PrimeMesh) Agents() *agent.Manager { return m.agents }

// Teams returns the team manager.
func (m *PrimeMesh) Teams() *team.Manager { return m.teams }

// Runner returns the runner.
func (m *PrimeMesh) Runner() *runner.Runner { return m.runner }

// Callbacks returns the callback manager shared by all engines.
func (m *PrimeMesh) Callbacks() *engine.CallbackManager { return m.callbacks }

// Load restores agents, then teams, then runs from their stores.
func (m *PrimeMesh) Load(ctx context.Context) error {
	if _, err := m.agents.Load(ctx); err != nil {
		return err
	}
	if _, err := m.teams.Load(ctx); err != nil {
		return err
	}
	if _, err := m.runner.Load(ctx); err != nil {
		return err
	}
	return nil
}

// Status summarizes agents, teams and runs.
func (m *PrimeMesh) Status() Status {
	return Status{
		Agents: m.agents.GetStats(),
		Teams:  len(m.teams.List()),
		Runs:   m.runner.GetTelemetry(),
	}
}

// Shutdown stops every live run, waits for the loops to exit and releases
// stores and connections opened by NewFromEnv.
func (m *PrimeMesh) Shutdown(ctx context.Context) error {
	var errs []error

	active := m.runner.ListActiveRuns()
	for _, v := range active {
		if err := m.runner.Stop(v.ID); err != nil && !errors.Is(err, core.ErrAlreadyTerminal) {
			errs = append(errs, err)
		}
	}
	for _, v := range active {
		if _, err := m.runner.Wait(ctx, v.ID); err != nil {
			errs = append(errs, err)
		}
	}

	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			errs = append(errs, fmt.Errorf("primemesh.Shutdown: %w", err))
		}
	}
	m.closers = nil

	m.logger.Info("PrimeMesh shut down", "stopped_runs", len(active))
	return errors.Join(errs...)
}
