package team

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/primemesh/core"
	"github.com/hupe1980/primemesh/engine"
	"github.com/hupe1980/primemesh/internal/util"
	"github.com/hupe1980/primemesh/logging"
)

// Agents is the subset of the agent manager a team needs.
type Agents interface {
	Exists(id string) bool
	Summon(id, layer string) (engine.SummonResult, error)
	Dismiss(id string) error
	IsSummoned(id string) (bool, error)
	Step(ctx context.Context, id string, obs core.Observation, actions []string) (core.StepResult, error)
	GetState(id string) (engine.State, error)
}

// Options configures a Manager.
type Options struct {
	// Store persists teams. Nil disables persistence.
	Store core.TeamStore
	// Logger receives structured logs. Defaults to logging.NoOpLogger.
	Logger logging.Logger
	// Clock stamps records. Defaults to time.Now.
	Clock func() time.Time
}

// Manager is the team registry.
type Manager struct {
	mu    sync.RWMutex
	teams map[string]*core.Team

	agents Agents
	store  core.TeamStore
	logger logging.Logger
	now    func() time.Time
}

// New creates a Manager backed by agents.
func New(agents Agents, optFns ...func(o *Options)) *Manager {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Clock:  time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Manager{
		teams:  make(map[string]*core.Team),
		agents: agents,
		store:  opts.Store,
		logger: opts.Logger,
		now:    opts.Clock,
	}
}

// Create registers a team. Members must name existing agents; duplicates are
// collapsed keeping the first occurrence. The topology defaults to mesh.
func (m *Manager) Create(_ context.Context, spec core.TeamSpec) (core.Team, error) {
	const op = "team.Create"

	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return core.Team{}, core.NewValidationError(op, "name", "must not be empty")
	}
	topology := spec.Topology
	if topology == "" {
		topology = core.TopologyMesh
	}
	if !topology.Valid() {
		return core.Team{}, core.NewValidationError(op, "topology", fmt.Sprintf("unknown topology %q", topology))
	}

	// Membership is checked under the lock so a concurrent agent delete
	// either sees the new team in its cascade or fails this create.
	m.mu.Lock()
	defer m.mu.Unlock()

	members := make([]string, 0, len(spec.Members))
	for _, id := range spec.Members {
		if slices.Contains(members, id) {
			continue
		}
		if !m.agents.Exists(id) {
			return core.Team{}, core.NewNotFoundError(op, "agent", id)
		}
		members = append(members, id)
	}

	now := m.now()
	t := core.Team{
		ID:        util.NewID(),
		Name:      name,
		Members:   members,
		Network:   core.NetworkState{Topology: topology, Edges: Edges(topology, members)},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.save(op, t); err != nil {
		return core.Team{}, err
	}
	m.teams[t.ID] = &t

	m.logger.Info("Team created", "team_id", t.ID, "name", t.Name, "members", len(members))

	return t.Clone(), nil
}

// Get returns a copy of the team.
func (m *Manager) Get(id string) (core.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teams[id]
	if !ok {
		return core.Team{}, core.NewNotFoundError("team.Get", "team", id)
	}
	return t.Clone(), nil
}

// List returns all teams ordered by creation time, then id.
func (m *Manager) List() []core.Team {
	m.mu.RLock()
	out := make([]core.Team, 0, len(m.teams))
	for _, t := range m.teams {
		out = append(out, t.Clone())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b core.Team) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Update renames a team or changes its topology.
func (m *Manager) Update(_ context.Context, id string, patch core.TeamPatch) (core.Team, error) {
	const op = "team.Update"

	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return core.Team{}, core.NewValidationError(op, "name", "must not be empty")
	}
	if patch.Topology != nil && !patch.Topology.Valid() {
		return core.Team{}, core.NewValidationError(op, "topology", fmt.Sprintf("unknown topology %q", *patch.Topology))
	}

	return m.mutate(op, id, func(t *core.Team) error {
		if patch.Name != nil {
			t.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.Topology != nil {
			t.Network.Topology = *patch.Topology
			t.Network.Edges = Edges(t.Network.Topology, t.Members)
		}
		return nil
	})
}

// Delete removes a team. Member agents are untouched.
func (m *Manager) Delete(_ context.Context, id string) error {
	const op = "team.Delete"

	m.mu.Lock()
	if _, ok := m.teams[id]; !ok {
		m.mu.Unlock()
		return core.NewNotFoundError(op, "team", id)
	}
	delete(m.teams, id)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteTeam(id); err != nil {
			m.logger.Error("Failed to delete persisted team", "team_id", id, "error", err.Error())
		}
	}
	return nil
}

// AddAgent appends an agent to the team. Adding a present member is a no-op.
func (m *Manager) AddAgent(_ context.Context, teamID, agentID string) (core.Team, error) {
	const op = "team.AddAgent"

	return m.mutate(op, teamID, func(t *core.Team) error {
		if !m.agents.Exists(agentID) {
			return core.NewNotFoundError(op, "agent", agentID)
		}
		if slices.Contains(t.Members, agentID) {
			return errNoChange
		}
		t.Members = append(t.Members, agentID)
		t.Network.Edges = Edges(t.Network.Topology, t.Members)
		return nil
	})
}

// RemoveAgent removes a member. Removing an absent member is NotFound.
func (m *Manager) RemoveAgent(_ context.Context, teamID, agentID string) (core.Team, error) {
	const op = "team.RemoveAgent"

	return m.mutate(op, teamID, func(t *core.Team) error {
		i := slices.Index(t.Members, agentID)
		if i < 0 {
			return core.NewNotFoundError(op, "member", agentID)
		}
		t.Members = slices.Delete(t.Members, i, i+1)
		t.Network.Edges = Edges(t.Network.Topology, t.Members)
		return nil
	})
}

// RemoveFromAll drops agentID from every team. It is registered as the agent
// manager's delete hook.
func (m *Manager) RemoveFromAll(_ context.Context, agentID string) error {
	m.mu.RLock()
	var ids []string
	for id, t := range m.teams {
		if slices.Contains(t.Members, agentID) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_, err := m.mutate("team.RemoveFromAll", id, func(t *core.Team) error {
			i := slices.Index(t.Members, agentID)
			if i < 0 {
				return errNoChange
			}
			t.Members = slices.Delete(t.Members, i, i+1)
			t.Network.Edges = Edges(t.Network.Topology, t.Members)
			return nil
		})
		if err != nil && core.KindOf(err) != core.KindNotFound {
			return err
		}
	}
	return nil
}

// GetNetwork returns a copy of the team's network state.
func (m *Manager) GetNetwork(id string) (core.NetworkState, error) {
	t, err := m.Get(id)
	if err != nil {
		return core.NetworkState{}, err
	}
	return t.Network, nil
}

// Load restores teams from the store. Members that no longer exist are
// dropped. It returns the number of teams restored.
func (m *Manager) Load(_ context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	teams, err := m.store.LoadTeams()
	if err != nil {
		return 0, fmt.Errorf("team.Load: %w", err)
	}

	restored := 0
	for _, t := range teams {
		t = t.Clone()
		live := t.Members[:0]
		for _, id := range t.Members {
			if m.agents.Exists(id) {
				live = append(live, id)
			}
		}
		t.Members = live
		t.Network.Edges = Edges(t.Network.Topology, t.Members)

		m.mu.Lock()
		if _, exists := m.teams[t.ID]; !exists {
			m.teams[t.ID] = &t
			restored++
		}
		m.mu.Unlock()
	}

	m.logger.Info("Teams loaded", "count", restored)
	return restored, nil
}

var errNoChange = errors.New("no change")

// mutate applies fn to a copy of the team, persists the result and swaps it
// in. fn may return errNoChange to skip persistence.
func (m *Manager) mutate(op, id string, fn func(t *core.Team) error) (core.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.teams[id]
	if !ok {
		return core.Team{}, core.NewNotFoundError(op, "team", id)
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, errNoChange) {
			return cur.Clone(), nil
		}
		return core.Team{}, err
	}
	next.UpdatedAt = m.now()

	if err := m.save(op, next); err != nil {
		return core.Team{}, err
	}
	m.teams[id] = &next

	return next.Clone(), nil
}

func (m *Manager) save(op string, t core.Team) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveTeam(t.Clone()); err != nil {
		return fmt.Errorf("%s: failed to persist team: %w", op, err)
	}
	return nil
}

// Edges derives the undirected edge list of a topology over members.
func Edges(topology core.Topology, members []string) []core.Edge {
	n := len(members)
	edges := []core.Edge{}
	switch topology {
	case core.TopologyMesh:
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				edges = append(edges, core.Edge{From: members[i], To: members[j]})
			}
		}
	case core.TopologyRing:
		if n == 2 {
			return append(edges, core.Edge{From: members[0], To: members[1]})
		}
		if n > 2 {
			for i := 0; i < n; i++ {
				edges = append(edges, core.Edge{From: members[i], To: members[(i+1)%n]})
			}
		}
	case core.TopologyStar:
		for i := 1; i < n; i++ {
			edges = append(edges, core.Edge{From: members[0], To: members[i]})
		}
	}
	return edges
}
