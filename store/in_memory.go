package store

import (
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/primemesh/core"
)

var (
	_ core.AgentStore = (*InMemoryStore)(nil)
	_ core.TeamStore  = (*InMemoryStore)(nil)
	_ core.RunStore   = (*InMemoryStore)(nil)
)

// InMemoryStore is a volatile store keeping records in process local maps.
// It is safe for concurrent access. Records are cloned on the way in and out
// to prevent external mutation of internal state.
type InMemoryStore struct {
	mu     sync.RWMutex
	agents map[string]core.StoredAgent
	teams  map[string]core.Team
	runs   map[string]core.Run
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		agents: make(map[string]core.StoredAgent),
		teams:  make(map[string]core.Team),
		runs:   make(map[string]core.Run),
	}
}

// SaveAgent stores a clone of rec, replacing any previous record.
func (s *InMemoryStore) SaveAgent(rec core.StoredAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[rec.Agent.ID] = cloneStoredAgent(rec)
	return nil
}

// DeleteAgent removes an agent record. Deleting an unknown id is a no-op.
func (s *InMemoryStore) DeleteAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	return nil
}

// LoadAgents returns all agent records ordered by id.
func (s *InMemoryStore) LoadAgents() ([]core.StoredAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.StoredAgent, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, cloneStoredAgent(rec))
	}
	slices.SortFunc(out, func(a, b core.StoredAgent) int { return strings.Compare(a.Agent.ID, b.Agent.ID) })
	return out, nil
}

// SaveTeam stores a clone of t.
func (s *InMemoryStore) SaveTeam(t core.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[t.ID] = t.Clone()
	return nil
}

// DeleteTeam removes a team record. Deleting an unknown id is a no-op.
func (s *InMemoryStore) DeleteTeam(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.teams, id)
	return nil
}

// LoadTeams returns all teams ordered by id.
func (s *InMemoryStore) LoadTeams() ([]core.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Team, 0, len(s.teams))
	for _, t := range s.teams {
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(a, b core.Team) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// SaveRun stores a clone of r.
func (s *InMemoryStore) SaveRun(r core.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r.Clone()
	return nil
}

// LoadRuns returns all runs ordered by start time, then id.
func (s *InMemoryStore) LoadRuns() ([]core.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.Clone())
	}
	sortRuns(out)
	return out, nil
}

func cloneStoredAgent(rec core.StoredAgent) core.StoredAgent {
	return core.StoredAgent{Agent: rec.Agent.Clone(), Snapshot: rec.Snapshot.Clone()}
}

func sortRuns(runs []core.Run) {
	slices.SortFunc(runs, func(a, b core.Run) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
