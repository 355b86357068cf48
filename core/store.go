package core

// StoredAgent pairs an agent record with its engine snapshot.
type StoredAgent struct {
	Agent    Agent    `json:"agent"`
	Snapshot Snapshot `json:"snapshot"`
}

// AgentStore durably persists agent records and engine snapshots. The agent
// manager stays the in-memory authority during a process lifetime; the store
// only makes state survive restarts. Implementations must be safe for
// concurrent use.
type AgentStore interface {
	SaveAgent(rec StoredAgent) error
	DeleteAgent(id string) error
	LoadAgents() ([]StoredAgent, error)
}

// TeamStore persists team records.
type TeamStore interface {
	SaveTeam(t Team) error
	DeleteTeam(id string) error
	LoadTeams() ([]Team, error)
}

// RunStore persists run records including their step logs.
type RunStore interface {
	SaveRun(r Run) error
	LoadRuns() ([]Run, error)
}
