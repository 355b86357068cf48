package util

import "github.com/google/uuid"

// NewID returns a random opaque identifier for agents, teams, runs and beacons.
func NewID() string { return uuid.NewString() }
