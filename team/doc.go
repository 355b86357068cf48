// Package team composes agents into teams that can be summoned, dismissed
// and stepped collectively.
//
// A team holds an ordered set of agent ids. Membership order drives
// deterministic fan-out; the aggregate of a collective step is folded over
// results sorted by agent id and is therefore independent of completion
// order. Teams never own their agents: deleting a team leaves its members
// untouched, and deleting an agent removes it from every team through the
// agent manager's delete hook.
package team
