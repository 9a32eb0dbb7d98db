// Package deadlock implements the wait-for graph cycle detector used by the
// Distributed Lock Manager to refuse a lock request that would deadlock
// before the request ever enqueues a waiter.
package deadlock

import (
	"sync"
)

// Edge is a single (agent, resource) wait relationship, used by Status to
// render a cycle for diagnostics.
type Edge struct {
	AgentID    string
	ResourceID string
}

// Detector tracks the wait-for graph: which agent is waiting on which
// resources, and which agent currently owns which resource. It is mutated
// only under its own mutex, and only by the Lock Manager's critical
// sections — it never reaches into lock state itself.
type Detector struct {
	mu sync.Mutex

	// waitFor[agentID] is the set of resourceIDs that agent is waiting on.
	waitFor map[string]map[string]struct{}
	// owners[resourceID] is the agent currently holding that resource.
	owners map[string]string
}

// New creates an empty Detector.
func New() *Detector {
	return &Detector{
		waitFor: make(map[string]map[string]struct{}),
		owners:  make(map[string]string),
	}
}

// WouldCauseDeadlock returns true iff granting resource r's wait edge to
// agent a would close a cycle: a path exists from r's current owner back to
// a via the owners of resources that owner is itself waiting on.
//
// This must be called before AddWaitEdge for the same (a, r) pair — it
// answers "if I add this edge, would it deadlock", not "is there already a
// deadlock".
func (d *Detector) WouldCauseDeadlock(a, r string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	owner, held := d.owners[r]
	if !held || owner == a {
		return false
	}
	visited := make(map[string]struct{})
	return d.reaches(owner, a, visited)
}

// reaches performs a DFS over the wait-for graph: can `from` reach `target`
// by following from -> (resources from waits on) -> (owners of those
// resources) -> ... ?
func (d *Detector) reaches(from, target string, visited map[string]struct{}) bool {
	if from == target {
		return true
	}
	if _, ok := visited[from]; ok {
		return false
	}
	visited[from] = struct{}{}

	for resourceID := range d.waitFor[from] {
		nextOwner, held := d.owners[resourceID]
		if !held {
			continue
		}
		if d.reaches(nextOwner, target, visited) {
			return true
		}
	}
	return false
}

// AddWaitEdge records that agent a is now waiting on resource r.
func (d *Detector) AddWaitEdge(a, r string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.waitFor[a] == nil {
		d.waitFor[a] = make(map[string]struct{})
	}
	d.waitFor[a][r] = struct{}{}
}

// RemoveWaitEdge clears a's wait on r, e.g. when the wait is granted,
// cancelled, or times out.
func (d *Detector) RemoveWaitEdge(a, r string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if set, ok := d.waitFor[a]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(d.waitFor, a)
		}
	}
}

// AcquireResource records that agent a now owns resource r, and clears any
// wait edge a held on r (it is no longer waiting — it has it).
func (d *Detector) AcquireResource(a, r string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.owners[r] = a
	if set, ok := d.waitFor[a]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(d.waitFor, a)
		}
	}
}

// ReleaseResource clears ownership of r, if a still owns it.
func (d *Detector) ReleaseResource(a, r string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.owners[r] == a {
		delete(d.owners, r)
	}
}

// Cycle is a diagnostic rendering of a detected wait-for cycle.
type Cycle struct {
	Edges []Edge
}

// Status enumerates every cycle currently present in the wait-for graph,
// for diagnostics only — the Lock Manager itself never lets a cycle form,
// since WouldCauseDeadlock is checked before every new wait edge.
func (d *Detector) Status() []Cycle {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cycles []Cycle
	for agent := range d.waitFor {
		if path, ok := d.findCycleFrom(agent); ok {
			cycles = append(cycles, Cycle{Edges: path})
		}
	}
	return cycles
}

// findCycleFrom walks the graph from agent looking for a path that returns
// to agent, recording the (agent, resource) edges traversed.
func (d *Detector) findCycleFrom(start string) ([]Edge, bool) {
	visited := make(map[string]struct{})
	var path []Edge

	var walk func(agent string) bool
	walk = func(agent string) bool {
		if _, ok := visited[agent]; ok {
			return false
		}
		visited[agent] = struct{}{}

		for resourceID := range d.waitFor[agent] {
			path = append(path, Edge{AgentID: agent, ResourceID: resourceID})
			owner, held := d.owners[resourceID]
			if held {
				if owner == start {
					return true
				}
				if walk(owner) {
					return true
				}
			}
			path = path[:len(path)-1]
		}
		return false
	}

	if walk(start) {
		return path, true
	}
	return nil, false
}
