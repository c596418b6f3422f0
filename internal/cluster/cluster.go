// Package cluster tracks node membership for the storage grid: registration,
// heartbeat-driven health, versioned membership views and chunk placement.
package cluster

import (
	"errors"
	"sort"
	"time"
)

// Role identifies what a node does in the grid.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleData        Role = "data"
	RoleService     Role = "service"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleCoordinator, RoleData, RoleService:
		return true
	}
	return false
}

// Health is a node's position in the heartbeat state machine.
type Health string

const (
	HealthStarting Health = "starting" // registered, no heartbeat yet
	HealthHealthy  Health = "healthy"  // heartbeating within the suspect window
	HealthSuspect  Health = "suspect"  // heartbeat overdue, may recover
	HealthDead     Health = "dead"     // heartbeat long overdue, must re-register
)

// NodeDescriptor is one node's entry in a membership view.
type NodeDescriptor struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Address       string    `json:"address"`
	Health        Health    `json:"health"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	TotalCapacity uint64    `json:"total_capacity"`
	UsedCapacity  uint64    `json:"used_capacity"`
}

// Targets is the intended node count per role.
type Targets struct {
	Data    int `json:"data" yaml:"data"`
	Service int `json:"service" yaml:"service"`
}

// MembershipView is an immutable snapshot of cluster membership. Versions
// are strictly monotone: a higher version always describes a later state.
// Holders must never mutate a view; the registry publishes a fresh one for
// every membership change.
type MembershipView struct {
	Version   uint64           `json:"version"`
	Nodes     []NodeDescriptor `json:"nodes"` // sorted by ID
	Targets   Targets          `json:"targets"`
	Degraded  bool             `json:"degraded"` // healthy data nodes below target
	CreatedAt time.Time        `json:"created_at"`
}

// ErrStaleView signals that a request was built against an older membership
// view than the receiver holds, and should be retried with a fresh view.
var ErrStaleView = errors.New("membership view is stale")

// ErrNoDataNodes signals that no healthy data node is available for
// placement.
var ErrNoDataNodes = errors.New("no healthy data nodes")

// Node returns the descriptor for the given ID.
func (v MembershipView) Node(id string) (NodeDescriptor, bool) {
	for _, n := range v.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDescriptor{}, false
}

// ByRole returns all nodes of a role, in ID order.
func (v MembershipView) ByRole(role Role) []NodeDescriptor {
	var out []NodeDescriptor
	for _, n := range v.Nodes {
		if n.Role == role {
			out = append(out, n)
		}
	}
	return out
}

// HealthyByRole returns the healthy nodes of a role, in ID order. This
// ordering is part of the placement contract: every holder of the same view
// derives the same list.
func (v MembershipView) HealthyByRole(role Role) []NodeDescriptor {
	var out []NodeDescriptor
	for _, n := range v.Nodes {
		if n.Role == role && n.Health == HealthHealthy {
			out = append(out, n)
		}
	}
	return out
}

func sortNodes(nodes []NodeDescriptor) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
