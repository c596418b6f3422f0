package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RegistryConfig tunes the heartbeat state machine.
type RegistryConfig struct {
	Targets      Targets
	SuspectAfter time.Duration // healthy -> suspect once a heartbeat is this overdue
	DeadAfter    time.Duration // suspect -> dead once a heartbeat is this overdue
	Logger       zerolog.Logger
}

// Registry is the coordinator's authoritative membership table. All state
// transitions run under one lock and every change publishes a fresh
// MembershipView with a strictly higher version.
type Registry struct {
	mu      sync.Mutex
	nodes   map[string]*NodeDescriptor
	targets Targets
	version uint64
	view    MembershipView

	suspectAfter time.Duration
	deadAfter    time.Duration
	logger       zerolog.Logger

	subs   map[int]chan MembershipView
	nextID int
}

// NewRegistry creates an empty registry and publishes its initial view.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		nodes:        make(map[string]*NodeDescriptor),
		targets:      cfg.Targets,
		suspectAfter: cfg.SuspectAfter,
		deadAfter:    cfg.DeadAfter,
		logger:       cfg.Logger.With().Str("component", "registry").Logger(),
		subs:         make(map[int]chan MembershipView),
	}
	r.publishLocked()
	return r
}

// Register adds a node to the membership table in the starting state, or
// refreshes an existing entry when a node re-registers after a restart. An
// empty ID gets a generated one. Returns the node's ID and the view that
// includes it.
func (r *Registry) Register(id string, role Role, address string) (string, MembershipView, error) {
	if !role.Valid() {
		return "", MembershipView{}, fmt.Errorf("unknown role %q", role)
	}
	if address == "" {
		return "", MembershipView{}, fmt.Errorf("address is required")
	}
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[id]; ok && existing.Role != role {
		return "", MembershipView{}, fmt.Errorf("node %s already registered with role %s", id, existing.Role)
	}

	r.nodes[id] = &NodeDescriptor{
		ID:      id,
		Role:    role,
		Address: address,
		Health:  HealthStarting,
		// Registration starts the liveness clock, so a node that never
		// manages a first heartbeat still ages into suspect and dead.
		LastHeartbeat: time.Now(),
	}
	r.logger.Info().Str("node", id).Str("role", string(role)).Str("address", address).Msg("node registered")
	return id, r.publishLocked(), nil
}

// Heartbeat records a heartbeat from a node. A starting or suspect node
// becomes healthy; a dead or unknown node is told to re-register. Capacity
// figures ride along with every heartbeat.
func (r *Registry) Heartbeat(id string, used, total uint64, now time.Time) (MembershipView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return MembershipView{}, fmt.Errorf("unknown node %s: re-register", id)
	}
	if node.Health == HealthDead {
		return MembershipView{}, fmt.Errorf("node %s is dead: re-register", id)
	}

	prev := node.Health
	node.Health = HealthHealthy
	node.LastHeartbeat = now
	node.UsedCapacity = used
	node.TotalCapacity = total

	if prev != HealthHealthy {
		r.logger.Info().Str("node", id).Str("from", string(prev)).Msg("node healthy")
		return r.publishLocked(), nil
	}
	// Heartbeats that change no health state update the node in place
	// without a new view version; views version membership, not capacity.
	return r.view, nil
}

// Deregister removes a node outright. Used for graceful shutdown.
func (r *Registry) Deregister(id string) (MembershipView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; !ok {
		return MembershipView{}, fmt.Errorf("unknown node %s", id)
	}
	delete(r.nodes, id)
	r.logger.Info().Str("node", id).Msg("node deregistered")
	return r.publishLocked(), nil
}

// Sweep advances overdue nodes toward suspect and dead based on heartbeat
// age; starting nodes age on their registration time. Called periodically by
// the coordinator.
func (r *Registry) Sweep(now time.Time) MembershipView {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for _, node := range r.nodes {
		if node.Health == HealthDead {
			continue
		}
		age := now.Sub(node.LastHeartbeat)
		switch {
		case age >= r.deadAfter:
			r.logger.Warn().Str("node", node.ID).Dur("heartbeat_age", age).Msg("node dead")
			node.Health = HealthDead
			changed = true
		case age >= r.suspectAfter:
			if node.Health != HealthSuspect {
				r.logger.Warn().Str("node", node.ID).Dur("heartbeat_age", age).Msg("node suspect")
				node.Health = HealthSuspect
				changed = true
			}
		}
	}

	if changed {
		return r.publishLocked()
	}
	return r.view
}

// View returns the current membership view.
func (r *Registry) View() MembershipView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// Subscribe returns a channel that receives every published view, starting
// with the current one. The returned cancel function releases the
// subscription. Slow subscribers drop intermediate views rather than block
// the registry.
func (r *Registry) Subscribe() (<-chan MembershipView, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	ch := make(chan MembershipView, 8)
	ch <- r.view
	r.subs[id] = ch

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publishLocked builds a fresh immutable view under the registry lock and
// fans it out to subscribers. Caller must hold r.mu.
func (r *Registry) publishLocked() MembershipView {
	r.version++

	nodes := make([]NodeDescriptor, 0, len(r.nodes))
	healthy := make(map[Role]int)
	for _, node := range r.nodes {
		nodes = append(nodes, *node)
		if node.Health == HealthHealthy {
			healthy[node.Role]++
		}
	}
	sortNodes(nodes)

	// Degraded whenever any role runs below its target.
	degraded := healthy[RoleData] < r.targets.Data ||
		healthy[RoleService] < r.targets.Service

	r.view = MembershipView{
		Version:   r.version,
		Nodes:     nodes,
		Targets:   r.targets,
		Degraded:  degraded,
		CreatedAt: time.Now().UTC(),
	}

	for _, ch := range r.subs {
		select {
		case ch <- r.view:
		default:
		}
	}
	return r.view
}
