package cluster

import "hash/fnv"

// Owner maps a chunk key onto its data node: a stable hash of the key modulo
// the healthy data nodes of the view, in ID order. The result is a pure
// function of (key, view), so any two holders of the same view agree on the
// owner without talking to each other.
func Owner(key string, view MembershipView) (NodeDescriptor, error) {
	healthy := view.HealthyByRole(RoleData)
	if len(healthy) == 0 {
		return NodeDescriptor{}, ErrNoDataNodes
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return healthy[h.Sum64()%uint64(len(healthy))], nil
}
