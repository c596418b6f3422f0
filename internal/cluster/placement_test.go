package cluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func viewWithDataNodes(version uint64, ids ...string) MembershipView {
	nodes := make([]NodeDescriptor, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, NodeDescriptor{
			ID:      id,
			Role:    RoleData,
			Address: id + ":9101",
			Health:  HealthHealthy,
		})
	}
	sortNodes(nodes)
	return MembershipView{Version: version, Nodes: nodes, CreatedAt: time.Now()}
}

func TestOwner_Deterministic(t *testing.T) {
	view := viewWithDataNodes(7, "dn-b", "dn-a", "dn-c")

	first, err := Owner("bucket/db/d-1/c_0_0", view)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := Owner("bucket/db/d-1/c_0_0", view)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}

	// Node order in the input must not matter: placement follows ID order.
	reordered := viewWithDataNodes(7, "dn-c", "dn-b", "dn-a")
	again, err := Owner("bucket/db/d-1/c_0_0", reordered)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestOwner_SpreadsAcrossNodes(t *testing.T) {
	view := viewWithDataNodes(1, "dn-a", "dn-b", "dn-c", "dn-d")

	hits := map[string]int{}
	for i := 0; i < 400; i++ {
		owner, err := Owner(fmt.Sprintf("bucket/db/d-1/c_%d_0", i), view)
		require.NoError(t, err)
		hits[owner.ID]++
	}
	for _, n := range view.Nodes {
		assert.Greater(t, hits[n.ID], 0, "node %s received no chunks", n.ID)
	}
}

func TestOwner_SkipsUnhealthyNodes(t *testing.T) {
	view := viewWithDataNodes(3, "dn-a", "dn-b")
	view.Nodes = append(view.Nodes, NodeDescriptor{ID: "dn-x", Role: RoleData, Health: HealthSuspect})
	view.Nodes = append(view.Nodes, NodeDescriptor{ID: "dn-y", Role: RoleService, Health: HealthHealthy})
	sortNodes(view.Nodes)

	for i := 0; i < 50; i++ {
		owner, err := Owner(fmt.Sprintf("k%d", i), view)
		require.NoError(t, err)
		assert.NotEqual(t, "dn-x", owner.ID, "suspect nodes take no new placements")
		assert.NotEqual(t, "dn-y", owner.ID, "service nodes take no placements")
	}
}

func TestOwner_NoDataNodes(t *testing.T) {
	_, err := Owner("k", MembershipView{Version: 1})
	assert.ErrorIs(t, err, ErrNoDataNodes)
}
