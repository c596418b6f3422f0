package servicenode

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkgrid/chunkgrid/internal/chunkstore"
	"github.com/chunkgrid/chunkgrid/internal/cluster"
	"github.com/chunkgrid/chunkgrid/internal/datanode"
	"github.com/chunkgrid/chunkgrid/internal/grid"
	"github.com/chunkgrid/chunkgrid/internal/objstore"
	"github.com/chunkgrid/chunkgrid/internal/transport"
)

const testPrefix = "bucket-a"

type testGrid struct {
	views   *StaticViews
	node    *Node
	servers map[string]*httptest.Server
}

// newTestGrid stands up count data nodes over in-memory stores and a
// service node routing to them through a static membership view.
func newTestGrid(t *testing.T, count int) *testGrid {
	t.Helper()

	nodes := make([]cluster.NodeDescriptor, 0, count)
	servers := make(map[string]*httptest.Server, count)
	for i := 0; i < count; i++ {
		store := chunkstore.New(chunkstore.Config{
			Objects: objstore.NewMemStore(),
			Prefix:  testPrefix,
			Logger:  zerolog.Nop(),
		})
		dn := datanode.New(datanode.Config{
			ListenAddr: "127.0.0.1:0",
			DataDir:    t.TempDir(),
			Logger:     zerolog.Nop(),
		}, store)

		srv := httptest.NewServer(dn.Handler())
		t.Cleanup(srv.Close)

		id := string(rune('a' + i))
		id = "dn-" + id
		servers[id] = srv
		nodes = append(nodes, cluster.NodeDescriptor{
			ID:      id,
			Role:    cluster.RoleData,
			Address: strings.TrimPrefix(srv.URL, "http://"),
			Health:  cluster.HealthHealthy,
		})
	}

	views := NewStaticViews(cluster.MembershipView{Version: 1, Nodes: nodes})
	node := New(Config{
		Workers: 4,
		Prefix:  testPrefix,
		Retry: RetryPolicy{
			MaxRetries:    3,
			DegradedExtra: 2,
			Base:          time.Millisecond,
			MaxBackoff:    5 * time.Millisecond,
			Jitter:        time.Millisecond,
		},
		Logger: zerolog.Nop(),
	}, views, transport.NewDataNodeClient(zerolog.Nop()))

	return &testGrid{views: views, node: node, servers: servers}
}

func gridDataset() chunkstore.DatasetInfo {
	return chunkstore.DatasetInfo{
		ID:         "d-1",
		Shape:      grid.Shape{20, 20},
		ChunkShape: grid.Shape{10, 10},
		ElemSize:   1,
		Fill:       []byte{0xEE},
	}
}

// Writing a region spanning several chunks and reading it back must
// reproduce the written bytes, with fill everywhere else.
func TestNode_WriteThenReadAcrossChunks(t *testing.T) {
	g := newTestGrid(t, 3)
	ds := gridDataset()
	ctx := context.Background()

	// A 10x10 region centered on the 2x2 chunk grid touches all 4 chunks.
	sel := grid.Selection{Start: []int64{5, 5}, Stop: []int64{15, 15}}
	payload := bytes.Repeat([]byte{0x42}, 100)

	wres, err := g.node.WriteRegion(ctx, ds, sel, payload)
	require.NoError(t, err)
	require.Empty(t, wres.Failures)

	rres, err := g.node.ReadRegion(ctx, ds, sel)
	require.NoError(t, err)
	require.Empty(t, rres.Failures)
	assert.Equal(t, payload, rres.Data)

	// Outside the written region the dataset still reads as fill.
	full, err := g.node.ReadRegion(ctx, ds, grid.Selection{})
	require.NoError(t, err)
	require.Empty(t, full.Failures)
	assert.Equal(t, byte(0xEE), full.Data[0])
	assert.Equal(t, byte(0x42), full.Data[5*20+5])
	assert.Equal(t, byte(0xEE), full.Data[len(full.Data)-1])
}

// A column band leaves every row of the chunk partially covered; those
// spans must go through the strided path, not be packed into one run at the
// wrong offsets. Every written byte has to come back in place.
func TestNode_ColumnBandWriteRoundTrip(t *testing.T) {
	g := newTestGrid(t, 2)
	ds := chunkstore.DatasetInfo{
		ID:         "d-band",
		Shape:      grid.Shape{10, 20},
		ChunkShape: grid.Shape{10, 10},
		ElemSize:   1,
	}
	ctx := context.Background()

	// Full height, columns 5..15: the right half of chunk (0,0) and the
	// left half of chunk (0,1).
	sel := grid.Selection{Start: []int64{0, 5}, Stop: []int64{10, 15}}
	payload := bytes.Repeat([]byte{0x7F}, 100)

	wres, err := g.node.WriteRegion(ctx, ds, sel, payload)
	require.NoError(t, err)
	require.Empty(t, wres.Failures)

	rres, err := g.node.ReadRegion(ctx, ds, sel)
	require.NoError(t, err)
	require.Empty(t, rres.Failures)
	assert.Equal(t, payload, rres.Data)

	// Row by row over the full dataset: written columns carry the payload,
	// the rest is untouched.
	full, err := g.node.ReadRegion(ctx, ds, grid.Selection{})
	require.NoError(t, err)
	require.Empty(t, full.Failures)
	for row := int64(0); row < 10; row++ {
		for col := int64(0); col < 20; col++ {
			want := byte(0)
			if col >= 5 && col < 15 {
				want = 0x7F
			}
			require.Equal(t, want, full.Data[row*20+col], "row %d col %d", row, col)
		}
	}
}

// A read of a dataset nobody ever wrote is all fill values, served without
// any chunk objects existing anywhere.
func TestNode_ReadUnwrittenDatasetIsFill(t *testing.T) {
	g := newTestGrid(t, 2)
	ds := gridDataset()

	res, err := g.node.ReadRegion(context.Background(), ds, grid.Selection{})
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	assert.Equal(t, bytes.Repeat([]byte{0xEE}, 400), res.Data)
}

// An unreachable data node must cost only its own chunks: the rest of the
// region is returned, and the failures name the affected coordinates.
func TestNode_PartialFailureIsScopedToChunks(t *testing.T) {
	g := newTestGrid(t, 2)
	ds := gridDataset()
	ctx := context.Background()

	sel := grid.Selection{} // whole dataset, all 4 chunks
	payload := bytes.Repeat([]byte{0x01}, 400)
	wres, err := g.node.WriteRegion(ctx, ds, sel, payload)
	require.NoError(t, err)
	require.Empty(t, wres.Failures)

	// Figure out which chunks the first data node owns, then kill it.
	view := g.views.View()
	victim := view.Nodes[0].ID
	var lost, kept []grid.Coord
	for _, coord := range grid.ChunksInSelection(wholeSelection(ds.Shape), ds.ChunkShape) {
		owner, err := cluster.Owner(chunkstore.ChunkKey(testPrefix, ds.ID, coord), view)
		require.NoError(t, err)
		if owner.ID == victim {
			lost = append(lost, coord)
		} else {
			kept = append(kept, coord)
		}
	}
	if len(lost) == 0 || len(kept) == 0 {
		t.Skip("placement put every chunk on one node for this key set")
	}
	g.servers[victim].Close()

	res, err := g.node.ReadRegion(ctx, ds, sel)
	require.NoError(t, err, "partial failure must not surface as an operation error")
	require.Len(t, res.Failures, len(lost))

	failed := map[string]error{}
	for _, f := range res.Failures {
		failed[f.Coord.String()] = f.Err
	}
	for _, coord := range lost {
		err, ok := failed[coord.String()]
		require.True(t, ok, "chunk %s should have failed", coord)
		assert.ErrorIs(t, err, transport.ErrNodeUnavailable)
	}

	// Chunks on the surviving node still carry their data.
	for _, coord := range kept {
		dataSel := grid.DataSelection(wholeSelection(ds.Shape), coord, ds.ChunkShape)
		off := dataSel.Start[0]*ds.Shape[1] + dataSel.Start[1]
		assert.Equal(t, byte(0x01), res.Data[off], "chunk %s data lost", coord)
	}
}

// Concurrent partial writes to the same chunk must both land: the
// read-modify-write cycle retries on version conflicts instead of silently
// dropping one writer.
func TestNode_ConcurrentPartialWritesSameChunk(t *testing.T) {
	g := newTestGrid(t, 2)
	ds := chunkstore.DatasetInfo{
		ID:         "d-2",
		Shape:      grid.Shape{10, 10},
		ChunkShape: grid.Shape{10, 10}, // one chunk
		ElemSize:   1,
	}
	ctx := context.Background()

	top := grid.Selection{Start: []int64{0, 0}, Stop: []int64{5, 10}}
	bottom := grid.Selection{Start: []int64{5, 0}, Stop: []int64{10, 10}}

	var wg sync.WaitGroup
	results := make([]*RegionResult, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = g.node.WriteRegion(ctx, ds, top, bytes.Repeat([]byte{0xAA}, 50))
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = g.node.WriteRegion(ctx, ds, bottom, bytes.Repeat([]byte{0xBB}, 50))
	}()
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		require.Empty(t, results[i].Failures)
	}

	res, err := g.node.ReadRegion(ctx, ds, grid.Selection{})
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 50), res.Data[:50])
	assert.Equal(t, bytes.Repeat([]byte{0xBB}, 50), res.Data[50:])
}

// switchViews serves one view until the first refresh, then a second. It
// simulates membership moving while an operation is in flight.
type switchViews struct {
	mu      sync.Mutex
	current cluster.MembershipView
	next    *cluster.MembershipView
}

func (s *switchViews) View() cluster.MembershipView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *switchViews) Refresh(ctx context.Context) (cluster.MembershipView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next != nil {
		s.current = *s.next
		s.next = nil
	}
	return s.current, nil
}

// A retry after a connectivity failure re-resolves placement, so a view
// change that moves the chunks to a live node rescues the operation.
func TestNode_RetryFollowsViewChange(t *testing.T) {
	g := newTestGrid(t, 2)
	ds := gridDataset()
	ctx := context.Background()

	// Kill one node and stage a successor view without it. The first
	// attempt routes some chunks to the dead node; the refresh-and-retry
	// path must converge on the survivor.
	view := g.views.View()
	victim := view.Nodes[0]
	g.servers[victim.ID].Close()

	survivors := make([]cluster.NodeDescriptor, 0, len(view.Nodes)-1)
	for _, n := range view.Nodes {
		if n.ID != victim.ID {
			survivors = append(survivors, n)
		}
	}
	next := cluster.MembershipView{Version: view.Version + 1, Nodes: survivors}
	views := &switchViews{current: view, next: &next}

	node := New(Config{
		Workers: 4,
		Prefix:  testPrefix,
		Retry:   RetryPolicy{MaxRetries: 3, Base: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		Logger:  zerolog.Nop(),
	}, views, transport.NewDataNodeClient(zerolog.Nop()))

	res, err := node.WriteRegion(ctx, ds, grid.Selection{}, bytes.Repeat([]byte{9}, 400))
	require.NoError(t, err)
	assert.Empty(t, res.Failures, "all chunks must land on the surviving node")
	assert.Equal(t, next.Version, res.ViewVersion)
}

// An expired deadline reports the unattempted chunks instead of hanging or
// dropping them.
func TestNode_DeadlineScopedFailures(t *testing.T) {
	g := newTestGrid(t, 2)
	ds := gridDataset()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already expired

	res, err := g.node.ReadRegion(ctx, ds, grid.Selection{})
	require.NoError(t, err)
	assert.Len(t, res.Failures, 4, "every chunk is reported, none silently dropped")
	for _, f := range res.Failures {
		assert.ErrorIs(t, f.Err, context.Canceled)
	}
}

func TestNode_RejectsWrongBufferSize(t *testing.T) {
	g := newTestGrid(t, 1)
	ds := gridDataset()

	_, err := g.node.WriteRegion(context.Background(), ds, grid.Selection{}, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestRetryPolicy_DegradedWidensBudget(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Greater(t, p.Budget(true), p.Budget(false))
}

func TestRetryPolicy_BackoffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, Base: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond}

	assert.GreaterOrEqual(t, p.Backoff(1), p.Backoff(0))
	assert.LessOrEqual(t, p.Backoff(10), 40*time.Millisecond)
}
