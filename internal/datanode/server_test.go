package datanode

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkgrid/chunkgrid/internal/chunkstore"
	"github.com/chunkgrid/chunkgrid/internal/cluster"
	"github.com/chunkgrid/chunkgrid/internal/grid"
	"github.com/chunkgrid/chunkgrid/internal/objstore"
	"github.com/chunkgrid/chunkgrid/internal/transport"
)

func testDataset() chunkstore.DatasetInfo {
	return chunkstore.DatasetInfo{
		ID:         "d-1",
		Shape:      grid.Shape{20, 20},
		ChunkShape: grid.Shape{10, 10},
		ElemSize:   2,
		Fill:       []byte{0x00, 0x7F},
	}
}

func newTestNode(t *testing.T) (*Server, string) {
	t.Helper()
	store := chunkstore.New(chunkstore.Config{
		Objects: objstore.NewMemStore(),
		Prefix:  "bucket-a",
		Logger:  zerolog.Nop(),
	})
	node := New(Config{
		ListenAddr: "127.0.0.1:0",
		DataDir:    t.TempDir(),
		Logger:     zerolog.Nop(),
	}, store)

	srv := httptest.NewServer(node.Handler())
	t.Cleanup(srv.Close)
	return node, strings.TrimPrefix(srv.URL, "http://")
}

func TestServer_ReadAbsentChunkIsFill(t *testing.T) {
	_, addr := newTestNode(t)
	client := transport.NewDataNodeClient(zerolog.Nop())
	ds := testDataset()

	resp, err := client.ReadChunk(context.Background(), addr, transport.ChunkReadRequest{
		Dataset: ds,
		Coord:   grid.Coord{0, 0},
	})
	require.NoError(t, err)
	assert.False(t, resp.Exists)
	assert.Empty(t, resp.Version)
	assert.Equal(t, bytes.Repeat(ds.Fill, 100), resp.Data)
}

func TestServer_WriteThenRead(t *testing.T) {
	_, addr := newTestNode(t)
	client := transport.NewDataNodeClient(zerolog.Nop())
	ds := testDataset()
	ctx := context.Background()

	image := bytes.Repeat([]byte{0x01, 0x02}, 100)
	wresp, err := client.WriteChunk(ctx, addr, transport.ChunkWriteRequest{
		Dataset:  ds,
		Coord:    grid.Coord{1, 1},
		Data:     image,
		Expected: objstore.VersionAbsent,
	})
	require.NoError(t, err)
	require.NotEmpty(t, wresp.Version)

	rresp, err := client.ReadChunk(ctx, addr, transport.ChunkReadRequest{Dataset: ds, Coord: grid.Coord{1, 1}})
	require.NoError(t, err)
	assert.True(t, rresp.Exists)
	assert.Equal(t, image, rresp.Data)
	assert.Equal(t, wresp.Version, rresp.Version)

	// Byte range read of the stored image.
	rresp, err = client.ReadChunk(ctx, addr, transport.ChunkReadRequest{
		Dataset: ds,
		Coord:   grid.Coord{1, 1},
		Range:   &chunkstore.ByteRange{Offset: 10, Length: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, image[10:14], rresp.Data)
}

func TestServer_RangeWriteIsReadModifyWrite(t *testing.T) {
	_, addr := newTestNode(t)
	client := transport.NewDataNodeClient(zerolog.Nop())
	ds := testDataset()
	ctx := context.Background()

	// A short write patches fill-value data.
	_, err := client.WriteChunk(ctx, addr, transport.ChunkWriteRequest{
		Dataset: ds,
		Coord:   grid.Coord{0, 1},
		Offset:  4,
		Data:    []byte{0xAA, 0xBB},
	})
	require.NoError(t, err)

	resp, err := client.ReadChunk(ctx, addr, transport.ChunkReadRequest{Dataset: ds, Coord: grid.Coord{0, 1}})
	require.NoError(t, err)
	assert.Equal(t, ds.Fill, resp.Data[:2])
	assert.Equal(t, []byte{0xAA, 0xBB}, resp.Data[4:6])
	assert.Equal(t, ds.Fill, resp.Data[6:8])
}

func TestServer_VersionConflictCrossesTheWire(t *testing.T) {
	_, addr := newTestNode(t)
	client := transport.NewDataNodeClient(zerolog.Nop())
	ds := testDataset()
	ctx := context.Background()

	image := make([]byte, ds.ChunkByteSize())
	first, err := client.WriteChunk(ctx, addr, transport.ChunkWriteRequest{Dataset: ds, Coord: grid.Coord{0, 0}, Data: image})
	require.NoError(t, err)

	_, err = client.WriteChunk(ctx, addr, transport.ChunkWriteRequest{Dataset: ds, Coord: grid.Coord{0, 0}, Data: image, Expected: objstore.VersionAbsent})
	assert.ErrorIs(t, err, objstore.ErrVersionConflict)

	_, err = client.WriteChunk(ctx, addr, transport.ChunkWriteRequest{Dataset: ds, Coord: grid.Coord{0, 0}, Data: image, Expected: first.Version})
	assert.NoError(t, err)
}

func TestServer_StaleViewRejected(t *testing.T) {
	node, addr := newTestNode(t)
	client := transport.NewDataNodeClient(zerolog.Nop())
	ds := testDataset()
	ctx := context.Background()

	// The node learns of view 5 from a request.
	_, err := client.ReadChunk(ctx, addr, transport.ChunkReadRequest{ViewVersion: 5, Dataset: ds, Coord: grid.Coord{0, 0}})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), node.ViewVersion())

	// A request routed on view 3 is now stale.
	_, err = client.ReadChunk(ctx, addr, transport.ChunkReadRequest{ViewVersion: 3, Dataset: ds, Coord: grid.Coord{0, 0}})
	assert.ErrorIs(t, err, cluster.ErrStaleView)

	// Unversioned requests are always accepted.
	_, err = client.ReadChunk(ctx, addr, transport.ChunkReadRequest{Dataset: ds, Coord: grid.Coord{0, 0}})
	assert.NoError(t, err)
}

func TestServer_ProbeDistinguishesFillFromStored(t *testing.T) {
	_, addr := newTestNode(t)
	client := transport.NewDataNodeClient(zerolog.Nop())
	ds := testDataset()
	ctx := context.Background()

	resp, err := client.ReadChunk(ctx, addr, transport.ChunkReadRequest{Dataset: ds, Coord: grid.Coord{0, 0}, Probe: true})
	require.NoError(t, err)
	assert.False(t, resp.Exists)
	assert.Nil(t, resp.Data, "probe returns no payload")

	_, err = client.WriteChunk(ctx, addr, transport.ChunkWriteRequest{Dataset: ds, Coord: grid.Coord{0, 0}, Data: make([]byte, ds.ChunkByteSize())})
	require.NoError(t, err)

	resp, err = client.ReadChunk(ctx, addr, transport.ChunkReadRequest{Dataset: ds, Coord: grid.Coord{0, 0}, Probe: true})
	require.NoError(t, err)
	assert.True(t, resp.Exists)
}

func TestServer_DeleteChunk(t *testing.T) {
	_, addr := newTestNode(t)
	client := transport.NewDataNodeClient(zerolog.Nop())
	ds := testDataset()
	ctx := context.Background()

	_, err := client.WriteChunk(ctx, addr, transport.ChunkWriteRequest{Dataset: ds, Coord: grid.Coord{1, 0}, Data: make([]byte, ds.ChunkByteSize())})
	require.NoError(t, err)

	require.NoError(t, client.DeleteChunk(ctx, addr, transport.ChunkDeleteRequest{DatasetID: ds.ID, Coord: grid.Coord{1, 0}}))
	// Idempotent.
	require.NoError(t, client.DeleteChunk(ctx, addr, transport.ChunkDeleteRequest{DatasetID: ds.ID, Coord: grid.Coord{1, 0}}))

	resp, err := client.ReadChunk(ctx, addr, transport.ChunkReadRequest{Dataset: ds, Coord: grid.Coord{1, 0}})
	require.NoError(t, err)
	assert.False(t, resp.Exists)
}

func TestVolumeStats(t *testing.T) {
	total, used, err := volumeStats(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, total, uint64(0))
	assert.LessOrEqual(t, used, total)
}
