// Package servicenode implements the service node: it decomposes logical
// array operations into per-chunk operations, fans them out to the owning
// data nodes, and aggregates results and partial failures.
package servicenode

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chunkgrid/chunkgrid/internal/chunkstore"
	"github.com/chunkgrid/chunkgrid/internal/cluster"
	"github.com/chunkgrid/chunkgrid/internal/grid"
	"github.com/chunkgrid/chunkgrid/internal/objstore"
	"github.com/chunkgrid/chunkgrid/internal/transport"
)

// Config configures a service node.
type Config struct {
	Workers int    // fanout worker pool size
	Prefix  string // bucket-scoped key prefix, must match the data nodes
	Retry   RetryPolicy
	Logger  zerolog.Logger
}

// Node routes region operations to data nodes. It holds no chunk state of
// its own; correctness rests on deterministic placement over the shared
// membership view.
type Node struct {
	cfg     Config
	views   ViewSource
	client  *transport.DataNodeClient
	metrics *ServiceMetrics
	logger  zerolog.Logger
}

// New creates a service node.
func New(cfg Config, views ViewSource, client *transport.DataNodeClient) *Node {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Retry.Base == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Node{
		cfg:     cfg,
		views:   views,
		client:  client,
		metrics: InitServiceMetrics(nil),
		logger:  cfg.Logger.With().Str("component", "servicenode").Logger(),
	}
}

// RegionResult is the structured outcome of a region operation. Data holds
// the assembled region for reads. Failures names every chunk that could not
// be served after retries; chunks absent from Failures completed.
type RegionResult struct {
	Data        []byte
	ViewVersion uint64
	Failures    []ChunkFailure
}

// Complete reports whether every chunk of the operation succeeded.
func (r *RegionResult) Complete() bool {
	return len(r.Failures) == 0
}

// ReadRegion reads the selected hyperslab of the dataset and assembles it
// into one row-major buffer. Chunks that were never written read as fill
// values. Failed chunks are reported individually; the rest of the region
// is still returned.
func (n *Node) ReadRegion(ctx context.Context, ds chunkstore.DatasetInfo, sel grid.Selection) (*RegionResult, error) {
	start := time.Now()
	defer func() { n.metrics.FanoutDuration.WithLabelValues("read").Observe(time.Since(start).Seconds()) }()

	norm, err := n.prepare(ds, sel)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, norm.Shape().NumElements()*int64(ds.ElemSize))
	coords := grid.ChunksInSelection(norm, ds.ChunkShape)

	// Disjoint chunks patch disjoint regions of buf, so workers need no
	// shared lock on the buffer.
	failures := n.crawl(ctx, "read", coords, func(ctx context.Context, coord grid.Coord) error {
		view, owner, err := n.resolve(ds.ID, coord)
		if err != nil {
			return err
		}

		resp, err := n.client.ReadChunk(ctx, owner.Address, transport.ChunkReadRequest{
			ViewVersion: view.Version,
			Dataset:     ds,
			Coord:       coord,
		})
		if err != nil {
			return err
		}

		chunkSel := grid.ChunkSelection(norm, coord, ds.ChunkShape)
		dataSel := grid.DataSelection(norm, coord, ds.ChunkShape)
		return grid.CopyRegion(buf, norm.Shape(), dataSel, resp.Data, ds.ChunkShape, chunkSel, ds.ElemSize)
	})

	return &RegionResult{Data: buf, ViewVersion: n.views.View().Version, Failures: failures}, nil
}

// WriteRegion writes the row-major data buffer into the selected hyperslab.
// Whole-chunk spans are replaced outright; partial spans go through
// read-modify-write under conditional writes, so concurrent writers to the
// same chunk never lose each other's bytes.
func (n *Node) WriteRegion(ctx context.Context, ds chunkstore.DatasetInfo, sel grid.Selection, data []byte) (*RegionResult, error) {
	start := time.Now()
	defer func() { n.metrics.FanoutDuration.WithLabelValues("write").Observe(time.Since(start).Seconds()) }()

	norm, err := n.prepare(ds, sel)
	if err != nil {
		return nil, err
	}
	if want := norm.Shape().NumElements() * int64(ds.ElemSize); int64(len(data)) != want {
		return nil, fmt.Errorf("data is %d bytes, selection needs %d", len(data), want)
	}

	coords := grid.ChunksInSelection(norm, ds.ChunkShape)
	failures := n.crawl(ctx, "write", coords, func(ctx context.Context, coord grid.Coord) error {
		return n.writeChunk(ctx, ds, norm, coord, data)
	})

	return &RegionResult{ViewVersion: n.views.View().Version, Failures: failures}, nil
}

// DeleteRegion deletes every chunk intersecting the selection, returning
// the affected chunks to fill value.
func (n *Node) DeleteRegion(ctx context.Context, ds chunkstore.DatasetInfo, sel grid.Selection) (*RegionResult, error) {
	norm, err := n.prepare(ds, sel)
	if err != nil {
		return nil, err
	}

	coords := grid.ChunksInSelection(norm, ds.ChunkShape)
	failures := n.crawl(ctx, "delete", coords, func(ctx context.Context, coord grid.Coord) error {
		view, owner, err := n.resolve(ds.ID, coord)
		if err != nil {
			return err
		}
		return n.client.DeleteChunk(ctx, owner.Address, transport.ChunkDeleteRequest{
			ViewVersion: view.Version,
			DatasetID:   ds.ID,
			Coord:       coord,
		})
	})

	return &RegionResult{ViewVersion: n.views.View().Version, Failures: failures}, nil
}

// writeChunk writes one chunk's share of a region write, choosing the
// cheapest safe path for its span.
func (n *Node) writeChunk(ctx context.Context, ds chunkstore.DatasetInfo, sel grid.Selection, coord grid.Coord, data []byte) error {
	view, owner, err := n.resolve(ds.ID, coord)
	if err != nil {
		return err
	}

	chunkSel := grid.ChunkSelection(sel, coord, ds.ChunkShape)
	dataSel := grid.DataSelection(sel, coord, ds.ChunkShape)

	if chunkSel.Shape().Equal(ds.ChunkShape) {
		// Whole chunk: build the image and replace it.
		image := make([]byte, ds.ChunkByteSize())
		if err := grid.CopyRegion(image, ds.ChunkShape, chunkSel, data, sel.Shape(), dataSel, ds.ElemSize); err != nil {
			return err
		}
		_, err := n.client.WriteChunk(ctx, owner.Address, transport.ChunkWriteRequest{
			ViewVersion: view.Version,
			Dataset:     ds,
			Coord:       coord,
			Data:        image,
		})
		return err
	}

	if offElems, numElems, ok := grid.ContiguousRange(chunkSel, ds.ChunkShape); ok {
		// One contiguous byte run: ship just the span and let the data
		// node do the guarded read-modify-write.
		payload := make([]byte, numElems*int64(ds.ElemSize))
		if err := grid.CopyRegion(payload, chunkSel.Shape(), wholeSelection(chunkSel.Shape()), data, sel.Shape(), dataSel, ds.ElemSize); err != nil {
			return err
		}
		_, err := n.client.WriteChunk(ctx, owner.Address, transport.ChunkWriteRequest{
			ViewVersion: view.Version,
			Dataset:     ds,
			Coord:       coord,
			Offset:      offElems * int64(ds.ElemSize),
			Data:        payload,
		})
		return err
	}

	// Strided span: read the image, patch it, and write back guarded by the
	// version we read. A collision surfaces as VersionConflict and the
	// crawler retries the whole cycle.
	resp, err := n.client.ReadChunk(ctx, owner.Address, transport.ChunkReadRequest{
		ViewVersion: view.Version,
		Dataset:     ds,
		Coord:       coord,
	})
	if err != nil {
		return err
	}

	image := resp.Data
	if err := grid.CopyRegion(image, ds.ChunkShape, chunkSel, data, sel.Shape(), dataSel, ds.ElemSize); err != nil {
		return err
	}
	expected := resp.Version
	if !resp.Exists {
		expected = objstore.VersionAbsent
	}
	_, err = n.client.WriteChunk(ctx, owner.Address, transport.ChunkWriteRequest{
		ViewVersion: view.Version,
		Dataset:     ds,
		Coord:       coord,
		Data:        image,
		Expected:    expected,
	})
	return err
}

// resolve computes the owning data node for a chunk against the current
// view. Called once per attempt so retries see membership changes.
func (n *Node) resolve(datasetID string, coord grid.Coord) (cluster.MembershipView, cluster.NodeDescriptor, error) {
	view := n.views.View()
	key := chunkstore.ChunkKey(n.cfg.Prefix, datasetID, coord)
	owner, err := cluster.Owner(key, view)
	if err != nil {
		return view, cluster.NodeDescriptor{}, err
	}
	return view, owner, nil
}

func (n *Node) prepare(ds chunkstore.DatasetInfo, sel grid.Selection) (grid.Selection, error) {
	if err := ds.Validate(); err != nil {
		return grid.Selection{}, err
	}
	return grid.NormalizeSelection(sel, ds.Shape)
}

func wholeSelection(shape grid.Shape) grid.Selection {
	out := grid.Selection{
		Start: make([]int64, len(shape)),
		Stop:  make([]int64, len(shape)),
	}
	copy(out.Stop, shape)
	return out
}
