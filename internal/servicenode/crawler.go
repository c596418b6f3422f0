package servicenode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chunkgrid/chunkgrid/internal/cluster"
	"github.com/chunkgrid/chunkgrid/internal/grid"
	"github.com/chunkgrid/chunkgrid/internal/objstore"
	"github.com/chunkgrid/chunkgrid/internal/transport"
)

// ChunkFailure scopes a fanout failure to one chunk coordinate. Callers of
// a multi-chunk operation always learn exactly which chunks failed and why;
// failures are never collapsed into one opaque error.
type ChunkFailure struct {
	Coord grid.Coord
	Err   error
}

// chunkOp performs one chunk's work for a region operation. It is retried
// per the retry policy; each invocation must resolve placement afresh so a
// membership change between retries is picked up.
type chunkOp func(ctx context.Context, coord grid.Coord) error

// crawl fans fn out over coords with a bounded worker pool and collects
// per-chunk failures. It never fails fast: every chunk gets its attempts,
// and a cancelled context marks the remaining chunks rather than losing
// them.
func (n *Node) crawl(ctx context.Context, op string, coords []grid.Coord, fn chunkOp) []ChunkFailure {
	if len(coords) == 0 {
		return nil
	}

	workers := n.cfg.Workers
	if workers > len(coords) {
		workers = len(coords)
	}

	degraded := n.views.View().Degraded
	budget := n.cfg.Retry.Budget(degraded)

	var (
		mu       sync.Mutex
		failures []ChunkFailure
	)
	record := func(coord grid.Coord, err error) {
		mu.Lock()
		failures = append(failures, ChunkFailure{Coord: coord, Err: err})
		mu.Unlock()
	}

	jobs := make(chan grid.Coord)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for coord := range jobs {
				if err := n.attempt(ctx, op, coord, budget, fn); err != nil {
					n.metrics.FanoutChunks.WithLabelValues(op, "error").Inc()
					record(coord, err)
				} else {
					n.metrics.FanoutChunks.WithLabelValues(op, "ok").Inc()
				}
			}
		}()
	}

	remaining := coords
feed:
	for i, coord := range coords {
		select {
		case jobs <- coord:
			remaining = coords[i+1:]
		case <-ctx.Done():
			remaining = coords[i:]
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if ctx.Err() != nil {
		for _, coord := range remaining {
			record(coord, ctx.Err())
		}
	}
	return failures
}

// attempt runs one chunk operation with bounded retries. Recoverable
// failures (unreachable node, superseded view, write collision) refresh the
// membership view and go again; everything else surfaces immediately.
func (n *Node) attempt(ctx context.Context, op string, coord grid.Coord, budget int, fn chunkOp) error {
	var lastErr error
	for try := 0; try <= budget; try++ {
		if try > 0 {
			n.metrics.FanoutRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.cfg.Retry.Backoff(try - 1)):
			}
		}

		err := fn(ctx, coord)
		if err == nil {
			return nil
		}
		lastErr = err

		if !recoverable(err) {
			return err
		}
		if errors.Is(err, transport.ErrNodeUnavailable) || errors.Is(err, cluster.ErrStaleView) {
			// Membership may have moved under us: route the retry on a
			// fresh view.
			n.metrics.ViewRefreshes.Inc()
			if _, rerr := n.views.Refresh(ctx); rerr != nil {
				n.logger.Warn().Err(rerr).Str("op", op).Msg("view refresh failed")
			}
		}
	}
	return lastErr
}

// recoverable classifies the error taxonomy for retry purposes.
func recoverable(err error) bool {
	switch {
	case errors.Is(err, transport.ErrNodeUnavailable),
		errors.Is(err, cluster.ErrStaleView),
		errors.Is(err, objstore.ErrVersionConflict),
		errors.Is(err, cluster.ErrNoDataNodes):
		return true
	}
	return false
}
