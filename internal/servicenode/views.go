package servicenode

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chunkgrid/chunkgrid/internal/cluster"
	"github.com/chunkgrid/chunkgrid/internal/coord"
)

// ViewSource supplies membership views to the fanout logic. View returns
// the locally cached view without blocking; Refresh fetches a fresh one
// after a routing failure.
type ViewSource interface {
	View() cluster.MembershipView
	Refresh(ctx context.Context) (cluster.MembershipView, error)
}

// CoordViews caches the coordinator's membership view and follows the
// websocket view stream so the cache stays current between refreshes.
type CoordViews struct {
	client *coord.Client
	logger zerolog.Logger

	mu   sync.RWMutex
	view cluster.MembershipView
}

// NewCoordViews creates a view source over a coordinator client, primed
// with the current view.
func NewCoordViews(ctx context.Context, client *coord.Client, logger zerolog.Logger) (*CoordViews, error) {
	view, err := client.View(ctx)
	if err != nil {
		return nil, err
	}
	return &CoordViews{
		client: client,
		logger: logger.With().Str("component", "view-cache").Logger(),
		view:   view,
	}, nil
}

// Follow consumes the coordinator's view stream until ctx is cancelled,
// keeping the cache hot. Stream failures degrade to refresh-on-demand.
func (c *CoordViews) Follow(ctx context.Context) {
	for ctx.Err() == nil {
		views, err := c.client.WatchViews(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("view stream unavailable")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for view := range views {
			c.update(view)
		}
	}
}

func (c *CoordViews) View() cluster.MembershipView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

func (c *CoordViews) Refresh(ctx context.Context) (cluster.MembershipView, error) {
	view, err := c.client.View(ctx)
	if err != nil {
		return c.View(), err
	}
	c.update(view)
	return c.View(), nil
}

// update applies a view only if it is newer than the cached one; views may
// arrive out of order when refreshes race the stream.
func (c *CoordViews) update(view cluster.MembershipView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if view.Version > c.view.Version {
		c.view = view
	}
}

// StaticViews is a fixed-view source for tests and single-process wiring.
type StaticViews struct {
	mu   sync.RWMutex
	view cluster.MembershipView
}

// NewStaticViews creates a static view source.
func NewStaticViews(view cluster.MembershipView) *StaticViews {
	return &StaticViews{view: view}
}

// Set replaces the view.
func (s *StaticViews) Set(view cluster.MembershipView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = view
}

func (s *StaticViews) View() cluster.MembershipView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

func (s *StaticViews) Refresh(ctx context.Context) (cluster.MembershipView, error) {
	return s.View(), nil
}
