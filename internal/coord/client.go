package coord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chunkgrid/chunkgrid/internal/cluster"
	"github.com/chunkgrid/chunkgrid/internal/transport"
)

// ErrReregister is returned when the coordinator no longer recognizes this
// node's heartbeats and a fresh registration is required.
var ErrReregister = errors.New("coordinator demands re-registration")

// Client talks to the coordinator's cluster API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a coordinator client. addr is host:port.
func NewClient(addr string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: "http://" + addr,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "coord-client").Logger(),
	}
}

// Register announces this node and returns its confirmed ID plus the
// membership view that includes it.
func (c *Client) Register(ctx context.Context, id string, role cluster.Role, address string) (string, cluster.MembershipView, error) {
	req := transport.RegisterRequest{ID: id, Role: role, Address: address}
	var resp transport.RegisterResponse
	if err := c.post(ctx, "/v1/cluster/register", req, &resp); err != nil {
		return "", cluster.MembershipView{}, err
	}
	return resp.ID, resp.View, nil
}

// RetryConfig configures registration retry behavior.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the default registration retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     10,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// RegisterWithRetry registers with exponential backoff, for nodes that boot
// before the coordinator is reachable.
func (c *Client) RegisterWithRetry(ctx context.Context, id string, role cluster.Role, address string, cfg RetryConfig) (string, cluster.MembershipView, error) {
	if cfg.MaxRetries == 0 {
		cfg = DefaultRetryConfig()
	}

	backoff := cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		gotID, view, err := c.Register(ctx, id, role, address)
		if err == nil {
			return gotID, view, nil
		}
		lastErr = err
		if attempt == cfg.MaxRetries {
			break
		}

		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("registration failed, retrying")
		select {
		case <-ctx.Done():
			return "", cluster.MembershipView{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return "", cluster.MembershipView{}, fmt.Errorf("register after %d attempts: %w", cfg.MaxRetries, lastErr)
}

// Heartbeat reports liveness and capacity and returns the current view.
// Returns ErrReregister when the coordinator has declared this node dead.
func (c *Client) Heartbeat(ctx context.Context, id string, used, total uint64) (cluster.MembershipView, error) {
	req := transport.HeartbeatRequest{ID: id, UsedCapacity: used, TotalCapacity: total}
	var resp transport.HeartbeatResponse
	if err := c.post(ctx, "/v1/cluster/heartbeat", req, &resp); err != nil {
		return cluster.MembershipView{}, err
	}
	return resp.View, nil
}

// Deregister removes this node from membership on graceful shutdown.
func (c *Client) Deregister(ctx context.Context, id string) error {
	return c.post(ctx, "/v1/cluster/deregister", transport.DeregisterRequest{ID: id}, nil)
}

// View fetches the current membership view.
func (c *Client) View(ctx context.Context) (cluster.MembershipView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/cluster/view", nil)
	if err != nil {
		return cluster.MembershipView{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cluster.MembershipView{}, fmt.Errorf("fetch view: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return cluster.MembershipView{}, fmt.Errorf("fetch view: status %d", resp.StatusCode)
	}
	var view cluster.MembershipView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return cluster.MembershipView{}, fmt.Errorf("decode view: %w", err)
	}
	return view, nil
}

// WatchViews opens the websocket view stream. The returned channel carries
// every view the coordinator publishes, starting with the current one, and
// closes when the stream ends or ctx is cancelled.
func (c *Client) WatchViews(ctx context.Context) (<-chan cluster.MembershipView, error) {
	wsURL := "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/v1/cluster/watch"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial view stream: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	views := make(chan cluster.MembershipView, 8)
	go func() {
		defer close(views)
		defer func() { _ = conn.Close() }()

		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()

		for {
			var view cluster.MembershipView
			if err := conn.ReadJSON(&view); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug().Err(err).Msg("view stream ended")
				}
				return
			}
			select {
			case views <- view:
			case <-ctx.Done():
				return
			}
		}
	}()
	return views, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(transport.ProtocolHeader, transport.ProtocolVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusGone {
		return ErrReregister
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var errBody transport.ErrorBody
		if err := json.Unmarshal(body, &errBody); err == nil && errBody.Code != "" {
			return transport.ErrorFromCode(errBody.Code, errBody.Message)
		}
		return fmt.Errorf("coordinator: status %d: %s", resp.StatusCode, string(body))
	}

	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
