package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// DataNodeClient speaks the chunk protocol to data nodes. One client is
// shared across all data nodes; connections are pooled per host.
type DataNodeClient struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewDataNodeClient creates a pooled protocol client.
func NewDataNodeClient(logger zerolog.Logger) *DataNodeClient {
	return &DataNodeClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With().Str("component", "datanode-client").Logger(),
	}
}

// ReadChunk fetches a chunk (or a range of one) from the data node at addr.
func (c *DataNodeClient) ReadChunk(ctx context.Context, addr string, req ChunkReadRequest) (*ChunkReadResponse, error) {
	var resp ChunkReadResponse
	if err := c.post(ctx, addr, "/v1/chunks/read", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WriteChunk writes a chunk image or range on the data node at addr.
func (c *DataNodeClient) WriteChunk(ctx context.Context, addr string, req ChunkWriteRequest) (*ChunkWriteResponse, error) {
	var resp ChunkWriteResponse
	if err := c.post(ctx, addr, "/v1/chunks/write", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteChunk removes a chunk on the data node at addr.
func (c *DataNodeClient) DeleteChunk(ctx context.Context, addr string, req ChunkDeleteRequest) error {
	return c.post(ctx, addr, "/v1/chunks/delete", req, nil)
}

// post sends one protocol request. Connectivity failures and non-protocol
// responses map to ErrNodeUnavailable; protocol error bodies map back to
// the sentinel taxonomy.
func (c *DataNodeClient) post(ctx context.Context, addr, path string, reqBody, respBody interface{}) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ProtocolHeader, ProtocolVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNodeUnavailable, addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if respBody == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("%w: %s: decode response: %v", ErrNodeUnavailable, addr, err)
		}
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var errBody ErrorBody
	if err := json.Unmarshal(body, &errBody); err != nil || errBody.Code == "" {
		// No protocol error envelope: treat as an unreachable node, e.g. a
		// proxy or half-started process answering on the port.
		return fmt.Errorf("%w: %s: status %d", ErrNodeUnavailable, addr, resp.StatusCode)
	}

	c.logger.Debug().
		Str("node", addr).
		Str("path", path).
		Str("code", string(errBody.Code)).
		Msg("protocol error from data node")
	return ErrorFromCode(errBody.Code, errBody.Message)
}
