// Package transport defines the HTTP/JSON wire protocol spoken between
// service nodes, data nodes and the coordinator, and the typed clients for
// it.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/chunkgrid/chunkgrid/internal/chunkstore"
	"github.com/chunkgrid/chunkgrid/internal/cluster"
	"github.com/chunkgrid/chunkgrid/internal/grid"
	"github.com/chunkgrid/chunkgrid/internal/objstore"
)

// ProtocolVersion is carried in the X-ChunkGrid-Protocol header.
// Version history:
//   - v1: initial chunk read/write/delete and cluster membership protocol
const ProtocolVersion = "1"

// ProtocolHeader names the protocol version header.
const ProtocolHeader = "X-ChunkGrid-Protocol"

// ErrNodeUnavailable classifies transport-level failures: the peer could
// not be reached or returned no usable protocol response. Callers retry
// against a re-resolved placement.
var ErrNodeUnavailable = errors.New("node unavailable")

// ErrorCode is the wire form of the error taxonomy.
type ErrorCode string

const (
	CodeInvalidRequest     ErrorCode = "invalid_request"
	CodeNotFound           ErrorCode = "not_found"
	CodeVersionConflict    ErrorCode = "version_conflict"
	CodeStaleView          ErrorCode = "stale_view"
	CodeNodeUnavailable    ErrorCode = "node_unavailable"
	CodeBackendUnavailable ErrorCode = "backend_unavailable"
	CodeInternal           ErrorCode = "internal"
)

// ErrorBody is the JSON body of every non-2xx protocol response.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// CodeFor maps an error to its wire code and HTTP status.
func CodeFor(err error) (ErrorCode, int) {
	switch {
	case errors.Is(err, objstore.ErrNotFound):
		return CodeNotFound, http.StatusNotFound
	case errors.Is(err, objstore.ErrVersionConflict):
		return CodeVersionConflict, http.StatusConflict
	case errors.Is(err, cluster.ErrStaleView):
		return CodeStaleView, http.StatusPreconditionFailed
	case errors.Is(err, ErrNodeUnavailable):
		return CodeNodeUnavailable, http.StatusBadGateway
	case errors.Is(err, objstore.ErrBackendUnavailable):
		return CodeBackendUnavailable, http.StatusServiceUnavailable
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}

// ErrorFromCode maps a wire code back onto the sentinel taxonomy so callers
// can use errors.Is across the protocol boundary.
func ErrorFromCode(code ErrorCode, message string) error {
	switch code {
	case CodeNotFound:
		return fmt.Errorf("%w: %s", objstore.ErrNotFound, message)
	case CodeVersionConflict:
		return fmt.Errorf("%w: %s", objstore.ErrVersionConflict, message)
	case CodeStaleView:
		return fmt.Errorf("%w: %s", cluster.ErrStaleView, message)
	case CodeNodeUnavailable:
		return fmt.Errorf("%w: %s", ErrNodeUnavailable, message)
	case CodeBackendUnavailable:
		return fmt.Errorf("%w: %s", objstore.ErrBackendUnavailable, message)
	default:
		return fmt.Errorf("%s: %s", code, message)
	}
}

// WriteJSON writes a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(ProtocolHeader, ProtocolVersion)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the protocol error body for an error.
func WriteError(w http.ResponseWriter, err error) {
	code, status := CodeFor(err)
	WriteJSON(w, status, ErrorBody{Code: code, Message: err.Error()})
}

// WriteInvalid writes an invalid_request error body.
func WriteInvalid(w http.ResponseWriter, message string) {
	WriteJSON(w, http.StatusBadRequest, ErrorBody{Code: CodeInvalidRequest, Message: message})
}

// ChunkReadRequest asks a data node for a chunk, or a byte range of one.
// ViewVersion is the membership view the sender routed against; the data
// node rejects requests routed on an older view than its own with a
// stale_view error.
type ChunkReadRequest struct {
	ViewVersion uint64                 `json:"view_version"`
	Dataset     chunkstore.DatasetInfo `json:"dataset"`
	Coord       grid.Coord             `json:"coord"`
	Range       *chunkstore.ByteRange  `json:"range,omitempty"`
	Probe       bool                   `json:"probe,omitempty"` // existence only, no data
}

// ChunkReadResponse carries the chunk bytes. A chunk that was never written
// comes back as fill data with an empty version and Exists=false.
type ChunkReadResponse struct {
	Data    []byte           `json:"data,omitempty"`
	Version objstore.Version `json:"version"`
	Exists  bool             `json:"exists"`
}

// ChunkWriteRequest writes a full chunk image or a byte range of one. A
// request whose Data spans the whole chunk from offset zero replaces the
// chunk; anything shorter is a read-modify-write range update.
type ChunkWriteRequest struct {
	ViewVersion uint64                 `json:"view_version"`
	Dataset     chunkstore.DatasetInfo `json:"dataset"`
	Coord       grid.Coord             `json:"coord"`
	Offset      int64                  `json:"offset"`
	Data        []byte                 `json:"data"`
	Expected    objstore.Version       `json:"expected,omitempty"`
}

// ChunkWriteResponse returns the version the write produced.
type ChunkWriteResponse struct {
	Version objstore.Version `json:"version"`
}

// ChunkDeleteRequest removes a chunk object.
type ChunkDeleteRequest struct {
	ViewVersion uint64     `json:"view_version"`
	DatasetID   string     `json:"dataset_id"`
	Coord       grid.Coord `json:"coord"`
}

// RegisterRequest announces a node to the coordinator.
type RegisterRequest struct {
	ID      string       `json:"id,omitempty"` // empty on first registration
	Role    cluster.Role `json:"role"`
	Address string       `json:"address"`
}

// RegisterResponse confirms the node's identity and hands it the current
// membership view.
type RegisterResponse struct {
	ID   string                 `json:"id"`
	View cluster.MembershipView `json:"view"`
}

// HeartbeatRequest reports liveness and capacity.
type HeartbeatRequest struct {
	ID            string `json:"id"`
	UsedCapacity  uint64 `json:"used_capacity"`
	TotalCapacity uint64 `json:"total_capacity"`
}

// HeartbeatResponse returns the current membership view so heartbeating
// nodes track membership without polling.
type HeartbeatResponse struct {
	View cluster.MembershipView `json:"view"`
}

// DeregisterRequest removes a node on graceful shutdown.
type DeregisterRequest struct {
	ID string `json:"id"`
}
