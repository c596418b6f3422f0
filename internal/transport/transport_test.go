package transport

import (
	"context"
	"net/http"
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
)

func TestErrorCodes_RoundTrip(t *testing.T) {
	cases := []struct {
		err    error
		code   ErrorCode
		status int
	}{
		{objstore.ErrNotFound, CodeNotFound, http.StatusNotFound},
		{objstore.ErrVersionConflict, CodeVersionConflict, http.StatusConflict},
		{cluster.ErrStaleView, CodeStaleView, http.StatusPreconditionFailed},
		{ErrNodeUnavailable, CodeNodeUnavailable, http.StatusBadGateway},
		{objstore.ErrBackendUnavailable, CodeBackendUnavailable, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		code, status := CodeFor(tc.err)
		assert.Equal(t, tc.code, code)
		assert.Equal(t, tc.status, status)

		// The sentinel survives a trip through the wire encoding.
		back := ErrorFromCode(code, "context")
		assert.ErrorIs(t, back, tc.err)
	}
}

func testAddr(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestDataNodeClient_ReadChunk(t *testing.T) {
	want := ChunkReadResponse{Data: []byte{1, 2, 3, 4}, Version: "v1", Exists: true}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chunks/read", r.URL.Path)
		assert.Equal(t, ProtocolVersion, r.Header.Get(ProtocolHeader))
		WriteJSON(w, http.StatusOK, want)
	}))
	defer srv.Close()

	client := NewDataNodeClient(zerolog.Nop())
	resp, err := client.ReadChunk(context.Background(), testAddr(srv), ChunkReadRequest{
		ViewVersion: 3,
		Dataset:     chunkstore.DatasetInfo{ID: "d-1", Shape: grid.Shape{10}, ChunkShape: grid.Shape{5}, ElemSize: 4},
		Coord:       grid.Coord{0},
	})
	require.NoError(t, err)
	assert.Equal(t, want, *resp)
}

func TestDataNodeClient_MapsProtocolErrors(t *testing.T) {
	cases := map[ErrorCode]error{
		CodeVersionConflict:    objstore.ErrVersionConflict,
		CodeStaleView:          cluster.ErrStaleView,
		CodeBackendUnavailable: objstore.ErrBackendUnavailable,
		CodeNotFound:           objstore.ErrNotFound,
	}

	for code, sentinel := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteJSON(w, http.StatusConflict, ErrorBody{Code: code, Message: "boom"})
		}))

		client := NewDataNodeClient(zerolog.Nop())
		_, err := client.WriteChunk(context.Background(), testAddr(srv), ChunkWriteRequest{})
		assert.ErrorIs(t, err, sentinel, "code %s", code)
		srv.Close()
	}
}

func TestDataNodeClient_ConnectivityIsNodeUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := testAddr(srv)
	srv.Close() // nothing is listening anymore

	client := NewDataNodeClient(zerolog.Nop())
	_, err := client.ReadChunk(context.Background(), addr, ChunkReadRequest{})
	assert.ErrorIs(t, err, ErrNodeUnavailable)
}

func TestDataNodeClient_NonProtocolResponseIsNodeUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A bare gateway error with no protocol envelope.
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewDataNodeClient(zerolog.Nop())
	err := client.DeleteChunk(context.Background(), testAddr(srv), ChunkDeleteRequest{})
	assert.ErrorIs(t, err, ErrNodeUnavailable)
}
