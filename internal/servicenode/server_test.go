package servicenode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkgrid/chunkgrid/internal/chunkstore"
	"github.com/chunkgrid/chunkgrid/internal/grid"
	"github.com/chunkgrid/chunkgrid/internal/hier"
	"github.com/chunkgrid/chunkgrid/internal/objstore"
	"github.com/chunkgrid/chunkgrid/internal/transport"
)

// newTestAPI stands up the full service node API: a metadata store over an
// in-memory object store plus a fanout node over real data nodes.
func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	g := newTestGrid(t, 2)

	mem := objstore.NewMemStore()
	chunks := chunkstore.New(chunkstore.Config{
		Objects: mem,
		Prefix:  testPrefix,
		Logger:  zerolog.Nop(),
	})
	meta := hier.New(hier.Config{
		Objects: mem,
		Chunks:  chunks,
		Prefix:  testPrefix,
		Logger:  zerolog.Nop(),
	})

	srv := NewServer(ServerConfig{Logger: zerolog.Nop()}, g.node, meta)
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)
	return api
}

func doJSON(t *testing.T, method, url string, body, out interface{}) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_DomainAndDatasetRoundTrip(t *testing.T) {
	api := newTestAPI(t)

	var domain hier.Domain
	status := doJSON(t, http.MethodPost, api.URL+"/v1/domains", domainRequest{Path: "/home/test"}, &domain)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, domain.Root)

	// Domains are create-once.
	status = doJSON(t, http.MethodPost, api.URL+"/v1/domains", domainRequest{Path: "/home/test"}, nil)
	assert.Equal(t, http.StatusConflict, status)

	var ds hier.Dataset
	status = doJSON(t, http.MethodPost, api.URL+"/v1/datasets", datasetRequest{
		Type:       "uint8",
		Shape:      []int64{20, 20},
		ChunkShape: []int64{10, 10},
	}, &ds)
	require.Equal(t, http.StatusCreated, status)

	status = doJSON(t, http.MethodPost, api.URL+"/v1/links", linkRequest{
		Parent: domain.Root, Name: "data", Class: hier.ClassDataset, Target: ds.ID,
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	// Write a region through the API and read it back.
	payload := bytes.Repeat([]byte{7}, 100)
	var wres regionResponse
	status = doJSON(t, http.MethodPost, api.URL+"/v1/datasets/"+ds.ID+"/write", regionRequest{
		Start: []int64{5, 5}, Stop: []int64{15, 15}, Data: payload,
	}, &wres)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, wres.Failures)

	var rres regionResponse
	status = doJSON(t, http.MethodPost, api.URL+"/v1/datasets/"+ds.ID+"/read", regionRequest{
		Start: []int64{5, 5}, Stop: []int64{15, 15},
	}, &rres)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, rres.Failures)
	assert.Equal(t, payload, rres.Data)

	// Deleting the dataset makes region ops 404.
	status = doJSON(t, http.MethodDelete, api.URL+"/v1/datasets/"+ds.ID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	status = doJSON(t, http.MethodPost, api.URL+"/v1/datasets/"+ds.ID+"/read", regionRequest{}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_GroupLinksAndCycles(t *testing.T) {
	api := newTestAPI(t)

	var domain hier.Domain
	require.Equal(t, http.StatusCreated,
		doJSON(t, http.MethodPost, api.URL+"/v1/domains", domainRequest{Path: "/g"}, &domain))

	var child hier.Group
	require.Equal(t, http.StatusCreated,
		doJSON(t, http.MethodPost, api.URL+"/v1/groups", struct{}{}, &child))

	require.Equal(t, http.StatusCreated,
		doJSON(t, http.MethodPost, api.URL+"/v1/links", linkRequest{
			Parent: domain.Root, Name: "child", Class: hier.ClassGroup, Target: child.ID,
		}, nil))

	// Linking the root back under its descendant closes a cycle.
	status := doJSON(t, http.MethodPost, api.URL+"/v1/links", linkRequest{
		Parent: child.ID, Name: "up", Class: hier.ClassGroup, Target: domain.Root,
	}, nil)
	assert.Equal(t, http.StatusConflict, status)

	var fetched hier.Group
	require.Equal(t, http.StatusOK,
		doJSON(t, http.MethodGet, api.URL+"/v1/groups/"+domain.Root, nil, &fetched))
	assert.Contains(t, fetched.Links, "child")

	require.Equal(t, http.StatusOK,
		doJSON(t, http.MethodDelete, fmt.Sprintf("%s/v1/links?parent=%s&name=child", api.URL, domain.Root), nil, nil))
}

func TestServer_Attributes(t *testing.T) {
	api := newTestAPI(t)

	var domain hier.Domain
	require.Equal(t, http.StatusCreated,
		doJSON(t, http.MethodPost, api.URL+"/v1/domains", domainRequest{Path: "/attrs"}, &domain))

	req := attributeRequest{Kind: hier.ClassGroup, ID: domain.Root}
	req.Name = "units"
	req.Type = "string"
	req.Value = json.RawMessage(`"kelvin"`)
	require.Equal(t, http.StatusOK,
		doJSON(t, http.MethodPost, api.URL+"/v1/attributes", req, nil))

	var attr hier.Attribute
	status := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/v1/attributes?kind=group&id=%s&name=units", api.URL, domain.Root), nil, &attr)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, json.RawMessage(`"kelvin"`), attr.Value)

	status = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/v1/attributes?kind=group&id=%s&name=missing", api.URL, domain.Root), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status = doJSON(t, http.MethodGet, api.URL+"/v1/attributes?kind=file&id=x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWireFailuresCarryTaxonomyCodes(t *testing.T) {
	fs := wireFailures([]ChunkFailure{
		{Coord: grid.Coord{1, 2}, Err: fmt.Errorf("dial: %w", transport.ErrNodeUnavailable)},
		{Coord: grid.Coord{0, 0}, Err: objstore.ErrVersionConflict},
	})

	require.Len(t, fs, 2)
	assert.Equal(t, transport.CodeNodeUnavailable, fs[0].Code)
	assert.Equal(t, transport.CodeVersionConflict, fs[1].Code)
}

func TestServer_Healthz(t *testing.T) {
	api := newTestAPI(t)

	resp, err := http.Get(api.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
