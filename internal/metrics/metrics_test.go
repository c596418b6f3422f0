package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesBuildInfo(t *testing.T) {
	SetBuildInfo("1.2.3", "abc123", "data")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "chunkgrid_build_info")
	assert.Contains(t, body, `version="1.2.3"`)
	assert.Contains(t, body, "go_goroutines")
}
