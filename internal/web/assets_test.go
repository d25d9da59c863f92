package web

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagehq/vantage/internal/module"
)

func doRawRequest(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func newAssetTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "static", "js"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "static", "js", "app.js"), []byte("export {}"), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "manifest.yaml"), []byte("name: crm"), 0o644))

	reg := module.NewRegistry(nil)
	reg.Register(&module.Info{
		Name:     "crm",
		Manifest: &module.Manifest{Name: "crm", Version: "1.0"},
		Path:     dir,
	})
	return NewServer(reg, nil, nil, nil, nil, "static", nil)
}

func TestAssetServing(t *testing.T) {
	s := newAssetTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/assets/crm/js/app.js")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "export {}", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "javascript")
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	// A matching ETag short-circuits the body.
	req := httptest.NewRequest(http.MethodGet, "/assets/crm/js/app.js", nil)
	req.Header.Set("If-None-Match", rec.Header().Get("ETag"))
	rec2 := doRawRequest(t, s, req)
	assert.Equal(t, http.StatusNotModified, rec2.Code)
}

func TestAssetUnknownModuleOrFile(t *testing.T) {
	s := newAssetTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/assets/ghost/js/app.js")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/assets/crm/js/missing.js")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssetTraversalBlocked(t *testing.T) {
	s := newAssetTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/assets/crm/..%2fmanifest.yaml")
	assert.NotEqual(t, http.StatusOK, rec.Code,
		"files outside the static root must not be reachable")
}
