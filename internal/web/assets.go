package web

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vantagehq/vantage/internal/module"
)

// assetServer serves a module's frontend files from the static directory
// inside its install path. Paths are resolved per request so a module
// upgrade is visible without a restart; ETags are cached keyed by path and
// modification time.
type assetServer struct {
	registry   *module.Registry
	staticRoot string
	etags      sync.Map
}

func newAssetServer(registry *module.Registry, staticRoot string) *assetServer {
	if staticRoot == "" {
		staticRoot = "static"
	}
	return &assetServer{registry: registry, staticRoot: staticRoot}
}

func (a *assetServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := chi.URLParam(r, "module")
	info, ok := a.registry.Get(name)
	if !ok || info.Path == "" {
		http.NotFound(w, r)
		return
	}

	rel := filepath.Clean(filepath.FromSlash(chi.URLParam(r, "*")))
	if rel == "." || strings.Contains(rel, "..") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	root := filepath.Join(info.Path, a.staticRoot)
	file := filepath.Join(root, rel)

	// Containment check against the resolved root, not just the cleaned
	// request path.
	absRoot, err := filepath.Abs(root)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	absFile, err := filepath.Abs(file)
	if err != nil || !strings.HasPrefix(absFile, absRoot+string(filepath.Separator)) {
		http.Error(w, "invalid path", http.StatusForbidden)
		return
	}

	stat, err := os.Stat(file)
	if err != nil || stat.IsDir() {
		http.NotFound(w, r)
		return
	}

	if ct := mime.TypeByExtension(filepath.Ext(file)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	// Module assets change on upgrade, so the cache window stays short.
	w.Header().Set("Cache-Control", "public, max-age=3600")

	etag := a.etagFor(absFile, stat)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Last-Modified", stat.ModTime().UTC().Format(http.TimeFormat))
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := time.Parse(http.TimeFormat, ims); err == nil && !stat.ModTime().After(t) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	http.ServeFile(w, r, file)
}

// etagFor builds a weak ETag from size and modification time.
func (a *assetServer) etagFor(path string, stat os.FileInfo) string {
	key := fmt.Sprintf("%s:%d", path, stat.ModTime().Unix())
	if etag, ok := a.etags.Load(key); ok {
		return etag.(string)
	}
	etag := fmt.Sprintf(`W/"%x-%x"`, stat.Size(), stat.ModTime().Unix())
	a.etags.Store(key, etag)
	return etag
}
