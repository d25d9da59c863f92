// Package web exposes the module administration HTTP API.
package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vantagehq/vantage/internal/migrate"
	"github.com/vantagehq/vantage/internal/module"
	"github.com/vantagehq/vantage/internal/validate"
)

// maxUploadSize caps module archive uploads; it matches the archive
// validator's uncompressed ceiling.
const maxUploadSize = module.MaxArchiveSize

// Server serves the admin API and module frontend assets.
type Server struct {
	registry  *module.Registry
	loader    *module.Loader
	engine    *migrate.Engine
	validator *validate.Validator
	assets    *assetServer
	db        *sql.DB
	log       *zap.Logger
}

// NewServer wires the admin API over the platform components. staticRoot is
// the name of the asset directory inside each module.
func NewServer(registry *module.Registry, loader *module.Loader, engine *migrate.Engine,
	validator *validate.Validator, db *sql.DB, staticRoot string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		registry:  registry,
		loader:    loader,
		engine:    engine,
		validator: validator,
		assets:    newAssetServer(registry, staticRoot),
		db:        db,
		log:       log,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/assets/{module}/*", s.assets.handle)
	r.Route("/api/v1/modules", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/install", s.handleInstall)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleUninstall)
			r.Post("/validate", s.handleValidate)
			r.Get("/migrations", s.handleHistory)
			r.Post("/migrations/{migration}/rollback", s.handleRollback)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["database"] = "ok"
	}
	writeJSON(w, http.StatusOK, status)
}

type moduleView struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Summary  string `json:"summary,omitempty"`
	Category string `json:"category,omitempty"`
	State    string `json:"state"`
	Models   int    `json:"models"`
	Routes   int    `json:"routes"`
}

func viewOf(info *module.Info) moduleView {
	return moduleView{
		Name:     info.Name,
		Version:  info.Manifest.Version,
		Summary:  info.Manifest.Summary,
		Category: info.Manifest.Category,
		State:    info.State.String(),
		Models:   len(info.Models),
		Routes:   len(info.Routes),
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.All()
	views := make([]moduleView, 0, len(infos))
	for _, info := range infos {
		views = append(views, viewOf(info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": views})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	info, ok := s.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, &module.NotFoundError{Module: name})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"module":     viewOf(info),
		"depends":    info.Manifest.Depends,
		"dependents": s.registry.Dependents(name),
		"services":   info.Services,
		"menus":      info.Manifest.Menus,
	})
}

// handleInstall accepts a multipart upload with the archive under "file",
// validates it, installs it into the module path, and loads it.
func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "module-*.zip")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := io.Copy(tmp, io.LimitReader(file, maxUploadSize+1)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	name, err := s.loader.InstallFromArchive(tmp.Name())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.loader.Load(r.Context(), name, s.db); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if s.engine != nil {
		if err := s.engine.EnsureTables(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if _, err := s.loader.Setup(r.Context(), name, s.db, s.engine); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}

	s.log.Info("module installed via API",
		zap.String("module", name), zap.String("upload", header.Filename))
	writeJSON(w, http.StatusCreated, map[string]string{"module": name, "status": "installed"})
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if dependents := s.registry.Dependents(name); len(dependents) > 0 {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "module has dependents",
			"dependents": dependents,
		})
		return
	}

	info, ok := s.registry.Get(name)
	if ok && s.engine != nil {
		if _, err := s.engine.UninstallModuleSchema(r.Context(), name,
			info.Manifest.Version, info.Models, info.AssociationTables); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if err := s.loader.Uninstall(r.Context(), name, s.db); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"module": name, "status": "uninstalled"})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	info, ok := s.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, &module.NotFoundError{Module: name})
		return
	}
	report, err := s.validator.Validate(r.Context(), validate.Input{
		Name:     name,
		Dir:      info.Path,
		Manifest: info.Manifest,
		Models:   info.Models,
		Routes:   info.Routes,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	records, err := s.engine.Ledger().History(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type recordView struct {
		Name      string    `json:"name"`
		Type      string    `json:"type"`
		Status    string    `json:"status"`
		Error     string    `json:"error,omitempty"`
		Duration  int64     `json:"duration_ms"`
		CreatedAt time.Time `json:"created_at"`
	}
	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, recordView{
			Name:      rec.Name,
			Type:      string(rec.Type),
			Status:    string(rec.Status),
			Error:     rec.Error,
			Duration:  rec.DurationMS,
			CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"module": name, "migrations": views})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	migration := chi.URLParam(r, "migration")
	if err := s.engine.Rollback(r.Context(), name, migration); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"module": name, "migration": migration, "status": "rolled_back",
	})
}

// Serve runs the API until the context is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("admin API listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func statusFor(err error) int {
	var (
		notFound   *module.NotFoundError
		badArchive *module.InvalidArchiveError
		badState   *migrate.InvalidStateError
		noRollback *migrate.NoRollbackError
		noRecord   *migrate.RecordNotFoundError
		badMan     *module.InvalidManifestError
		missing    *module.MissingDependencyError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &noRecord):
		return http.StatusNotFound
	case errors.As(err, &badArchive), errors.As(err, &badMan):
		return http.StatusBadRequest
	case errors.As(err, &badState), errors.As(err, &noRollback), errors.As(err, &missing):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
