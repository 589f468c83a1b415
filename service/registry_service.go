package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/platform"
	"github.com/Peleke/MindMirror-sub002/registry"
)

// serviceCatalog is the registry surface the API handlers consume.
type serviceCatalog interface {
	Register(ctx context.Context, spec platform.ServiceSpec) error
	Get(ctx context.Context, name string) (*registry.Record, error)
	List(ctx context.Context) ([]*registry.Record, error)
	Remove(ctx context.Context, name string) error
	SeedCatalog(ctx context.Context) ([]string, error)
}

// RegistryService exposes the platform service registry over the API
// server and seeds the built-in catalog on startup.
type RegistryService struct {
	*BaseService
	catalog serviceCatalog
	seed    bool
	logger  *slog.Logger
}

// NewRegistryService creates the service-registry service.
func NewRegistryService(deps *Dependencies) (Service, error) {
	if deps == nil || deps.ServiceRegistry == nil {
		return nil, fmt.Errorf("registry service requires the service registry")
	}

	s := &RegistryService{
		catalog: deps.ServiceRegistry,
		seed:    deps.Config.Registry.SeedCatalog,
		logger:  deps.Logger.With("service", "service-registry"),
	}
	s.BaseService = NewBaseService("service-registry",
		WithLogger(deps.Logger),
		WithMetrics(deps.MetricsRegistry),
		WithNATS(deps.NATSClient),
	)
	return s, nil
}

// Start seeds the catalog when configured, without touching services
// already registered.
func (s *RegistryService) Start(ctx context.Context) error {
	if err := s.BaseService.Start(ctx); err != nil {
		return err
	}
	if s.seed {
		added, err := s.catalog.SeedCatalog(ctx)
		if err != nil {
			return fmt.Errorf("seed service catalog: %w", err)
		}
		if len(added) > 0 {
			s.logger.Info("seeded service catalog", "services", added)
		}
	}
	return nil
}

// RegisterHTTPHandlers mounts the service registry API.
func (s *RegistryService) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/services", s.handleList)
	mux.HandleFunc("POST /api/services", s.handleRegister)
	mux.HandleFunc("GET /api/services/{name}", s.handleGet)
	mux.HandleFunc("DELETE /api/services/{name}", s.handleRemove)
}

func (s *RegistryService) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.catalog.List(r.Context())
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"services": records,
		"count":    len(records),
	})
}

func (s *RegistryService) handleRegister(w http.ResponseWriter, r *http.Request) {
	var spec platform.ServiceSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "invalid service spec body", http.StatusBadRequest)
		return
	}
	if err := s.catalog.Register(r.Context(), spec); err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	s.logger.Info("service registered", "name", spec.Name)
	writeJSON(w, s.logger, http.StatusCreated, map[string]any{"name": spec.Name})
}

func (s *RegistryService) handleGet(w http.ResponseWriter, r *http.Request) {
	record, err := s.catalog.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, record)
}

func (s *RegistryService) handleRemove(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.catalog.Remove(r.Context(), name); err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	s.logger.Info("service removed", "name", name)
	w.WriteHeader(http.StatusNoContent)
}

// writeJSON encodes an API response body.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode API response", "error", err)
	}
}

// writeAPIError maps a classified error onto an HTTP status. Invalid
// input is the caller's fault, missing records are 404, conflicts are
// 409, held gates are 403; everything else is a server-side failure.
func writeAPIError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case stderrors.Is(err, errors.ErrServiceNotFound),
		stderrors.Is(err, errors.ErrReleaseNotFound),
		stderrors.Is(err, errors.ErrKeyNotFound):
		status = http.StatusNotFound
	case stderrors.Is(err, errors.ErrServiceExists),
		stderrors.Is(err, errors.ErrVersionConflict),
		stderrors.Is(err, errors.ErrDeployInProgress):
		status = http.StatusConflict
	case stderrors.Is(err, errors.ErrApprovalRequired),
		stderrors.Is(err, errors.ErrApprovalDenied):
		status = http.StatusForbidden
	case stderrors.Is(err, errors.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.IsInvalid(err):
		status = http.StatusBadRequest
	case errors.IsTransient(err):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		logger.Error("API request failed", "error", err)
	}
	writeJSON(w, logger, status, map[string]any{"error": err.Error()})
}

var _ HTTPHandler = (*RegistryService)(nil)
