// Package api provides the HTTP surface of the deployer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/catalog"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/api/openapi"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/lifecycle"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/store"
)

// =============================================================================
// Collaborators
// =============================================================================

// Service is the lifecycle controller as seen by the API.
type Service interface {
	Detect(ctx context.Context, repoPath string) (domain.DetectionResult, error)
	Create(ctx context.Context, params lifecycle.CreateParams) (*domain.Deployment, error)
	Start(ctx context.Context, id int64, repoPath string) (*domain.Deployment, error)
	Stop(ctx context.Context, id int64) (*domain.Deployment, error)
	Restart(ctx context.Context, id int64, regenerate bool) (*domain.Deployment, error)
	Delete(ctx context.Context, id int64) (lifecycle.DeleteResult, error)
	Get(ctx context.Context, id int64) (*domain.Deployment, error)
	ListByRepo(ctx context.Context, repositoryID int64) ([]domain.Deployment, error)
	List(ctx context.Context, opts store.ListOptions) ([]domain.Deployment, error)
	Events(ctx context.Context, id int64, limit int) ([]domain.DeploymentEvent, error)
	ScanRepositories(ctx context.Context) ([]lifecycle.ScannedRepository, error)
}

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FreePortCounter reports how many ports are free.
type FreePortCounter interface {
	FreeCount(ctx context.Context) (int, error)
}

// MetricsProvider exposes request instrumentation and the scrape endpoint.
type MetricsProvider interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

// Config holds the handler's collaborators.
type Config struct {
	Service Service
	Store   Pinger
	Engine  Pinger
	Ports   FreePortCounter
	Metrics MetricsProvider
	Logger  *slog.Logger

	// AllowedOrigins enables CORS for the listed origins.
	AllowedOrigins []string
	// Version is reported in the OpenAPI document.
	Version string
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	service  Service
	store    Pinger
	engine   Pinger
	ports    FreePortCounter
	metrics  MetricsProvider
	origins  []string
	validate *validator.Validate
	openapi  *openapi.Generator
	logger   *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Handler{
		service:  cfg.Service,
		store:    cfg.Store,
		engine:   cfg.Engine,
		ports:    cfg.Ports,
		metrics:  cfg.Metrics,
		origins:  cfg.AllowedOrigins,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		openapi:  newDocument(cfg.Version),
		logger:   cfg.Logger.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
	}
	if len(h.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.origins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/openapi.json", h.openapi.Handler())
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.jsonContentType)

		r.Get("/catalog", h.handleCatalog)

		r.Route("/deployments", func(r chi.Router) {
			r.Post("/", h.handleCreateDeployment)
			r.Get("/", h.handleListDeployments)
			r.Post("/detect", h.handleDetect)
			r.Get("/{id}", h.handleGetDeployment)
			r.Delete("/{id}", h.handleDeleteDeployment)
			r.Post("/{id}/start", h.handleStartDeployment)
			r.Post("/{id}/stop", h.handleStopDeployment)
			r.Post("/{id}/restart", h.handleRestartDeployment)
			r.Get("/{id}/events", h.handleListEvents)
		})

		r.Route("/repositories", func(r chi.Router) {
			r.Get("/scan", h.handleScanRepositories)
			r.Get("/{repoID}/deployments", h.handleListRepoDeployments)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	ready := true

	for name, p := range map[string]Pinger{"database": h.store, "docker": h.engine} {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = "failed: " + err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	resp := ReadyResponse{Checks: checks}
	if h.ports != nil {
		if free, err := h.ports.FreeCount(ctx); err != nil {
			checks["ports"] = "failed: " + err.Error()
			ready = false
		} else {
			resp.FreePorts = &free
			checks["ports"] = "ok"
		}
	}

	if !ready {
		resp.Status = "not_ready"
		h.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Status = "ready"
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Deployment Handlers
// =============================================================================

func (h *Handler) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req DetectRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	result, err := h.service.Detect(r.Context(), req.RepoPath)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req CreateDeploymentRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	params := lifecycle.CreateParams{
		RepositoryID: req.RepositoryID,
		RepoName:     req.RepoName,
		RepoPath:     req.RepoPath,
		Domain:       req.Domain,
		Port:         req.Port,
	}
	if req.Stack != "" {
		stack, _ := domain.ParseStack(req.Stack)
		params.StackOverride = stack
	}
	if req.DBType != nil {
		db := domain.DBNone
		if *req.DBType != "none" {
			db, _ = domain.ParseDBType(*req.DBType)
		}
		params.DBType = &db
	}

	d, err := h.service.Create(r.Context(), params)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, deploymentToResponse(d))
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	opts := store.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", CodeValidation)
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer", CodeValidation)
			return
		}
		opts.Offset = n
	}
	opts = opts.Normalize()

	list, err := h.service.List(r.Context(), opts)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	resp := deploymentsToResponse(list)
	resp.Limit = opts.Limit
	resp.Offset = opts.Offset
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	d, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentToResponse(d))
}

func (h *Handler) handleStartDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req StartDeploymentRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	d, err := h.service.Start(r.Context(), id, req.RepoPath)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentToResponse(d))
}

func (h *Handler) handleStopDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	d, err := h.service.Stop(r.Context(), id)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentToResponse(d))
}

func (h *Handler) handleRestartDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req RestartDeploymentRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	d, err := h.service.Restart(r.Context(), id, req.Regenerate)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentToResponse(d))
}

func (h *Handler) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	res, err := h.service.Delete(r.Context(), id)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, DeleteDeploymentResponse{
		Released: res.Released,
		Port:     res.Port,
		Warning:  res.Warning,
	})
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer", CodeValidation)
			return
		}
		limit = n
	}

	events, err := h.service.Events(r.Context(), id, limit)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	if events == nil {
		events = []domain.DeploymentEvent{}
	}
	h.writeJSON(w, http.StatusOK, EventListResponse{Events: events})
}

func (h *Handler) handleListRepoDeployments(w http.ResponseWriter, r *http.Request) {
	repoID, ok := h.pathID(w, r, "repoID")
	if !ok {
		return
	}

	list, err := h.service.ListByRepo(r.Context(), repoID)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentsToResponse(list))
}

func (h *Handler) handleScanRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := h.service.ScanRepositories(r.Context())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	if repos == nil {
		repos = []lifecycle.ScannedRepository{}
	}
	h.writeJSON(w, http.StatusOK, ScanResponse{Repositories: repos})
}

func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, CatalogResponse{Templates: catalog.All()})
}

// =============================================================================
// Helpers
// =============================================================================

// decode reads a JSON body into v and validates it. An empty body is
// accepted when optional is set.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			h.writeError(w, http.StatusBadRequest, "invalid JSON", CodeValidation)
			return false
		}
	}
	if err := h.validate.Struct(v); err != nil {
		h.writeError(w, http.StatusBadRequest, validationMessage(err), CodeValidation)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(msgs, "; ")
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, param+" must be a positive integer", CodeValidation)
		return 0, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func (h *Handler) writeOpError(w http.ResponseWriter, err error) {
	status, code, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("operation failed", "code", code, "error", err)
	}
	h.writeError(w, status, msg, code)
}

func deploymentToResponse(d *domain.Deployment) DeploymentResponse {
	resp := DeploymentResponse{
		ID:                d.ID,
		RepositoryID:      d.RepositoryID,
		RepoName:          d.RepoName,
		RepoPath:          d.RepoPath,
		Stack:             string(d.Stack),
		Confidence:        d.Confidence,
		Framework:         d.Framework,
		InternalPort:      d.InternalPort,
		RequiresDB:        d.RequiresDB,
		DBType:            string(d.DBType),
		DetectedFiles:     d.DetectedFiles,
		AssignedPort:      d.AssignedPort,
		Domain:            d.Domain,
		DockerPath:        d.DockerPath,
		DockerfileContent: d.DockerfileContent,
		ComposeContent:    d.ComposeContent,
		Status:            string(d.Status),
		ContainerID:       d.ContainerID,
		ErrorMessage:      d.ErrorMessage,
		LogTail:           d.LogTail,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		StartedAt:         d.StartedAt,
		StoppedAt:         d.StoppedAt,
	}
	if resp.DetectedFiles == nil {
		resp.DetectedFiles = []string{}
	}
	return resp
}

func deploymentsToResponse(list []domain.Deployment) DeploymentListResponse {
	resp := DeploymentListResponse{Deployments: make([]DeploymentResponse, 0, len(list))}
	for i := range list {
		resp.Deployments = append(resp.Deployments, deploymentToResponse(&list[i]))
	}
	return resp
}
