package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/triagedeck/triagedeck/internal/auth"
	"github.com/triagedeck/triagedeck/internal/authz"
	"github.com/triagedeck/triagedeck/internal/model"
	"github.com/triagedeck/triagedeck/internal/projcache"
	"github.com/triagedeck/triagedeck/internal/ratelimit"
	exportsvc "github.com/triagedeck/triagedeck/internal/service/export"
	"github.com/triagedeck/triagedeck/internal/service/ingest"
	"github.com/triagedeck/triagedeck/internal/service/query"
	"github.com/triagedeck/triagedeck/internal/storage"
)

// Server is the TriageDeck HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds all dependencies and settings for creating a Server.
type Config struct {
	Store    storage.Store
	Projects *projcache.Cache
	JWTMgr   *auth.JWTManager
	Ingest   *ingest.Engine
	Query    *query.Engine
	Exports  *exportsvc.Controller
	Limiter  ratelimit.Limiter
	Logger   *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
	MaxBodyBytes int64

	EventsPerMinute int
	ReadsPerMinute  int

	// DevAuth accepts an X-User-ID header in place of a bearer token and
	// enables POST /auth/token. Local development only.
	DevAuth bool

	// OpenAPISpec is the embedded OpenAPI YAML served at /openapi.yaml.
	OpenAPISpec []byte
}

// handlers carries the per-request dependencies.
type handlers struct {
	store        storage.Store
	projects     *projcache.Cache
	jwtMgr       *auth.JWTManager
	ingest       *ingest.Engine
	query        *query.Engine
	exports      *exportsvc.Controller
	limiter      ratelimit.Limiter
	logger       *slog.Logger
	version      string
	maxBodyBytes int64
	eventsRule   ratelimit.Rule
	readsRule    ratelimit.Rule
	devAuth      bool
	openapiSpec  []byte
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := &handlers{
		store:        cfg.Store,
		projects:     cfg.Projects,
		jwtMgr:       cfg.JWTMgr,
		ingest:       cfg.Ingest,
		query:        cfg.Query,
		exports:      cfg.Exports,
		limiter:      cfg.Limiter,
		logger:       cfg.Logger,
		version:      cfg.Version,
		maxBodyBytes: cfg.MaxBodyBytes,
		eventsRule:   ratelimit.Rule{Name: "events", Limit: cfg.EventsPerMinute, Window: time.Minute},
		readsRule:    ratelimit.Rule{Name: "reads", Limit: cfg.ReadsPerMinute, Window: time.Minute},
		devAuth:      cfg.DevAuth,
		openapiSpec:  cfg.OpenAPISpec,
	}
	if h.limiter == nil {
		h.limiter = ratelimit.NoopLimiter{}
	}

	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.handleOpenAPISpec)
	if cfg.DevAuth {
		mux.HandleFunc("POST /auth/token", h.handleDevToken)
	}

	// Project catalog.
	mux.HandleFunc("GET /api/v1/projects", h.handleListProjects)

	// Project-scoped reads.
	read := h.scoped(h.readsRule, func(role model.Role, _ model.OrgPolicy) bool {
		return authz.CanRead(role)
	})
	mux.Handle("GET /api/v1/projects/{pid}/config", read(h.handleProjectConfig))
	mux.Handle("GET /api/v1/projects/{pid}/items", read(h.handleListItems))
	mux.Handle("GET /api/v1/projects/{pid}/items/{iid}", read(h.handleGetItem))
	mux.Handle("GET /api/v1/projects/{pid}/items/{iid}/url", read(h.handleRefreshURL))
	mux.Handle("GET /api/v1/projects/{pid}/decisions", read(h.handleListDecisions))

	// Event ingestion.
	ingestScoped := h.scoped(h.eventsRule, func(role model.Role, _ model.OrgPolicy) bool {
		return authz.CanWriteEvents(role)
	})
	mux.Handle("POST /api/v1/projects/{pid}/events", ingestScoped(h.handleIngestEvents))

	// Projection rebuild diagnostic.
	rebuild := h.scoped(ratelimit.Rule{}, func(role model.Role, _ model.OrgPolicy) bool {
		return authz.CanRebuildProjection(role)
	})
	mux.Handle("POST /api/v1/projects/{pid}/decisions/rebuild", rebuild(h.handleRebuild))

	// Exports.
	createExport := h.scoped(h.readsRule, authz.CanCreateExport)
	mux.Handle("POST /api/v1/projects/{pid}/exports", createExport(h.handleCreateExport))
	mux.Handle("GET /api/v1/projects/{pid}/exports", read(h.handleListExports))
	mux.Handle("GET /api/v1/projects/{pid}/exports/{eid}", read(h.handleGetExport))
	mux.Handle("DELETE /api/v1/projects/{pid}/exports/{eid}", read(h.handleCancelExport))

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.DevAuth, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// projectContext is the resolved scope a project handler runs in.
type projectContext struct {
	Project  model.Project
	Role     model.Role
	Identity auth.Identity
}

type projectHandler func(w http.ResponseWriter, r *http.Request, pc projectContext)

// scoped wraps a project handler with membership resolution, the permission
// check, and the per-user rate ceiling. Non-members and unknown or deleted
// projects read identically as 404 so membership is never probeable. A zero
// rule disables rate limiting for the route; admins bypass it always.
func (h *handlers) scoped(rule ratelimit.Rule, permitted func(model.Role, model.OrgPolicy) bool) func(projectHandler) http.Handler {
	return func(next projectHandler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFromContext(r.Context())
			if identity == nil {
				writeError(w, r, http.StatusUnauthorized, model.CodeUnauthorized, "no identity in context", nil)
				return
			}

			projectID, err := uuid.Parse(r.PathValue("pid"))
			if err != nil {
				writeError(w, r, http.StatusNotFound, model.CodeNotFound, "project not found", nil)
				return
			}
			project, err := h.projects.Get(r.Context(), projectID)
			if err != nil {
				writeError(w, r, http.StatusNotFound, model.CodeNotFound, "project not found", nil)
				return
			}
			role, err := h.store.GetProjectRole(r.Context(), projectID, identity.UserID)
			if err != nil {
				h.internalError(w, r, "resolve role", err)
				return
			}
			if role == model.RoleNone {
				writeError(w, r, http.StatusNotFound, model.CodeNotFound, "project not found", nil)
				return
			}

			if rule.Limit > 0 && !authz.RateLimitExempt(role) {
				res, err := h.limiter.Allow(r.Context(), rule, identity.UserID)
				if err != nil {
					// Fail open: a broken limiter must not take reads down.
					h.logger.Error("rate limiter failure", "error", err, "rule", rule.Name)
				} else {
					res.SetHeaders(w.Header())
					if !res.Allowed {
						writeError(w, r, http.StatusTooManyRequests, model.CodeRateLimited, "rate limit exceeded", nil)
						return
					}
				}
			}

			if !permitted(role, project.Config.OrgPolicy) {
				writeError(w, r, http.StatusForbidden, model.CodeForbidden, "insufficient permissions", nil)
				return
			}

			next(w, r, projectContext{Project: project, Role: role, Identity: *identity})
		})
	}
}

func (h *handlers) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error("request failed", "op", op, "error", err,
		"request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.CodeInternalError, "internal error", nil)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
