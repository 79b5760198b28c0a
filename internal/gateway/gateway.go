// Package gateway is the API Gateway / Session Proxy: a thin
// HTTP layer that terminates client sessions, resolves them to a GitLab
// bearer token held server-side, and translates wire requests into calls on
// the Bulk Engine, Migration Worker, and Progress Bus. Handlers never
// contain business logic; they decode, validate, delegate, and encode.
//
// Handlers are a struct of injected component interfaces with one method
// per route, registered onto a router in a single place. chi.Mux is used
// in place of http.ServeMux so route params (job ids, scope kinds) don't
// need manual path parsing.
package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/vilaca/gitlabfleet/internal/bulk"
	"github.com/vilaca/gitlabfleet/internal/bus"
	"github.com/vilaca/gitlabfleet/internal/gitlabapi"
	"github.com/vilaca/gitlabfleet/internal/gitlabhttp"
	"github.com/vilaca/gitlabfleet/internal/jobs"
	"github.com/vilaca/gitlabfleet/internal/migration"
	"github.com/vilaca/gitlabfleet/internal/ratelimit"
	"github.com/vilaca/gitlabfleet/internal/session"
)

// Config bundles the gateway's own tunables (as opposed to the components
// it wraps, each configured at their own construction site).
type Config struct {
	CORSOrigin              string
	RequestSizeLimitBytes   int64
	MultipartSizeLimitBytes int64
	RateLimitRequests       int
	RateLimitWindow         time.Duration
	GitLabDefaultBaseURL    string
}

// Gateway holds every component the handlers delegate to.
type Gateway struct {
	cfg       Config
	log       zerolog.Logger
	validate  *validator.Validate
	sessions  *session.Store
	limiter   *ratelimit.Limiter
	httpCfg   gitlabhttp.Config
	bus       *bus.Bus
	jobs      *jobs.Registry
	bulk      *bulk.Engine
	migration *migration.Worker

	gwLimiter *sessionLimiter
}

// New constructs a Gateway wiring every component the handlers need.
func New(cfg Config, log zerolog.Logger, sessions *session.Store, limiter *ratelimit.Limiter,
	httpCfg gitlabhttp.Config, b *bus.Bus, jobRegistry *jobs.Registry, bulkEngine *bulk.Engine, migrationWorker *migration.Worker,
) *Gateway {
	return &Gateway{
		cfg:       cfg,
		log:       log,
		validate:  validator.New(),
		sessions:  sessions,
		limiter:   limiter,
		httpCfg:   httpCfg,
		bus:       b,
		jobs:      jobRegistry,
		bulk:      bulkEngine,
		migration: migrationWorker,
		gwLimiter: newSessionLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
	}
}

// clientFor builds a per-call GitLab API client scoped to sessionID's
// upstream base URL and token, sharing the process-wide rate limiter. The
// engines never see a bearer token directly.
func (g *Gateway) clientFor(sessionID string) (*gitlabapi.Client, error) {
	var client *gitlabapi.Client
	err := g.sessions.WithToken(sessionID, func(baseURL, token string) error {
		client = gitlabapi.New(gitlabhttp.New(baseURL, token, g.limiter, g.httpCfg))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Router builds the full route table, with the middleware chain applied in
// order: security headers, CORS, request-size limit, session resolution,
// rate limit, JSON decode + validation (per-handler), handler.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{g.cfg.CORSOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(g.requestSizeLimit)

	r.Get("/api/health", g.handleHealth)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", g.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(g.requireSession)
			r.Post("/logout", g.handleLogout)
			r.Get("/session", g.handleSession)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(g.requireSession)
		r.Use(g.rateLimitSession)

		r.Post("/api/gitlab/bulk/import", g.handleBulkImport)
		r.Post("/api/gitlab/bulk/settings/{scope}", g.handleBulkSettings)
		r.Post("/api/gitlab/bulk/delete", g.handleBulkDelete)
		r.Post("/api/gitlab/bulk/members", g.handleBulkMembers)

		r.Post("/api/svn/connection/test", g.handleSVNConnectionTest)
		r.Post("/api/svn/users/extract", g.handleSVNUsersExtract)
		r.Post("/api/svn/migration/preview", g.handleSVNMigrationPreview)
		r.Post("/api/svn/migration/start", g.handleSVNMigrationStart)
		r.Post("/api/svn/migration/{id}/sync", g.handleSVNMigrationSync)
		r.Post("/api/svn/migration/{id}/authors", g.handleSVNMigrationAuthors)
		r.Post("/api/svn/migration/{id}/cancel", g.handleSVNMigrationCancel)
		r.Post("/api/svn/migration/bulk", g.handleSVNMigrationBulkStart)

		r.Get("/api/jobs", g.handleListJobs)
		r.Get("/api/jobs/{id}", g.handleGetJob)
		r.Post("/api/jobs/{id}/cancel", g.handleCancelJob)

		r.Get("/ws", g.handleWebSocket)
	})

	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) requestSizeLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := g.cfg.RequestSizeLimitBytes
		if isMultipart(r) {
			limit = g.cfg.MultipartSizeLimitBytes
		}
		if limit > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

func isMultipart(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return len(ct) >= 19 && ct[:19] == "multipart/form-data"
}
