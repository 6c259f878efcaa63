// Package httpapi is the HTTP transport: chi routing, X-API-Key
// authentication, SSE streaming, and the uniform error envelope, grounded
// on the teacher's auth middleware shape and go-opencode's SSE writer.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/agentcore/internal/cache"
	"github.com/kadirpekel/agentcore/internal/fingerprint"
	"github.com/kadirpekel/agentcore/internal/logging"
	"github.com/kadirpekel/agentcore/internal/orchestrator"
	"github.com/kadirpekel/agentcore/internal/session"
)

// Handlers bundles every dependency the HTTP surface needs; it is built
// once at process start and never mutated.
type Handlers struct {
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	durable  session.DurableStore
	cache    cache.Store
	hasher   *fingerprint.Hasher
	log      *slog.Logger
}

func NewHandlers(orch *orchestrator.Orchestrator, sessions *session.Manager, durable session.DurableStore, c cache.Store, hasher *fingerprint.Hasher) *Handlers {
	return &Handlers{orch: orch, sessions: sessions, durable: durable, cache: c, hasher: hasher, log: logging.Get()}
}

// defaultRequestTimeout is the default per-request bound of spec §5
// ("Cancellation semantics"), configurable by the caller via NewRouter.
const defaultRequestTimeout = 120 * time.Second

// NewRouter builds the chi router for the `/api/v1` surface plus the
// unauthenticated health endpoints.
func NewRouter(h *Handlers, requestTimeout time.Duration) http.Handler {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apiKeyMiddleware(h.hasher))

		r.Post("/query/single", h.querySingle)
		r.Post("/query/stream", h.queryStream)

		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}", h.getSession)
		r.Patch("/sessions/{id}/tags", h.patchSessionTags)
		r.Post("/sessions/{id}/promote", h.promoteSession)
		r.Delete("/sessions/{id}", h.deleteSession)
		r.Get("/sessions/{id}/transcript", h.getTranscript)
	})

	return r
}
