// Package server is the HTTP surface of the gateway: the ask/reply API,
// stream and discussion endpoints, admin operations, the WebSocket bus, and
// Prometheus metrics, all on fasthttp.
package server

import (
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/auth"
	"github.com/nulpointcorp/ai-gateway/internal/backpressure"
	"github.com/nulpointcorp/ai-gateway/internal/bus"
	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/config"
	"github.com/nulpointcorp/ai-gateway/internal/discussion"
	"github.com/nulpointcorp/ai-gateway/internal/engine"
	"github.com/nulpointcorp/ai-gateway/internal/health"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/queue"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
	"github.com/nulpointcorp/ai-gateway/internal/reliability"
	"github.com/nulpointcorp/ai-gateway/internal/store"
	"github.com/nulpointcorp/ai-gateway/internal/stream"
)

// Version is reported by the health endpoint.
const Version = "0.3.0"

// defaultWaitTimeout bounds synchronous ask/reply waits when the client does
// not pass its own.
const defaultWaitTimeout = 60 * time.Second

// Options wires the server's collaborators.
type Options struct {
	Engine       *engine.Engine
	Store        *store.Store
	Queue        *queue.Queue
	Health       *health.Checker
	Backpressure *backpressure.Controller
	Cache        *cache.Manager
	Stream       *stream.Manager
	Tracker      *reliability.Tracker
	Discussions  *discussion.Orchestrator
	Hub          *bus.Hub
	Auth         *auth.Manager
	AuthOptions  auth.MiddlewareOptions
	Limiter      *ratelimit.Limiter
	Metrics      *metrics.Metrics

	RateLimitEnabled bool
	CORSOrigins      []string

	// Providers, Groups, and Pricing describe the configured topology for
	// listing endpoints.
	Providers map[string]config.ProviderConfig
	Groups    map[string][]string
	Pricing   map[string]config.PricingEntry

	Logger *slog.Logger
}

// Server owns the fasthttp listener.
type Server struct {
	opts Options
	log  *slog.Logger
	srv  *fasthttp.Server
}

// New creates the Server and builds its route table.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts: opts,
		log:  opts.Logger.With(slog.String("component", "server")),
	}

	r := router.New()

	// Ask / reply.
	r.POST("/api/ask", s.handleAsk)
	r.POST("/api/ask/stream", s.handleAskStream)
	r.GET("/api/reply/{id}", s.handleReply)
	r.DELETE("/api/request/{id}", s.handleCancelRequest)
	r.GET("/api/requests", s.handleListRequests)

	// Batch operations.
	r.POST("/api/batch/ask", s.handleBatchAsk)
	r.POST("/api/batch/reply", s.handleBatchReply)
	r.POST("/api/batch/status", s.handleBatchStatus)
	r.POST("/api/batch/cancel", s.handleBatchCancel)

	// Stream log.
	r.GET("/api/stream/{id}", s.handleStreamEntries)
	r.GET("/api/stream/{id}/tail", s.handleStreamTail)
	r.GET("/api/streams", s.handleStreamsActive)
	r.GET("/api/streams/search", s.handleStreamSearch)

	// Gateway state.
	r.GET("/api/status", s.handleStatus)
	r.GET("/api/queue", s.handleQueue)
	r.GET("/api/providers", s.handleProviders)
	r.GET("/api/provider-groups", s.handleProviderGroups)
	r.GET("/api/health", s.handleHealth)
	r.GET("/api/health-checker/status", s.handleHealthCheckerStatus)
	r.POST("/api/health-checker/check", s.handleHealthCheckerCheck)
	r.GET("/readiness", s.handleReadiness)

	// Costs.
	r.GET("/api/costs/summary", s.handleCostSummary)
	r.GET("/api/costs/by-provider", s.handleCostByProvider)
	r.GET("/api/costs/by-day", s.handleCostByDay)
	r.GET("/api/costs/pricing", s.handleCostPricing)

	// Cache admin.
	r.GET("/api/cache/stats", s.handleCacheStats)
	r.GET("/api/cache/top", s.handleCacheTop)
	r.POST("/api/cache/cleanup", s.handleCacheCleanup)
	r.POST("/api/cache/clear", s.handleCacheClear)
	r.DELETE("/api/cache", s.handleCacheClear)

	// Smoke tests.
	r.GET("/api/test/health", s.handleTestHealth)
	r.GET("/api/test/providers", s.handleTestProviders)
	r.GET("/api/test/full", s.handleTestFull)

	// Provider and key admin.
	r.POST("/api/admin/providers/{name}/enable", s.handleProviderEnable)
	r.POST("/api/admin/providers/{name}/disable", s.handleProviderDisable)
	r.POST("/api/admin/keys", s.handleKeyCreate)
	r.GET("/api/admin/keys", s.handleKeyList)
	r.DELETE("/api/admin/keys/{id}", s.handleKeyDelete)
	r.POST("/api/admin/keys/{id}/enable", s.handleKeyEnable)
	r.POST("/api/admin/keys/{id}/disable", s.handleKeyDisable)

	// Discussions.
	r.POST("/api/discussions", s.handleDiscussionStart)
	r.GET("/api/discussions", s.handleDiscussionList)
	r.GET("/api/discussions/templates", s.handleTemplateList)
	r.POST("/api/discussions/templates", s.handleTemplateCreate)
	r.DELETE("/api/discussions/templates/{name}", s.handleTemplateDelete)
	r.GET("/api/discussions/{id}", s.handleDiscussionGet)
	r.GET("/api/discussions/{id}/messages", s.handleDiscussionMessages)
	r.POST("/api/discussions/{id}/cancel", s.handleDiscussionCancel)
	r.POST("/api/discussions/{id}/continue", s.handleDiscussionContinue)
	r.GET("/api/discussions/{id}/export", s.handleDiscussionExport)

	// Singular aliases kept for clients written against the original API.
	r.POST("/api/discussion/start", s.handleDiscussionStart)
	r.GET("/api/discussion/{id}", s.handleDiscussionGet)
	r.GET("/api/discussion/{id}/messages", s.handleDiscussionMessages)
	r.DELETE("/api/discussion/{id}", s.handleDiscussionCancel)
	r.POST("/api/discussion/{id}/continue", s.handleDiscussionContinue)
	r.GET("/api/discussion/{id}/export", s.handleDiscussionExport)

	if opts.Hub != nil {
		r.GET("/api/ws", opts.Hub.Handler)
	}
	if opts.Metrics != nil {
		r.GET("/metrics", opts.Metrics.Handler())
	}

	// Rate limiting keys off the authenticated client, so auth wraps it.
	handler := s.rateLimit(r.Handler)
	if opts.Auth != nil {
		handler = opts.Auth.Middleware(opts.AuthOptions, handler)
	}
	handler = applyMiddleware(handler,
		s.recovery,
		requestID,
		timing,
		corsHandler(opts.CORSOrigins),
		securityHeaders,
	)

	s.srv = &fasthttp.Server{
		Handler:            handler,
		Name:               "ai-gateway/" + Version,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Minute, // SSE responses stay open
		MaxRequestBodySize: 8 << 20,
	}
	return s
}

// Handler exposes the composed handler for tests.
func (s *Server) Handler() fasthttp.RequestHandler { return s.srv.Handler }

// Start listens on addr and blocks until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("listening", slog.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}
