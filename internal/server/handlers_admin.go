package server

import (
	"errors"
	"sort"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/store"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

// handleStatus reports the gateway's composite state: queue, load level,
// providers, and reliability scores.
func (s *Server) handleStatus(ctx *fasthttp.RequestCtx) {
	status := map[string]any{
		"version":      Version,
		"queue":        s.opts.Queue.Snapshot(),
		"backpressure": s.opts.Backpressure.State(),
		"providers":    s.opts.Health.Snapshot(),
		"reliability":  s.opts.Tracker.Snapshot(),
	}
	if s.opts.Hub != nil {
		status["websocket_clients"] = s.opts.Hub.ClientCount()
	}
	if stats, err := s.opts.Cache.Stats(ctx); err == nil {
		status["cache"] = stats
	}
	writeJSON(ctx, status)
}

// handleQueue reports queue statistics.
func (s *Server) handleQueue(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.opts.Queue.Snapshot())
}

// handleProviders lists the configured providers with their live health.
func (s *Server) handleProviders(ctx *fasthttp.RequestCtx) {
	healthSnap := s.opts.Health.Snapshot()

	type providerInfo struct {
		Name              string `json:"name"`
		BackendType       string `json:"backend_type"`
		Enabled           bool   `json:"enabled"`
		Priority          int    `json:"priority"`
		Model             string `json:"model,omitempty"`
		SupportsStreaming bool   `json:"supports_streaming"`
		Status            string `json:"status"`
		Available         bool   `json:"available"`
		NeedsReauth       bool   `json:"needs_reauth"`
	}

	names := make([]string, 0, len(s.opts.Providers))
	for name := range s.opts.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]providerInfo, 0, len(names))
	for _, name := range names {
		p := s.opts.Providers[name]
		info := providerInfo{
			Name:              name,
			BackendType:       p.BackendType,
			Enabled:           p.Enabled,
			Priority:          p.Priority,
			Model:             p.Model,
			SupportsStreaming: p.SupportsStreaming,
			Status:            string(s.opts.Health.Status(name)),
			Available:         s.opts.Health.Available(name),
			NeedsReauth:       s.opts.Tracker.NeedsReauth(name),
		}
		if h, ok := healthSnap[name]; ok && h.ForcedOff {
			info.Available = false
		}
		out = append(out, info)
	}
	writeJSON(ctx, map[string]any{"providers": out})
}

// handleProviderGroups lists the fan-out groups.
func (s *Server) handleProviderGroups(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"groups": s.opts.Groups})
}

// handleHealth is the liveness endpoint.
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":    "ok",
		"version":   Version,
		"providers": s.opts.Health.Snapshot(),
	})
}

// handleHealthCheckerStatus exposes the checker's full per-provider state.
func (s *Server) handleHealthCheckerStatus(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"providers": s.opts.Health.Snapshot()})
}

// handleHealthCheckerCheck forces an immediate probe of every provider.
func (s *Server) handleHealthCheckerCheck(ctx *fasthttp.RequestCtx) {
	s.opts.Health.CheckAll(ctx)
	writeJSON(ctx, map[string]any{"providers": s.opts.Health.Snapshot()})
}

// handleReadiness answers 503 until at least one provider is available.
func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	for name := range s.opts.Providers {
		if s.opts.Health.Available(name) {
			writeJSON(ctx, map[string]string{"status": "ok"})
			return
		}
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// handleProviderEnable clears a forced or automatic disable.
func (s *Server) handleProviderEnable(ctx *fasthttp.RequestCtx) {
	name := ctx.UserValue("name").(string)
	if !s.opts.Health.ForceEnable(name) {
		apierr.NotFound(ctx, "unknown provider "+name)
		return
	}
	s.opts.Tracker.ResetAuth(name)
	writeJSON(ctx, map[string]any{"provider": name, "enabled": true})
}

// handleProviderDisable takes a provider out of rotation.
func (s *Server) handleProviderDisable(ctx *fasthttp.RequestCtx) {
	name := ctx.UserValue("name").(string)
	if !s.opts.Health.ForceDisable(name) {
		apierr.NotFound(ctx, "unknown provider "+name)
		return
	}
	writeJSON(ctx, map[string]any{"provider": name, "enabled": false})
}

// ── costs ─────────────────────────────────────────────────────────────────────

func (s *Server) handleCostSummary(ctx *fasthttp.RequestCtx) {
	hours := queryInt(ctx, "hours", 24)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	summary, err := s.opts.Store.CostSummarySince(ctx, since)
	if err != nil {
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"hours": hours, "summary": summary})
}

func (s *Server) handleCostByProvider(ctx *fasthttp.RequestCtx) {
	hours := queryInt(ctx, "hours", 24)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	costs, err := s.opts.Store.CostByProviderSince(ctx, since)
	if err != nil {
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"hours": hours, "providers": costs})
}

func (s *Server) handleCostByDay(ctx *fasthttp.RequestCtx) {
	days := queryInt(ctx, "days", 30)
	costs, err := s.opts.Store.CostByDay(ctx, days)
	if err != nil {
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"days": days, "daily": costs})
}

// handleCostPricing reports the configured per-provider pricing matrix.
func (s *Server) handleCostPricing(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"pricing": s.opts.Pricing})
}

// ── cache admin ───────────────────────────────────────────────────────────────

func (s *Server) handleCacheStats(ctx *fasthttp.RequestCtx) {
	stats, err := s.opts.Cache.Stats(ctx)
	if err != nil {
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, stats)
}

func (s *Server) handleCacheTop(ctx *fasthttp.RequestCtx) {
	entries, err := s.opts.Cache.TopEntries(ctx, queryInt(ctx, "limit", 10))
	if err != nil {
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"entries": entries})
}

// handleCacheCleanup runs the expiry and size-bound sweep on demand.
func (s *Server) handleCacheCleanup(ctx *fasthttp.RequestCtx) {
	expired, evicted := s.opts.Cache.Sweep(ctx)
	writeJSON(ctx, map[string]any{"expired": expired, "evicted": evicted})
}

func (s *Server) handleCacheClear(ctx *fasthttp.RequestCtx) {
	provider := queryString(ctx, "provider")
	removed, err := s.opts.Cache.Clear(ctx, provider)
	if err != nil {
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"removed": removed})
}

// ── API keys ──────────────────────────────────────────────────────────────────

func (s *Server) handleKeyCreate(ctx *fasthttp.RequestCtx) {
	var body struct {
		Name string `json:"name"`
	}
	if err := unmarshalBody(ctx, &body); err != nil {
		apierr.BadRequest(ctx, err.Error())
		return
	}
	issued, err := s.opts.Auth.Create(ctx, body.Name)
	if err != nil {
		apierr.BadRequest(ctx, err.Error())
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, issued)
}

func (s *Server) handleKeyList(ctx *fasthttp.RequestCtx) {
	keys, err := s.opts.Auth.List(ctx)
	if err != nil {
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"keys": keys})
}

func (s *Server) handleKeyDelete(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	if err := s.opts.Auth.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.NotFound(ctx, "unknown key "+id)
			return
		}
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"deleted": id})
}

func (s *Server) handleKeyEnable(ctx *fasthttp.RequestCtx) {
	s.setKeyEnabled(ctx, true)
}

func (s *Server) handleKeyDisable(ctx *fasthttp.RequestCtx) {
	s.setKeyEnabled(ctx, false)
}

func (s *Server) setKeyEnabled(ctx *fasthttp.RequestCtx, enabled bool) {
	id := ctx.UserValue("id").(string)
	if err := s.opts.Auth.SetEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.NotFound(ctx, "unknown key "+id)
			return
		}
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"id": id, "enabled": enabled})
}
