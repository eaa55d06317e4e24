package server

import (
	"context"
	"sort"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/ai-gateway/internal/core"
)

// selfTestTimeout bounds one provider round trip.
const selfTestTimeout = 30 * time.Second

// handleTestHealth probes every provider and reports the refreshed view.
func (s *Server) handleTestHealth(ctx *fasthttp.RequestCtx) {
	s.opts.Health.CheckAll(ctx)
	snap := s.opts.Health.Snapshot()

	status := "degraded"
	for name := range snap {
		if s.opts.Health.Available(name) {
			status = "ok"
			break
		}
	}
	writeJSON(ctx, map[string]any{"status": status, "providers": snap})
}

// handleTestProviders sends a test message through every available provider
// and reports per-provider outcomes.
func (s *Server) handleTestProviders(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"results": s.roundTrips(ctx, "ping")})
}

// handleTestFull combines a forced health sweep, provider round trips, and
// the load state into one smoke-test report.
func (s *Server) handleTestFull(ctx *fasthttp.RequestCtx) {
	s.opts.Health.CheckAll(ctx)
	writeJSON(ctx, map[string]any{
		"providers":    s.opts.Health.Snapshot(),
		"results":      s.roundTrips(ctx, "ping"),
		"queue":        s.opts.Queue.Snapshot(),
		"backpressure": s.opts.Backpressure.State(),
	})
}

type roundTrip struct {
	Provider  string `json:"provider"`
	Success   bool   `json:"success"`
	LatencyMs int64  `json:"latency_ms"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// roundTrips runs message through the full pipeline once per available
// provider, concurrently, bypassing the cache so every provider is actually
// exercised.
func (s *Server) roundTrips(ctx context.Context, message string) []roundTrip {
	var names []string
	for name := range s.opts.Providers {
		if s.opts.Health.Available(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]roundTrip, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			start := time.Now()
			rt := roundTrip{Provider: name}

			req := &core.Request{
				Provider: name,
				Message:  message,
				Timeout:  selfTestTimeout,
				Metadata: map[string]any{core.MetaCacheBypass: true},
			}
			if err := s.opts.Engine.Submit(ctx, req); err != nil {
				rt.Error = err.Error()
			} else {
				waitCtx, cancel := context.WithTimeout(ctx, selfTestTimeout)
				resp, err := s.opts.Engine.Wait(waitCtx, req.ID)
				cancel()
				switch {
				case err != nil:
					rt.Error = "timed out waiting for reply"
				case resp.Status == core.StatusCompleted:
					rt.Success = true
					rt.Response = clip(resp.Response, 200)
				default:
					rt.Error = resp.Error
				}
			}

			rt.LatencyMs = time.Since(start).Milliseconds()
			out[i] = rt
			return nil
		})
	}
	g.Wait()
	return out
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
