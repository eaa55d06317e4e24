package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/auth"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

// recovery catches handler panics and answers 500 without killing the
// process.
func (s *Server) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.Internal(ctx, "internal server error")
			}
		}()
		next(ctx)
	}
}

// requestID echoes or assigns an X-Request-ID and stores it for handlers.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing reports handler duration in X-Response-Time.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders hardens every response. The API serves no HTML, so the CSP
// denies everything.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler answers preflights and sets the allow-origin header. nil or
// ["*"] opens to any origin.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// rateLimit enforces the per-client sliding window. The limiter degrades
// open, so Redis outages never block traffic.
func (s *Server) rateLimit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if !s.opts.RateLimitEnabled || s.opts.Limiter == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		clientID, _ := ctx.UserValue(auth.ClientIDKey).(string)
		if clientID == "" {
			clientID = ctx.RemoteIP().String()
		}
		allowed, err := s.opts.Limiter.AllowClient(ctx, clientID)
		if err != nil {
			s.log.Warn("rate limit check failed", slog.String("error", err.Error()))
		}
		if !allowed {
			ctx.Response.Header.Set("Retry-After", "60")
			apierr.TooManyRequests(ctx, "rate limit exceeded")
			return
		}
		next(ctx)
	}
}

// applyMiddleware wraps h left-to-right: the first middleware is outermost.
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func unmarshalBody(ctx *fasthttp.RequestCtx, v any) error {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		apierr.Internal(ctx, "response encoding failed")
		return
	}
	ctx.SetBody(data)
}
