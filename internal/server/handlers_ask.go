package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/core"
	"github.com/nulpointcorp/ai-gateway/internal/engine"
	"github.com/nulpointcorp/ai-gateway/internal/queue"
	"github.com/nulpointcorp/ai-gateway/internal/store"
	"github.com/nulpointcorp/ai-gateway/internal/stream"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

const (
	maxBatchSubmit = 50
	maxBatchFetch  = 100
)

// askRequest is the ask endpoint's body.
type askRequest struct {
	Message             string         `json:"message"`
	Provider            string         `json:"provider,omitempty"`
	Priority            int            `json:"priority,omitempty"`
	TimeoutSeconds      float64        `json:"timeout_seconds,omitempty"`
	Parallel            bool           `json:"parallel,omitempty"`
	AggregationStrategy string         `json:"aggregation_strategy,omitempty"`
	CacheBypass         bool           `json:"cache_bypass,omitempty"`
	Agent               string         `json:"agent,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

func (a *askRequest) toCore() *core.Request {
	req := &core.Request{
		ID:       uuid.NewString(),
		Provider: a.Provider,
		Message:  a.Message,
		Priority: a.Priority,
		Metadata: a.Metadata,
	}
	if a.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(a.TimeoutSeconds * float64(time.Second))
	}
	if a.Parallel {
		req.SetMeta(core.MetaParallel, true)
	}
	if a.AggregationStrategy != "" {
		req.SetMeta(core.MetaAggregationStrategy, a.AggregationStrategy)
	}
	if a.CacheBypass {
		req.SetMeta(core.MetaCacheBypass, true)
	}
	if a.Agent != "" {
		req.SetMeta(core.MetaAgent, a.Agent)
	}
	return req
}

// submit runs the admission checks and enqueues. Writes the error response
// itself and returns false on rejection.
func (s *Server) submit(ctx *fasthttp.RequestCtx, req *core.Request) bool {
	if ok, reason := s.opts.Backpressure.ShouldAccept(s.opts.Queue.Depth()); !ok {
		ctx.Response.Header.Set("Retry-After", "5")
		apierr.Unavailable(ctx, reason)
		return false
	}
	if err := s.opts.Engine.Submit(ctx, req); err != nil {
		switch {
		case errors.Is(err, queue.ErrFull):
			ctx.Response.Header.Set("Retry-After", "5")
			apierr.Unavailable(ctx, "queue full")
		case errors.Is(err, queue.ErrClosed):
			apierr.Unavailable(ctx, "shutting down")
		default:
			apierr.BadRequest(ctx, err.Error())
		}
		return false
	}
	return true
}

// handleAsk submits a request and, unless wait=false, blocks for the
// response.
func (s *Server) handleAsk(ctx *fasthttp.RequestCtx) {
	var body askRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.BadRequest(ctx, "invalid JSON body")
		return
	}

	req := body.toCore()
	if !s.submit(ctx, req) {
		return
	}

	if !queryBool(ctx, "wait", true) {
		ctx.SetStatusCode(fasthttp.StatusAccepted)
		writeJSON(ctx, map[string]any{"request_id": req.ID, "status": core.StatusQueued})
		return
	}

	s.waitAndReply(ctx, req.ID)
}

// handleReply returns a finished response, optionally waiting for it.
func (s *Server) handleReply(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)

	req, resp, err := s.opts.Engine.Describe(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.NotFound(ctx, "unknown request "+id)
			return
		}
		apierr.Internal(ctx, err.Error())
		return
	}
	if resp != nil {
		writeJSON(ctx, resp)
		return
	}
	if !queryBool(ctx, "wait", false) {
		ctx.SetStatusCode(fasthttp.StatusAccepted)
		writeJSON(ctx, map[string]any{"request_id": id, "status": req.Status})
		return
	}

	s.waitAndReply(ctx, id)
}

func (s *Server) waitAndReply(ctx *fasthttp.RequestCtx, id string) {
	waitCtx, cancel := contextWithQueryTimeout(ctx, defaultWaitTimeout)
	defer cancel()

	resp, err := s.opts.Engine.Wait(waitCtx, id)
	if err != nil {
		// Still running; hand back a pollable reference.
		ctx.SetStatusCode(fasthttp.StatusAccepted)
		writeJSON(ctx, map[string]any{"request_id": id, "status": core.StatusProcessing})
		return
	}
	writeJSON(ctx, resp)
}

// handleAskStream submits a request and streams its log as SSE frames until
// the terminal entry.
func (s *Server) handleAskStream(ctx *fasthttp.RequestCtx) {
	var body askRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.BadRequest(ctx, "invalid JSON body")
		return
	}

	req := body.toCore()
	entries, cancel := s.opts.Stream.Subscribe(req.ID)
	if !s.submit(ctx, req) {
		cancel()
		return
	}

	s.sse(ctx, entries, cancel)
}

// handleStreamTail replays a request's stored stream log, then follows it
// live until completion.
func (s *Server) handleStreamTail(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)

	req, err := s.opts.Store.GetRequest(ctx, id)
	if err != nil {
		apierr.NotFound(ctx, "unknown request "+id)
		return
	}

	stored, err := s.opts.Stream.Entries(ctx, id, store.StreamEntryFilter{})
	if err != nil {
		apierr.Internal(ctx, err.Error())
		return
	}

	if req.Status.Terminal() {
		ctx.SetContentType("text/event-stream")
		ctx.Response.Header.Set("Cache-Control", "no-cache")
		var buf []byte
		for _, e := range stored {
			buf = append(buf, stream.SSEFrame(e)...)
		}
		ctx.SetBody(buf)
		return
	}

	entries, cancel := s.opts.Stream.Subscribe(id)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for _, e := range stored {
			w.Write(stream.SSEFrame(e))
		}
		w.Flush()
		for e := range entries {
			w.Write(stream.SSEFrame(e))
			w.Flush()
			if e.Type == core.StreamComplete {
				return
			}
		}
	})
}

func (s *Server) sse(ctx *fasthttp.RequestCtx, entries <-chan *core.StreamEntry, cancel func()) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for e := range entries {
			w.Write(stream.SSEFrame(e))
			if err := w.Flush(); err != nil {
				return
			}
			if e.Type == core.StreamComplete {
				return
			}
		}
	})
}

// handleStreamEntries returns a request's stored stream log.
func (s *Server) handleStreamEntries(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	f := store.StreamEntryFilter{
		Type:  core.StreamEntryType(queryString(ctx, "type")),
		Limit: queryInt(ctx, "limit", 0),
	}
	// since is a unix timestamp in seconds.
	if since := queryInt(ctx, "since", 0); since > 0 {
		f.Since = time.Unix(int64(since), 0)
	}

	entries, err := s.opts.Stream.Entries(ctx, id, f)
	if err != nil {
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"request_id": id, "entries": entries})
}

// handleStreamsActive lists streams currently in flight.
func (s *Server) handleStreamsActive(ctx *fasthttp.RequestCtx) {
	active := s.opts.Stream.Active()
	writeJSON(ctx, map[string]any{"streams": active, "count": len(active)})
}

// handleStreamSearch searches thinking entries across all requests.
func (s *Server) handleStreamSearch(ctx *fasthttp.RequestCtx) {
	q := queryString(ctx, "q")
	if q == "" {
		apierr.BadRequest(ctx, "q parameter required")
		return
	}
	entries, err := s.opts.Stream.SearchThinking(ctx, q, queryInt(ctx, "limit", 50))
	if err != nil {
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"query": q, "entries": entries})
}

// handleBatchAsk submits up to maxBatchSubmit requests and returns their ids.
func (s *Server) handleBatchAsk(ctx *fasthttp.RequestCtx) {
	var body struct {
		Requests []askRequest `json:"requests"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.BadRequest(ctx, "invalid JSON body")
		return
	}
	if len(body.Requests) == 0 {
		apierr.BadRequest(ctx, "requests must not be empty")
		return
	}
	if len(body.Requests) > maxBatchSubmit {
		apierr.Writef(ctx, fasthttp.StatusBadRequest,
			"batch size %d exceeds the limit of %d", len(body.Requests), maxBatchSubmit)
		return
	}

	type submitted struct {
		RequestID string `json:"request_id,omitempty"`
		Error     string `json:"error,omitempty"`
	}
	out := make([]submitted, 0, len(body.Requests))
	for i := range body.Requests {
		req := body.Requests[i].toCore()
		if ok, reason := s.opts.Backpressure.ShouldAccept(s.opts.Queue.Depth()); !ok {
			out = append(out, submitted{Error: reason})
			continue
		}
		if err := s.opts.Engine.Submit(ctx, req); err != nil {
			out = append(out, submitted{Error: err.Error()})
			continue
		}
		out = append(out, submitted{RequestID: req.ID})
	}
	ctx.SetStatusCode(fasthttp.StatusAccepted)
	writeJSON(ctx, map[string]any{"submitted": out})
}

// batchIDs reads and bounds the {ids: [...]} body shared by the batch fetch
// endpoints. Writes the error response itself and returns nil on failure.
func batchIDs(ctx *fasthttp.RequestCtx) []string {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.BadRequest(ctx, "invalid JSON body")
		return nil
	}
	if len(body.IDs) == 0 {
		apierr.BadRequest(ctx, "ids must not be empty")
		return nil
	}
	if len(body.IDs) > maxBatchFetch {
		apierr.Writef(ctx, fasthttp.StatusBadRequest,
			"%d ids exceeds the limit of %d", len(body.IDs), maxBatchFetch)
		return nil
	}
	for i, id := range body.IDs {
		body.IDs[i] = strings.TrimSpace(id)
	}
	return body.IDs
}

// handleBatchReply fetches up to maxBatchFetch responses by id, including the
// full response for terminal requests.
func (s *Server) handleBatchReply(ctx *fasthttp.RequestCtx) {
	ids := batchIDs(ctx)
	if ids == nil {
		return
	}

	type entry struct {
		RequestID string         `json:"request_id"`
		Status    core.Status    `json:"status,omitempty"`
		Response  *core.Response `json:"response,omitempty"`
		Error     string         `json:"error,omitempty"`
	}
	out := make([]entry, 0, len(ids))
	for _, id := range ids {
		req, resp, err := s.opts.Engine.Describe(ctx, id)
		switch {
		case err != nil:
			out = append(out, entry{RequestID: id, Error: "not found"})
		case resp != nil:
			out = append(out, entry{RequestID: id, Status: req.Status, Response: resp})
		default:
			out = append(out, entry{RequestID: id, Status: req.Status})
		}
	}
	writeJSON(ctx, map[string]any{"replies": out})
}

// handleBatchStatus reports just the status per id, without response bodies.
func (s *Server) handleBatchStatus(ctx *fasthttp.RequestCtx) {
	ids := batchIDs(ctx)
	if ids == nil {
		return
	}

	type entry struct {
		RequestID string      `json:"request_id"`
		Status    core.Status `json:"status,omitempty"`
		Error     string      `json:"error,omitempty"`
	}
	out := make([]entry, 0, len(ids))
	for _, id := range ids {
		req, err := s.opts.Store.GetRequest(ctx, id)
		if err != nil {
			out = append(out, entry{RequestID: id, Error: "not found"})
			continue
		}
		out = append(out, entry{RequestID: id, Status: req.Status})
	}
	writeJSON(ctx, map[string]any{"statuses": out})
}

// handleBatchCancel cancels every listed request that is still cancellable.
func (s *Server) handleBatchCancel(ctx *fasthttp.RequestCtx) {
	ids := batchIDs(ctx)
	if ids == nil {
		return
	}

	type entry struct {
		RequestID string `json:"request_id"`
		Cancelled bool   `json:"cancelled"`
		Error     string `json:"error,omitempty"`
	}
	out := make([]entry, 0, len(ids))
	for _, id := range ids {
		if err := s.opts.Engine.Cancel(ctx, id); err != nil {
			out = append(out, entry{RequestID: id, Error: err.Error()})
			continue
		}
		out = append(out, entry{RequestID: id, Cancelled: true})
	}
	writeJSON(ctx, map[string]any{"cancelled": out})
}

// handleCancelRequest cancels a queued or running request.
func (s *Server) handleCancelRequest(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	if err := s.opts.Engine.Cancel(ctx, id); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			apierr.Conflict(ctx, "request is not queued or running")
			return
		}
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"request_id": id, "status": core.StatusCancelled})
}

// handleListRequests lists stored requests with optional filters.
func (s *Server) handleListRequests(ctx *fasthttp.RequestCtx) {
	f := store.RequestFilter{
		Status:   core.Status(queryString(ctx, "status")),
		Provider: queryString(ctx, "provider"),
		Limit:    queryInt(ctx, "limit", 0),
		Offset:   queryInt(ctx, "offset", 0),
	}
	reqs, err := s.opts.Store.ListRequests(ctx, f)
	if err != nil {
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"requests": reqs, "count": len(reqs)})
}

// ── query helpers ─────────────────────────────────────────────────────────────

func queryString(ctx *fasthttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func queryBool(ctx *fasthttp.RequestCtx, key string, def bool) bool {
	v := queryString(ctx, key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func queryInt(ctx *fasthttp.RequestCtx, key string, def int) int {
	v := queryString(ctx, key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// contextWithQueryTimeout derives a wait deadline from the "timeout" query
// parameter (seconds), falling back to def.
func contextWithQueryTimeout(ctx *fasthttp.RequestCtx, def time.Duration) (context.Context, context.CancelFunc) {
	d := def
	if secs := queryInt(ctx, "timeout", 0); secs > 0 {
		d = time.Duration(secs) * time.Second
	}
	return context.WithTimeout(ctx, d)
}
