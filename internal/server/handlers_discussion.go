package server

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/core"
	"github.com/nulpointcorp/ai-gateway/internal/store"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

// handleDiscussionStart opens a multi-round session. A template name may
// stand in for an explicit topic and provider list.
func (s *Server) handleDiscussionStart(ctx *fasthttp.RequestCtx) {
	var body struct {
		Topic                  string   `json:"topic"`
		Providers              []string `json:"providers"`
		Template               string   `json:"template,omitempty"`
		SummaryProvider        string   `json:"summary_provider,omitempty"`
		RoundTimeoutSeconds    int      `json:"round_timeout_seconds,omitempty"`
		ProviderTimeoutSeconds int      `json:"provider_timeout_seconds,omitempty"`
	}
	if err := unmarshalBody(ctx, &body); err != nil {
		apierr.BadRequest(ctx, err.Error())
		return
	}

	if body.Template != "" {
		tpl, err := s.opts.Store.GetDiscussionTemplate(ctx, body.Template)
		if err != nil {
			apierr.NotFound(ctx, "unknown template "+body.Template)
			return
		}
		if body.Topic == "" {
			body.Topic = tpl.Topic
		}
		if len(body.Providers) == 0 {
			body.Providers = tpl.Providers
		}
	}

	cfg := core.DiscussionConfig{
		SummaryProvider: body.SummaryProvider,
		RoundTimeout:    time.Duration(body.RoundTimeoutSeconds) * time.Second,
		ProviderTimeout: time.Duration(body.ProviderTimeoutSeconds) * time.Second,
	}
	sess, err := s.opts.Discussions.Start(ctx, body.Topic, body.Providers, cfg)
	if err != nil {
		apierr.BadRequest(ctx, err.Error())
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, sess)
}

func (s *Server) handleDiscussionList(ctx *fasthttp.RequestCtx) {
	sessions, err := s.opts.Store.ListDiscussionSessions(ctx,
		queryInt(ctx, "limit", 0), queryInt(ctx, "offset", 0))
	if err != nil {
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleDiscussionGet(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	sess, err := s.opts.Store.GetDiscussionSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.NotFound(ctx, "unknown session "+id)
			return
		}
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, sess)
}

// handleDiscussionMessages returns a session's transcript, optionally one
// round (round=0 is the summary).
func (s *Server) handleDiscussionMessages(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)

	round := -1
	if v := queryString(ctx, "round"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			apierr.BadRequest(ctx, "round must be a non-negative integer")
			return
		}
		round = n
	}

	msgs, err := s.opts.Store.GetDiscussionMessages(ctx, id, round)
	if err != nil {
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"session_id": id, "messages": msgs})
}

func (s *Server) handleDiscussionCancel(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	if err := s.opts.Discussions.Cancel(ctx, id); err != nil {
		apierr.Conflict(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"session_id": id, "status": core.DiscussionCancelled})
}

func (s *Server) handleDiscussionContinue(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	var body struct {
		Topic     string   `json:"topic"`
		Providers []string `json:"providers,omitempty"`
		Context   string   `json:"context,omitempty"`
	}
	if err := unmarshalBody(ctx, &body); err != nil {
		apierr.BadRequest(ctx, err.Error())
		return
	}

	sess, err := s.opts.Discussions.ContinueSession(ctx, id, body.Topic, body.Providers, body.Context)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.NotFound(ctx, "unknown session "+id)
			return
		}
		apierr.BadRequest(ctx, err.Error())
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, sess)
}

func (s *Server) handleDiscussionExport(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	data, contentType, err := s.opts.Discussions.Export(ctx, id, queryString(ctx, "format"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.NotFound(ctx, "unknown session "+id)
			return
		}
		apierr.BadRequest(ctx, err.Error())
		return
	}
	ctx.SetContentType(contentType)
	ctx.SetBody(data)
}

// ── templates ─────────────────────────────────────────────────────────────────

func (s *Server) handleTemplateCreate(ctx *fasthttp.RequestCtx) {
	var tpl core.DiscussionTemplate
	if err := unmarshalBody(ctx, &tpl); err != nil {
		apierr.BadRequest(ctx, err.Error())
		return
	}
	if tpl.Name == "" || tpl.Topic == "" {
		apierr.BadRequest(ctx, "name and topic are required")
		return
	}
	tpl.ID = uuid.NewString()
	tpl.CreatedAt = time.Now().UTC()

	if err := s.opts.Store.CreateDiscussionTemplate(ctx, &tpl); err != nil {
		apierr.Conflict(ctx, err.Error())
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, tpl)
}

func (s *Server) handleTemplateList(ctx *fasthttp.RequestCtx) {
	tpls, err := s.opts.Store.ListDiscussionTemplates(ctx)
	if err != nil {
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"templates": tpls})
}

func (s *Server) handleTemplateDelete(ctx *fasthttp.RequestCtx) {
	name := ctx.UserValue("name").(string)
	if err := s.opts.Store.DeleteDiscussionTemplate(ctx, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.NotFound(ctx, "unknown template "+name)
			return
		}
		apierr.Internal(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"deleted": name})
}
