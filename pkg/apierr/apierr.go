// Package apierr renders API error bodies.
//
// Every error response is a JSON object with a single "detail" field so
// clients never need to branch on error shape.
package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Body is the wire shape of every error response.
type Body struct {
	Detail string `json:"detail"`
}

// Write sets the status code and JSON error body on the response.
func Write(ctx *fasthttp.RequestCtx, status int, detail string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(Body{Detail: detail})
	ctx.SetBody(data)
}

// Writef is Write with formatting.
func Writef(ctx *fasthttp.RequestCtx, status int, format string, args ...any) {
	Write(ctx, status, fmt.Sprintf(format, args...))
}

// BadRequest writes a 400.
func BadRequest(ctx *fasthttp.RequestCtx, detail string) {
	Write(ctx, fasthttp.StatusBadRequest, detail)
}

// Unauthorized writes a 401.
func Unauthorized(ctx *fasthttp.RequestCtx, detail string) {
	Write(ctx, fasthttp.StatusUnauthorized, detail)
}

// NotFound writes a 404.
func NotFound(ctx *fasthttp.RequestCtx, detail string) {
	Write(ctx, fasthttp.StatusNotFound, detail)
}

// Conflict writes a 409.
func Conflict(ctx *fasthttp.RequestCtx, detail string) {
	Write(ctx, fasthttp.StatusConflict, detail)
}

// TooManyRequests writes a 429.
func TooManyRequests(ctx *fasthttp.RequestCtx, detail string) {
	Write(ctx, fasthttp.StatusTooManyRequests, detail)
}

// Internal writes a 500.
func Internal(ctx *fasthttp.RequestCtx, detail string) {
	Write(ctx, fasthttp.StatusInternalServerError, detail)
}

// Unavailable writes a 503.
func Unavailable(ctx *fasthttp.RequestCtx, detail string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, detail)
}
