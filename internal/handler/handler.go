package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/sadewadee/katexd/internal/protocol"
	"github.com/sadewadee/katexd/internal/render"
)

// Outcome classifies how a request ended.
type Outcome string

const (
	OutcomeHTML        Outcome = "html"
	OutcomeDeserialize Outcome = "deserialize_error"
	OutcomeInvalid     Outcome = "invalid_request"
	OutcomeRender      Outcome = "render_error"
	OutcomeUnavailable Outcome = "renderer_unavailable"
	OutcomePanic       Outcome = "panic"
)

// MissingMarkupMessage is reported when a request has no latex field. It is
// the message KaTeX itself throws for a non-string expression; the request is
// answered without a worker round trip.
const MissingMarkupMessage = "KaTeX can only parse string typed expression"

// Observer is told about every handled request.
type Observer interface {
	ObserveRequest(outcome Outcome, elapsed time.Duration)
}

// Handler turns one request payload into one response. It never fails: every
// problem with a request becomes an error response for that request only.
type Handler struct {
	renderer render.Renderer
	logger   *slog.Logger
	observer Observer
}

// New creates a handler that renders through r.
func New(r render.Renderer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{renderer: r, logger: logger}
}

// SetObserver registers o to receive per-request outcomes.
func (h *Handler) SetObserver(o Observer) {
	h.observer = o
}

// Handle decodes payload, renders it, and builds the response.
func (h *Handler) Handle(ctx context.Context, payload string) protocol.Response {
	start := time.Now()
	resp, outcome := h.handle(ctx, payload)
	if h.observer != nil {
		h.observer.ObserveRequest(outcome, time.Since(start))
	}
	return resp
}

func (h *Handler) handle(ctx context.Context, payload string) (resp protocol.Response, outcome Outcome) {
	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		return protocol.ErrorResponse(fmt.Sprintf("Could not deserialize %s: %s", payload, err)), OutcomeDeserialize
	}
	if req.Latex == nil {
		return protocol.ErrorResponse(MissingMarkupMessage), OutcomeInvalid
	}

	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("panic in renderer",
				"error", rec,
				"stack", string(debug.Stack()),
			)
			resp = protocol.ErrorResponse(fmt.Sprintf("internal error: %v", rec))
			outcome = OutcomePanic
		}
	}()

	html, err := h.renderer.Render(ctx, *req.Latex, req.Options)
	if err != nil {
		if render.IsEngineError(err) {
			return protocol.ErrorResponse(render.Message(err)), OutcomeRender
		}
		h.logger.Warn("renderer unavailable", "error", err)
		return protocol.ErrorResponse(err.Error()), OutcomeUnavailable
	}
	return protocol.HTMLResponse(html), OutcomeHTML
}
