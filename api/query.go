package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/citolabs/cito/internal/engine"
	"github.com/citolabs/cito/internal/log"
)

// QueryHandler serves the query endpoints.
type QueryHandler struct {
	engine *engine.Engine
	logger log.Logger
}

// NewQueryHandler creates a query handler over eng.
func NewQueryHandler(eng *engine.Engine, logger log.Logger) *QueryHandler {
	return &QueryHandler{engine: eng, logger: logger}
}

// handleQuery runs the aggregate pipeline: one JSON request, one JSON
// result.
func (h *QueryHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	result, err := h.engine.Query(r.Context(), req)
	if err != nil {
		status, code := statusFor(err)
		h.logger.Error("query failed", "code", code, "error", err)
		writeError(w, status, string(code), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) (int, engine.ErrorCode) {
	code := engine.CodeOf(err)
	switch code {
	case engine.CodeInvalidQuery:
		return http.StatusBadRequest, code
	case engine.CodePermissionDenied:
		return http.StatusForbidden, code
	case engine.CodeRetrievalUnavailable:
		return http.StatusServiceUnavailable, code
	case engine.CodeSynthesisFailed:
		return http.StatusBadGateway, code
	default:
		return http.StatusInternalServerError, code
	}
}

// SSE payloads, one per engine event type.

// SSEStatusData is the data for "status" events.
type SSEStatusData struct {
	Phase string `json:"phase"`
}

// SSETokenData is the data for "token" events.
type SSETokenData struct {
	Text string `json:"text"`
}

// SSEErrorData is the data for "error" events.
type SSEErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleStream runs the streaming pipeline over SSE. Event names match
// the engine event types: status, token, citation, done, error.
func (h *QueryHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported by response writer")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeSSE(w, flusher, "error", SSEErrorData{
			Code:    string(engine.CodeInvalidQuery),
			Message: "malformed JSON body",
		})
		return
	}

	err := h.engine.Stream(r.Context(), req, func(ev engine.Event) error {
		switch ev.Type {
		case engine.EventStatus:
			return h.writeSSE(w, flusher, string(ev.Type), SSEStatusData{Phase: string(ev.Phase)})
		case engine.EventToken:
			return h.writeSSE(w, flusher, string(ev.Type), SSETokenData{Text: ev.Token})
		case engine.EventCitation:
			return h.writeSSE(w, flusher, string(ev.Type), ev.Citation)
		case engine.EventDone:
			return h.writeSSE(w, flusher, string(ev.Type), ev.Result)
		case engine.EventError:
			return h.writeSSE(w, flusher, string(ev.Type), SSEErrorData{
				Code:    string(ev.Code),
				Message: ev.Message,
			})
		default:
			return fmt.Errorf("unknown event type %q", ev.Type)
		}
	})
	if err != nil {
		// Pre-stream rejection: no event was emitted yet, so the error
		// event is the whole stream.
		if errors.Is(err, engine.ErrQueryTooShort) || errors.Is(err, engine.ErrQueryTooLong) ||
			errors.Is(err, engine.ErrNoCollections) || engine.CodeOf(err) != engine.CodeInternal {
			h.writeSSE(w, flusher, "error", SSEErrorData{
				Code:    string(engine.CodeOf(err)),
				Message: err.Error(),
			})
			return
		}
		h.logger.Error("stream failed", "error", err)
		h.writeSSE(w, flusher, "error", SSEErrorData{
			Code:    string(engine.CodeInternal),
			Message: "internal error",
		})
	}
}

// writeSSE writes one event and flushes it out immediately.
func (h *QueryHandler) writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
