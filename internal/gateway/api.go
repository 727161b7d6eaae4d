// ABOUTME: HTTP API handlers for running, replaying, listing and deleting threads
// ABOUTME: Streams run and replay events as SSE and maps store errors onto status codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/2389/coven-runstore/internal/auth"
	"github.com/2389/coven-runstore/internal/conversation"
	"github.com/2389/coven-runstore/internal/events"
	"github.com/2389/coven-runstore/internal/runner"
)

// maxRequestBody bounds POST bodies.
const maxRequestBody = 4 << 20

// RunRequestBody is the JSON request body for POST /api/threads/{id}/runs.
type RunRequestBody struct {
	RunID      string           `json:"runId,omitempty"`
	Messages   []events.Message `json:"messages"`
	State      json.RawMessage  `json:"state,omitempty"`
	Properties map[string]any   `json:"properties,omitempty"`
}

// StopResponse is the JSON response for POST /api/threads/{id}/stop.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/threads", g.handleListThreads)
	mux.HandleFunc("GET /api/threads/{id}", g.handleGetThread)
	mux.HandleFunc("DELETE /api/threads/{id}", g.handleDeleteThread)
	mux.HandleFunc("POST /api/threads/{id}/runs", g.handleRun)
	mux.HandleFunc("GET /api/threads/{id}/events", g.handleConnect)
	mux.HandleFunc("POST /api/threads/{id}/stop", g.handleStop)
	mux.HandleFunc("GET /api/activity", g.handleActivity)
}

// callerScope returns the scope the auth middleware attached.
func (g *Gateway) callerScope(w http.ResponseWriter, r *http.Request) (auth.Scope, bool) {
	scope, ok := auth.ScopeFromContext(r.Context())
	if !ok {
		g.sendJSONError(w, http.StatusUnauthorized, "missing caller scope")
	}
	return scope, ok
}

// handleListThreads handles GET /api/threads?limit=&offset=.
func (g *Gateway) handleListThreads(w http.ResponseWriter, r *http.Request) {
	scope, ok := g.callerScope(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := g.conversation.ListThreads(r.Context(), scope, limit, offset)
	if err != nil {
		g.sendServiceError(w, "failed to list threads", err)
		return
	}
	g.sendJSON(w, http.StatusOK, list)
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// handleGetThread handles GET /api/threads/{id}.
func (g *Gateway) handleGetThread(w http.ResponseWriter, r *http.Request) {
	scope, ok := g.callerScope(w, r)
	if !ok {
		return
	}

	md, err := g.conversation.GetThreadMetadata(r.Context(), r.PathValue("id"), scope)
	if err != nil {
		g.sendServiceError(w, "failed to get thread", err)
		return
	}
	if md == nil {
		g.sendJSONError(w, http.StatusNotFound, "thread not found")
		return
	}
	g.sendJSON(w, http.StatusOK, md)
}

// handleDeleteThread handles DELETE /api/threads/{id}. Deleting a thread the
// caller cannot see is a silent no-op, so the response is always 204.
func (g *Gateway) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	scope, ok := g.callerScope(w, r)
	if !ok {
		return
	}

	if err := g.conversation.DeleteThread(r.Context(), r.PathValue("id"), scope); err != nil {
		g.sendServiceError(w, "failed to delete thread", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStop handles POST /api/threads/{id}/stop.
func (g *Gateway) handleStop(w http.ResponseWriter, r *http.Request) {
	scope, ok := g.callerScope(w, r)
	if !ok {
		return
	}
	threadID := r.PathValue("id")

	md, err := g.conversation.GetThreadMetadata(r.Context(), threadID, scope)
	if err != nil {
		g.sendServiceError(w, "failed to get thread", err)
		return
	}
	if md == nil {
		g.sendJSONError(w, http.StatusNotFound, "thread not found")
		return
	}

	g.sendJSON(w, http.StatusOK, StopResponse{Stopped: g.conversation.Stop(r.Context(), threadID)})
}

// handleRun handles POST /api/threads/{id}/runs. The run's events are
// streamed back as SSE, one event per agent event, named by its type.
// Rejections happen before the stream starts and use plain JSON errors.
func (g *Gateway) handleRun(w http.ResponseWriter, r *http.Request) {
	scope, ok := g.callerScope(w, r)
	if !ok {
		return
	}
	if g.closing.Load() {
		g.sendJSONError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}

	// Check streaming support before starting the run (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	body, err := parseRunRequest(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	threadID := r.PathValue("id")
	if body.RunID != "" && !g.submissions.Claim(threadID, body.RunID) {
		g.sendJSONError(w, http.StatusConflict, "run already submitted")
		return
	}

	stream, err := g.conversation.Run(r.Context(), conversation.RunRequest{
		ThreadID:   threadID,
		RunID:      body.RunID,
		Agent:      g.newAgent(),
		Messages:   body.Messages,
		State:      body.State,
		Properties: body.Properties,
		Scope:      scope,
	})
	if err != nil {
		if body.RunID != "" {
			g.submissions.Release(threadID, body.RunID)
		}
		g.sendServiceError(w, "failed to start run", err)
		return
	}

	g.streamEvents(w, r, flusher, stream)
}

// handleConnect handles GET /api/threads/{id}/events: a replay of the
// thread's history followed by the live tail of an in-flight run. Missing
// and foreign threads produce an empty stream.
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	scope, ok := g.callerScope(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	g.streamEvents(w, r, flusher, g.conversation.Connect(r.Context(), r.PathValue("id"), scope))
}

// handleActivity handles GET /api/activity: an SSE feed of run and delete
// activity on threads visible to the caller.
func (g *Gateway) handleActivity(w http.ResponseWriter, r *http.Request) {
	scope, ok := g.callerScope(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	activity := g.conversation.Watch(r.Context(), scope)
	setSSEHeaders(w)
	flusher.Flush()

	for a := range activity {
		g.writeSSEEvent(w, string(a.Kind), a)
		flusher.Flush()
	}
}

// streamEvents writes stream as SSE until it ends or the client goes away.
func (g *Gateway) streamEvents(w http.ResponseWriter, r *http.Request, flusher http.Flusher, stream *runner.Stream) {
	defer stream.Close()

	setSSEHeaders(w)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-stream.Events():
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(e.Type), e)
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// sendServiceError maps a service error onto a status. Authorization,
// validation and conflict messages are returned verbatim; anything else is
// logged and reported as an internal error.
func (g *Gateway) sendServiceError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		g.sendJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrValidation), errors.Is(err, runner.ErrInvalidRequest):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, runner.ErrThreadRunning), errors.Is(err, runner.ErrDuplicateRunID):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		g.logger.Error(msg, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseRunRequest parses and validates a RunRequestBody from the given reader.
// Every message needs an id and a role.
func parseRunRequest(r io.Reader) (*RunRequestBody, error) {
	var req RunRequestBody
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	for i, m := range req.Messages {
		if m.ID == "" {
			return nil, fmt.Errorf("messages[%d].id is required", i)
		}
		if m.Role == "" {
			return nil, fmt.Errorf("messages[%d].role is required", i)
		}
	}

	return &req, nil
}
