// Package gateway serves the run store over HTTP.
//
// # Overview
//
// The Gateway owns the SQLite ledger, the conversation service built on
// it, the tracer provider and the HTTP server. New resets running flags
// left behind by a previous process before any request is served.
//
// # HTTP API
//
// Every /api route sits behind the bearer-token scope middleware:
//
//   - GET /health - Liveness check (no auth)
//   - GET /api/threads?limit=&offset= - List visible threads
//   - GET /api/threads/{id} - Thread metadata, 404 when not visible
//   - DELETE /api/threads/{id} - Delete a thread (204, no-op when not visible)
//   - POST /api/threads/{id}/runs - Start a run (SSE)
//   - GET /api/threads/{id}/events - Replay history and bridge a live run (SSE)
//   - POST /api/threads/{id}/stop - Stop the in-flight run
//   - GET /api/activity - Run and delete activity on visible threads (SSE)
//
// Rejected runs map to 403 (foreign thread), 400 (malformed scope or body),
// 409 (thread already running, run id already used on any thread, or run id
// already submitted) and 503 (server shutting down).
//
// # SSE Streaming
//
// Run and replay events are written one per SSE event, named by the event
// type with the event as JSON data:
//
//	event: RUN_STARTED
//	data: {"type":"RUN_STARTED","threadId":"t1","runId":"..."}
//
//	event: TEXT_MESSAGE_CONTENT
//	data: {"type":"TEXT_MESSAGE_CONTENT","messageId":"...","delta":"Echo"}
//
// # Lifecycle
//
// Run listens and serves until its context is canceled. Shutdown turns
// away new runs, stops the in-flight ones and waits for them to persist,
// then stops the HTTP server, closes the ledger and flushes traces.
package gateway
