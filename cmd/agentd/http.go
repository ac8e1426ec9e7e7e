package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/oxideagent/runtime/internal/agent"
	"github.com/oxideagent/runtime/internal/storage"
	transportws "github.com/oxideagent/runtime/internal/transport/websocket"
	"github.com/oxideagent/runtime/pkg/models"
)

// routes builds the daemon's HTTP surface: the WebSocket task/event
// channel and the two admin endpoints the "session reset"/"session
// cancel" CLI subcommands speak to.
func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	wsServer := transportws.NewServer(d, d.logger)

	mux.HandleFunc("/healthz", d.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
			return
		}
		wsServer.ServeHTTP(w, r, userID)
	})
	mux.HandleFunc("/v1/sessions/cancel", d.handleCancel)
	mux.HandleFunc("/v1/sessions/reset", d.handleReset)
	return d.traceHTTP(mux)
}

// traceHTTP wraps h with the tracing/metrics span internal/observability's
// Tracer/Metrics expose for HTTP requests. /v1/ws is excluded: its whole
// lifetime is the WebSocket connection, which TraceTaskSubmission already
// spans per task.
func (d *Daemon) traceHTTP(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/ws" {
			h.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ctx := r.Context()
		var span trace.Span
		if d.tracer != nil {
			ctx, span = d.tracer.TraceHTTPRequest(ctx, r.Method, r.URL.Path)
			r = r.WithContext(ctx)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)

		if span != nil {
			span.End()
		}
		if d.metrics != nil {
			d.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	})
}

// statusRecorder captures the status code a handler wrote, defaulting to
// 200 when the handler never calls WriteHeader explicitly.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Submit implements transportws.Dispatcher: it runs the user's task in the
// background and streams its AgentEvent sequence back, followed by a
// Narrative event headlined "final_answer" carrying the loop's return text
// (AgentEvent has no dedicated answer payload; Finished/Cancelled are
// intentionally zero-payload) or an Error event on failure.
//
// Every raw event is both forwarded to the caller verbatim (so the
// WebSocket layer keeps streaming per-event frames) and teed into a
// ProgressRuntime (§4.9), which carries out the FileToSend/
// FileToSendWithConfirmation side effects for real: the runtime's Render
// is a no-op here since the raw feed already gives the transport
// everything it needs.
func (d *Daemon) Submit(ctx context.Context, userID, text string) (<-chan models.AgentEvent, error) {
	var taskSpan trace.Span
	if d.tracer != nil {
		ctx, taskSpan = d.tracer.TraceTaskSubmission(ctx, userID)
	}

	raw := make(chan models.AgentEvent, 100)
	out := make(chan models.AgentEvent, 100)
	progress := make(chan models.AgentEvent, 100)

	renderer := newFileDeliveryRenderer(out, userID, d.sandbox)
	runtime := agent.NewProgressRuntime(renderer, 0, d.logger)
	runtimeDone := make(chan struct{})
	go func() {
		defer close(runtimeDone)
		runtime.Run(ctx, progress)
	}()

	go func() {
		defer close(progress)
		for ev := range raw {
			out <- ev
			progress <- ev
		}
		<-runtimeDone
		close(out)
	}()

	go func() {
		defer close(raw)
		if taskSpan != nil {
			defer taskSpan.End()
		}
		if d.metrics != nil {
			d.metrics.TaskReceived()
		}
		answer, err := d.runTask(ctx, userID, text, raw)
		if err != nil {
			if d.tracer != nil {
				d.tracer.RecordError(taskSpan, err)
			}
			if d.metrics != nil {
				d.metrics.TaskCompleted("error")
			}
			raw <- models.NewErrorEvent(err.Error())
			return
		}
		if d.metrics != nil {
			d.metrics.TaskCompleted("completed")
		}
		raw <- models.NewNarrativeEvent("final_answer", answer)
		raw <- models.NewFinishedEvent()
	}()

	return out, nil
}

// Cancel implements transportws.Dispatcher.
func (d *Daemon) Cancel(userID string) {
	d.sessions.cancelCurrent(userID)
}

type sessionActionRequest struct {
	UserID string `json:"user_id"`
}

// handleCancel trips the cancel token of the user's in-flight task, if
// any. Backs "agentd session cancel".
func (d *Daemon) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req sessionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	cancelled := d.sessions.cancelCurrent(req.UserID)
	writeJSON(w, map[string]any{"cancelled": cancelled})
}

// handleReset drops in-memory session state and clears the persisted
// history/agent-memory blobs for a user. Backs "agentd session reset".
func (d *Daemon) handleReset(w http.ResponseWriter, r *http.Request) {
	var req sessionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	d.sessions.reset(req.UserID)

	ctx := r.Context()
	var errs []error
	if err := d.store.Delete(ctx, storage.HistoryKey(req.UserID)); err != nil {
		errs = append(errs, err)
	}
	if err := d.store.Delete(ctx, storage.AgentMemoryKey(req.UserID)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		http.Error(w, errors.Join(errs...).Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"reset": true})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
