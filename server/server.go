// Package server is the HTTP/SSE transport over the workflow runtime:
// query submission, interrupt resume, thread inspection, durable event
// replay, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/olavnet/olav/flow"
	"github.com/olavnet/olav/flow/event"
	"github.com/olavnet/olav/flow/store"
	"github.com/olavnet/olav/gate"
	"github.com/olavnet/olav/model"
	"github.com/olavnet/olav/workflow"
)

// Config assembles a Server. Runtime, Store, and Broker are required; the
// broker must be the sink the runtime was built with, otherwise live
// streaming sees nothing.
type Config struct {
	Runtime *workflow.Runtime
	Store   store.Store[workflow.State]
	Broker  *Broker

	// Metrics, when set, is served at GET /metrics.
	Metrics prometheus.Gatherer
}

// Server routes the v1 API:
//
//	POST /v1/query                     submit or continue a thread (SSE)
//	POST /v1/threads/{id}/resume       apply a decision, continue (SSE)
//	POST /v1/threads/{id}/cancel       abort a running thread
//	GET  /v1/threads                   list threads
//	GET  /v1/threads/{id}              latest checkpoint + pending plan
//	GET  /v1/threads/{id}/events       replay the durable trail, then tail
//	GET  /metrics                      Prometheus exposition
//
// Streaming endpoints accept ?sync=1 to buffer events and respond with one
// JSON document instead of SSE.
type Server struct {
	rt      *workflow.Runtime
	store   store.Store[workflow.State]
	broker  *Broker
	handler http.Handler
}

// New wires the server.
func New(cfg Config) (*Server, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: runtime is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if cfg.Broker == nil {
		return nil, errors.New("server: broker is required")
	}

	s := &Server{rt: cfg.Runtime, store: cfg.Store, broker: cfg.Broker}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("POST /v1/threads/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/threads/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/threads", s.handleThreads)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThread)
	mux.HandleFunc("GET /v1/threads/{id}/events", s.handleEvents)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}
	s.handler = mux
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type queryRequest struct {
	ThreadID string          `json:"thread_id,omitempty"`
	Mode     string          `json:"mode,omitempty"`
	Query    string          `json:"query,omitempty"`
	Messages []model.Message `json:"messages,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	query := req.Query
	if query == "" {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == model.RoleUser {
				query = req.Messages[i].Content
				break
			}
		}
	}

	threadID := req.ThreadID
	isNew := threadID == ""
	if isNew {
		threadID = uuid.NewString()
	}
	if isNew && query == "" {
		writeError(w, http.StatusBadRequest, "query or a user message is required")
		return
	}

	w.Header().Set("X-Thread-Id", threadID)
	s.streamRun(w, r, threadID, func(ctx context.Context) error {
		_, err := s.rt.Submit(ctx, threadID, query, req.Mode)
		return err
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	var d gate.Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "malformed decision: "+err.Error())
		return
	}
	if d.Action == "" {
		writeError(w, http.StatusBadRequest, "decision action is required")
		return
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}

	s.streamRun(w, r, threadID, func(ctx context.Context) error {
		_, err := s.rt.Resume(ctx, threadID, d)
		return err
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.rt.Cancel(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.store.ListThreads(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if threads == nil {
		threads = []store.ThreadInfo{}
	}
	writeJSON(w, http.StatusOK, threads)
}

// threadResponse is the GET /v1/threads/{id} body: latest checkpoint
// metadata, the conversation, and the pending plan when interrupted.
type threadResponse struct {
	ThreadID string              `json:"thread_id"`
	Step     int                 `json:"step"`
	Node     string              `json:"node"`
	Workflow string              `json:"workflow"`
	Outcome  string              `json:"outcome,omitempty"`
	Summary  string              `json:"summary,omitempty"`
	SavedAt  time.Time           `json:"saved_at"`
	Messages []model.Message     `json:"messages,omitempty"`
	Pending  *gate.ExecutionPlan `json:"pending,omitempty"`
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	latest, err := s.store.Latest(r.Context(), threadID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown thread: "+threadID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := threadResponse{
		ThreadID: threadID,
		Step:     latest.Step,
		Node:     latest.NodeID,
		Workflow: latest.State.Workflow,
		Outcome:  latest.State.Outcome,
		Summary:  latest.State.Summary,
		SavedAt:  latest.SavedAt,
		Messages: latest.State.Messages,
	}
	if ir, err := s.store.PendingInterrupt(r.Context(), threadID); err == nil {
		resp.Pending = &ir.Plan
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents replays the durable trail from ?since=N (exclusive), then
// tails live events until a terminal event or client disconnect. ?follow=0
// returns after the replay.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed since parameter")
			return
		}
		since = v
	}
	follow := r.URL.Query().Get("follow") != "0"

	// Subscribe before reading the trail so no event falls between replay
	// and tail; duplicates are filtered by sequence number.
	sub := s.broker.Subscribe(threadID)
	defer sub.Close()

	trail, err := s.store.EventsSince(r.Context(), threadID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sw := newSSEWriter(w)
	sw.start()
	last := since
	for _, ev := range trail {
		if err := sw.write(ev); err != nil {
			return
		}
		last = ev.Seq
		if ev.Terminal() {
			return
		}
	}
	if !follow {
		return
	}

	for {
		ev, err := sub.Next(r.Context())
		if err != nil {
			return
		}
		if ev.Seq <= last {
			continue
		}
		if err := sw.write(ev); err != nil {
			return
		}
		if ev.Terminal() {
			return
		}
	}
}

// streamRun subscribes to the thread, launches the run, and relays events
// until the run finishes. The run context is detached from the request so
// a client disconnect never aborts the workflow; the trail keeps recording
// for reconnect replay.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, threadID string, run func(context.Context) error) {
	sub := s.broker.Subscribe(threadID)
	defer sub.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- run(context.WithoutCancel(r.Context()))
		sub.Close()
	}()

	if r.URL.Query().Get("sync") != "" {
		s.respondSync(w, r, threadID, sub, errc)
		return
	}

	sw := newSSEWriter(w)
	streamed := false
	for {
		ev, err := sub.Next(r.Context())
		if err != nil {
			break
		}
		streamed = true
		if err := sw.write(ev); err != nil {
			break
		}
	}
	err := <-errc
	if !streamed {
		if status, msg := statusFor(err); status != http.StatusOK {
			writeError(w, status, msg)
			return
		}
		sw.start()
	}
}

// respondSync buffers the run's events and answers with one JSON document,
// the synchronous variant for clients that cannot consume SSE.
func (s *Server) respondSync(w http.ResponseWriter, r *http.Request, threadID string, sub *Subscription, errc <-chan error) {
	events := []event.Event{}
	for {
		ev, err := sub.Next(r.Context())
		if err != nil {
			break
		}
		events = append(events, ev)
	}
	err := <-errc

	if len(events) == 0 {
		if status, msg := statusFor(err); status != http.StatusOK {
			writeError(w, status, msg)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"events":    events,
	})
}

// statusFor maps run errors to HTTP statuses. Interrupts are a normal
// outcome: the stream carried the interrupt event.
func statusFor(err error) (int, string) {
	switch {
	case err == nil, errors.Is(err, flow.ErrInterrupted):
		return http.StatusOK, ""
	case errors.Is(err, flow.ErrThreadBusy), errors.Is(err, flow.ErrAwaitingDecision):
		return http.StatusConflict, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err.Error()
	}
	var fe *flow.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case flow.KindPolicy:
			return http.StatusConflict, err.Error()
		case flow.KindResource:
			return http.StatusServiceUnavailable, err.Error()
		}
	}
	return http.StatusInternalServerError, err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
