package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tomkotik/aimanager/internal/dispatch"
	"github.com/tomkotik/aimanager/internal/events"
	"github.com/tomkotik/aimanager/internal/gate"
	"github.com/tomkotik/aimanager/internal/pipeline"
	"github.com/tomkotik/aimanager/internal/policy"
	"github.com/tomkotik/aimanager/internal/reliability"
	"github.com/tomkotik/aimanager/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxEventBytes = 1 << 20

// Queue accepts events for processing. *dispatch.Dispatcher satisfies it.
type Queue interface {
	Submit(job dispatch.Job) error
	QueueLen() int
}

// GateStats reports lock table occupancy. *gate.Gate satisfies it.
type GateStats interface {
	Stats() gate.Stats
}

// Resolver applies manager resolutions. *pipeline.Engine satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, res pipeline.Resolution) (pipeline.Reply, error)
}

// Outbox delivers replies that no inbound event is waiting for.
// *ingester.Ingester satisfies it.
type Outbox interface {
	Deliver(agentID, channel string, r pipeline.Reply) error
}

type Server struct {
	store      store.DataStore
	queue      Queue
	resolver   Resolver
	outbox     Outbox
	gate       GateStats
	aggregator *reliability.Aggregator
	policies   *policy.Registry
	router     chi.Router
	port       int
	http       *http.Server
}

// Deps wires the server. Resolver and Outbox may be nil; resolutions are
// then unavailable or returned without delivery.
type Deps struct {
	Store      store.DataStore
	Queue      Queue
	Resolver   Resolver
	Outbox     Outbox
	Gate       GateStats
	Aggregator *reliability.Aggregator
	Policies   *policy.Registry
}

func NewServer(d Deps, port int) *Server {
	srv := &Server{
		store:      d.Store,
		queue:      d.Queue,
		resolver:   d.Resolver,
		outbox:     d.Outbox,
		gate:       d.Gate,
		aggregator: d.Aggregator,
		policies:   d.Policies,
		port:       port,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Post("/agents/{agentID}/events", srv.handlePostEvent)
		r.Get("/agents/{agentID}/policy", srv.handleGetPolicy)
		r.Get("/conversations/{conversationKey}", srv.handleGetConversation)
		r.Get("/conversations/{conversationKey}/outcomes", srv.handleListOutcomes)
		r.Post("/conversations/{conversationKey}/resolution", srv.handleResolve)
		r.Delete("/conversations/{conversationKey}", srv.handleDeactivate)
		r.Get("/reliability/overview", srv.handleOverview)
	})

	srv.router = r
	return srv
}

// Handler exposes the router, e.g. for in-process release gate runs.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("starting HTTP API", "addr", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":      "ok",
		"service":     "aimanager",
		"queue_depth": s.queue.QueueLen(),
	}
	if s.gate != nil {
		st := s.gate.Stats()
		body["conversations_tracked"] = st.Entries
		body["conversations_in_flight"] = st.Held
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	evt, err := events.Normalize(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	evt.AgentID = agentID
	if evt.Channel == "" {
		evt.Channel = "http"
	}

	type result struct {
		reply pipeline.Reply
		err   error
	}
	done := make(chan result, 1)
	err = s.queue.Submit(dispatch.Job{
		Event: evt,
		Done: func(reply pipeline.Reply, err error) {
			done <- result{reply: reply, err: err}
		},
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	var res result
	select {
	case res = <-done:
	case <-r.Context().Done():
		// The job keeps running; a retry with the same event id replays it.
		return
	}

	if res.err != nil {
		status := statusFor(res.err)
		if status == http.StatusInternalServerError {
			slog.Error("event processing failed",
				"agent_id", agentID,
				"conversation_key", evt.ConversationKey,
				"external_event_id", evt.ExternalEventID,
				"error", res.err,
			)
			writeJSON(w, status, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, status, map[string]string{"error": res.err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, res.reply)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gate.ErrMissingIdentity):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrStaleOrdering):
		return http.StatusConflict
	case errors.Is(err, gate.ErrLockTimeout),
		errors.Is(err, dispatch.ErrQueueFull),
		errors.Is(err, dispatch.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	p, err := s.policies.Get(agentID)
	if err != nil {
		slog.Error("load policy failed", "agent_id", agentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "invalid policy"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":               p.AgentID(),
		"version":                p.Version(),
		"style":                  p.Style(),
		"release_gate_enabled":   p.ReleaseGateEnabled(),
		"state_contract_version": p.StateContractVersion(),
		"confirmation_phrases":   p.ConfirmationPhrases(),
		"busy_phrases":           p.BusyPhrases(),
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "conversationKey")

	conv, err := s.store.GetConversation(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	if err != nil {
		slog.Error("get conversation failed", "conversation_key", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	body := map[string]any{"conversation": conv}
	latest, err := s.store.LatestOutcome(r.Context(), key)
	switch {
	case err == nil:
		body["latest_outcome"] = latest
	case errors.Is(err, store.ErrNotFound):
	default:
		slog.Error("latest outcome failed", "conversation_key", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "conversationKey")

	outcomes, err := s.store.ListConversationOutcomes(r.Context(), key)
	if err != nil {
		slog.Error("list outcomes failed", "conversation_key", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if outcomes == nil {
		outcomes = []store.Outcome{}
	}

	writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "resolutions are not enabled"})
		return
	}
	key := chi.URLParam(r, "conversationKey")

	var res pipeline.Resolution
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBytes)).Decode(&res); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid resolution body"})
		return
	}
	res.ConversationKey = key

	reply, err := s.resolver.Resolve(r.Context(), res)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrInvalidResolution), errors.Is(err, gate.ErrMissingIdentity):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, pipeline.ErrNotPendingManager):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	default:
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("resolution failed", "conversation_key", key, "error", err)
			writeJSON(w, status, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	if s.outbox != nil {
		if err := s.outbox.Deliver(reply.AgentID, reply.Channel, reply); err != nil {
			slog.Error("failed to deliver resolution",
				"conversation_key", key,
				"external_event_id", reply.ExternalEventID,
				"error", err,
			)
		}
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "conversationKey")

	err := s.store.DeactivateConversation(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	if err != nil {
		slog.Error("deactivate conversation failed", "conversation_key", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"conversation_key": key, "active": false})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	window := 24
	if v := r.URL.Query().Get("window_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "window_hours must be a positive integer"})
			return
		}
		window = n
	}

	ov, err := s.aggregator.Overview(r.Context(), window, agentID)
	if err != nil {
		slog.Error("reliability overview failed", "agent_id", agentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, ov)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
