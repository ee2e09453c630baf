package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"command-outbox/internal/outbox"
	"command-outbox/internal/ratelimit"
	"command-outbox/internal/signature"
	"command-outbox/internal/store"
	"command-outbox/internal/telemetry"
)

// AgentHeader carries the caller's agent identity on pull, renew and ack.
const AgentHeader = "X-Agent-ID"

const maxBodyBytes = 1 << 20

// Options configures the HTTP surface.
type Options struct {
	Verifier             *signature.Verifier
	Limiter              ratelimit.Limiter
	PullRequireSignature bool
	AllowedAgents        []string
	Commit               string
	Logger               *slog.Logger
}

// Server wires HTTP handlers for producers, agents and operators.
type Server struct {
	svc      *outbox.Service
	verifier *signature.Verifier
	limiter  ratelimit.Limiter
	opts     Options
	allowed  map[string]bool
	logger   *slog.Logger
	started  time.Time
}

// New constructs the API server.
func New(svc *outbox.Service, opts Options) *Server {
	s := &Server{
		svc:      svc,
		verifier: opts.Verifier,
		limiter:  opts.Limiter,
		opts:     opts,
		logger:   opts.Logger,
		started:  time.Now(),
	}
	if s.verifier == nil {
		s.verifier = signature.NewVerifier(nil, 0)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.Noop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if len(opts.AllowedAgents) > 0 {
		s.allowed = make(map[string]bool, len(opts.AllowedAgents))
		for _, a := range opts.AllowedAgents {
			s.allowed[a] = true
		}
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/ops/enqueue", s.handleEnqueue)
	r.Post("/api/ops/enqueue", s.handleEnqueue)

	r.Post("/api/commands/pull", s.handlePull)
	r.Post("/commands/pull", s.handlePull)
	r.Post("/api/commands/renew", s.handleRenew)
	r.Post("/commands/renew", s.handleRenew)
	r.Post("/api/commands/ack", s.handleAck)
	r.Post("/commands/ack", s.handleAck)
	r.Post("/api/heartbeat", s.handleHeartbeat)

	r.Get("/api/commands/{id}", s.handleShow)
	r.Get("/api/debug/outbox", s.handleDebug)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"uptime_s": int64(time.Since(s.started).Seconds()),
		"commit":   s.opts.Commit,
	})
}

type enqueueResponse struct {
	OK        bool   `json:"ok"`
	Enqueued  bool   `json:"enqueued"`
	Duplicate bool   `json:"duplicate"`
	ID        string `json:"id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r, "enqueue", true)
	if !ok {
		return
	}
	req, err := outbox.ParseEnqueue(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	key := req.Meta.Source
	if key == "" {
		key = req.Agent
	}
	decision, err := s.limiter.Allow(r.Context(), key)
	if err != nil {
		s.logger.Error("rate limiter unavailable", "error", err)
		writeErr(w, http.StatusInternalServerError, "rate limit error")
		return
	}
	if !decision.Allowed {
		telemetry.RateLimitRejects.Inc()
		writeErr(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	res, err := s.svc.Enqueue(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enqueueResponse{OK: true, Enqueued: res.Created, Duplicate: !res.Created, ID: res.ID})
}

type pullRequest struct {
	Agent   string  `json:"agent"`
	AgentID string  `json:"agent_id"`
	Limit   int     `json:"limit"`
	LeaseS  float64 `json:"lease_s"`
}

type pulledCommand struct {
	ID             string          `json:"id"`
	TS             int64           `json:"ts"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	LeaseExpiresAt int64           `json:"lease_expires_at"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r, "pull", s.opts.PullRequireSignature)
	if !ok {
		return
	}
	var req pullRequest
	if err := decodeOptional(body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, ok := s.agent(w, r, req.Agent, req.AgentID)
	if !ok {
		return
	}
	cmds, err := s.svc.Pull(r.Context(), agent, req.Limit, seconds(req.LeaseS))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]pulledCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, pulledCommand{
			ID:             c.ID,
			TS:             c.CreatedAt.Unix(),
			Type:           c.Type,
			Payload:        c.Payload,
			Attempts:       c.Attempts,
			LeaseExpiresAt: c.LeaseExpiresAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "commands": out})
}

type renewRequest struct {
	Agent   string  `json:"agent"`
	AgentID string  `json:"agent_id"`
	ID      string  `json:"id"`
	LeaseS  float64 `json:"lease_s"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r, "renew", true)
	if !ok {
		return
	}
	var req renewRequest
	if err := decodeOptional(body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, ok := s.agent(w, r, req.Agent, req.AgentID)
	if !ok {
		return
	}
	renewed, err := s.svc.Renew(r.Context(), req.ID, agent, seconds(req.LeaseS))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "renewed": renewed})
}

type ackResult struct {
	ID           string `json:"id"`
	Status       string `json:"status,omitempty"`
	Transitioned bool   `json:"transitioned"`
	Err          string `json:"err,omitempty"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r, "ack", true)
	if !ok {
		return
	}
	batch, err := outbox.ParseAck(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, ok := s.agent(w, r, batch.Agent)
	if !ok {
		return
	}

	if !batch.Batch {
		req := batch.Requests[0]
		req.AgentID = agent
		res, err := s.svc.Ack(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": res.Status, "transitioned": res.Transitioned})
		return
	}

	results := make([]ackResult, 0, len(batch.Requests))
	for _, req := range batch.Requests {
		req.AgentID = agent
		res, err := s.svc.Ack(r.Context(), req)
		switch {
		case err == nil:
			results = append(results, ackResult{ID: req.ID, Status: res.Status, Transitioned: res.Transitioned})
		case errors.Is(err, store.ErrNotFound), errors.Is(err, outbox.ErrValidation):
			results = append(results, ackResult{ID: req.ID, Err: err.Error()})
		default:
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "results": results})
}

type heartbeatRequest struct {
	Agent     string  `json:"agent"`
	AgentID   string  `json:"agent_id"`
	LatencyMS float64 `json:"latency_ms"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r, "heartbeat", true)
	if !ok {
		return
	}
	var req heartbeatRequest
	if err := decodeOptional(body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, ok := s.agent(w, r, req.Agent, req.AgentID)
	if !ok {
		return
	}
	if err := s.svc.Heartbeat(r.Context(), agent, req.LatencyMS); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Show(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "command": d.Command, "latest_receipt": d.LatestReceipt})
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Inspect(r.Context(), 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "outbox": snap})
}

// readSigned reads the raw body and, when required, verifies its signature
// before anything is parsed or persisted.
func (s *Server) readSigned(w http.ResponseWriter, r *http.Request, route string, required bool) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge, "body too large")
			return nil, false
		}
		writeErr(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	if !required {
		return body, true
	}
	if err := s.verifier.VerifyRequest(r, body); err != nil {
		telemetry.AuthFailures.WithLabelValues(route).Inc()
		s.logger.Warn("signature rejected", "route", route, "error", err, "remote", r.RemoteAddr)
		writeErr(w, http.StatusUnauthorized, err.Error())
		return nil, false
	}
	return body, true
}

// agent resolves the caller identity from the header or the body aliases.
func (s *Server) agent(w http.ResponseWriter, r *http.Request, candidates ...string) (string, bool) {
	agent := strings.TrimSpace(r.Header.Get(AgentHeader))
	for _, c := range candidates {
		if agent != "" {
			break
		}
		agent = strings.TrimSpace(c)
	}
	if agent == "" {
		writeErr(w, http.StatusUnprocessableEntity, outbox.ErrAgentRequired.Error())
		return "", false
	}
	if s.allowed != nil && !s.allowed[agent] {
		writeErr(w, http.StatusForbidden, "agent not allowed")
		return "", false
	}
	return agent, true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, outbox.ErrMalformed):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, outbox.ErrValidation), errors.Is(err, outbox.ErrAgentRequired):
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeErr(w, http.StatusInternalServerError, "store unavailable")
	}
}

func decodeOptional(body []byte, v any) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", outbox.ErrMalformed, err)
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "err": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
