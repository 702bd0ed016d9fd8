// Package controlplane is the thin HTTP operator surface spec §6 names:
// config inspection, session listing/deletion, a manual send endpoint, and
// the human-approval decision endpoints that drive
// agent.ChannelHumanApprover. It deliberately stays on net/http and
// encoding/json rather than pulling in a router framework, matching the
// teacher's own gateway HTTP server.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lanehub/conductor/internal/agent"
	"github.com/lanehub/conductor/internal/channels"
	"github.com/lanehub/conductor/internal/config"
	"github.com/lanehub/conductor/internal/sessions"
	"github.com/lanehub/conductor/pkg/models"
)

// Sender submits a manual outbound send, bypassing the lane scheduler's
// assistant run — for operator-issued messages, not model-generated ones.
type Sender interface {
	Send(ctx context.Context, env models.OutboundEnvelope) error
}

// Config wires the server's collaborators. ConfigStore holds the process's
// live configuration snapshot; the server reads it fresh on every request
// rather than caching a rendered blob, so GET /config always reflects the
// latest applied patch (spec §9).
type Config struct {
	Addr        string
	Logger      *slog.Logger
	Sessions    sessions.Store
	Approver    *agent.ChannelHumanApprover
	Channels    Sender
	Profiles    *agent.ProfileChain
	ConfigStore *config.Store
}

// Server is the control-plane HTTP surface.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	httpSrv  *http.Server
	listener net.Listener
}

// New builds a Server; it does not start listening until Start is called.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "controlplane")}
}

// Start opens the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("POST /config/patch", s.handlePatchConfig)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /models", s.handleListModels)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /messages/send", s.handleSendMessage)
	mux.HandleFunc("GET /approvals", s.handleListApprovals)
	mux.HandleFunc("POST /approvals/{id}/decide", s.handleDecideApproval)

	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("controlplane: listen: %w", err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("controlplane server error", "error", err)
		}
	}()
	s.logger.Info("controlplane listening", "addr", addr)

	<-ctx.Done()
	return s.Stop(context.Background())
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// configView is the wire shape of a config snapshot: the content-addressed
// hash callers must echo back as base_hash on POST /config/patch (spec §6's
// get -> patch -> get round-trip), plus the redacted config itself.
type configView struct {
	BaseHash string         `json:"base_hash"`
	Config   map[string]any `json:"config"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ConfigStore == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	snap := s.cfg.ConfigStore.Snapshot()
	writeJSON(w, http.StatusOK, configView{BaseHash: snap.Hash, Config: config.RedactSecrets(snap.Raw)})
}

type patchRequest struct {
	BaseHash string         `json:"base_hash"`
	Patch    map[string]any `json:"patch"`
}

// handlePatchConfig applies an optimistic-concurrency patch to the live
// config snapshot (spec §6, §9). A stale base_hash is a conflict, not a
// validation error: the caller read an outdated snapshot and must re-fetch
// before retrying.
func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ConfigStore == nil {
		writeError(w, http.StatusNotFound, errors.New("no config store configured"))
		return
	}
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.BaseHash == "" {
		writeError(w, http.StatusBadRequest, errors.New("base_hash is required"))
		return
	}
	snap, err := s.cfg.ConfigStore.Patch(req.BaseHash, req.Patch)
	if err != nil {
		if errors.Is(err, config.ErrBaseHashMismatch) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, configView{BaseHash: snap.Hash, Config: config.RedactSecrets(snap.Raw)})
}

// sessionView is the JSON shape a session summary is rendered as. Separate
// from models.SessionSummary so the wire shape can change independently of
// the internal type.
type sessionView struct {
	ChannelID  string    `json:"channel_id"`
	SenderID   string    `json:"sender_id"`
	TurnCount  int       `json:"turn_count"`
	LastActive time.Time `json:"last_active"`
	Overloaded bool      `json:"overloaded,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.cfg.Sessions.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]sessionView, 0, len(summaries))
	for _, sum := range summaries {
		views = append(views, sessionView{
			ChannelID:  string(sum.Scope.ChannelID),
			SenderID:   sum.Scope.SenderID,
			TurnCount:  sum.TurnCount,
			LastActive: sum.LastActive,
			Overloaded: sum.Overloaded,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// modelProfileView is the JSON shape a model profile's chain state is
// rendered as, so an operator can see which profiles are cooling down
// without exposing CredentialRef's raw config key.
type modelProfileView struct {
	ID                  string    `json:"id"`
	Provider            string    `json:"provider"`
	Model               string    `json:"model"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	Available           bool      `json:"available"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Profiles == nil {
		writeJSON(w, http.StatusOK, []modelProfileView{})
		return
	}
	now := time.Now()
	snapshot := s.cfg.Profiles.Snapshot()
	views := make([]modelProfileView, 0, len(snapshot))
	for _, p := range snapshot {
		views = append(views, modelProfileView{
			ID:                  p.ID,
			Provider:            p.Provider,
			Model:               p.Model,
			ConsecutiveFailures: p.ConsecutiveFailures,
			CooldownUntil:       p.CooldownUntil,
			Available:           p.Available(now),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.Sessions.Delete(r.Context(), scope); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	ChannelID string `json:"channel_id"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ChannelID == "" || req.Recipient == "" {
		writeError(w, http.StatusBadRequest, errors.New("channel_id and recipient are required"))
		return
	}
	env := models.OutboundEnvelope{
		ChannelID: models.ChannelID(req.ChannelID),
		Recipient: req.Recipient,
		Kind:      models.OutboundFinal,
		Content:   req.Content,
	}
	if err := s.cfg.Channels.Send(r.Context(), env); err != nil {
		if errors.Is(err, channels.ErrUnknownChannel) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type approvalView struct {
	ToolCallID string    `json:"tool_call_id"`
	ToolName   string    `json:"tool_name"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Approver == nil {
		writeJSON(w, http.StatusOK, []approvalView{})
		return
	}
	pending := s.cfg.Approver.ListPending()
	views := make([]approvalView, 0, len(pending))
	for _, p := range pending {
		views = append(views, approvalView{ToolCallID: p.ToolCallID, ToolName: p.ToolName, CreatedAt: p.CreatedAt})
	}
	writeJSON(w, http.StatusOK, views)
}

type decideRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.cfg.Approver == nil || !s.cfg.Approver.Decide(id, req.Approved) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no pending approval for %s", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// scopeFromID parses the "channel_id:sender_id" form SessionScope.Key
// produces back into a SessionScope.
func scopeFromID(id string) (models.SessionScope, error) {
	idx := strings.Index(id, ":")
	if idx < 0 {
		return models.SessionScope{}, fmt.Errorf("controlplane: malformed session id %q", id)
	}
	return models.SessionScope{ChannelID: models.ChannelID(id[:idx]), SenderID: id[idx+1:]}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
