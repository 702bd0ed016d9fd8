package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lanehub/conductor/internal/agent"
	"github.com/lanehub/conductor/internal/channels"
	"github.com/lanehub/conductor/internal/config"
	"github.com/lanehub/conductor/internal/sessions"
	"github.com/lanehub/conductor/pkg/models"
)

type fakeStore struct {
	summaries []models.SessionSummary
	deleted   []models.SessionScope
	deleteErr error
}

func (f *fakeStore) Load(ctx context.Context, scope models.SessionScope) (*models.Session, error) {
	return nil, sessions.ErrNotFound
}

func (f *fakeStore) Upsert(ctx context.Context, scope models.SessionScope, mutate sessions.Mutator) (*models.Session, error) {
	return nil, nil
}

func (f *fakeStore) Delete(ctx context.Context, scope models.SessionScope) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, scope)
	return nil
}

func (f *fakeStore) List(ctx context.Context) ([]models.SessionSummary, error) {
	return f.summaries, nil
}

type fakeSender struct {
	sent []models.OutboundEnvelope
	err  error
}

func (f *fakeSender) Send(ctx context.Context, env models.OutboundEnvelope) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

func newTestMux(cfg Config) *http.ServeMux {
	s := New(cfg)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("POST /config/patch", s.handlePatchConfig)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /messages/send", s.handleSendMessage)
	mux.HandleFunc("GET /approvals", s.handleListApprovals)
	mux.HandleFunc("POST /approvals/{id}/decide", s.handleDecideApproval)
	return mux
}

func testConfigStore(t *testing.T) *config.Store {
	t.Helper()
	cfg := &config.Config{}
	cfg.General.Model = "claude"
	cfg.Security.AllowAllSenders = true
	cfg.Runtime.Mode = "dev"
	cfg.Sessions.Backend = "memory"
	store, err := config.NewStore(cfg)
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	return store
}

func TestHandleHealthz(t *testing.T) {
	mux := newTestMux(Config{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleGetConfigReturnsSnapshot(t *testing.T) {
	mux := newTestMux(Config{ConfigStore: testConfigStore(t)})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("claude")) {
		t.Fatalf("expected snapshot content in body, got %s", rec.Body.String())
	}
	var view configView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.BaseHash == "" {
		t.Fatalf("expected a non-empty base_hash")
	}
}

func TestHandlePatchConfigAppliesAndReturnsNewHash(t *testing.T) {
	store := testConfigStore(t)
	mux := newTestMux(Config{ConfigStore: store})

	base := store.Snapshot().Hash
	body, _ := json.Marshal(patchRequest{BaseHash: base, Patch: map[string]any{
		"general": map[string]any{"model": "claude-next"},
	}})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/config/patch", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view configView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.BaseHash == base {
		t.Fatalf("expected patch to advance the base_hash")
	}
	if store.Snapshot().Config.General.Model != "claude-next" {
		t.Fatalf("expected the store's live snapshot to reflect the patch")
	}
}

func TestHandlePatchConfigStaleBaseHashConflicts(t *testing.T) {
	mux := newTestMux(Config{ConfigStore: testConfigStore(t)})
	body, _ := json.Marshal(patchRequest{BaseHash: "not-the-current-hash", Patch: map[string]any{
		"general": map[string]any{"model": "claude-next"},
	}})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/config/patch", bytes.NewReader(body)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleListSessions(t *testing.T) {
	store := &fakeStore{summaries: []models.SessionSummary{
		{Scope: models.SessionScope{ChannelID: "telegram", SenderID: "u1"}, TurnCount: 3, LastActive: time.Unix(100, 0), Overloaded: true},
	}}
	mux := newTestMux(Config{Sessions: store})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var views []sessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].ChannelID != "telegram" || views[0].TurnCount != 3 || !views[0].Overloaded {
		t.Fatalf("unexpected views: %+v", views)
	}
}

func TestHandleDeleteSession(t *testing.T) {
	store := &fakeStore{}
	mux := newTestMux(Config{Sessions: store})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("DELETE", "/sessions/telegram:u1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(store.deleted) != 1 || store.deleted[0].ChannelID != "telegram" || store.deleted[0].SenderID != "u1" {
		t.Fatalf("unexpected deleted scopes: %+v", store.deleted)
	}
}

func TestHandleDeleteSessionMalformedID(t *testing.T) {
	mux := newTestMux(Config{Sessions: &fakeStore{}})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("DELETE", "/sessions/notascope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleDeleteSessionNotFound(t *testing.T) {
	store := &fakeStore{deleteErr: sessions.ErrNotFound}
	mux := newTestMux(Config{Sessions: store})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("DELETE", "/sessions/telegram:u1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleSendMessage(t *testing.T) {
	sender := &fakeSender{}
	mux := newTestMux(Config{Channels: sender})
	body, _ := json.Marshal(sendRequest{ChannelID: "telegram", Recipient: "u1", Content: "hi"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/messages/send", bytes.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(sender.sent) != 1 || sender.sent[0].Content != "hi" || sender.sent[0].Kind != models.OutboundFinal {
		t.Fatalf("unexpected sent envelopes: %+v", sender.sent)
	}
}

func TestHandleSendMessageMissingFields(t *testing.T) {
	mux := newTestMux(Config{Channels: &fakeSender{}})
	body, _ := json.Marshal(sendRequest{Content: "hi"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/messages/send", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleSendMessageUnknownChannel(t *testing.T) {
	sender := &fakeSender{err: channels.ErrUnknownChannel}
	mux := newTestMux(Config{Channels: sender})
	body, _ := json.Marshal(sendRequest{ChannelID: "slack", Recipient: "u1", Content: "hi"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/messages/send", bytes.NewReader(body)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleListApprovalsEmpty(t *testing.T) {
	mux := newTestMux(Config{Approver: agent.NewChannelHumanApprover()})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/approvals", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var views []approvalView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("expected no pending approvals, got %d", len(views))
	}
}

func TestHandleDecideApprovalNotFound(t *testing.T) {
	mux := newTestMux(Config{Approver: agent.NewChannelHumanApprover()})
	body, _ := json.Marshal(decideRequest{Approved: true})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/approvals/missing/decide", bytes.NewReader(body)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleDecideApprovalPending(t *testing.T) {
	approver := agent.NewChannelHumanApprover()
	done := make(chan struct{})
	var approved bool
	var approveErr error
	go func() {
		approved, approveErr = approver.RequestApproval(context.Background(), models.ToolCall{ID: "tc-1", Name: "shell.run"})
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for len(approver.ListPending()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(approver.ListPending()) == 0 {
		t.Fatalf("expected a pending approval for tc-1")
	}

	mux := newTestMux(Config{Approver: approver})
	body, _ := json.Marshal(decideRequest{Approved: true})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/approvals/tc-1/decide", bytes.NewReader(body)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	<-done
	if approveErr != nil {
		t.Fatalf("RequestApproval: %v", approveErr)
	}
	if !approved {
		t.Fatalf("expected the approval decision to be true")
	}
}

func TestScopeFromID(t *testing.T) {
	scope, err := scopeFromID("telegram:u1")
	if err != nil {
		t.Fatalf("scopeFromID: %v", err)
	}
	if scope.ChannelID != "telegram" || scope.SenderID != "u1" {
		t.Fatalf("unexpected scope: %+v", scope)
	}
	if _, err := scopeFromID("malformed"); err == nil {
		t.Fatalf("expected error for id without a colon")
	}
}
