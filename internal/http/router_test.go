package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"

	"github.com/saker-ai/voice-relay/internal/storage"
	"github.com/saker-ai/voice-relay/internal/talk"
)

type fakeController struct {
	mu       sync.Mutex
	sessions map[string]talk.SessionInfo
	startErr error
}

func newFakeController() *fakeController {
	return &fakeController{sessions: map[string]talk.SessionInfo{}}
}

func (f *fakeController) Start(_ context.Context, req talk.StartRequest) (talk.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return talk.SessionInfo{}, f.startErr
	}
	if _, ok := f.sessions[req.GuildID]; ok {
		return talk.SessionInfo{}, talk.ErrSessionExists
	}
	info := talk.SessionInfo{ID: "s-" + req.GuildID, GuildID: req.GuildID, VoiceChannelID: req.VoiceChannelID}
	f.sessions[req.GuildID] = info
	return info, nil
}

func (f *fakeController) Stop(guildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[guildID]; !ok {
		return talk.ErrSessionNotFound
	}
	delete(f.sessions, guildID)
	return nil
}

func (f *fakeController) Sessions() []talk.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []talk.SessionInfo{}
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func (f *fakeController) Session(guildID string) (talk.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[guildID]
	if !ok {
		return talk.SessionInfo{}, talk.ErrSessionNotFound
	}
	return s, nil
}

func do(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHealth(t *testing.T) {
	r := NewRouter(Options{Sessions: newFakeController()})
	rec := do(t, r, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctrl := newFakeController()
	r := NewRouter(Options{Sessions: ctrl})

	body := `{"guild_id":"g1","voice_channel_id":"v1","text_channel_id":"t1"}`
	rec := do(t, r, http.MethodPost, "/sessions", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status=%d body=%s, want 201", rec.Code, rec.Body.String())
	}
	var info talk.SessionInfo
	if err := sonic.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.GuildID != "g1" || info.VoiceChannelID != "v1" {
		t.Fatalf("info=%+v", info)
	}

	if rec := do(t, r, http.MethodPost, "/sessions", body); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status=%d, want 409", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/sessions/g1", ""); rec.Code != http.StatusOK {
		t.Fatalf("get status=%d, want 200", rec.Code)
	}

	rec = do(t, r, http.MethodGet, "/sessions", "")
	var list struct {
		Sessions []talk.SessionInfo `json:"sessions"`
	}
	if err := sonic.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Sessions) != 1 {
		t.Fatalf("sessions=%d, want 1", len(list.Sessions))
	}

	if rec := do(t, r, http.MethodDelete, "/sessions/g1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d, want 204", rec.Code)
	}
	if rec := do(t, r, http.MethodDelete, "/sessions/g1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status=%d, want 404", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/sessions/g1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status=%d, want 404", rec.Code)
	}
}

func TestStartSessionErrors(t *testing.T) {
	ctrl := newFakeController()
	r := NewRouter(Options{Sessions: ctrl})

	if rec := do(t, r, http.MethodPost, "/sessions", "{not json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status=%d, want 400", rec.Code)
	}
	ctrl.startErr = errors.New("join voice: timeout")
	rec := do(t, r, http.MethodPost, "/sessions", `{"guild_id":"g","voice_channel_id":"v"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("start failure status=%d, want 502", rec.Code)
	}
}

func TestTranscriptRoutes(t *testing.T) {
	dir := t.TempDir()
	rec, err := storage.NewRecorder(dir, "g1")
	if err != nil {
		t.Fatalf("NewRecorder err=%v", err)
	}
	if err := rec.Append(storage.RoleUser, "hello"); err != nil {
		t.Fatalf("Append err=%v", err)
	}
	r := NewRouter(Options{Sessions: newFakeController(), TranscriptDir: dir})

	resp := do(t, r, http.MethodGet, "/transcripts/g1", "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), rec.UID()) {
		t.Fatalf("list status=%d body=%s", resp.Code, resp.Body.String())
	}
	resp = do(t, r, http.MethodGet, "/transcripts/g1/"+rec.UID(), "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "hello") {
		t.Fatalf("get status=%d body=%s", resp.Code, resp.Body.String())
	}
	if resp := do(t, r, http.MethodDelete, "/transcripts/g1/"+rec.UID(), ""); resp.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d, want 204", resp.Code)
	}
	if resp := do(t, r, http.MethodGet, "/transcripts/g1/"+rec.UID(), ""); resp.Code != http.StatusNotFound {
		t.Fatalf("get after delete status=%d, want 404", resp.Code)
	}
}

func TestTranscriptRoutesDisabled(t *testing.T) {
	r := NewRouter(Options{Sessions: newFakeController()})
	if rec := do(t, r, http.MethodGet, "/transcripts/g1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}
