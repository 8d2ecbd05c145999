package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/renyus/prisma"
	"github.com/renyus/prisma/engine"
	"github.com/renyus/prisma/lore"
	"github.com/renyus/prisma/prompt"
)

type runeEstimator struct{}

func (runeEstimator) Estimate(text string) int { return len([]rune(text)) }

type fixedLimits struct{}

func (fixedLimits) Lookup(string) prisma.ModelLimits {
	return prisma.ModelLimits{ContextWindow: 16384, MaxOutput: 4096, SafetyBuffer: 500}
}

type fakeStore struct {
	prisma.Store

	sessions map[string][]prisma.ChatMessage
	appended []prisma.ChatMessage

	deletedSession string
	deletedPrefix  string
	unarchived     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string][]prisma.ChatMessage{}}
}

func (s *fakeStore) RecentMessages(_ context.Context, sessionID string, _ int) ([]prisma.ChatMessage, error) {
	return s.sessions[sessionID], nil
}

func (s *fakeStore) SessionMessages(_ context.Context, sessionID string, includeArchived bool) ([]prisma.ChatMessage, error) {
	var out []prisma.ChatMessage
	for _, m := range s.sessions[sessionID] {
		if m.Archived && !includeArchived {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeStore) ArchivedMessages(_ context.Context, sessionID string, _ int) ([]prisma.ChatMessage, error) {
	var out []prisma.ChatMessage
	for _, m := range s.sessions[sessionID] {
		if m.Archived {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, m prisma.ChatMessage) error {
	s.appended = append(s.appended, m)
	s.sessions[m.SessionID] = append(s.sessions[m.SessionID], m)
	return nil
}

func (s *fakeStore) UnarchiveMessages(_ context.Context, ids []string) (int, error) {
	s.unarchived = ids
	return len(ids), nil
}

func (s *fakeStore) DeleteSession(_ context.Context, sessionID string) (int, error) {
	s.deletedSession = sessionID
	return len(s.sessions[sessionID]), nil
}

func (s *fakeStore) DeleteSessionsByPrefix(_ context.Context, prefix string) (int, error) {
	s.deletedPrefix = prefix
	return 2, nil
}

func (s *fakeStore) ActiveLoreEntries(_ context.Context, _ string) ([]prisma.LoreEntry, error) {
	return nil, nil
}

func (s *fakeStore) EnabledModules(_ context.Context) ([]prisma.PromptModule, error) {
	return nil, nil
}

type fakeProvider struct {
	reply string
	err   error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(_ context.Context, _ prisma.ChatRequest) (prisma.ChatResponse, error) {
	if p.err != nil {
		return prisma.ChatResponse{}, p.err
	}
	return prisma.ChatResponse{Content: p.reply}, nil
}

func newTestServer(store *fakeStore, provider *fakeProvider) *httptest.Server {
	asm := prompt.New(runeEstimator{}, fixedLimits{}, lore.New(runeEstimator{}))
	e := engine.New(store, provider, asm, fixedLimits{}, "deepseek-chat")
	return httptest.NewServer(New(e).Handler())
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatal(err)
	}
}

func TestChatEndpoint(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(store, &fakeProvider{reply: "The tavern falls silent."})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/chat", map[string]any{
		"user_id": "u1",
		"message": "I push open the door",
		"card":    map[string]any{"id": "card9", "name": "Mira"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body chatResponse
	decodeBody(t, resp, &body)
	if body.Reply != "The tavern falls silent." {
		t.Errorf("reply = %q", body.Reply)
	}
	if body.Model != "deepseek-chat" {
		t.Errorf("model = %q", body.Model)
	}
	if !strings.Contains(body.SystemPreview, "Mira") {
		t.Error("system preview missing character name")
	}
	if body.TriggeredEntries == nil {
		t.Error("triggered_entries missing from payload")
	}
	if len(store.appended) != 2 {
		t.Errorf("persisted rows = %d", len(store.appended))
	}
}

func TestChatValidationStatus(t *testing.T) {
	srv := newTestServer(newFakeStore(), &fakeProvider{reply: "ok"})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/chat", map[string]any{"message": "hi"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing user_id status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestChatUpstreamFailureStatus(t *testing.T) {
	srv := newTestServer(newFakeStore(), &fakeProvider{err: &prisma.ErrHTTP{Status: 503, Body: "down"}})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/chat", map[string]any{"user_id": "u1", "message": "hi"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDeleteHistory(t *testing.T) {
	store := newFakeStore()
	store.sessions["u1::card::card9"] = []prisma.ChatMessage{{ID: "m1"}}
	srv := newTestServer(store, &fakeProvider{})
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete,
		srv.URL+"/chat/history?user_id=u1&character_id=card9&scope=session", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]int
	decodeBody(t, resp, &body)
	if body["deleted"] != 1 || store.deletedSession != "u1::card::card9" {
		t.Errorf("deleted=%d session=%q", body["deleted"], store.deletedSession)
	}

	req, _ = http.NewRequest(http.MethodDelete,
		srv.URL+"/chat/history?user_id=u1&scope=card", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	decodeBody(t, resp, &body)
	if store.deletedPrefix != "u1::card::" {
		t.Errorf("prefix = %q", store.deletedPrefix)
	}
}

func TestMessagesRequiresUser(t *testing.T) {
	srv := newTestServer(newFakeStore(), &fakeProvider{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/chat/messages")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMessagesExcludeArchived(t *testing.T) {
	store := newFakeStore()
	store.sessions["u1::card::default"] = []prisma.ChatMessage{
		{ID: "m1", Role: "user", Content: "hi"},
		{ID: "m2", Role: "assistant", Content: "old", Archived: true},
	}
	srv := newTestServer(store, &fakeProvider{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/chat/messages?user_id=u1")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Messages []prisma.ChatMessage `json:"messages"`
	}
	decodeBody(t, resp, &body)
	if len(body.Messages) != 1 || body.Messages[0].ID != "m1" {
		t.Errorf("messages = %+v", body.Messages)
	}

	resp, err = http.Get(srv.URL + "/chat/archived?user_id=u1")
	if err != nil {
		t.Fatal(err)
	}
	decodeBody(t, resp, &body)
	if len(body.Messages) != 1 || body.Messages[0].ID != "m2" {
		t.Errorf("archived = %+v", body.Messages)
	}
}

func TestUnarchive(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(store, &fakeProvider{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/chat/unarchive", map[string]any{"ids": []string{"m1", "m2"}})
	var body map[string]int
	decodeBody(t, resp, &body)
	if body["restored"] != 2 || len(store.unarchived) != 2 {
		t.Errorf("restored = %d", body["restored"])
	}

	resp = postJSON(t, srv.URL+"/chat/unarchive", map[string]any{"ids": []string{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty ids status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newFakeStore()
	src.sessions["u1::card::card9"] = []prisma.ChatMessage{
		{ID: "m1", SessionID: "u1::card::card9", Role: "user", Content: "hello", CreatedAt: 100},
		{ID: "m2", SessionID: "u1::card::card9", Role: "assistant", Content: "hi", CreatedAt: 101, Archived: true},
	}
	srcSrv := newTestServer(src, &fakeProvider{})
	defer srcSrv.Close()

	resp, err := http.Get(srcSrv.URL + "/chat/export?user_id=u1&character_id=card9")
	if err != nil {
		t.Fatal(err)
	}
	var bundle exportBundle
	decodeBody(t, resp, &bundle)
	if bundle.Version != 1 || len(bundle.Messages) != 2 {
		t.Fatalf("bundle = %+v", bundle)
	}

	dst := newFakeStore()
	dstSrv := newTestServer(dst, &fakeProvider{})
	defer dstSrv.Close()

	resp = postJSON(t, dstSrv.URL+"/chat/import", bundle)
	var body map[string]int
	decodeBody(t, resp, &body)
	if body["imported"] != 2 {
		t.Errorf("imported = %d", body["imported"])
	}
	// Fresh ids, same session, archive flags and timestamps preserved.
	if len(dst.appended) != 2 {
		t.Fatalf("rows = %d", len(dst.appended))
	}
	if dst.appended[0].ID == "m1" || dst.appended[0].SessionID != "u1::card::card9" {
		t.Errorf("row = %+v", dst.appended[0])
	}
	if dst.appended[0].CreatedAt != 100 || !dst.appended[1].Archived {
		t.Error("timestamps or archive flags lost")
	}

	// Unsupported version rejected.
	bundle.Version = 2
	resp = postJSON(t, dstSrv.URL+"/chat/import", bundle)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad version status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}
