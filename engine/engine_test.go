package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/renyus/prisma"
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

	recent   []prisma.ChatMessage
	appended []prisma.ChatMessage
	entries  []prisma.LoreEntry
	modules  []prisma.PromptModule

	deletedSession string
	deletedPrefix  string
}

func (s *fakeStore) RecentMessages(_ context.Context, _ string, _ int) ([]prisma.ChatMessage, error) {
	return s.recent, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, m prisma.ChatMessage) error {
	s.appended = append(s.appended, m)
	return nil
}

func (s *fakeStore) ActiveLoreEntries(_ context.Context, _ string) ([]prisma.LoreEntry, error) {
	return s.entries, nil
}

func (s *fakeStore) EnabledModules(_ context.Context) ([]prisma.PromptModule, error) {
	return s.modules, nil
}

func (s *fakeStore) DeleteSession(_ context.Context, sessionID string) (int, error) {
	s.deletedSession = sessionID
	return 3, nil
}

func (s *fakeStore) DeleteSessionsByPrefix(_ context.Context, prefix string) (int, error) {
	s.deletedPrefix = prefix
	return 7, nil
}

type fakeProvider struct {
	reply   string
	err     error
	lastReq prisma.ChatRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(_ context.Context, req prisma.ChatRequest) (prisma.ChatResponse, error) {
	p.lastReq = req
	if p.err != nil {
		return prisma.ChatResponse{}, p.err
	}
	return prisma.ChatResponse{Content: p.reply}, nil
}

type fakeMemories struct {
	rows      []prisma.Memory
	searched  bool
	lastLimit int
	wipedUser string
}

func (m *fakeMemories) Search(_ context.Context, _, _ string, limit int) ([]prisma.Memory, error) {
	m.searched = true
	m.lastLimit = limit
	return m.rows, nil
}

func (m *fakeMemories) DeleteAll(_ context.Context, userID string) (int, error) {
	m.wipedUser = userID
	return len(m.rows), nil
}

type fakeLoreIndex struct {
	ids       []string
	lastBooks []string
}

func (f *fakeLoreIndex) Available() bool { return true }

func (f *fakeLoreIndex) SearchLoreIDs(_ context.Context, _ string, books []string, _ int) ([]string, error) {
	f.lastBooks = books
	return f.ids, nil
}

func newTestEngine(store *fakeStore, provider *fakeProvider, opts ...Option) *Engine {
	activator := lore.New(runeEstimator{})
	asm := prompt.New(runeEstimator{}, fixedLimits{}, activator)
	return New(store, provider, asm, fixedLimits{}, "deepseek-chat", opts...)
}

func TestTurnValidation(t *testing.T) {
	e := newTestEngine(&fakeStore{}, &fakeProvider{})

	var badReq *prisma.ErrBadRequest
	_, err := e.Turn(context.Background(), TurnRequest{Message: "hi"})
	if !errors.As(err, &badReq) || badReq.Field != "user_id" {
		t.Errorf("missing user_id: err = %v", err)
	}
	_, err = e.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "   "})
	if !errors.As(err, &badReq) || badReq.Field != "message" {
		t.Errorf("blank message: err = %v", err)
	}
}

func TestTurnHappyPath(t *testing.T) {
	store := &fakeStore{
		recent: []prisma.ChatMessage{
			{ID: "s", Role: "system", Content: prisma.SummaryMarker + "\n他们在森林里相遇。", CreatedAt: 1},
			{ID: "m1", Role: "user", Content: "hello", CreatedAt: 2},
			{ID: "m2", Role: "assistant", Content: "greetings", CreatedAt: 3},
		},
		entries: []prisma.LoreEntry{
			{ID: "e1", LorebookID: "b1", Key: "zzz-no-match", Content: "Dragons rule the north.", Position: "beforeChar", Enabled: true},
		},
		modules: []prisma.PromptModule{
			{ID: "p1", Content: "Stay in character as {char_name}.", Position: 1, Enabled: true},
		},
	}
	provider := &fakeProvider{reply: "A dragon lands."}
	mems := &fakeMemories{rows: []prisma.Memory{{ID: "mem1", Content: "User fears heights"}}}
	idx := &fakeLoreIndex{ids: []string{"e1"}}
	e := newTestEngine(store, provider, WithMemory(mems), WithLoreIndex(idx))

	card := &prisma.CharacterCard{ID: "card9", Name: "Seraphine"}
	resp, err := e.Turn(context.Background(), TurnRequest{
		UserID: "u1", Message: "tell me about the north", Card: card,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Reply != "A dragon lands." {
		t.Errorf("reply = %q", resp.Reply)
	}
	if resp.Model != "deepseek-chat" {
		t.Errorf("model = %q", resp.Model)
	}

	// Forced semantic hit activated despite no keyword match.
	if len(resp.TriggeredEntries) != 1 || resp.TriggeredEntries[0] != "e1" {
		t.Errorf("triggered = %v", resp.TriggeredEntries)
	}
	if idx.lastBooks == nil || idx.lastBooks[0] != "b1" {
		t.Errorf("book filter = %v", idx.lastBooks)
	}

	sys := resp.SystemPreview
	for _, want := range []string{
		"【Previous Story Summary】", "他们在森林里相遇。",
		"【Recall / Long-term Memories】", "User fears heights",
		"【World Setting】", "Dragons rule the north.",
		"Stay in character as Seraphine.",
	} {
		if !strings.Contains(sys, want) {
			t.Errorf("system preview missing %q", want)
		}
	}
	if strings.Contains(sys, prisma.SummaryMarker) {
		t.Error("summary marker leaked into system prompt")
	}

	if mems.lastLimit != defaultMemoryLimit {
		t.Errorf("memory limit = %d", mems.lastLimit)
	}

	// Upstream request carries history plus the closing user turn.
	msgs := provider.lastReq.Messages
	if len(msgs) < 3 {
		t.Fatalf("provider messages = %d", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "tell me about the north") {
		t.Errorf("final turn = %+v", last)
	}

	// Persisted user then assistant, ordered timestamps, same session.
	if len(store.appended) != 2 {
		t.Fatalf("appended = %d", len(store.appended))
	}
	u, a := store.appended[0], store.appended[1]
	if u.Role != "user" || a.Role != "assistant" {
		t.Errorf("roles = %q, %q", u.Role, a.Role)
	}
	if u.SessionID != "u1::card::card9" || a.SessionID != u.SessionID {
		t.Errorf("session = %q, %q", u.SessionID, a.SessionID)
	}
	if a.CreatedAt <= u.CreatedAt {
		t.Errorf("timestamps not ordered: %d, %d", u.CreatedAt, a.CreatedAt)
	}
}

func TestTurnProviderFailureNotPersisted(t *testing.T) {
	store := &fakeStore{}
	provider := &fakeProvider{err: &prisma.ErrHTTP{Status: 429, Body: "slow down"}}
	e := newTestEngine(store, provider)

	_, err := e.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "hi"})
	var httpErr *prisma.ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 429 {
		t.Errorf("err = %v", err)
	}
	if len(store.appended) != 0 {
		t.Errorf("turn persisted despite upstream failure: %d rows", len(store.appended))
	}
}

func TestTurnMemoryDisabled(t *testing.T) {
	mems := &fakeMemories{rows: []prisma.Memory{{Content: "secret"}}}
	e := newTestEngine(&fakeStore{}, &fakeProvider{reply: "ok"}, WithMemory(mems))

	resp, err := e.Turn(context.Background(), TurnRequest{
		UserID: "u1", Message: "hi",
		Memory: &MemoryConfig{Enabled: false},
	})
	if err != nil {
		t.Fatal(err)
	}
	if mems.searched {
		t.Error("memory searched while disabled")
	}
	if strings.Contains(resp.SystemPreview, "secret") {
		t.Error("disabled memory leaked into prompt")
	}
}

func TestTurnMemoryCharCap(t *testing.T) {
	big := strings.Repeat("长", 1500)
	mems := &fakeMemories{rows: []prisma.Memory{
		{ID: "a", Content: big},
		{ID: "b", Content: big}, // would push total past the cap
	}}
	e := newTestEngine(&fakeStore{}, &fakeProvider{reply: "ok"}, WithMemory(mems))

	resp, err := e.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(resp.SystemPreview, big); got != 1 {
		t.Errorf("memories injected = %d, want 1 under char cap", got)
	}
}

func TestTurnLoreOverrideSkipsStore(t *testing.T) {
	store := &fakeStore{
		entries: []prisma.LoreEntry{{ID: "stored", Key: "north", Content: "stored lore", Enabled: true}},
	}
	idx := &fakeLoreIndex{ids: []string{"stored"}}
	e := newTestEngine(store, &fakeProvider{reply: "ok"}, WithLoreIndex(idx))

	resp, err := e.Turn(context.Background(), TurnRequest{
		UserID: "u1", Message: "the north remembers",
		Lore: []prisma.LoreEntry{{ID: "ov1", Key: "north", Content: "override lore", Enabled: true, Position: "beforeChar"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.TriggeredEntries) != 1 || resp.TriggeredEntries[0] != "ov1" {
		t.Errorf("triggered = %v", resp.TriggeredEntries)
	}
	if idx.lastBooks != nil {
		t.Error("semantic search ran for an override set")
	}
	if !strings.Contains(resp.SystemPreview, "override lore") || strings.Contains(resp.SystemPreview, "stored lore") {
		t.Error("override entries not used exclusively")
	}
}

type recordingProber struct{ probed chan string }

func (p *recordingProber) Probe(_ context.Context, sessionID string, _ int) (bool, error) {
	p.probed <- sessionID
	return false, nil
}

type recordingExtractor struct{ calls chan [2]string }

func (x *recordingExtractor) Extract(_ context.Context, userID, _, _, _ string) (int, error) {
	x.calls <- [2]string{userID}
	return 1, nil
}

func TestTurnBackgroundWork(t *testing.T) {
	workers := NewWorkers(WithDrainers(1))
	defer workers.Close(context.Background())

	prober := &recordingProber{probed: make(chan string, 1)}
	extractor := &recordingExtractor{calls: make(chan [2]string, 1)}
	e := newTestEngine(&fakeStore{}, &fakeProvider{reply: "a long enough reply"},
		WithWorkers(workers), WithCompactor(prober), WithExtractor(extractor))

	if _, err := e.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "remember my name"}); err != nil {
		t.Fatal(err)
	}

	select {
	case sid := <-prober.probed:
		if sid != "u1::card::default" {
			t.Errorf("probed session = %q", sid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("compaction probe never ran")
	}
	select {
	case call := <-extractor.calls:
		if call[0] != "u1" {
			t.Errorf("extracted user = %q", call[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fact extraction never ran")
	}
}

func TestTurnSkipsExtractionForTrivialExchange(t *testing.T) {
	workers := NewWorkers(WithDrainers(1))
	defer workers.Close(context.Background())

	prober := &recordingProber{probed: make(chan string, 1)}
	extractor := &recordingExtractor{calls: make(chan [2]string, 1)}
	e := newTestEngine(&fakeStore{}, &fakeProvider{reply: "嗯"},
		WithWorkers(workers), WithCompactor(prober), WithExtractor(extractor))

	if _, err := e.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "嗯"}); err != nil {
		t.Fatal(err)
	}
	<-prober.probed // probe still runs
	select {
	case <-extractor.calls:
		t.Error("extraction ran for a trivial exchange")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDeleteHistoryScopes(t *testing.T) {
	store := &fakeStore{}
	mems := &fakeMemories{rows: []prisma.Memory{{ID: "m"}}}
	e := newTestEngine(store, &fakeProvider{}, WithMemory(mems))

	n, err := e.DeleteHistory(context.Background(), "u1", "card9", "session")
	if err != nil || n != 3 {
		t.Errorf("session scope: n=%d err=%v", n, err)
	}
	if store.deletedSession != "u1::card::card9" {
		t.Errorf("deleted session = %q", store.deletedSession)
	}

	n, err = e.DeleteHistory(context.Background(), "u1", "", "card")
	if err != nil || n != 7 {
		t.Errorf("card scope: n=%d err=%v", n, err)
	}
	if store.deletedPrefix != "u1::card::" {
		t.Errorf("deleted prefix = %q", store.deletedPrefix)
	}
	if mems.wipedUser != "u1" {
		t.Errorf("memories wiped for %q", mems.wipedUser)
	}

	var badReq *prisma.ErrBadRequest
	if _, err := e.DeleteHistory(context.Background(), "u1", "", "galaxy"); !errors.As(err, &badReq) {
		t.Errorf("bad scope err = %v", err)
	}
}

func TestImportAdditive(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(store, &fakeProvider{})

	n, err := e.Import(context.Background(), "u1", "card9", []prisma.ChatMessage{
		{ID: "old-1", SessionID: "other::card::x", Role: "user", Content: "hi", CreatedAt: 100},
		{Role: "assistant", Content: "hello", CreatedAt: 101, Archived: true},
		{Role: "user", Content: "   "}, // skipped
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(store.appended) != 2 {
		t.Fatalf("imported = %d", n)
	}
	first := store.appended[0]
	if first.ID == "old-1" || first.SessionID != "u1::card::card9" || first.CreatedAt != 100 {
		t.Errorf("imported row = %+v", first)
	}
	if !store.appended[1].Archived {
		t.Error("archive flag lost on import")
	}
}
