// Package engine runs the chat turn pipeline: history loading, parallel
// memory and lore retrieval, prompt assembly, the upstream call,
// persistence, and the post-turn background work.
package engine

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/renyus/prisma"
	"github.com/renyus/prisma/lore"
	"github.com/renyus/prisma/memory"
	"github.com/renyus/prisma/prompt"
)

const (
	defaultHistoryMessages = 30
	maxHistoryMessages     = 100
	defaultMemoryLimit     = 5
	// maxMemoryChars caps the total recalled-memory text per turn.
	maxMemoryChars = 2000
	// loreSearchTopK semantic lore hits are force-activated.
	loreSearchTopK = 3

	fallbackCharName = "角色"
)

// MemorySearcher is the retrieval slice of the memory service.
// *memory.Service satisfies it.
type MemorySearcher interface {
	Search(ctx context.Context, userID, query string, limit int) ([]prisma.Memory, error)
	DeleteAll(ctx context.Context, userID string) (int, error)
}

// LoreIndex is the semantic lore lookup; *vector.Store satisfies it.
type LoreIndex interface {
	Available() bool
	SearchLoreIDs(ctx context.Context, query string, activeBookIDs []string, k int) ([]string, error)
}

// Limiter resolves per-model limits; models.Registry satisfies it.
type Limiter interface {
	Lookup(model string) prisma.ModelLimits
}

// Prober is the compaction trigger; *compact.Compactor satisfies it.
type Prober interface {
	Probe(ctx context.Context, sessionID string, contextWindow int) (bool, error)
}

// FactExtractor mines durable facts from a finished exchange;
// *memory.Extractor satisfies it.
type FactExtractor interface {
	Extract(ctx context.Context, userID, charName, userText, assistantText string) (int, error)
}

// MemoryConfig is the per-request memory retrieval override.
type MemoryConfig struct {
	Enabled bool `json:"enabled"`
	Limit   int  `json:"limit"`
}

// TurnRequest is one inbound chat turn.
type TurnRequest struct {
	UserID  string
	Message string
	Card    *prisma.CharacterCard
	// Lore overrides the stored active entries when non-empty.
	Lore               []prisma.LoreEntry
	MaxContextMessages int
	// MaxContextTokens is the requested history-token budget.
	MaxContextTokens int
	Model            string
	// Memory nil means enabled with the default limit.
	Memory *MemoryConfig
	Params *prisma.GenerationParams
}

// TurnResponse is the pipeline result.
type TurnResponse struct {
	Reply            string
	SystemPreview    string
	UsedLore         lore.Blocks
	TriggeredEntries []string
	Model            string
	TokenStats       prompt.TokenStats
}

// Option configures an Engine.
type Option func(*Engine)

// WithMemory enables memory retrieval and card-scope memory deletion.
func WithMemory(m MemorySearcher) Option {
	return func(e *Engine) { e.memories = m }
}

// WithLoreIndex enables semantic lore retrieval.
func WithLoreIndex(idx LoreIndex) Option {
	return func(e *Engine) { e.loreIndex = idx }
}

// WithCompactor enables the post-turn compaction probe.
func WithCompactor(p Prober) Option {
	return func(e *Engine) { e.compactor = p }
}

// WithExtractor enables post-turn fact extraction.
func WithExtractor(x FactExtractor) Option {
	return func(e *Engine) { e.extractor = x }
}

// WithWorkers sets the background pool; without one, post-turn work is
// skipped.
func WithWorkers(w *Workers) Option {
	return func(e *Engine) { e.workers = w }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine owns the turn pipeline. Retrieval branches degrade with a warning
// instead of failing the turn; only validation, the upstream call, and
// persistence surface errors.
type Engine struct {
	store     prisma.Store
	provider  prisma.Provider
	assembler *prompt.Assembler
	limits    Limiter

	memories  MemorySearcher
	loreIndex LoreIndex
	compactor Prober
	extractor FactExtractor
	workers   *Workers

	defaultModel string
	logger       *slog.Logger
}

// New wires the mandatory collaborators; retrieval, compaction, and
// extraction attach through options.
func New(store prisma.Store, provider prisma.Provider, assembler *prompt.Assembler, limits Limiter, defaultModel string, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		provider:     provider,
		assembler:    assembler,
		limits:       limits,
		defaultModel: defaultModel,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Turn runs one chat turn end to end.
func (e *Engine) Turn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	message := strings.TrimSpace(req.Message)
	if userID == "" {
		return TurnResponse{}, &prisma.ErrBadRequest{Field: "user_id", Reason: "required"}
	}
	if message == "" {
		return TurnResponse{}, &prisma.ErrBadRequest{Field: "message", Reason: "empty"}
	}

	cardID := ""
	charName := fallbackCharName
	if req.Card != nil {
		cardID = req.Card.ID
		if name := strings.TrimSpace(req.Card.Name); name != "" {
			charName = name
		}
	}
	sessionID := prisma.SessionID(userID, cardID)

	model := req.Model
	if model == "" {
		model = e.defaultModel
	}

	limit := req.MaxContextMessages
	if limit <= 0 {
		limit = defaultHistoryMessages
	}
	if limit > maxHistoryMessages {
		limit = maxHistoryMessages
	}
	recent, err := e.store.RecentMessages(ctx, sessionID, limit)
	if err != nil {
		return TurnResponse{}, err
	}
	history, summary := splitSummary(recent)

	var (
		memories []string
		entries  []prisma.LoreEntry
		forced   []string
		modules  []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		memories = e.recallMemories(gctx, userID, message, req.Memory)
		return nil
	})
	g.Go(func() error {
		entries, forced = e.loadLore(gctx, userID, message, req.Lore)
		return nil
	})
	g.Go(func() error {
		modules = e.loadModules(gctx, charName)
		return nil
	})
	_ = g.Wait() // branches degrade internally, never error

	out := e.assembler.Assemble(prompt.Input{
		Card:          req.Card,
		LoreEntries:   entries,
		History:       history,
		UserMessage:   message,
		Memories:      memories,
		Summary:       summary,
		Modules:       modules,
		ForcedLoreIDs: forced,
		Model:         model,
		HistoryBudget: req.MaxContextTokens,
	})

	resp, err := e.provider.Chat(ctx, prisma.ChatRequest{Messages: out.Messages, Params: req.Params})
	if err != nil {
		return TurnResponse{}, err
	}

	userAt := prisma.NowMicro()
	assistantAt := prisma.NowMicro()
	if assistantAt <= userAt {
		assistantAt = userAt + 1
	}
	if err := e.store.AppendMessage(ctx, prisma.ChatMessage{
		ID: prisma.NewID(), SessionID: sessionID,
		Role: "user", Content: message, CreatedAt: userAt,
	}); err != nil {
		return TurnResponse{}, err
	}
	if err := e.store.AppendMessage(ctx, prisma.ChatMessage{
		ID: prisma.NewID(), SessionID: sessionID,
		Role: "assistant", Content: resp.Content, CreatedAt: assistantAt,
	}); err != nil {
		return TurnResponse{}, err
	}

	e.afterTurn(sessionID, userID, charName, model, message, resp.Content, req.Memory)

	return TurnResponse{
		Reply:            resp.Content,
		SystemPreview:    out.SystemPrompt,
		UsedLore:         out.LoreBlocks,
		TriggeredEntries: out.TriggeredIDs,
		Model:            model,
		TokenStats:       out.TokenStats,
	}, nil
}

// DeleteHistory removes chat history. Scope "session" deletes the exact
// user/card session; scope "card" deletes every session of the user and
// all their memories.
func (e *Engine) DeleteHistory(ctx context.Context, userID, cardID, scope string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, &prisma.ErrBadRequest{Field: "user_id", Reason: "required"}
	}
	switch scope {
	case "", "session":
		return e.store.DeleteSession(ctx, prisma.SessionID(userID, cardID))
	case "card":
		n, err := e.store.DeleteSessionsByPrefix(ctx, userID+"::card::")
		if err != nil {
			return 0, err
		}
		if e.memories != nil {
			if _, err := e.memories.DeleteAll(ctx, userID); err != nil {
				e.logger.Warn("memory wipe failed", "user", userID, "error", err)
			}
		}
		return n, nil
	default:
		return 0, &prisma.ErrBadRequest{Field: "scope", Reason: "must be session or card"}
	}
}

// Messages returns the full non-archived session history.
func (e *Engine) Messages(ctx context.Context, userID, cardID string) ([]prisma.ChatMessage, error) {
	return e.store.SessionMessages(ctx, prisma.SessionID(userID, cardID), false)
}

// Archived returns archived session rows, newest last.
func (e *Engine) Archived(ctx context.Context, userID, cardID string, limit int) ([]prisma.ChatMessage, error) {
	return e.store.ArchivedMessages(ctx, prisma.SessionID(userID, cardID), limit)
}

// Unarchive restores archived messages by id.
func (e *Engine) Unarchive(ctx context.Context, ids []string) (int, error) {
	return e.store.UnarchiveMessages(ctx, ids)
}

// Export returns the complete session history, archived rows included.
func (e *Engine) Export(ctx context.Context, userID, cardID string) ([]prisma.ChatMessage, error) {
	return e.store.SessionMessages(ctx, prisma.SessionID(userID, cardID), true)
}

// Import appends messages to a session under fresh ids, keeping the
// original timestamps and archive flags.
func (e *Engine) Import(ctx context.Context, userID, cardID string, msgs []prisma.ChatMessage) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, &prisma.ErrBadRequest{Field: "user_id", Reason: "required"}
	}
	sessionID := prisma.SessionID(userID, cardID)
	n := 0
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" || m.Role == "" {
			continue
		}
		if m.CreatedAt == 0 {
			m.CreatedAt = prisma.NowMicro()
		}
		m.ID = prisma.NewID()
		m.SessionID = sessionID
		if err := e.store.AppendMessage(ctx, m); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// recallMemories retrieves and renders memory strings under the total
// character cap. Errors degrade to no memories.
func (e *Engine) recallMemories(ctx context.Context, userID, query string, cfg *MemoryConfig) []string {
	if e.memories == nil {
		return nil
	}
	limit := defaultMemoryLimit
	if cfg != nil {
		if !cfg.Enabled {
			return nil
		}
		if cfg.Limit > 0 {
			limit = cfg.Limit
		}
	}
	rows, err := e.memories.Search(ctx, userID, query, limit)
	if err != nil {
		e.logger.Warn("memory retrieval degraded", "user", userID, "error", err)
		return nil
	}
	var out []string
	total := 0
	for _, m := range rows {
		n := len([]rune(m.Content))
		if total+n > maxMemoryChars {
			break
		}
		out = append(out, m.Content)
		total += n
	}
	return out
}

// loadLore resolves the entry set (request override or stored active
// entries) and, for stored entries, the semantic force-activation ids.
func (e *Engine) loadLore(ctx context.Context, userID, query string, override []prisma.LoreEntry) ([]prisma.LoreEntry, []string) {
	if len(override) > 0 {
		return override, nil
	}
	entries, err := e.store.ActiveLoreEntries(ctx, userID)
	if err != nil {
		e.logger.Warn("lore loading degraded", "user", userID, "error", err)
		return nil, nil
	}
	if len(entries) == 0 || e.loreIndex == nil || !e.loreIndex.Available() {
		return entries, nil
	}
	seen := make(map[string]struct{})
	var bookIDs []string
	for _, en := range entries {
		if _, ok := seen[en.LorebookID]; ok {
			continue
		}
		seen[en.LorebookID] = struct{}{}
		bookIDs = append(bookIDs, en.LorebookID)
	}
	forced, err := e.loreIndex.SearchLoreIDs(ctx, query, bookIDs, loreSearchTopK)
	if err != nil {
		e.logger.Warn("semantic lore search degraded", "error", err)
		return entries, nil
	}
	return entries, forced
}

func (e *Engine) loadModules(ctx context.Context, charName string) []string {
	mods, err := e.store.EnabledModules(ctx)
	if err != nil {
		e.logger.Warn("prompt modules degraded", "error", err)
		return nil
	}
	out := make([]string, 0, len(mods))
	for _, m := range mods {
		content := strings.ReplaceAll(m.Content, "{char_name}", charName)
		if strings.TrimSpace(content) != "" {
			out = append(out, content)
		}
	}
	return out
}

// afterTurn enqueues the compaction probe and fact extraction. Both run
// detached; failures are logged, never surfaced.
func (e *Engine) afterTurn(sessionID, userID, charName, model, userText, reply string, cfg *MemoryConfig) {
	if e.workers == nil {
		return
	}
	if e.compactor != nil {
		window := e.limits.Lookup(model).ContextWindow
		e.workers.Submit(func(ctx context.Context) {
			if _, err := e.compactor.Probe(ctx, sessionID, window); err != nil {
				e.logger.Warn("compaction probe failed", "session", sessionID, "error", err)
			}
		})
	}
	memoryOn := cfg == nil || cfg.Enabled
	if e.extractor != nil && memoryOn && memory.ShouldExtract(userText, reply) {
		e.workers.Submit(func(ctx context.Context) {
			if _, err := e.extractor.Extract(ctx, userID, charName, userText, reply); err != nil {
				e.logger.Warn("fact extraction failed", "user", userID, "error", err)
			}
		})
	}
}

// splitSummary separates compactor summaries from live history. Summaries
// join into one block, oldest first; everything else passes through in
// order.
func splitSummary(msgs []prisma.ChatMessage) ([]prisma.ChatMessage, string) {
	var history []prisma.ChatMessage
	var summaries []string
	for _, m := range msgs {
		if m.IsSummary() {
			summaries = append(summaries, strings.TrimSpace(strings.TrimPrefix(m.Content, prisma.SummaryMarker)))
			continue
		}
		history = append(history, m)
	}
	return history, strings.Join(summaries, "\n\n")
}
