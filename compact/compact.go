// Package compact shrinks long sessions in the background: old messages
// are summarized by the utility model, archived, and replaced by a single
// backdated summary message.
package compact

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/renyus/prisma"
)

// Compaction triggers above pressureNum/pressureDen of the context window
// and archives down to a residual of residualNum/residualDen.
const (
	pressureNum = 3
	pressureDen = 4
	residualNum = 1
	residualDen = 2
)

// minRetained keeps the latest exchange out of any compaction. When the
// retained tail alone still exceeds the pressure threshold, the residual
// pressure is accepted: the messages the user is actively replying to are
// never summarized away, and the next probe no-ops instead of thrashing.
const minRetained = 2

// maxTrackedSessions bounds the per-session lock map; idle entries are
// evicted once the map grows past it.
const maxTrackedSessions = 1024

// summaryPrompt instructs the utility model. The reply becomes the
// summary message body verbatim.
const summaryPrompt = "你是一个高效的对话总结器。请仔细阅读给定的历史对话，并用简洁的语言提炼出核心信息、关键事件和用户的主要目标。你的总结将作为未来对话的上下文。请直接返回总结文本，不要包含任何前缀或解释。"

// Estimator counts prompt tokens; token.Estimator satisfies it.
type Estimator interface {
	Estimate(text string) int
}

// Option configures a Compactor.
type Option func(*Compactor)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compactor) { c.logger = l }
}

// Compactor serializes per-session compaction runs. A probe on a session
// that is already compacting no-ops.
type Compactor struct {
	store    prisma.Store
	provider prisma.Provider
	est      Estimator
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// New builds a compactor over the store and the utility provider.
func New(store prisma.Store, provider prisma.Provider, est Estimator, opts ...Option) *Compactor {
	c := &Compactor{
		store:    store,
		provider: provider,
		est:      est,
		logger:   slog.New(slog.DiscardHandler),
		sessions: make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// acquire takes the session lock without blocking. Lookup and TryLock
// happen under the map lock, so release may safely evict idle entries.
func (c *Compactor) acquire(sessionID string) (*sync.Mutex, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.sessions[sessionID]
	if !ok {
		m = &sync.Mutex{}
		c.sessions[sessionID] = m
	}
	return m, m.TryLock()
}

func (c *Compactor) release(lock *sync.Mutex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock.Unlock()
	if len(c.sessions) <= maxTrackedSessions {
		return
	}
	for id, m := range c.sessions {
		if m.TryLock() {
			m.Unlock()
			delete(c.sessions, id)
		}
	}
}

// Probe checks token pressure and compacts when the live history exceeds
// three quarters of the context window. Returns whether a compaction ran.
// A second probe while one is running returns immediately.
func (c *Compactor) Probe(ctx context.Context, sessionID string, contextWindow int) (bool, error) {
	if contextWindow <= 0 {
		return false, nil
	}
	lock, ok := c.acquire(sessionID)
	if !ok {
		return false, nil
	}
	defer c.release(lock)
	return c.compact(ctx, sessionID, contextWindow)
}

func (c *Compactor) compact(ctx context.Context, sessionID string, contextWindow int) (bool, error) {
	all, err := c.store.SessionMessages(ctx, sessionID, false)
	if err != nil {
		return false, err
	}

	// Summaries from earlier runs never count toward pressure and are
	// never re-archived here.
	live := make([]prisma.ChatMessage, 0, len(all))
	total := 0
	for _, m := range all {
		if m.IsSummary() {
			continue
		}
		live = append(live, m)
		total += c.est.Estimate(m.Content)
	}
	if total <= contextWindow*pressureNum/pressureDen {
		return false, nil
	}

	target := contextWindow * residualNum / residualDen
	need := total - target
	selected := make([]prisma.ChatMessage, 0, len(live))
	accumulated := 0
	for i, m := range live {
		if len(live)-i <= minRetained {
			break
		}
		selected = append(selected, m)
		accumulated += c.est.Estimate(m.Content)
		if accumulated >= need {
			break
		}
	}
	if len(selected) == 0 || len(selected) == len(live) {
		return false, nil
	}

	summary, err := c.summarize(ctx, selected)
	if err != nil {
		c.logger.Warn("history summarization failed", "session", sessionID, "error", err)
		return false, nil
	}
	if summary == "" {
		c.logger.Warn("history summarization empty", "session", sessionID)
		return false, nil
	}

	ids := make([]string, len(selected))
	for i, m := range selected {
		ids[i] = m.ID
	}
	archived, err := c.store.ArchiveMessages(ctx, ids)
	if err != nil {
		return false, err
	}

	earliestRetained := live[len(selected)]
	summaryMsg := prisma.ChatMessage{
		ID:        prisma.NewID(),
		SessionID: sessionID,
		Role:      "system",
		Content:   prisma.SummaryMarker + "\n" + summary,
		CreatedAt: earliestRetained.CreatedAt - 1,
	}
	if err := c.store.AppendMessage(ctx, summaryMsg); err != nil {
		return false, err
	}
	c.logger.Info("history compacted",
		"session", sessionID, "archived", archived,
		"tokens_before", total, "target", target)
	return true, nil
}

func (c *Compactor) summarize(ctx context.Context, msgs []prisma.ChatMessage) (string, error) {
	var b strings.Builder
	for i, m := range msgs {
		if m.Content == "" {
			continue
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	resp, err := c.provider.Chat(ctx, prisma.ChatRequest{
		Messages: []prisma.ChatTurn{
			prisma.SystemTurn(summaryPrompt),
			prisma.UserTurn("请总结以下对话历史：\n---\n" + b.String()),
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
