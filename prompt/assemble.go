package prompt

import (
	"log/slog"
	"strings"

	"github.com/renyus/prisma"
	"github.com/renyus/prisma/lore"
)

const (
	// DefaultHistoryBudget is the requested history-token allowance when
	// the caller does not set one.
	DefaultHistoryBudget = 2400
	// maxSingleMessageChars tail-clips pathological single messages
	// before costing them.
	maxSingleMessageChars = 10000
	// messageFraming is the per-message chat-template overhead.
	messageFraming = 4
	// lowBudgetWarn is the remaining-input level that triggers a warning.
	lowBudgetWarn = 500
	// minSafeInput is the floor of the input allowance for models whose
	// reported window is smaller than their output reservation.
	minSafeInput = 2000

	loreBudgetMin = 500
	loreBudgetMax = 3000
)

// trailingDirective closes every user prompt.
const trailingDirective = "(Remember: Start with <thinking> tags)"

// Estimator counts prompt tokens; token.Estimator satisfies it.
type Estimator interface {
	Estimate(text string) int
}

// Limiter resolves per-model limits; models.Registry satisfies it.
type Limiter interface {
	Lookup(model string) prisma.ModelLimits
}

// Input is everything one assembly needs. History must already exclude
// archived rows and the summary row.
type Input struct {
	Card        *prisma.CharacterCard
	UserAlias   string
	LoreEntries []prisma.LoreEntry
	History     []prisma.ChatMessage
	UserMessage string
	// Memories are pre-rendered memory strings, most relevant first.
	Memories []string
	// Summary is the previous-story summary text, marker stripped or not.
	Summary string
	// Modules are pre-formatted instruction strings in position order.
	Modules []string
	// ForcedLoreIDs are semantic-retrieval hits activated unconditionally.
	ForcedLoreIDs []string
	// RefinedHistory, when set and affordable, becomes a synthetic system
	// message ahead of the kept history.
	RefinedHistory string
	Model          string
	// HistoryBudget is the requested (soft) history allowance; 0 means
	// DefaultHistoryBudget.
	HistoryBudget int
}

// TokenStats reports where the input budget went. History is a message
// count, the rest are token estimates.
type TokenStats struct {
	System     int `json:"system"`
	User       int `json:"user"`
	History    int `json:"history"`
	BudgetLeft int `json:"budget_left"`
}

// Output is the provider-ready payload.
type Output struct {
	SystemPrompt string
	Messages     []prisma.ChatTurn
	LoreBlocks   lore.Blocks
	TriggeredIDs []string
	TokenStats   TokenStats
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) AssemblerOption {
	return func(a *Assembler) { a.logger = l }
}

// Assembler builds the final prompt under the model's input budget.
type Assembler struct {
	est       Estimator
	limits    Limiter
	activator *lore.Activator
	logger    *slog.Logger
}

// New wires the token estimator, model limits and lore activator.
func New(est Estimator, limits Limiter, activator *lore.Activator, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		est:       est,
		limits:    limits,
		activator: activator,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assemble derives the budgets, activates lore, composes system and user
// prompts, and truncates history to what still fits.
func (a *Assembler) Assemble(in Input) Output {
	limits := a.limits.Lookup(in.Model)
	safeInput := limits.ContextWindow - limits.MaxOutput - limits.SafetyBuffer
	if safeInput < minSafeInput {
		safeInput = minSafeInput
	}
	loreBudget := limits.ContextWindow / 5
	if loreBudget < loreBudgetMin {
		loreBudget = loreBudgetMin
	}
	if loreBudget > loreBudgetMax {
		loreBudget = loreBudgetMax
	}

	blocks, admitted := a.activator.Activate(lore.Input{
		Entries:     in.LoreEntries,
		History:     in.History,
		UserMessage: in.UserMessage,
		ForcedIDs:   in.ForcedLoreIDs,
		Budget:      loreBudget,
	})
	triggered := make([]string, len(admitted))
	for i, e := range admitted {
		triggered[i] = e.ID
	}

	systemParts := []string{RenderRole(in.Card, in.UserAlias)}
	if in.Summary != "" {
		systemParts = append(systemParts, "【Previous Story Summary】\n"+in.Summary)
	}
	if len(in.Memories) > 0 {
		var b strings.Builder
		b.WriteString("【Recall / Long-term Memories】")
		for _, m := range in.Memories {
			b.WriteString("\n- ")
			b.WriteString(m)
		}
		systemParts = append(systemParts, b.String())
	}
	if blocks.BeforeChar != "" {
		systemParts = append(systemParts, "【World Setting】\n"+blocks.BeforeChar)
	}
	if blocks.AfterChar != "" {
		systemParts = append(systemParts, "【Additional Lore】\n"+blocks.AfterChar)
	}
	systemParts = append(systemParts, in.Modules...)
	system := joinNonEmpty(systemParts)

	userParts := []string{}
	if blocks.BeforeUser != "" {
		userParts = append(userParts, "【Scene Context】\n"+blocks.BeforeUser)
	}
	userParts = append(userParts, in.UserMessage)
	if blocks.AfterUser != "" {
		userParts = append(userParts, "【Note】\n"+blocks.AfterUser)
	}
	userParts = append(userParts, trailingDirective)
	user := joinNonEmpty(userParts)

	systemTokens := a.est.Estimate(system)
	userTokens := a.est.Estimate(user)
	remaining := safeInput - systemTokens - userTokens
	if remaining < lowBudgetWarn {
		a.logger.Warn("prompt budget nearly exhausted",
			"model", in.Model, "remaining", remaining,
			"system", systemTokens, "user", userTokens)
	}
	if remaining < 0 {
		remaining = 0
	}

	requested := in.HistoryBudget
	if requested <= 0 {
		requested = DefaultHistoryBudget
	}
	historyBudget := requested
	if remaining < historyBudget {
		historyBudget = remaining
	}

	var messages []prisma.ChatTurn
	if in.RefinedHistory != "" {
		cost := a.est.Estimate(in.RefinedHistory) + messageFraming
		if cost <= historyBudget {
			messages = append(messages, prisma.SystemTurn(in.RefinedHistory))
			historyBudget -= cost
		}
	}

	kept := truncateHistory(a.est, in.History, historyBudget)
	messages = append(messages, kept...)
	messages = append(messages, prisma.UserTurn(user))

	return Output{
		SystemPrompt: system,
		Messages:     messages,
		LoreBlocks:   blocks,
		TriggeredIDs: triggered,
		TokenStats: TokenStats{
			System:     systemTokens,
			User:       userTokens,
			History:    len(kept),
			BudgetLeft: remaining,
		},
	}
}

// truncateHistory keeps the newest messages that fit the budget,
// returned in chronological order. Messages longer than
// maxSingleMessageChars contribute only their tail.
func truncateHistory(est Estimator, history []prisma.ChatMessage, budget int) []prisma.ChatTurn {
	if len(history) == 0 || budget <= 0 {
		return nil
	}
	var kept []prisma.ChatTurn
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		content := history[i].Content
		if r := []rune(content); len(r) > maxSingleMessageChars {
			content = string(r[len(r)-maxSingleMessageChars:])
		}
		cost := est.Estimate(content) + messageFraming
		if used+cost > budget {
			break
		}
		kept = append(kept, prisma.ChatTurn{Role: history[i].Role, Content: content})
		used += cost
	}
	// Reverse back to chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}
