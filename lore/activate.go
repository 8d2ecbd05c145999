// Package lore activates world-knowledge entries against the current
// conversation. Activation is deterministic: the same entries and scan
// text always produce the same admitted set.
package lore

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/renyus/prisma"
)

const (
	// maxRounds bounds recursive activation (entry content triggering
	// further entries).
	maxRounds = 5
	// maxDynamicScan caps the accumulated activated-content scan text;
	// only the most recent suffix is kept.
	maxDynamicScan = 5000
	// historyScanDepth is how many recent messages feed the base scan text.
	historyScanDepth = 5
	// DefaultMaxEntries caps the admitted set.
	DefaultMaxEntries = 30
)

// Estimator counts prompt tokens; token.Estimator satisfies it.
type Estimator interface {
	Estimate(text string) int
}

// Blocks are the admitted entries' contents partitioned by position, each
// block double-newline joined.
type Blocks struct {
	BeforeChar string `json:"beforeChar"`
	AfterChar  string `json:"afterChar"`
	BeforeUser string `json:"beforeUser"`
	AfterUser  string `json:"afterUser"`
}

// Input is one activation request.
type Input struct {
	Entries     []prisma.LoreEntry
	History     []prisma.ChatMessage
	UserMessage string
	// ForcedIDs activate regardless of keyword matches (semantic
	// retrieval hits).
	ForcedIDs []string
	// Budget is the token allowance; entries that do not fit are skipped,
	// not stopped at.
	Budget int
	// MaxEntries caps the admitted set; 0 means DefaultMaxEntries.
	MaxEntries int
}

// ActivatorOption configures an Activator.
type ActivatorOption func(*Activator)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ActivatorOption {
	return func(a *Activator) { a.logger = l }
}

// Activator evaluates lore entries against scan text.
type Activator struct {
	est    Estimator
	logger *slog.Logger
}

// New builds an activator over the given token estimator.
func New(est Estimator, opts ...ActivatorOption) *Activator {
	a := &Activator{est: est, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(a)
	}
	return a
}

// candidate is one entry with its pre-compiled keyword matchers.
type candidate struct {
	entry    prisma.LoreEntry
	matchers []matcher
}

// matcher gets the raw scan text and a pre-lowered copy.
type matcher func(text, lowered string) bool

// Activate runs keyword/regex activation with recursion, then admits the
// activated entries by (-priority, order) under the token budget.
func (a *Activator) Activate(in Input) (Blocks, []prisma.LoreEntry) {
	maxEntries := in.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	forced := make(map[string]struct{}, len(in.ForcedIDs))
	for _, id := range in.ForcedIDs {
		forced[id] = struct{}{}
	}

	pool := make([]*candidate, 0, len(in.Entries))
	for _, e := range in.Entries {
		pool = append(pool, &candidate{entry: e, matchers: compileMatchers(e)})
	}

	base := baseScanText(in.History, in.UserMessage)
	var dynamic string
	activated := make([]prisma.LoreEntry, 0, len(pool))
	done := make(map[string]struct{}, len(pool))

	// Constants and forced hits seed the dynamic text before recursion.
	for _, c := range pool {
		_, isForced := forced[c.entry.ID]
		if !c.entry.Constant && !isForced {
			continue
		}
		done[c.entry.ID] = struct{}{}
		activated = append(activated, c.entry)
		dynamic = appendScan(dynamic, c.entry.Content)
	}

	for round := 0; round < maxRounds; round++ {
		text := base + dynamic
		lowered := strings.ToLower(text)
		var hits []prisma.LoreEntry
		for _, c := range pool {
			if _, ok := done[c.entry.ID]; ok {
				continue
			}
			for _, m := range c.matchers {
				if m(text, lowered) {
					hits = append(hits, c.entry)
					done[c.entry.ID] = struct{}{}
					break
				}
			}
		}
		if len(hits) == 0 {
			break
		}
		activated = append(activated, hits...)
		// Batch append: hits of this round only see each other next round.
		for _, e := range hits {
			dynamic = appendScan(dynamic, e.Content)
		}
	}

	sort.SliceStable(activated, func(i, j int) bool {
		if activated[i].Priority != activated[j].Priority {
			return activated[i].Priority > activated[j].Priority
		}
		return activated[i].Order < activated[j].Order
	})

	// Greedy admission: an oversized entry is skipped so later
	// higher-priority-adjacent entries can still fit.
	used := 0
	admitted := make([]prisma.LoreEntry, 0, len(activated))
	for _, e := range activated {
		if len(admitted) == maxEntries {
			break
		}
		cost := a.est.Estimate(e.Content)
		if used+cost > in.Budget {
			continue
		}
		used += cost
		admitted = append(admitted, e)
	}
	a.logger.Debug("lore activated",
		"candidates", len(pool), "activated", len(activated),
		"admitted", len(admitted), "tokens", used)

	return buildBlocks(admitted), admitted
}

func baseScanText(history []prisma.ChatMessage, userMessage string) string {
	start := len(history) - historyScanDepth
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for _, m := range history[start:] {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString(userMessage)
	return b.String()
}

func appendScan(dynamic, content string) string {
	dynamic += "\n" + content
	if r := []rune(dynamic); len(r) > maxDynamicScan {
		dynamic = string(r[len(r)-maxDynamicScan:])
	}
	return dynamic
}

// compileMatchers builds one matcher per deduplicated keyword. Invalid
// regexes are dropped silently.
func compileMatchers(e prisma.LoreEntry) []matcher {
	keywords := make([]string, 0, len(e.Keywords)+1)
	seen := make(map[string]struct{}, len(e.Keywords)+1)
	for _, kw := range append([]string{e.Key}, e.Keywords...) {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		keywords = append(keywords, kw)
	}

	var out []matcher
	for _, kw := range keywords {
		switch {
		case e.UseRegex:
			expr := kw
			if e.MatchWholeWord {
				expr = `\b(?:` + expr + `)\b`
			}
			if !e.CaseSensitive {
				expr = `(?i)` + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				continue
			}
			out = append(out, func(text, _ string) bool { return re.MatchString(text) })
		case e.MatchWholeWord:
			expr := `\b` + regexp.QuoteMeta(kw) + `\b`
			if !e.CaseSensitive {
				expr = `(?i)` + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				continue
			}
			out = append(out, func(text, _ string) bool { return re.MatchString(text) })
		case e.CaseSensitive:
			needle := kw
			out = append(out, func(text, _ string) bool { return strings.Contains(text, needle) })
		default:
			needle := strings.ToLower(kw)
			out = append(out, func(_, lowered string) bool { return strings.Contains(lowered, needle) })
		}
	}
	return out
}

func buildBlocks(entries []prisma.LoreEntry) Blocks {
	parts := make(map[prisma.LorePosition][]string, 4)
	for _, e := range entries {
		pos := prisma.NormalizePosition(e.Position)
		parts[pos] = append(parts[pos], e.Content)
	}
	join := func(p prisma.LorePosition) string { return strings.Join(parts[p], "\n\n") }
	return Blocks{
		BeforeChar: join(prisma.PositionBeforeChar),
		AfterChar:  join(prisma.PositionAfterChar),
		BeforeUser: join(prisma.PositionBeforeUser),
		AfterUser:  join(prisma.PositionAfterUser),
	}
}
