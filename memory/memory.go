// Package memory implements long-term user memory: durable fact rows with
// a mirrored vector record, hybrid semantic+keyword retrieval, and LLM
// fact extraction from finished turns.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/renyus/prisma"
)

// DefaultImportance is assigned to extracted facts.
const DefaultImportance = 3

// VectorIndex is the slice of the vector gateway the service needs.
// *vector.Store satisfies it; tests substitute a fake.
type VectorIndex interface {
	Available() bool
	UpsertMemory(ctx context.Context, id, text, userID string, importance int) error
	SearchMemory(ctx context.Context, query, userID string, k int) ([]string, error)
	ExistsSimilar(ctx context.Context, text, userID string, threshold float64) (bool, error)
	Delete(ctx context.Context, ids ...string) error
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets a structured logger for the service.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// Service coordinates the SQL row and the vector record of each memory.
type Service struct {
	store  prisma.Store
	index  VectorIndex
	logger *slog.Logger
}

// NewService wires the relational store and the vector index together.
func NewService(store prisma.Store, index VectorIndex, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		index:  index,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create persists one memory. The SQL row and the vector record are
// written as a unit: when the vector write fails, the row is rolled back
// and the caller gets *prisma.ErrAtomicity.
func (s *Service) Create(ctx context.Context, userID, content string, importance int) (prisma.Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return prisma.Memory{}, &prisma.ErrBadRequest{Field: "content", Reason: "empty"}
	}
	if importance < 1 {
		importance = 1
	}
	if importance > 5 {
		importance = 5
	}
	m := prisma.Memory{
		ID:         prisma.NewID(),
		UserID:     userID,
		Content:    content,
		Importance: importance,
		CreatedAt:  prisma.NowMicro(),
	}
	if err := s.store.InsertMemory(ctx, m); err != nil {
		return prisma.Memory{}, err
	}
	if err := s.index.UpsertMemory(ctx, m.ID, m.Content, m.UserID, m.Importance); err != nil {
		if rbErr := s.store.DeleteMemories(ctx, []string{m.ID}); rbErr != nil {
			s.logger.Error("memory rollback failed", "id", m.ID, "error", rbErr)
		}
		return prisma.Memory{}, &prisma.ErrAtomicity{ID: m.ID, Err: err}
	}
	s.logger.Debug("memory created", "id", m.ID, "user", userID)
	return m, nil
}

// CreateIfNovel persists content unless the user already has a
// semantically close memory. Returns false when skipped as duplicate.
func (s *Service) CreateIfNovel(ctx context.Context, userID, content string, importance int) (bool, error) {
	dup, err := s.index.ExistsSimilar(ctx, content, userID, 0)
	if err != nil {
		return false, err
	}
	if dup {
		s.logger.Debug("memory skipped as duplicate", "user", userID)
		return false, nil
	}
	if _, err := s.Create(ctx, userID, content, importance); err != nil {
		return false, err
	}
	return true, nil
}

// Search runs semantic and keyword retrieval in parallel and fuses the
// results, semantic hits first, deduplicated by id and truncated to
// limit. A failing vector branch degrades to keyword-only with a warning
// rather than failing the search.
func (s *Service) Search(ctx context.Context, userID, query string, limit int) ([]prisma.Memory, error) {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}

	var semantic, keyword []prisma.Memory
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := s.index.SearchMemory(gctx, query, userID, limit)
		if err != nil {
			s.logger.Warn("semantic memory search degraded", "error", err)
			return nil
		}
		if len(ids) == 0 {
			return nil
		}
		rows, err := s.store.MemoriesByIDs(gctx, ids)
		if err != nil {
			return err
		}
		// MemoriesByIDs gives no ordering promise; restore rank order.
		byID := make(map[string]prisma.Memory, len(rows))
		for _, m := range rows {
			byID[m.ID] = m
		}
		for _, id := range ids {
			if m, ok := byID[id]; ok {
				semantic = append(semantic, m)
			}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		keyword, err = s.store.KeywordSearchMemories(gctx, userID, deriveKeywords(query), limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, limit)
	out := make([]prisma.Memory, 0, limit)
	for _, m := range append(semantic, keyword...) {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// DeleteAll removes every memory of the user, rows and vectors both.
func (s *Service) DeleteAll(ctx context.Context, userID string) (int, error) {
	rows, err := s.store.ListMemories(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	ids := make([]string, len(rows))
	for i, m := range rows {
		ids[i] = m.ID
	}
	if err := s.store.DeleteMemories(ctx, ids); err != nil {
		return 0, err
	}
	if err := s.index.Delete(ctx, ids...); err != nil {
		s.logger.Warn("vector cleanup incomplete", "user", userID, "error", err)
	}
	return len(ids), nil
}

// deriveKeywords splits a query into deduplicated LIKE candidates. Short
// queries (under 10 runes, typically CJK) become overlapping bigrams;
// queries containing whitespace split into fields longer than one rune;
// long unbroken strings contribute their first and last five runes.
func deriveKeywords(query string) []string {
	runes := []rune(query)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) < 10 {
		if len(runes) == 1 {
			return []string{query}
		}
		out := make([]string, 0, len(runes)-1)
		for i := 0; i+1 < len(runes); i++ {
			out = append(out, string(runes[i:i+2]))
		}
		return dedupKeywords(out)
	}
	if strings.IndexFunc(query, unicode.IsSpace) >= 0 {
		var out []string
		for _, f := range strings.Fields(query) {
			// One-rune tokens like "I" would LIKE-match everything.
			if utf8.RuneCountInString(f) > 1 {
				out = append(out, f)
			}
		}
		return dedupKeywords(out)
	}
	return dedupKeywords([]string{string(runes[:5]), string(runes[len(runes)-5:])})
}

func dedupKeywords(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
