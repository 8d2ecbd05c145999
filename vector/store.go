// Package vector is the gateway to the persistent ANN collection. It owns
// every write to the collection: other components go through UpsertMemory,
// UpsertLore and Delete, never the engine directly.
package vector

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/sqvect/v2/pkg/core"

	"github.com/renyus/prisma"
)

// DefaultDedupThreshold is the cosine distance under which two texts are
// considered duplicates (distance 0.25 ≈ similarity 0.75).
const DefaultDedupThreshold = 0.25

// flushInterval is how often queued writes are pushed into the engine.
const flushInterval = 30 * time.Second

// loreOverfetch widens lore searches before the lorebook-id post-filter,
// since the engine filter only matches metadata keys exactly.
const loreOverfetch = 10

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the gateway.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithFlushInterval overrides the background flush cadence (tests).
func WithFlushInterval(d time.Duration) StoreOption {
	return func(s *Store) { s.flushEvery = d }
}

// annEngine is the slice of the sqvect store the gateway drives.
// *core.SQLiteStore satisfies it; tests substitute a failing fake.
type annEngine interface {
	UpsertBatch(ctx context.Context, embs []*core.Embedding) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, vec []float32, opts core.SearchOptions) ([]core.ScoredEmbedding, error)
	Close() error
}

// Store wraps a sqvect collection plus an embedding provider. Writes are
// queued under a lock and flushed by a background ticker; searches flush
// first so reads observe queued upserts.
//
// A Store built with a nil embedder is disabled: every operation no-ops,
// searches return nothing, and keyword retrieval elsewhere keeps working.
type Store struct {
	engine     annEngine
	embed      prisma.EmbeddingProvider
	logger     *slog.Logger
	flushEvery time.Duration

	mu      sync.Mutex
	upserts []*core.Embedding
	deletes []string

	done chan struct{}
	wg   sync.WaitGroup
}

// New opens (or creates) the on-disk collection at path. When embedder is
// nil the store starts in disabled mode and never touches the disk.
func New(ctx context.Context, path string, embedder prisma.EmbeddingProvider, opts ...StoreOption) (*Store, error) {
	s := &Store{
		embed:      embedder,
		logger:     slog.New(slog.DiscardHandler),
		flushEvery: flushInterval,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if embedder == nil {
		s.logger.Warn("vector store disabled", "reason", prisma.ErrVectorUnavailable)
		return s, nil
	}

	engine, err := core.New(path, 0)
	if err != nil {
		return nil, err
	}
	if err := engine.Init(ctx); err != nil {
		return nil, err
	}
	s.engine = engine

	s.wg.Add(1)
	go s.flushLoop()
	s.logger.Info("vector store ready", "path", path)
	return s, nil
}

// Available reports whether vector operations are live.
func (s *Store) Available() bool { return s.engine != nil }

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Error("vector flush failed", "error", err)
			}
		case <-s.done:
			return
		}
	}
}

// Flush synchronously pushes queued writes into the engine.
func (s *Store) Flush(ctx context.Context) error {
	if !s.Available() {
		return nil
	}
	s.mu.Lock()
	upserts := s.upserts
	deletes := s.deletes
	s.upserts = nil
	s.deletes = nil
	s.mu.Unlock()

	if len(upserts) > 0 {
		if err := s.engine.UpsertBatch(ctx, upserts); err != nil {
			// Re-queue both detached slices so a transient engine error
			// does not drop writes.
			s.mu.Lock()
			s.upserts = append(upserts, s.upserts...)
			s.deletes = append(deletes, s.deletes...)
			s.mu.Unlock()
			return err
		}
	}
	for i, id := range deletes {
		if err := s.engine.Delete(ctx, id); err != nil {
			s.mu.Lock()
			s.deletes = append(deletes[i:], s.deletes...)
			s.mu.Unlock()
			return err
		}
	}
	if len(upserts) > 0 || len(deletes) > 0 {
		s.logger.Debug("vector flush", "upserts", len(upserts), "deletes", len(deletes))
	}
	return nil
}

// Shutdown flushes pending writes and closes the engine.
func (s *Store) Shutdown(ctx context.Context) error {
	if !s.Available() {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	if err := s.Flush(ctx); err != nil {
		return err
	}
	return s.engine.Close()
}

func (s *Store) enqueue(emb *core.Embedding) {
	s.mu.Lock()
	s.upserts = append(s.upserts, emb)
	s.mu.Unlock()
}

// UpsertMemory writes one memory record. Idempotent: a second upsert with
// the same id overwrites.
func (s *Store) UpsertMemory(ctx context.Context, id, text string, userID string, importance int) error {
	if !s.Available() || text == "" {
		return nil
	}
	vecs, err := s.embed.Embed(ctx, []string{text})
	if err != nil {
		return err
	}
	s.enqueue(&core.Embedding{
		ID:      id,
		Vector:  vecs[0],
		Content: text,
		Metadata: map[string]string{
			"type":       "memory",
			"user_id":    userID,
			"importance": strconv.Itoa(importance),
		},
	})
	s.logger.Debug("memory vector queued", "id", id)
	return nil
}

// UpsertLore mirrors one enabled lorebook entry into the collection.
func (s *Store) UpsertLore(ctx context.Context, entryID, text, lorebookID string, tags []string) error {
	if !s.Available() || text == "" {
		return nil
	}
	vecs, err := s.embed.Embed(ctx, []string{text})
	if err != nil {
		return err
	}
	s.enqueue(&core.Embedding{
		ID:      entryID,
		Vector:  vecs[0],
		Content: text,
		Metadata: map[string]string{
			"type":        "lore",
			"lorebook_id": lorebookID,
			"tags":        strings.Join(tags, ","),
		},
	})
	s.logger.Debug("lore vector queued", "id", entryID, "lorebook", lorebookID)
	return nil
}

// Delete removes records by id. Idempotent.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if !s.Available() || len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	s.deletes = append(s.deletes, ids...)
	s.mu.Unlock()
	return nil
}

// SearchMemory returns the ids of the user's top-k closest memory records,
// ranked closest first.
func (s *Store) SearchMemory(ctx context.Context, query, userID string, k int) ([]string, error) {
	if !s.Available() || query == "" || k <= 0 {
		return nil, nil
	}
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	vecs, err := s.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	hits, err := s.engine.Search(ctx, vecs[0], core.SearchOptions{
		TopK:   k,
		Filter: map[string]string{"type": "memory", "user_id": userID},
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	s.logger.Debug("memory search", "user", userID, "hits", len(ids))
	return ids, nil
}

// SearchLoreIDs returns ids of the top-k lore records whose lorebook is in
// activeBookIDs, in retrieval order.
func (s *Store) SearchLoreIDs(ctx context.Context, query string, activeBookIDs []string, k int) ([]string, error) {
	if !s.Available() || query == "" || k <= 0 || len(activeBookIDs) == 0 {
		return nil, nil
	}
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	vecs, err := s.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	// The engine filter matches exact metadata values only, so the
	// lorebook-id set is applied after an over-fetched type=lore search.
	hits, err := s.engine.Search(ctx, vecs[0], core.SearchOptions{
		TopK:   k * loreOverfetch,
		Filter: map[string]string{"type": "lore"},
	})
	if err != nil {
		return nil, err
	}
	active := make(map[string]struct{}, len(activeBookIDs))
	for _, id := range activeBookIDs {
		active[id] = struct{}{}
	}
	ids := make([]string, 0, k)
	for _, h := range hits {
		if _, ok := active[h.Metadata["lorebook_id"]]; !ok {
			continue
		}
		ids = append(ids, h.ID)
		if len(ids) == k {
			break
		}
	}
	return ids, nil
}

// SearchLore resolves SearchLoreIDs hits against the caller's full active
// entry list, preserving retrieval order.
func (s *Store) SearchLore(ctx context.Context, query string, activeBookIDs []string, k int, entries []prisma.LoreEntry) ([]prisma.LoreEntry, error) {
	ids, err := s.SearchLoreIDs(ctx, query, activeBookIDs, k)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	byID := make(map[string]prisma.LoreEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	out := make([]prisma.LoreEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// ExistsSimilar reports whether the user already has a memory record
// within threshold cosine distance of text. Used for semantic dedup
// before persisting extracted facts.
func (s *Store) ExistsSimilar(ctx context.Context, text, userID string, threshold float64) (bool, error) {
	if !s.Available() || text == "" {
		return false, nil
	}
	if threshold <= 0 {
		threshold = DefaultDedupThreshold
	}
	if err := s.Flush(ctx); err != nil {
		return false, err
	}
	vecs, err := s.embed.Embed(ctx, []string{text})
	if err != nil {
		return false, err
	}
	hits, err := s.engine.Search(ctx, vecs[0], core.SearchOptions{
		TopK:   1,
		Filter: map[string]string{"type": "memory", "user_id": userID},
	})
	if err != nil || len(hits) == 0 {
		return false, err
	}
	distance := 1 - hits[0].Score
	return distance < threshold, nil
}
