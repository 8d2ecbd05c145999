package prisma

import "context"

// Store is the relational persistence layer: chat history, memory rows,
// lorebooks, and prompt modules. store/sqlite is the reference
// implementation. Vector records are owned by the vector gateway, not by
// Store; the memory service coordinates the dual-write.
type Store interface {
	// --- Chat history ---

	// AppendMessage inserts one message. The caller fills ID and CreatedAt
	// (the compactor backdates summary rows).
	AppendMessage(ctx context.Context, msg ChatMessage) error
	// RecentMessages returns the newest messages of a session in
	// chronological order, excluding archived rows.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error)
	// SessionMessages returns the full chronological history of a session,
	// optionally including archived rows.
	SessionMessages(ctx context.Context, sessionID string, includeArchived bool) ([]ChatMessage, error)
	// ArchivedMessages returns archived rows of a session, chronological.
	ArchivedMessages(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error)
	ArchiveMessages(ctx context.Context, ids []string) (int, error)
	UnarchiveMessages(ctx context.Context, ids []string) (int, error)
	// DeleteSession removes every message of one exact session id.
	DeleteSession(ctx context.Context, sessionID string) (int, error)
	// DeleteSessionsByPrefix removes every message whose session id starts
	// with prefix (scope=card history deletion).
	DeleteSessionsByPrefix(ctx context.Context, prefix string) (int, error)

	// --- Memory rows (SQL side of the dual-write) ---

	InsertMemory(ctx context.Context, m Memory) error
	DeleteMemories(ctx context.Context, ids []string) error
	ListMemories(ctx context.Context, userID string) ([]Memory, error)
	MemoriesByIDs(ctx context.Context, ids []string) ([]Memory, error)
	// KeywordSearchMemories runs a disjunctive LIKE over the candidates,
	// ordered by importance descending.
	KeywordSearchMemories(ctx context.Context, userID string, keywords []string, limit int) ([]Memory, error)

	// --- Read-only pipeline inputs ---

	// ActiveLoreEntries returns enabled entries of the user's active
	// lorebooks.
	ActiveLoreEntries(ctx context.Context, userID string) ([]LoreEntry, error)
	// EnabledModules returns enabled prompt modules in position order.
	EnabledModules(ctx context.Context) ([]PromptModule, error)

	// --- Lifecycle ---

	Init(ctx context.Context) error
	Close() error
}
