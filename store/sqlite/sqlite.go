// Package sqlite implements prisma.Store on pure-Go SQLite. Zero CGO
// required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/renyus/prisma"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements prisma.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ prisma.Store = (*Store)(nil)

// New creates a Store at dbPath. All goroutines serialize through one
// connection, which eliminates SQLITE_BUSY from concurrent writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			is_archived INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages (session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			importance INTEGER NOT NULL DEFAULT 3,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories (user_id)`,
		`CREATE TABLE IF NOT EXISTS lorebooks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lore_entries (
			id TEXT PRIMARY KEY,
			lorebook_id TEXT NOT NULL,
			key TEXT NOT NULL DEFAULT '',
			keywords TEXT NOT NULL DEFAULT '[]',
			content TEXT NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			sort_order INTEGER NOT NULL DEFAULT 0,
			probability INTEGER NOT NULL DEFAULT 100,
			use_regex INTEGER NOT NULL DEFAULT 0,
			case_sensitive INTEGER NOT NULL DEFAULT 0,
			match_whole_word INTEGER NOT NULL DEFAULT 0,
			exclude INTEGER NOT NULL DEFAULT 0,
			constant INTEGER NOT NULL DEFAULT 0,
			contextual INTEGER NOT NULL DEFAULT 0,
			authors_note INTEGER NOT NULL DEFAULT 0,
			position TEXT NOT NULL DEFAULT 'beforeChar',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lore_entries_book
			ON lore_entries (lorebook_id)`,
		`CREATE TABLE IF NOT EXISTS prompt_modules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			content TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			is_enabled INTEGER NOT NULL DEFAULT 1
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Debug("sqlite: schema ready")
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// --- Chat history ---

func (s *Store) AppendMessage(ctx context.Context, msg prisma.ChatMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at, is_archived)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt, boolInt(msg.Archived))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]prisma.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at, is_archived
		 FROM messages WHERE session_id = ? AND is_archived = 0
		 ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Newest-first query, chronological result.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) SessionMessages(ctx context.Context, sessionID string, includeArchived bool) ([]prisma.ChatMessage, error) {
	q := `SELECT id, session_id, role, content, created_at, is_archived
	      FROM messages WHERE session_id = ?`
	if !includeArchived {
		q += ` AND is_archived = 0`
	}
	q += ` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *Store) ArchivedMessages(ctx context.Context, sessionID string, limit int) ([]prisma.ChatMessage, error) {
	q := `SELECT id, session_id, role, content, created_at, is_archived
	      FROM messages WHERE session_id = ? AND is_archived = 1
	      ORDER BY created_at ASC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archived messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *Store) ArchiveMessages(ctx context.Context, ids []string) (int, error) {
	return s.setArchived(ctx, ids, true)
}

func (s *Store) UnarchiveMessages(ctx context.Context, ids []string) (int, error) {
	return s.setArchived(ctx, ids, false)
}

func (s *Store) setArchived(ctx context.Context, ids []string, archived bool) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q := `UPDATE messages SET is_archived = ? WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, 0, len(ids)+1)
	args = append(args, boolInt(archived))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("set archived: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: session deleted", "session", sessionID, "rows", n)
	return int(n), nil
}

func (s *Store) DeleteSessionsByPrefix(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id LIKE ? ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		return 0, fmt.Errorf("delete sessions by prefix: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Memories ---

func (s *Store) InsertMemory(ctx context.Context, m prisma.Memory) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, content, importance, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Content, m.Importance, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *Store) DeleteMemories(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := `DELETE FROM memories WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("delete memories: %w", err)
	}
	return nil
}

func (s *Store) ListMemories(ctx context.Context, userID string) ([]prisma.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, importance, created_at
		 FROM memories WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	return scanMemories(rows)
}

func (s *Store) MemoriesByIDs(ctx context.Context, ids []string) ([]prisma.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT id, user_id, content, importance, created_at
	      FROM memories WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memories by ids: %w", err)
	}
	return scanMemories(rows)
}

func (s *Store) KeywordSearchMemories(ctx context.Context, userID string, keywords []string, limit int) ([]prisma.Memory, error) {
	if len(keywords) == 0 || limit <= 0 {
		return nil, nil
	}
	conds := make([]string, len(keywords))
	args := []any{userID}
	for i, kw := range keywords {
		conds[i] = `content LIKE ?`
		args = append(args, "%"+kw+"%")
	}
	args = append(args, limit)
	q := `SELECT id, user_id, content, importance, created_at
	      FROM memories WHERE user_id = ? AND (` + strings.Join(conds, " OR ") + `)
	      ORDER BY importance DESC, created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search memories: %w", err)
	}
	return scanMemories(rows)
}

// --- Lore and modules ---

// SaveLorebook inserts or replaces one lorebook (admin/import surface).
func (s *Store) SaveLorebook(ctx context.Context, b prisma.Lorebook) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO lorebooks
		 (id, user_id, name, description, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.Name, b.Description, boolInt(b.Active), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save lorebook: %w", err)
	}
	return nil
}

// SaveLoreEntry inserts or replaces one entry.
func (s *Store) SaveLoreEntry(ctx context.Context, e prisma.LoreEntry) error {
	keywords, err := json.Marshal(e.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO lore_entries
		 (id, lorebook_id, key, keywords, content, comment, enabled,
		  priority, sort_order, probability, use_regex, case_sensitive,
		  match_whole_word, exclude, constant, contextual, authors_note,
		  position, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.LorebookID, e.Key, string(keywords), e.Content, e.Comment,
		boolInt(e.Enabled), e.Priority, e.Order, e.Probability,
		boolInt(e.UseRegex), boolInt(e.CaseSensitive), boolInt(e.MatchWholeWord),
		boolInt(e.Exclude), boolInt(e.Constant), boolInt(e.Contextual),
		boolInt(e.AuthorsNote), e.Position, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("save lore entry: %w", err)
	}
	return nil
}

// SavePromptModule inserts or replaces one prompt module.
func (s *Store) SavePromptModule(ctx context.Context, m prisma.PromptModule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO prompt_modules (id, name, content, position, is_enabled)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Content, m.Position, boolInt(m.Enabled))
	if err != nil {
		return fmt.Errorf("save prompt module: %w", err)
	}
	return nil
}

func (s *Store) ActiveLoreEntries(ctx context.Context, userID string) ([]prisma.LoreEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.lorebook_id, e.key, e.keywords, e.content, e.comment,
		        e.enabled, e.priority, e.sort_order, e.probability, e.use_regex,
		        e.case_sensitive, e.match_whole_word, e.exclude, e.constant,
		        e.contextual, e.authors_note, e.position, e.created_at
		 FROM lore_entries e
		 JOIN lorebooks b ON b.id = e.lorebook_id
		 WHERE b.user_id = ? AND b.is_active = 1 AND e.enabled = 1
		 ORDER BY e.created_at ASC, e.id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("active lore entries: %w", err)
	}
	defer rows.Close()
	var out []prisma.LoreEntry
	for rows.Next() {
		var e prisma.LoreEntry
		var keywords string
		var enabled, useRegex, caseSensitive, wholeWord, exclude, constant, contextual, authorsNote int
		if err := rows.Scan(&e.ID, &e.LorebookID, &e.Key, &keywords, &e.Content,
			&e.Comment, &enabled, &e.Priority, &e.Order, &e.Probability,
			&useRegex, &caseSensitive, &wholeWord, &exclude, &constant,
			&contextual, &authorsNote, &e.Position, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lore entry: %w", err)
		}
		if err := json.Unmarshal([]byte(keywords), &e.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords for %s: %w", e.ID, err)
		}
		e.Enabled = enabled != 0
		e.UseRegex = useRegex != 0
		e.CaseSensitive = caseSensitive != 0
		e.MatchWholeWord = wholeWord != 0
		e.Exclude = exclude != 0
		e.Constant = constant != 0
		e.Contextual = contextual != 0
		e.AuthorsNote = authorsNote != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) EnabledModules(ctx context.Context) ([]prisma.PromptModule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, content, position, is_enabled
		 FROM prompt_modules WHERE is_enabled = 1 ORDER BY position ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("enabled modules: %w", err)
	}
	defer rows.Close()
	var out []prisma.PromptModule
	for rows.Next() {
		var m prisma.PromptModule
		var enabled int
		if err := rows.Scan(&m.ID, &m.Name, &m.Content, &m.Position, &enabled); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		m.Enabled = enabled != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- helpers ---

func scanMessages(rows *sql.Rows) ([]prisma.ChatMessage, error) {
	defer rows.Close()
	var out []prisma.ChatMessage
	for rows.Next() {
		var m prisma.ChatMessage
		var archived int
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt, &archived); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Archived = archived != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMemories(rows *sql.Rows) ([]prisma.Memory, error) {
	defer rows.Close()
	var out []prisma.Memory
	for rows.Next() {
		var m prisma.Memory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &m.Importance, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// likePrefix escapes LIKE metacharacters in a prefix match.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
