package prisma

import "strings"

// --- Domain types (database records) ---

// ChatMessage is one stored turn of a session. Summary messages produced by
// the compactor are stored with Role "system" and content prefixed by
// SummaryMarker; archived messages stay retrievable but are excluded from
// assembly-time history reads.
type ChatMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"` // "user", "assistant" or "system"
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"` // Unix microseconds
	Archived  bool   `json:"is_archived"`
}

// SummaryMarker prefixes the content of compactor-generated summary
// messages. History loading string-matches the 摘要 substring to tell
// summaries apart from ordinary system messages.
const SummaryMarker = "【历史摘要】"

// IsSummary reports whether the message is a compactor summary.
func (m ChatMessage) IsSummary() bool {
	return m.Role == "system" && containsSummaryMark(m.Content)
}

// Memory is a durable extracted fact. Every persisted Memory has a vector
// record keyed by the same ID; the dual-write is atomic (the SQL row is
// rolled back when the vector write fails).
type Memory struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	Content    string `json:"content"`
	Importance int    `json:"importance"` // 1..5
	CreatedAt  int64  `json:"created_at"`
}

// Lorebook owns a set of LoreEntry records.
type Lorebook struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"is_active"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// LorePosition places an admitted entry relative to the character and user
// blocks. Unknown positions coerce to PositionBeforeChar.
type LorePosition string

const (
	PositionBeforeChar LorePosition = "beforeChar"
	PositionAfterChar  LorePosition = "afterChar"
	PositionBeforeUser LorePosition = "beforeUser"
	PositionAfterUser  LorePosition = "afterUser"
)

// NormalizePosition maps camelCase and snake_case position spellings onto
// the closed enum, defaulting to PositionBeforeChar.
func NormalizePosition(raw string) LorePosition {
	switch foldPosition(raw) {
	case "afterchar":
		return PositionAfterChar
	case "beforeuser":
		return PositionBeforeUser
	case "afteruser":
		return PositionAfterUser
	default:
		return PositionBeforeChar
	}
}

// LoreEntry is a keyed world-knowledge snippet.
type LoreEntry struct {
	ID         string   `json:"id"`
	LorebookID string   `json:"lorebook_id"`
	Key        string   `json:"key,omitempty"`
	Keywords   []string `json:"keywords"`
	Content    string   `json:"content"`
	Comment    string   `json:"comment,omitempty"`
	Enabled    bool     `json:"enabled"`

	Priority    int `json:"priority"`
	Order       int `json:"order"`
	Probability int `json:"probability"`

	UseRegex       bool `json:"use_regex"`
	CaseSensitive  bool `json:"case_sensitive"`
	MatchWholeWord bool `json:"match_whole_word"`
	Exclude        bool `json:"exclude"`
	Constant       bool `json:"constant"`
	Contextual     bool `json:"contextual"`
	AuthorsNote    bool `json:"authors_note"`

	Position  string `json:"position"`
	CreatedAt int64  `json:"created_at"`
}

// CharacterCard is a roleplay character definition. Cards are created via
// external CRUD and read-only to the pipeline.
type CharacterCard struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	Persona            string   `json:"persona"`
	Scenario           string   `json:"scenario"`
	FirstMes           string   `json:"first_mes"`
	SystemPrompt       string   `json:"system_prompt"`
	CreatorNotes       string   `json:"creator_notes"`
	Tags               []string `json:"tags"`
	AlternateGreetings []string `json:"alternate_greetings"`
	UserAlias          string   `json:"user_alias"`
}

// PromptModule is a composable instruction block appended to the system
// prompt in Position order. Content may contain {char_name} tokens.
type PromptModule struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Content  string `json:"content"`
	Position int    `json:"position"`
	Enabled  bool   `json:"is_enabled"`
}

// ModelLimits bound the prompt budget for one model.
type ModelLimits struct {
	ContextWindow int `json:"context_window"`
	MaxOutput     int `json:"max_output"`
	SafetyBuffer  int `json:"safety_buffer"`
}

// --- LLM protocol types ---

type ChatTurn struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

func UserTurn(text string) ChatTurn      { return ChatTurn{Role: "user", Content: text} }
func SystemTurn(text string) ChatTurn    { return ChatTurn{Role: "system", Content: text} }
func AssistantTurn(text string) ChatTurn { return ChatTurn{Role: "assistant", Content: text} }

// GenerationParams are optional caller-supplied sampling parameters.
// Nil fields fall back to provider defaults.
type GenerationParams struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
}

// ChatRequest is one upstream chat-completion call.
type ChatRequest struct {
	Messages []ChatTurn        `json:"messages"`
	Params   *GenerationParams `json:"params,omitempty"`
}

// Usage is normalized token accounting. Vendors report cache hits under
// different field names; the provider maps them onto CacheHit/CacheMiss.
type Usage struct {
	CacheHit  int `json:"cacheHit"`
	CacheMiss int `json:"cacheMiss"`
	Total     int `json:"total"`
}

// ChatResponse is the parsed upstream reply.
type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// SessionID builds the literal session identifier for a user/card pair.
func SessionID(userID, cardID string) string {
	if cardID == "" {
		cardID = "default"
	}
	return userID + "::card::" + cardID
}

func containsSummaryMark(s string) bool {
	return strings.Contains(s, "摘要")
}

// foldPosition lowercases and strips underscores so "before_char" and
// "beforeChar" normalize identically.
func foldPosition(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "")
}
