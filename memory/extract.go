package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/renyus/prisma"
)

// minFactRunes drops extraction noise like "ok" or "yes".
const minFactRunes = 5

// extractPrompt instructs the utility model. {char_name} is replaced with
// the active character's name before sending.
const extractPrompt = `You are a memory analyst for a roleplay conversation between a user and the character "{char_name}".

Read the exchange under 【当前待分析对话】 and extract durable facts about the USER: identity, preferences, relationships, goals, decisions, and anything the user asked to be remembered. Ignore facts about {char_name}, greetings, and in-the-moment small talk.

Return ONLY JSON in this shape:
{"facts": [{"subject": "user", "content": "one concise factual sentence"}]}

【示例区域】(reference only, NEVER extract facts from this region)
{"facts": [{"subject": "user", "content": "The user's cat is named Miso"}]}
{"facts": []}
【示例区域结束】

Rules: extract ONLY from the exchange under 【当前待分析对话】, never from the examples above. Return {"facts": []} when nothing durable appears.`

// ShouldExtract reports whether an exchange is worth the extraction call.
// Exchanges where either side carries the summary marker are skipped, as
// are trivially short ones.
func ShouldExtract(userText, assistantText string) bool {
	if strings.Contains(userText, "摘要") || strings.Contains(assistantText, "摘要") {
		return false
	}
	u := utf8.RuneCountInString(strings.TrimSpace(userText))
	a := utf8.RuneCountInString(strings.TrimSpace(assistantText))
	return u >= 3 || a >= 5
}

// jsonBlockRe grabs the first JSON object or array in a model reply,
// tolerating prose around it.
var jsonBlockRe = regexp.MustCompile(`(?s)(\{.*\}|\[.*\])`)

type extractedFact struct {
	Subject string `json:"subject"`
	Content string `json:"content"`
}

// ParseFacts parses the extraction reply. Accepted shapes: an object with
// a "facts" list, or a bare list; list items may be objects or plain
// strings. Facts shorter than five runes are dropped. Malformed replies
// parse to nil, never an error.
func ParseFacts(reply string) []string {
	trimmed := strings.TrimSpace(reply)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	block := jsonBlockRe.FindString(trimmed)
	if block == "" {
		return nil
	}

	var items []json.RawMessage
	var wrapper struct {
		Facts []json.RawMessage `json:"facts"`
	}
	if err := json.Unmarshal([]byte(block), &wrapper); err == nil && wrapper.Facts != nil {
		items = wrapper.Facts
	} else if err := json.Unmarshal([]byte(block), &items); err != nil {
		return nil
	}

	var out []string
	for _, raw := range items {
		var content string
		var obj extractedFact
		if err := json.Unmarshal(raw, &obj); err == nil && obj.Content != "" {
			content = obj.Content
		} else if err := json.Unmarshal(raw, &content); err != nil {
			continue
		}
		content = strings.TrimSpace(content)
		if utf8.RuneCountInString(content) < minFactRunes {
			continue
		}
		out = append(out, content)
	}
	return out
}

// Extractor runs post-turn fact extraction through a utility model and
// stores novel facts via the service.
type Extractor struct {
	svc      *Service
	provider prisma.Provider
	logger   *slog.Logger
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithExtractorLogger sets a structured logger.
func WithExtractorLogger(l *slog.Logger) ExtractorOption {
	return func(e *Extractor) { e.logger = l }
}

// NewExtractor builds an extractor over the given utility provider.
func NewExtractor(svc *Service, provider prisma.Provider, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		svc:      svc,
		provider: provider,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract analyses one finished exchange and persists any novel facts at
// default importance. Extraction is best-effort: a malformed model reply
// logs a warning and extracts nothing.
func (e *Extractor) Extract(ctx context.Context, userID, charName, userText, assistantText string) (int, error) {
	if !ShouldExtract(userText, assistantText) {
		return 0, nil
	}
	prompt := strings.ReplaceAll(extractPrompt, "{char_name}", charName)
	resp, err := e.provider.Chat(ctx, prisma.ChatRequest{
		Messages: []prisma.ChatTurn{
			prisma.SystemTurn(prompt),
			prisma.UserTurn("【当前待分析对话】\nUser: " + userText + "\n" + charName + ": " + assistantText),
		},
	})
	if err != nil {
		return 0, err
	}
	facts := ParseFacts(resp.Content)
	if len(facts) == 0 {
		if strings.TrimSpace(resp.Content) != "" && !strings.Contains(resp.Content, "[]") {
			e.logger.Warn("fact extraction reply unparseable", "user", userID)
		}
		return 0, nil
	}
	stored := 0
	for _, fact := range facts {
		ok, err := e.svc.CreateIfNovel(ctx, userID, fact, DefaultImportance)
		if err != nil {
			e.logger.Warn("fact persist failed", "user", userID, "error", err)
			continue
		}
		if ok {
			stored++
		}
	}
	e.logger.Debug("facts extracted", "user", userID, "parsed", len(facts), "stored", stored)
	return stored, nil
}
