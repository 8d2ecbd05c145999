// Package prompt renders character cards and assembles the final
// budget-bounded request payload.
package prompt

import (
	"strings"

	"github.com/renyus/prisma"
)

// Per-field clip limits, in runes. Oversized card fields are cut with a
// trailing ellipsis rather than rejected.
const (
	clipDescription  = 800
	clipPersona      = 600
	clipScenario     = 600
	clipSystemPrompt = 800
	clipCreatorNotes = 600
	clipFirstMes     = 1200
)

// baseRules anchor the roleplay contract even when no card is selected.
const baseRules = "你是一名虚构角色，将在一个故事世界中以第一人称和用户对话。\n" +
	"对话要求：始终保持在此角色身份中，以第一人称说话；避免提及“设定”“系统提示”；" +
	"如果用户的内容与世界观矛盾，可委婉提示并尝试在世界观内圆回来。"

// RenderRole produces the card's system-prompt block: the base rules,
// the active character line, then each non-empty field under its header.
// {{user}}/{{char}} placeholders expand before clipping. Behavioral
// instructions beyond the base rules come from prompt modules, not from
// the renderer.
func RenderRole(card *prisma.CharacterCard, userAlias string) string {
	if card == nil {
		return baseRules
	}
	name := strings.TrimSpace(card.Name)
	if name == "" {
		name = "角色"
	}
	alias := strings.TrimSpace(userAlias)
	if alias == "" {
		alias = strings.TrimSpace(card.UserAlias)
	}
	if alias == "" {
		alias = "User"
	}

	field := func(text string, limit int) string {
		return clip(ExpandPlaceholders(text, alias, name), limit)
	}

	parts := []string{baseRules, "当前扮演角色：" + name}
	if v := field(card.Description, clipDescription); v != "" {
		parts = append(parts, "【角色简介】\n"+v)
	}
	if v := field(card.Persona, clipPersona); v != "" {
		parts = append(parts, "【性格特征】\n"+v)
	}
	if v := field(card.Scenario, clipScenario); v != "" {
		parts = append(parts, "【初始场景】\n"+v)
	}
	if v := field(card.SystemPrompt, clipSystemPrompt); v != "" {
		parts = append(parts, "【额外行为规范】\n"+v)
	}
	if v := field(card.CreatorNotes, clipCreatorNotes); v != "" {
		parts = append(parts, "【创作者备注】\n"+v)
	}
	if tags := cleanTags(card.Tags); len(tags) > 0 {
		parts = append(parts, "【标签】\n"+strings.Join(tags, ", "))
	}
	if v := field(card.FirstMes, clipFirstMes); v != "" {
		parts = append(parts, "【示例对话片段】\n"+v)
	}
	return joinNonEmpty(parts)
}

// ExpandPlaceholders substitutes the {{user}} and {{char}} spellings
// card authors use.
func ExpandPlaceholders(text, userAlias, charName string) string {
	if text == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{{user}}", userAlias,
		"{{User}}", userAlias,
		"{{char}}", charName,
		"{{Character}}", charName,
	)
	return r.Replace(text)
}

// clip cuts text to limit runes, ellipsis included within the limit.
func clip(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-3]) + "..."
}

func cleanTags(raw []string) []string {
	var out []string
	for _, t := range raw {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func joinNonEmpty(parts []string) string {
	kept := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
