package prompt

import (
	"strings"
	"testing"

	"github.com/renyus/prisma"
)

func TestRenderRoleNilCard(t *testing.T) {
	got := RenderRole(nil, "")
	if got != baseRules {
		t.Errorf("RenderRole(nil) = %q", got)
	}
}

func TestRenderRoleFieldsAndOrder(t *testing.T) {
	card := &prisma.CharacterCard{
		Name:         "Luna",
		Description:  "a silver-haired mage",
		Persona:      "calm and wry",
		Scenario:     "a tower by the sea",
		SystemPrompt: "speak in short sentences",
		CreatorNotes: "avoid modern slang",
		Tags:         []string{"fantasy", " mage ", ""},
		FirstMes:     "The tide is low tonight.",
	}
	got := RenderRole(card, "Ren")

	if !strings.HasPrefix(got, baseRules) {
		t.Error("base rules not first")
	}
	wantOrder := []string{
		"当前扮演角色：Luna",
		"【角色简介】", "【性格特征】", "【初始场景】",
		"【额外行为规范】", "【创作者备注】",
		"【标签】\nfantasy, mage",
		"【示例对话片段】",
	}
	last := 0
	for _, w := range wantOrder {
		idx := strings.Index(got, w)
		if idx < 0 {
			t.Fatalf("missing %q in output", w)
		}
		if idx < last {
			t.Errorf("%q out of order", w)
		}
		last = idx
	}
}

func TestRenderRoleOmitsEmptyFields(t *testing.T) {
	card := &prisma.CharacterCard{Name: "Luna", Description: "mage"}
	got := RenderRole(card, "")
	for _, h := range []string{"【性格特征】", "【初始场景】", "【标签】"} {
		if strings.Contains(got, h) {
			t.Errorf("empty field rendered: %s", h)
		}
	}
}

func TestRenderRoleDefaultName(t *testing.T) {
	got := RenderRole(&prisma.CharacterCard{Description: "x y z"}, "")
	if !strings.Contains(got, "当前扮演角色：角色") {
		t.Error("missing fallback character name")
	}
}

func TestRenderRoleExpandsPlaceholders(t *testing.T) {
	card := &prisma.CharacterCard{
		Name:        "Luna",
		Description: "{{char}} watches over {{user}}. {{User}} trusts {{Character}}.",
	}
	got := RenderRole(card, "Ren")
	if !strings.Contains(got, "Luna watches over Ren. Ren trusts Luna.") {
		t.Errorf("placeholders not expanded: %q", got)
	}
}

func TestRenderRoleAliasFallsBackToCard(t *testing.T) {
	card := &prisma.CharacterCard{Name: "Luna", Description: "greets {{user}}", UserAlias: "Traveler"}
	got := RenderRole(card, "")
	if !strings.Contains(got, "greets Traveler") {
		t.Errorf("card alias not used: %q", got)
	}
}

func TestClip(t *testing.T) {
	long := strings.Repeat("龙", 900)
	got := clip(long, 800)
	if runes := []rune(got); len(runes) != 800 {
		t.Errorf("clipped length = %d runes, want 800", len(runes))
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("clip missing ellipsis")
	}
	if got := clip("short", 800); got != "short" {
		t.Errorf("short text modified: %q", got)
	}
}

func TestClipAfterExpansion(t *testing.T) {
	// A placeholder near the limit must expand before the cut so the
	// alias is never half-rendered.
	card := &prisma.CharacterCard{
		Name:        "Luna",
		Description: strings.Repeat("x", 790) + "{{user}}{{user}}",
	}
	got := RenderRole(card, "Renyard")
	if strings.Contains(got, "{{") {
		t.Error("unexpanded placeholder survived clipping")
	}
}
