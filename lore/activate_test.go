package lore

import (
	"reflect"
	"strings"
	"testing"

	"github.com/renyus/prisma"
	"github.com/renyus/prisma/token"
)

func newActivator() *Activator {
	return New(token.New())
}

func ids(entries []prisma.LoreEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func entry(id, key, content string) prisma.LoreEntry {
	return prisma.LoreEntry{ID: id, Key: key, Content: content, Enabled: true}
}

func TestActivateSubstring(t *testing.T) {
	a := newActivator()
	_, got := a.Activate(Input{
		Entries:     []prisma.LoreEntry{entry("e1", "Dragon", "Dragons rule the north.")},
		UserMessage: "tell me about the dragons",
		Budget:      1000,
	})
	if !reflect.DeepEqual(ids(got), []string{"e1"}) {
		t.Errorf("admitted = %v", ids(got))
	}
}

func TestActivateRecursiveChain(t *testing.T) {
	// A mentions B's keyword, B mentions C's. One mention in the user
	// message should cascade through all three.
	a := newActivator()
	entries := []prisma.LoreEntry{
		entry("a", "alpha", "The alpha order serves the beta council."),
		entry("b", "beta", "The beta council guards the gamma gate."),
		entry("c", "gamma", "The gamma gate opens at dawn."),
	}
	_, got := a.Activate(Input{
		Entries:     entries,
		UserMessage: "what is the alpha order?",
		Budget:      1000,
	})
	if len(got) != 3 {
		t.Errorf("admitted %v, want all three via recursion", ids(got))
	}
}

func TestActivateScansRecentHistory(t *testing.T) {
	a := newActivator()
	history := []prisma.ChatMessage{
		{Content: "old mention of kraken"}, // beyond the 5-message window
		{Content: "one"}, {Content: "two"}, {Content: "three"},
		{Content: "four"}, {Content: "the phoenix appears"},
	}
	entries := []prisma.LoreEntry{
		entry("k", "kraken", "Kraken lore."),
		entry("p", "phoenix", "Phoenix lore."),
	}
	_, got := a.Activate(Input{Entries: entries, History: history, UserMessage: "go on", Budget: 1000})
	if !reflect.DeepEqual(ids(got), []string{"p"}) {
		t.Errorf("admitted = %v, want only phoenix", ids(got))
	}
}

func TestActivateConstantAndForced(t *testing.T) {
	a := newActivator()
	entries := []prisma.LoreEntry{
		{ID: "c1", Key: "nevermatches", Content: "Always present.", Constant: true},
		entry("f1", "alsonevermatches", "Semantically retrieved."),
		entry("x", "unrelated", "Should stay out."),
	}
	_, got := a.Activate(Input{
		Entries:     entries,
		UserMessage: "hello",
		ForcedIDs:   []string{"f1"},
		Budget:      1000,
	})
	if !reflect.DeepEqual(ids(got), []string{"c1", "f1"}) {
		t.Errorf("admitted = %v", ids(got))
	}
}

func TestActivateWholeWord(t *testing.T) {
	a := newActivator()
	e := entry("e1", "cat", "Cat lore.")
	e.MatchWholeWord = true
	_, got := a.Activate(Input{Entries: []prisma.LoreEntry{e}, UserMessage: "concatenate these", Budget: 1000})
	if len(got) != 0 {
		t.Error("whole-word keyword matched inside another word")
	}
	_, got = a.Activate(Input{Entries: []prisma.LoreEntry{e}, UserMessage: "my cat sleeps", Budget: 1000})
	if len(got) != 1 {
		t.Error("whole-word keyword failed to match a real word")
	}
}

func TestActivateCaseSensitivity(t *testing.T) {
	a := newActivator()
	e := entry("e1", "Rome", "Rome lore.")
	e.CaseSensitive = true
	_, got := a.Activate(Input{Entries: []prisma.LoreEntry{e}, UserMessage: "going to rome", Budget: 1000})
	if len(got) != 0 {
		t.Error("case-sensitive keyword matched wrong case")
	}
	e.CaseSensitive = false
	_, got = a.Activate(Input{Entries: []prisma.LoreEntry{e}, UserMessage: "going to rome", Budget: 1000})
	if len(got) != 1 {
		t.Error("case-insensitive keyword missed")
	}
}

func TestActivateRegex(t *testing.T) {
	a := newActivator()
	e := entry("e1", `drag\w+`, "Dragon lore.")
	e.UseRegex = true
	_, got := a.Activate(Input{Entries: []prisma.LoreEntry{e}, UserMessage: "the dragonling hatched", Budget: 1000})
	if len(got) != 1 {
		t.Error("regex keyword missed")
	}

	bad := entry("e2", `([unclosed`, "Broken.")
	bad.UseRegex = true
	_, got = a.Activate(Input{Entries: []prisma.LoreEntry{bad}, UserMessage: "([unclosed", Budget: 1000})
	if len(got) != 0 {
		t.Error("invalid regex should be skipped, not matched")
	}
}

func TestActivateBudgetSkipsNotStops(t *testing.T) {
	a := newActivator()
	big := entry("big", "dragon", strings.Repeat("x ", 400)) // ~400 tokens
	big.Priority = 10
	small := entry("small", "dragon", "short note")
	small.Priority = 5
	_, got := a.Activate(Input{
		Entries:     []prisma.LoreEntry{big, small},
		UserMessage: "dragon",
		Budget:      50,
	})
	if !reflect.DeepEqual(ids(got), []string{"small"}) {
		t.Errorf("admitted = %v, want the small entry despite the big one being skipped", ids(got))
	}
}

func TestActivateOrdering(t *testing.T) {
	a := newActivator()
	e1 := entry("e1", "key", "one")
	e1.Priority, e1.Order = 1, 0
	e2 := entry("e2", "key", "two")
	e2.Priority, e2.Order = 5, 2
	e3 := entry("e3", "key", "three")
	e3.Priority, e3.Order = 5, 1
	_, got := a.Activate(Input{Entries: []prisma.LoreEntry{e1, e2, e3}, UserMessage: "key", Budget: 1000})
	if !reflect.DeepEqual(ids(got), []string{"e3", "e2", "e1"}) {
		t.Errorf("order = %v, want [e3 e2 e1]", ids(got))
	}
}

func TestActivateMaxEntries(t *testing.T) {
	a := newActivator()
	var entries []prisma.LoreEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, entry("e"+string(rune('a'+i)), "key", "content"))
	}
	_, got := a.Activate(Input{Entries: entries, UserMessage: "key", Budget: 10000, MaxEntries: 2})
	if len(got) != 2 {
		t.Errorf("admitted %d entries, want 2", len(got))
	}
}

func TestActivateBlocksByPosition(t *testing.T) {
	a := newActivator()
	mk := func(id, content, pos string) prisma.LoreEntry {
		e := entry(id, "key", content)
		e.Position = pos
		return e
	}
	entries := []prisma.LoreEntry{
		mk("e1", "before char A", "beforeChar"),
		mk("e2", "before char B", "before_char"),
		mk("e3", "after char", "afterChar"),
		mk("e4", "before user", "beforeUser"),
		mk("e5", "after user", "afterUser"),
		mk("e6", "unknown goes before char", "banana"),
	}
	blocks, _ := a.Activate(Input{Entries: entries, UserMessage: "key", Budget: 10000})
	if blocks.BeforeChar != "before char A\n\nbefore char B\n\nunknown goes before char" {
		t.Errorf("BeforeChar = %q", blocks.BeforeChar)
	}
	if blocks.AfterChar != "after char" || blocks.BeforeUser != "before user" || blocks.AfterUser != "after user" {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestActivateDeterministic(t *testing.T) {
	a := newActivator()
	entries := []prisma.LoreEntry{
		entry("a", "alpha", "The beta council."),
		entry("b", "beta", "The gamma gate."),
		entry("c", "gamma", "Dawn."),
		{ID: "d", Key: "x", Content: "Constant.", Constant: true},
	}
	in := Input{Entries: entries, UserMessage: "alpha", Budget: 1000}
	_, first := a.Activate(in)
	for i := 0; i < 10; i++ {
		_, again := a.Activate(in)
		if !reflect.DeepEqual(ids(first), ids(again)) {
			t.Fatalf("activation not deterministic: %v vs %v", ids(first), ids(again))
		}
	}
}
