package util

import (
	"strings"
	"testing"
)

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID("")
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestNewIDPrefix(t *testing.T) {
	id := NewID("mut")
	if !strings.HasPrefix(id, "mut_") {
		t.Errorf("expected mut_ prefix, got %s", id)
	}

	bare := NewID("")
	if strings.Contains(bare, "_") {
		t.Errorf("expected no separator without prefix, got %s", bare)
	}
}

func TestColorForDeterministic(t *testing.T) {
	a := ColorFor("user-1")
	b := ColorFor("user-1")
	if a != b {
		t.Errorf("same id produced different colors: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "#") || len(a) != 7 {
		t.Errorf("expected hex color, got %s", a)
	}
}

func TestColorForCoversPalette(t *testing.T) {
	colors := make(map[string]bool)
	for i := 0; i < 200; i++ {
		colors[ColorFor(NewID("u"))] = true
	}
	if len(colors) < 2 {
		t.Errorf("expected color variety across ids, got %d distinct", len(colors))
	}
}
