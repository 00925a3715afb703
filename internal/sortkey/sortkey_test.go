package sortkey

import (
	"sort"
	"testing"
)

func TestKeyRoot(t *testing.T) {
	if got := Key("", 0); got != "0000000000" {
		t.Errorf("Key(\"\", 0) = %q", got)
	}
	if got := Key("", 42); got != "0000000042" {
		t.Errorf("Key(\"\", 42) = %q", got)
	}
}

func TestKeyChild(t *testing.T) {
	parent := Key("", 3)
	child := Key(parent, 0)
	if child != "0000000003.0000000000" {
		t.Errorf("child key = %q", child)
	}
	if Depth(child) != 1 {
		t.Errorf("Depth(%q) = %d, want 1", child, Depth(child))
	}
}

// Pre-order property: every descendant sorts strictly between its parent
// and the parent's next sibling.
func TestLexicographicOrderIsPreOrder(t *testing.T) {
	first := Key("", 0)
	firstChild := Key(first, 0)
	firstGrandchild := Key(firstChild, 0)
	firstSecondChild := Key(first, 1)
	second := Key("", 1)
	secondChild := Key(second, 0)

	want := []string{first, firstChild, firstGrandchild, firstSecondChild, second, secondChild}

	shuffled := []string{secondChild, firstSecondChild, first, second, firstGrandchild, firstChild}
	sort.Strings(shuffled)

	for i, key := range want {
		if shuffled[i] != key {
			t.Fatalf("sorted[%d] = %q, want %q (full: %v)", i, shuffled[i], key, shuffled)
		}
	}
}

func TestLateSiblingSortsAfterEarlierSubtree(t *testing.T) {
	early := Key("", 0)
	deep := Key(Key(Key(early, 9), 9), 9)
	late := Key("", 1)
	if !(deep < late) {
		t.Errorf("expected %q < %q", deep, late)
	}
	if !(early < deep) {
		t.Errorf("expected %q < %q", early, deep)
	}
}

func TestIsDescendant(t *testing.T) {
	parent := Key("", 7)
	child := Key(parent, 2)
	grandchild := Key(child, 0)
	sibling := Key("", 8)

	if !IsDescendant(child, parent) {
		t.Error("child should be a descendant of parent")
	}
	if !IsDescendant(grandchild, parent) {
		t.Error("grandchild should be a descendant of parent")
	}
	if IsDescendant(sibling, parent) {
		t.Error("sibling is not a descendant")
	}
	if IsDescendant(parent, parent) {
		t.Error("a key is not its own descendant")
	}
}
