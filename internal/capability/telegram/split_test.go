package telegram

import (
	"strings"
	"testing"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()

	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 60) + "\n" + strings.Repeat("y", 60)
	got := splitText(text, 100)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2: %q", len(got), got)
	}
	if !strings.HasPrefix(got[0], "x") || !strings.HasPrefix(got[1], "y") {
		t.Errorf("split did not follow the newline: %q", got)
	}
}

func TestSplitTextHardLimit(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", 250)
	got := splitText(text, 100)
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	for i, c := range got {
		if len([]rune(c)) > 100 {
			t.Errorf("chunk %d over limit: %d runes", i, len([]rune(c)))
		}
	}
}

func TestSplitTextSkipsEmptyChunks(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", 50) + "\n\n\n" + strings.Repeat("b", 80)
	for _, c := range splitText(text, 80) {
		if strings.TrimSpace(c) == "" {
			t.Fatalf("empty chunk in %q", c)
		}
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	if normalize("  Ops Room ") != "ops room" {
		t.Error("normalize should trim and lowercase")
	}
}
