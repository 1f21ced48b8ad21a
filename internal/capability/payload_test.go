package capability

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParsePayloadText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		raw        string
		wantText   string
		mentionAll bool
	}{
		{"plain", "hello there", "hello there", false},
		{"trimmed", "  hi  ", "hi", false},
		{"mention all with text", "@all standup in 5", "standup in 5", true},
		{"mention all bare", "@all", "@all", true},
		{"at without marker", "@alice hello", "@alice hello", false},
		{"marker not prefix", "ping @all", "ping @all", false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := ParsePayload(tc.raw)
			if err != nil {
				t.Fatalf("ParsePayload(%q): %v", tc.raw, err)
			}
			if p.Kind != PayloadText {
				t.Fatalf("kind = %v, want text", p.Kind)
			}
			if p.Text != tc.wantText {
				t.Errorf("text = %q, want %q", p.Text, tc.wantText)
			}
			if p.MentionAll != tc.mentionAll {
				t.Errorf("mentionAll = %v, want %v", p.MentionAll, tc.mentionAll)
			}
		})
	}
}

func TestParsePayloadReaction(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want []int
	}{
		{"Reaction:5", []int{5}},
		{"Emotion:12", []int{12}},
		{"Reaction:1,2,3", []int{1, 2, 3}},
		{"Reaction: 4 , 7", []int{4, 7}},
		{"Reaction:2,x,9", []int{2, 9}},
	}
	for _, tc := range cases {
		p, err := ParsePayload(tc.raw)
		if err != nil {
			t.Fatalf("ParsePayload(%q): %v", tc.raw, err)
		}
		if p.Kind != PayloadReaction {
			t.Fatalf("ParsePayload(%q) kind = %v, want reaction", tc.raw, p.Kind)
		}
		if len(p.ReactionIDs) != len(tc.want) {
			t.Fatalf("ids = %v, want %v", p.ReactionIDs, tc.want)
		}
		for i := range tc.want {
			if p.ReactionIDs[i] != tc.want[i] {
				t.Fatalf("ids = %v, want %v", p.ReactionIDs, tc.want)
			}
		}
	}

	if _, err := ParsePayload("Reaction:nope"); err == nil {
		t.Error("expected error for reaction with no valid ids")
	}
}

func TestParsePayloadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := ParsePayload(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != PayloadFile || p.FilePath != path {
		t.Fatalf("got kind=%v path=%q, want file %q", p.Kind, p.FilePath, path)
	}

	// Missing files fall through to text.
	p, err = ParsePayload(filepath.Join(dir, "missing.pdf"))
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != PayloadText {
		t.Fatalf("missing path kind = %v, want text", p.Kind)
	}
}

func TestParsePayloadEmpty(t *testing.T) {
	t.Parallel()
	if _, err := ParsePayload("   "); err == nil {
		t.Error("expected error for blank payload")
	}
}
