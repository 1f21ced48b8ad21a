package reply

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	logx "leafbot/pkg/logx"
)

func TestRuleMatching(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		rule         Rule
		conversation string
		text         string
		want         bool
	}{
		{"equals trims", Rule{Keyword: "hello", MatchType: "equals"}, "a", "  hello  ", true},
		{"equals mismatch", Rule{Keyword: "hello", MatchType: "equals"}, "a", "hello there", false},
		{"contains", Rule{Keyword: "lunch", MatchType: "contains"}, "a", "what about lunch today", true},
		{"contains mismatch", Rule{Keyword: "lunch", MatchType: "contains"}, "a", "dinner plans", false},
		{"regex", Rule{Keyword: `^ping\d+$`, MatchType: "regex"}, "a", "ping42", true},
		{"regex mismatch", Rule{Keyword: `^ping\d+$`, MatchType: "regex"}, "a", "ping", false},
		{"scope all", Rule{Keyword: "hi", MatchType: "equals", Scope: "all"}, "anything", "hi", true},
		{"scope listed", Rule{Keyword: "hi", MatchType: "equals", Scope: "family; work"}, "work", "hi", true},
		{"scope excluded", Rule{Keyword: "hi", MatchType: "equals", Scope: "family;work"}, "friends", "hi", false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cr := compile(t, tc.rule)
			if got := cr.matches(tc.conversation, tc.text); got != tc.want {
				t.Errorf("matches(%q, %q) = %v, want %v", tc.conversation, tc.text, got, tc.want)
			}
		})
	}
}

func compile(t *testing.T, r Rule) compiledRule {
	t.Helper()
	cr := compiledRule{Rule: r}
	if r.MatchType == "regex" {
		re, err := regexp.Compile(r.Keyword)
		if err != nil {
			t.Fatal(err)
		}
		cr.re = re
	}
	return cr
}

func TestLoadRulesSkipsBroken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.json")
	content := `[
		{"keyword": "hello", "match_type": "equals", "reply": "hi", "scope": "all"},
		{"keyword": "([", "match_type": "regex", "reply": "x", "scope": "all"},
		{"keyword": "ok", "match_type": "fuzzy", "reply": "x", "scope": "all"},
		{"keyword": "bye", "match_type": "contains", "reply": "later", "scope": "all"}
	]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRules(path, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want 2 (bad regex and unknown type dropped)", len(rules))
	}
	if rules[0].Keyword != "hello" || rules[1].Keyword != "bye" {
		t.Errorf("file order not preserved: %q, %q", rules[0].Keyword, rules[1].Keyword)
	}
}

func TestLoadRulesRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.json")
	content := `[{"keyword": "x", "match_type": "equals", "reply": "y", "scope": "all", "mystery": 1}]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRules(path, logx.Nop()); err == nil {
		t.Fatal("want error for unknown field")
	}
}
