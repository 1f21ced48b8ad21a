package reply

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	logx "leafbot/pkg/logx"
)

// Rule is one keyword trigger. Reply goes through the same payload
// parsing as scheduled sends, so it can be text, a file path or a
// reaction prefix.
type Rule struct {
	Keyword   string `json:"keyword"`
	MatchType string `json:"match_type"` // equals|contains|regex
	Reply     string `json:"reply"`
	Scope     string `json:"scope"` // "all" or semicolon-separated names
}

// compiledRule carries the regexp so a bad pattern is rejected once at
// load instead of on every message.
type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// LoadRules reads the JSON rule file. Rules with an invalid regex or an
// unknown match type are logged and dropped; file order is preserved.
func LoadRules(path string, log logx.Logger) ([]compiledRule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	var raw []Rule
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}

	out := make([]compiledRule, 0, len(raw))
	for i, r := range raw {
		r.MatchType = strings.ToLower(strings.TrimSpace(r.MatchType))
		if r.Keyword == "" && r.MatchType != "regex" {
			log.Warn("rule skipped: empty keyword", logx.Int("index", i))
			continue
		}
		cr := compiledRule{Rule: r}
		switch r.MatchType {
		case "equals", "contains":
		case "regex":
			re, err := regexp.Compile(r.Keyword)
			if err != nil {
				log.Warn("rule skipped: bad pattern",
					logx.Int("index", i),
					logx.String("pattern", r.Keyword),
					logx.Err(err))
				continue
			}
			cr.re = re
		default:
			log.Warn("rule skipped: unknown match type",
				logx.Int("index", i),
				logx.String("match_type", r.MatchType))
			continue
		}
		out = append(out, cr)
	}
	return out, nil
}

// matches reports whether the rule triggers on text from conversation.
func (r compiledRule) matches(conversation, text string) bool {
	if !r.inScope(conversation) {
		return false
	}
	switch r.MatchType {
	case "equals":
		return strings.TrimSpace(text) == strings.TrimSpace(r.Keyword)
	case "contains":
		return strings.Contains(text, r.Keyword)
	case "regex":
		return r.re != nil && r.re.MatchString(text)
	}
	return false
}

func (r compiledRule) inScope(conversation string) bool {
	scope := strings.TrimSpace(r.Scope)
	if scope == "" || strings.EqualFold(scope, "all") {
		return true
	}
	for _, name := range strings.Split(scope, ";") {
		if strings.TrimSpace(name) == conversation {
			return true
		}
	}
	return false
}
