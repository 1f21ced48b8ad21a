package capability

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PayloadKind discriminates the Payload union.
type PayloadKind int

const (
	PayloadText PayloadKind = iota
	PayloadFile
	PayloadReaction
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadFile:
		return "file"
	case PayloadReaction:
		return "reaction"
	default:
		return "text"
	}
}

// MentionAllMarker flags a text payload as addressed to everyone.
const MentionAllMarker = "@all"

// Payload is what a scheduled task delivers. The kind is decided once when
// the payload is parsed; senders switch on Kind and never re-inspect Raw.
type Payload struct {
	Kind PayloadKind

	// Text payloads
	Text       string
	MentionAll bool

	// File payloads
	FilePath string

	// Reaction payloads. Send picks one id at random when several are listed.
	ReactionIDs []int

	// Raw is the original field value, kept for persistence round-trips.
	Raw string
}

// ParsePayload classifies a raw payload string.
//
// Recognized forms, checked in order:
//   - "Reaction:<n[,n...]>" or "Emotion:<n[,n...]>"  -> reaction
//   - a path that exists on disk                      -> file
//   - anything else                                   -> text; a leading
//     "@all " marker sets MentionAll and is stripped from the text
func ParsePayload(raw string) (Payload, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Payload{}, fmt.Errorf("empty payload")
	}

	if ids, ok := parseReactionIDs(trimmed); ok {
		if len(ids) == 0 {
			return Payload{}, fmt.Errorf("reaction payload %q has no valid ids", raw)
		}
		return Payload{Kind: PayloadReaction, ReactionIDs: ids, Raw: raw}, nil
	}

	if looksLikePath(trimmed) {
		if st, err := os.Stat(trimmed); err == nil && !st.IsDir() {
			return Payload{Kind: PayloadFile, FilePath: trimmed, Raw: raw}, nil
		}
	}

	text := trimmed
	mentionAll := false
	if strings.HasPrefix(text, MentionAllMarker) {
		rest := strings.TrimPrefix(text, MentionAllMarker)
		if rest == "" || rest[0] == ' ' || rest[0] == '\n' {
			mentionAll = true
			text = strings.TrimSpace(rest)
		}
	}
	if text == "" && mentionAll {
		// A bare marker still pings everyone.
		text = MentionAllMarker
	}
	return Payload{Kind: PayloadText, Text: text, MentionAll: mentionAll, Raw: raw}, nil
}

func parseReactionIDs(s string) ([]int, bool) {
	var rest string
	switch {
	case strings.HasPrefix(s, "Reaction:"):
		rest = strings.TrimPrefix(s, "Reaction:")
	case strings.HasPrefix(s, "Emotion:"):
		rest = strings.TrimPrefix(s, "Emotion:")
	default:
		return nil, false
	}
	parts := strings.Split(rest, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			continue
		}
		ids = append(ids, n)
	}
	return ids, true
}

// looksLikePath filters out plain sentences before hitting the filesystem.
func looksLikePath(s string) bool {
	if strings.ContainsAny(s, "\n\r") {
		return false
	}
	return strings.ContainsRune(s, '/') || strings.ContainsRune(s, '\\') ||
		strings.HasPrefix(s, "~") || strings.HasPrefix(s, ".")
}
