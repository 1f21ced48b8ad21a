package reply

import (
	"context"
	"sync"
	"testing"
	"time"

	"leafbot/internal/capability"
	"leafbot/internal/model"
	logx "leafbot/pkg/logx"
)

type sentText struct {
	conversation string
	text         string
}

type fakeSession struct {
	mu        sync.Mutex
	texts     []sentText
	reactions []int
	groups    map[string]bool // target -> is a group
	unseen    map[string]bool // target -> not resolved yet
}

func (s *fakeSession) SendText(ctx context.Context, target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, sentText{target, text})
	return nil
}

func (s *fakeSession) SendMentionAll(ctx context.Context, target, text string) error {
	return s.SendText(ctx, target, text)
}

func (s *fakeSession) SendFile(ctx context.Context, target, path string) error { return nil }

func (s *fakeSession) SendReaction(ctx context.Context, target string, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, id)
	return nil
}

func (s *fakeSession) Watch(target string) error             { return nil }
func (s *fakeSession) Unwatch(target string)                 {}
func (s *fakeSession) ListNewMessages() []capability.Message { return nil }

func (s *fakeSession) IsGroup(target string) (bool, error) {
	if s.unseen[target] {
		return false, capability.ErrUnknownTarget
	}
	return s.groups[target], nil
}

func (s *fakeSession) sent() []sentText {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentText, len(s.texts))
	copy(out, s.texts)
	return out
}

type fakeModel struct {
	mu       sync.Mutex
	calls    int
	persona  string
	lastText string
	reply    string
	err      error
}

func (m *fakeModel) Complete(ctx context.Context, persona, userText string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.persona = persona
	m.lastText = userText
	return m.reply, m.err
}

func newTestWorker(cfg Config, mdl model.Client) *Worker {
	return New(cfg, Deps{Model: mdl, Log: logx.Nop()})
}

func msg(conversation, sender, text string) capability.Message {
	return capability.Message{Conversation: conversation, Sender: sender, Text: text}
}

func TestHandleRepliesAllMatchesInOrder(t *testing.T) {
	t.Parallel()

	w := newTestWorker(Config{}, nil)
	w.setRules([]compiledRule{
		compile(t, Rule{Keyword: "lunch", MatchType: "contains", Reply: "noodles"}),
		compile(t, Rule{Keyword: "dinner", MatchType: "contains", Reply: "rice"}),
		compile(t, Rule{Keyword: "lunch", MatchType: "contains", Reply: "or dumplings"}),
	})

	sess := &fakeSession{}
	w.handle(context.Background(), sess, msg("family", "amy", "lunch ideas?"))

	got := sess.sent()
	if len(got) != 2 || got[0].text != "noodles" || got[1].text != "or dumplings" {
		t.Fatalf("sent = %v, want both lunch rules in file order", got)
	}
}

func TestHandleModelFallback(t *testing.T) {
	t.Parallel()

	mdl := &fakeModel{reply: "model says hi"}
	w := newTestWorker(Config{Persona: "be nice"}, mdl)
	w.setRules([]compiledRule{
		compile(t, Rule{Keyword: "lunch", MatchType: "contains", Reply: "noodles"}),
	})

	sess := &fakeSession{}
	w.handle(context.Background(), sess, msg("family", "amy", "how are you"))

	if mdl.calls != 1 || mdl.persona != "be nice" || mdl.lastText != "how are you" {
		t.Fatalf("model call = %+v", mdl)
	}
	got := sess.sent()
	if len(got) != 1 || got[0].text != "model says hi" {
		t.Fatalf("sent = %v", got)
	}
}

func TestHandleModelDisabledIsSilent(t *testing.T) {
	t.Parallel()

	mdl := &fakeModel{err: model.ErrDisabled}
	w := newTestWorker(Config{}, mdl)

	sess := &fakeSession{}
	w.handle(context.Background(), sess, msg("family", "amy", "anything"))
	if len(sess.sent()) != 0 {
		t.Error("disabled model must not produce replies")
	}
}

func TestHandleMentionGating(t *testing.T) {
	t.Parallel()

	w := newTestWorker(Config{OnlyAtMention: true, MentionToken: "@leafbot"}, nil)
	w.setRules([]compiledRule{
		compile(t, Rule{Keyword: "hello", MatchType: "equals", Reply: "hi there"}),
	})

	sess := &fakeSession{}
	w.handle(context.Background(), sess, msg("work", "bob", "hello"))
	if len(sess.sent()) != 0 {
		t.Fatal("message without the mention token must be ignored")
	}

	// Token stripped before matching; group replies address the sender.
	m := msg("work", "bob", "@leafbot hello")
	m.Group = true
	w.handle(context.Background(), sess, m)
	got := sess.sent()
	if len(got) != 1 || got[0].text != "@bob hi there" {
		t.Fatalf("sent = %v, want reply addressed at sender", got)
	}
}

func TestHandleSkipsSelfAndSystem(t *testing.T) {
	t.Parallel()

	w := newTestWorker(Config{}, &fakeModel{reply: "x"})
	sess := &fakeSession{}

	m := msg("family", "me", "hello")
	m.FromSelf = true
	w.handle(context.Background(), sess, m)

	m = msg("family", "", "bob joined the group")
	m.System = true
	w.handle(context.Background(), sess, m)

	if len(sess.sent()) != 0 {
		t.Error("self and system messages must be ignored")
	}
}

func TestHandleReactionReply(t *testing.T) {
	t.Parallel()

	w := newTestWorker(Config{}, nil)
	w.randIntn = func(n int) int { return 1 }
	w.setRules([]compiledRule{
		compile(t, Rule{Keyword: "congrats", MatchType: "contains", Reply: "Reaction:3,7,9"}),
	})

	sess := &fakeSession{}
	w.handle(context.Background(), sess, msg("family", "amy", "congrats to all"))
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.reactions) != 1 || sess.reactions[0] != 7 {
		t.Fatalf("reactions = %v, want the picked id 7", sess.reactions)
	}
}

func TestProbeOnlyDirectTargets(t *testing.T) {
	t.Parallel()

	w := newTestWorker(Config{}, nil)
	sess := &fakeSession{
		groups: map[string]bool{"ops room": true},
		unseen: map[string]bool{"charlie": true},
	}

	err := w.probeTargets(context.Background(), sess, []string{"alice", "ops room", "charlie"})
	if err != nil {
		t.Fatal(err)
	}

	got := sess.sent()
	if len(got) != 1 || got[0].conversation != "alice" || got[0].text != " " {
		t.Fatalf("probes = %v, want a single space to alice only", got)
	}
}

func TestSuppressionDropsDuplicate(t *testing.T) {
	t.Parallel()

	w := newTestWorker(Config{SuppressWindow: 10 * time.Minute}, nil)
	w.setRules([]compiledRule{
		compile(t, Rule{Keyword: "hello", MatchType: "equals", Reply: "hi there"}),
	})

	sess := &fakeSession{}
	w.handle(context.Background(), sess, msg("family", "amy", "hello"))
	w.handle(context.Background(), sess, msg("family", "bob", "hello"))
	if got := len(sess.sent()); got != 1 {
		t.Fatalf("sends = %d, want 1 (duplicate suppressed)", got)
	}

	// A different conversation is not a duplicate.
	w.handle(context.Background(), sess, msg("work", "carol", "hello"))
	if got := len(sess.sent()); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
}

func TestSuppressorWindowAndPurge(t *testing.T) {
	t.Parallel()

	s := newSuppressor(10 * time.Minute)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if s.shouldDrop("family", "hi") {
		t.Fatal("empty cache must not suppress")
	}
	s.noteSent("family", "hi")
	if !s.shouldDrop("family", "hi") {
		t.Fatal("repeat inside window must be suppressed")
	}
	if s.shouldDrop("family", "different") {
		t.Fatal("different content must pass")
	}

	now = now.Add(11 * time.Minute)
	if s.shouldDrop("family", "hi") {
		t.Fatal("repeat after the window must pass")
	}

	// Entries beyond the purge age fall out on the next write.
	now = now.Add(2 * time.Hour)
	s.noteSent("work", "x")
	s.mu.Lock()
	_, stale := s.seen["family"]
	s.mu.Unlock()
	if stale {
		t.Error("stale entry not purged")
	}
}
