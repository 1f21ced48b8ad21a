// Package telegram implements the messaging capability on top of
// telebot.v4 long polling.
package telegram

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"leafbot/internal/capability"
	logx "leafbot/pkg/logx"
)

const (
	textLimit = 4000
	inboxCap  = 256
)

// reactionEmojis maps persisted reaction ids onto emojis. Ids beyond the
// table wrap around.
var reactionEmojis = []string{
	"👍", "❤️", "😂", "😮", "😢", "🎉", "🔥", "👏", "🤔", "🙏",
}

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Session is one connected bot account.
//
// Targets are conversation names: a @username, a numeric chat id, or a
// display name. Display names resolve lazily, once a message from that
// conversation has been seen.
type Session struct {
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	watched map[string]bool       // normalized target -> watched
	chats   map[string]*tele.Chat // normalized target -> resolved chat
	inbox   []capability.Message
	dropped uint64

	stopOnce sync.Once
}

func Dial(cfg Config, log logx.Logger) (*Session, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	s := &Session{
		log:     log.With(logx.String("comp", "telegram")),
		bot:     b,
		watched: map[string]bool{},
		chats:   map[string]*tele.Chat{},
	}
	b.Handle(tele.OnText, s.onText)

	// Long-poll loop. telebot's Start blocks until Stop.
	go func() {
		s.log.Info("polling started")
		b.Start()
		s.log.Info("polling stopped")
	}()
	return s, nil
}

func (s *Session) Close() error {
	s.stopOnce.Do(func() {
		// telebot Stop is expected to be fast; run it async just in case.
		go s.bot.Stop()
	})
	return nil
}

// ---- inbound ----

func (s *Session) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}

	group := m.Chat.Type != tele.ChatPrivate
	conv := conversationName(m, group)
	sender := senderName(m)

	msg := capability.Message{
		Conversation: conv,
		Sender:       sender,
		Text:         m.Text,
		At:           m.Time(),
		Group:        group,
		FromSelf:     m.Sender != nil && s.bot.Me != nil && m.Sender.ID == s.bot.Me.ID,
		System:       m.Sender == nil,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Learn the chat so display-name targets resolve from now on.
	keys := []string{normalize(conv)}
	if m.Chat.Username != "" {
		keys = append(keys, normalize("@"+m.Chat.Username))
	}
	watched := false
	for _, k := range keys {
		s.chats[k] = m.Chat
		if s.watched[k] {
			watched = true
		}
	}
	if !watched {
		return nil
	}

	if len(s.inbox) >= inboxCap {
		// Keep the newest; the poll loop is behind.
		s.inbox = s.inbox[1:]
		s.dropped++
	}
	s.inbox = append(s.inbox, msg)
	return nil
}

func conversationName(m *tele.Message, group bool) string {
	if group {
		return m.Chat.Title
	}
	return senderName(m)
}

func senderName(m *tele.Message) string {
	u := m.Sender
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

func (s *Session) ListNewMessages() []capability.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbox) == 0 {
		return nil
	}
	out := s.inbox
	s.inbox = nil
	if s.dropped > 0 {
		s.log.Warn("inbound messages dropped (inbox full)", logx.Int64("count", int64(s.dropped)))
		s.dropped = 0
	}
	return out
}

// ---- watch set ----

func (s *Session) Watch(target string) error {
	chat, err := s.resolve(target)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.watched[normalize(target)] = true
	if chat != nil {
		s.watched[normalize(conversationKey(chat))] = true
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) Unwatch(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watched, normalize(target))
	if chat, ok := s.chats[normalize(target)]; ok && chat != nil {
		delete(s.watched, normalize(conversationKey(chat)))
	}
}

func conversationKey(chat *tele.Chat) string {
	if chat.Type != tele.ChatPrivate {
		return chat.Title
	}
	name := strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	if name == "" {
		name = chat.Username
	}
	return name
}

// IsGroup reports whether the target resolves to a group conversation.
func (s *Session) IsGroup(target string) (bool, error) {
	chat, err := s.resolveStrict(target)
	if err != nil {
		return false, err
	}
	return chat.Type != tele.ChatPrivate, nil
}

// ---- outbound ----

func (s *Session) SendText(ctx context.Context, target, text string) error {
	chat, err := s.resolveStrict(target)
	if err != nil {
		return err
	}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(chat, chunk); err != nil {
			return fmt.Errorf("send to %q: %w", target, err)
		}
	}
	return nil
}

func (s *Session) SendMentionAll(ctx context.Context, target, text string) error {
	// Telegram has no native everyone-ping for plain bots; keep the
	// marker visible so group members can filter on it.
	return s.SendText(ctx, target, capability.MentionAllMarker+" "+text)
}

func (s *Session) SendFile(ctx context.Context, target, path string) error {
	chat, err := s.resolveStrict(target)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := &tele.Document{
		File:     tele.FromDisk(path),
		FileName: filepath.Base(path),
	}
	if _, err := s.bot.Send(chat, doc); err != nil {
		return fmt.Errorf("send file to %q: %w", target, err)
	}
	return nil
}

func (s *Session) SendReaction(ctx context.Context, target string, reactionID int) error {
	if reactionID < 0 {
		reactionID = 0
	}
	emoji := reactionEmojis[reactionID%len(reactionEmojis)]
	return s.SendText(ctx, target, emoji)
}

// resolve finds the chat for a target, or nil when the target is a
// display name we haven't seen yet (valid for Watch, not for sends).
func (s *Session) resolve(target string) (*tele.Chat, error) {
	key := normalize(target)
	if key == "" {
		return nil, fmt.Errorf("%w: empty name", capability.ErrUnknownTarget)
	}

	s.mu.Lock()
	if chat, ok := s.chats[key]; ok {
		s.mu.Unlock()
		return chat, nil
	}
	s.mu.Unlock()

	var (
		chat *tele.Chat
		err  error
	)
	switch {
	case strings.HasPrefix(target, "@"):
		chat, err = s.bot.ChatByUsername(target)
	default:
		if id, convErr := strconv.ParseInt(strings.TrimSpace(target), 10, 64); convErr == nil {
			chat, err = s.bot.ChatByID(id)
		} else {
			// Display name; resolvable only after we've seen the chat.
			return nil, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", capability.ErrUnknownTarget, target, err)
	}

	s.mu.Lock()
	s.chats[key] = chat
	s.mu.Unlock()
	return chat, nil
}

func (s *Session) resolveStrict(target string) (*tele.Chat, error) {
	chat, err := s.resolve(target)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, fmt.Errorf("%w: %q not seen yet", capability.ErrUnknownTarget, target)
	}
	return chat, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// splitText splits long messages into chunks Telegram accepts, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
