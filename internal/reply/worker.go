// Package reply watches conversations and answers inbound messages,
// first through the keyword rule table, then through the model client
// when no rule matches.
package reply

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"leafbot/internal/capability"
	"leafbot/internal/eventbus"
	"leafbot/internal/model"
	"leafbot/internal/storage"
	logx "leafbot/pkg/logx"
)

const defaultPollInterval = time.Second

type Config struct {
	Enabled        bool
	Account        string
	Targets        []string
	RulesPath      string
	OnlyAtMention  bool
	MentionToken   string
	Persona        string
	ReplyDelay     time.Duration
	RatePerSec     float64
	SuppressWindow time.Duration
	PollInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// ReplyEvent is the bus payload for reply.sent and reply.suppressed.
type ReplyEvent struct {
	Conversation string
	Sender       string
	Content      string
}

type Deps struct {
	Provider capability.Provider
	Model    model.Client
	Bus      eventbus.Bus
	History  storage.Store
	Log      logx.Logger
}

// Worker polls watched conversations and replies. One instance serves
// one account.
type Worker struct {
	provider capability.Provider
	model    model.Client
	bus      eventbus.Bus
	history  storage.Store
	log      logx.Logger

	limiter  *rate.Limiter
	supp     *suppressor
	randIntn func(n int) int

	sleep func(ctx context.Context, d time.Duration) error // test hook

	mu     sync.Mutex
	cfg    Config
	rules  []compiledRule
	paused bool
	resume chan struct{}
}

func New(cfg Config, d Deps) *Worker {
	cfg = cfg.withDefaults()
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Worker{
		provider: d.Provider,
		model:    d.Model,
		bus:      d.Bus,
		history:  d.History,
		log:      d.Log.With(logx.String("comp", "reply")),
		limiter:  newLimiter(cfg.RatePerSec),
		supp:     newSuppressor(cfg.SuppressWindow),
		randIntn: rand.Intn,
		sleep:    sleepCtx,
		cfg:      cfg,
	}
}

func newLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSec), 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Apply updates tunables live. Account and target changes need a
// restart; only pacing and matching behavior is adjusted here.
func (w *Worker) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	w.mu.Lock()
	w.cfg = cfg
	w.limiter.SetLimit(limitFor(cfg.RatePerSec))
	w.mu.Unlock()
	w.supp.mu.Lock()
	if cfg.SuppressWindow > 0 {
		w.supp.window = cfg.SuppressWindow
	}
	w.supp.mu.Unlock()
}

func limitFor(perSec float64) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

func (w *Worker) config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Pause holds the poll loop; in-flight sends finish first.
func (w *Worker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.paused {
		w.paused = true
		w.resume = make(chan struct{})
	}
}

func (w *Worker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused {
		w.paused = false
		close(w.resume)
	}
}

func (w *Worker) pauseGate(ctx context.Context) error {
	w.mu.Lock()
	var ch chan struct{}
	if w.paused {
		ch = w.resume
	}
	w.mu.Unlock()
	if ch == nil {
		return nil
	}
	w.log.Info("reply worker paused")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		w.log.Info("reply worker resumed")
		return nil
	}
}

// Run initializes the session and polls until ctx is cancelled.
// Startup fails hard when a configured target cannot be watched or
// probed; a silently dead listener is worse than a crash at boot.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.config()

	if cfg.RulesPath != "" {
		rules, err := LoadRules(cfg.RulesPath, w.log)
		if err != nil {
			return err
		}
		w.setRules(rules)
		go w.watchRules(ctx, cfg.RulesPath)
	}

	sess, err := w.provider.Acquire(cfg.Account)
	if err != nil {
		return fmt.Errorf("reply account %s: %w", cfg.Account, err)
	}

	for _, target := range cfg.Targets {
		if err := sess.Watch(target); err != nil {
			return fmt.Errorf("watch %s: %w", target, err)
		}
	}
	defer func() {
		for _, target := range cfg.Targets {
			sess.Unwatch(target)
		}
	}()

	if err := w.probeTargets(ctx, sess, cfg.Targets); err != nil {
		return err
	}

	w.log.Info("reply worker listening",
		logx.String("account", cfg.Account),
		logx.Int("targets", len(cfg.Targets)))

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.pauseGate(ctx); err != nil {
			return nil
		}
		for _, m := range sess.ListNewMessages() {
			w.handle(ctx, sess, m)
		}
		if err := w.sleep(ctx, w.config().PollInterval); err != nil {
			return nil
		}
	}
}

// probeTargets sends a single space to each one-to-one target so an
// unaddressable conversation surfaces now instead of on the first real
// reply. Groups never get the probe; a not-yet-resolved display name
// defers it instead of failing startup.
func (w *Worker) probeTargets(ctx context.Context, sess capability.Session, targets []string) error {
	for _, target := range targets {
		group, err := sess.IsGroup(target)
		if err != nil {
			if errors.Is(err, capability.ErrUnknownTarget) {
				w.log.Warn("probe deferred: conversation not seen yet",
					logx.String("target", target))
				continue
			}
			return fmt.Errorf("probe %s: %w", target, err)
		}
		if group {
			continue
		}
		if err := sess.SendText(ctx, target, " "); err != nil {
			return fmt.Errorf("probe %s: %w", target, err)
		}
	}
	return nil
}

func (w *Worker) setRules(rules []compiledRule) {
	w.mu.Lock()
	w.rules = rules
	w.mu.Unlock()
}

func (w *Worker) currentRules() []compiledRule {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rules
}

// watchRules reloads the rule file when it changes. A broken edit keeps
// the previous rule set.
func (w *Worker) watchRules(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("rule watcher unavailable", logx.Err(err))
		return
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		w.log.Warn("rule watcher unavailable", logx.Err(err))
		return
	}

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(250*time.Millisecond, func() {
				rules, err := LoadRules(path, w.log)
				if err != nil {
					w.log.Warn("rule reload failed, keeping previous set", logx.Err(err))
					return
				}
				w.setRules(rules)
				w.log.Info("rules reloaded", logx.Int("count", len(rules)))
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("rule watcher error", logx.Err(err))
		}
	}
}

// handle answers one inbound message.
func (w *Worker) handle(ctx context.Context, sess capability.Session, m capability.Message) {
	if m.System || m.FromSelf {
		return
	}
	cfg := w.config()

	text := m.Text
	if cfg.OnlyAtMention {
		if cfg.MentionToken == "" || !strings.Contains(text, cfg.MentionToken) {
			return
		}
		text = strings.TrimSpace(strings.ReplaceAll(text, cfg.MentionToken, ""))
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	matched := false
	for _, r := range w.currentRules() {
		if !r.matches(m.Conversation, text) {
			continue
		}
		matched = true
		w.send(ctx, sess, m, r.Reply)
	}
	if matched {
		return
	}

	if w.model == nil {
		return
	}
	out, err := w.model.Complete(ctx, cfg.Persona, text)
	if err != nil {
		if !errors.Is(err, model.ErrDisabled) {
			w.log.Warn("model fallback failed", logx.Err(err))
		}
		return
	}
	if out != "" {
		w.send(ctx, sess, m, out)
	}
}

// send delivers one reply, honoring suppression, delay and the shared
// rate limiter.
func (w *Worker) send(ctx context.Context, sess capability.Session, m capability.Message, content string) {
	cfg := w.config()

	if w.supp.shouldDrop(m.Conversation, content) {
		w.log.Warn("reply suppressed (duplicate)",
			logx.String("conversation", m.Conversation))
		w.publish(eventbus.TypeReplySuppressed, m, content)
		return
	}
	if cfg.ReplyDelay > 0 {
		if err := w.sleep(ctx, cfg.ReplyDelay); err != nil {
			return
		}
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}

	payload, err := capability.ParsePayload(content)
	if err != nil {
		w.log.Warn("unsendable reply", logx.Err(err))
		return
	}

	sendErr := w.deliver(ctx, sess, m, cfg, payload)
	if sendErr != nil {
		w.log.Error("reply send failed",
			logx.String("conversation", m.Conversation),
			logx.Err(sendErr))
	} else {
		w.supp.noteSent(m.Conversation, content)
		w.publish(eventbus.TypeReplySent, m, content)
		w.log.Info("replied",
			logx.String("conversation", m.Conversation),
			logx.String("kind", payload.Kind.String()))
	}
	w.record(cfg.Account, m.Conversation, content, sendErr)
}

func (w *Worker) deliver(ctx context.Context, sess capability.Session, m capability.Message, cfg Config, p capability.Payload) error {
	switch p.Kind {
	case capability.PayloadFile:
		return sess.SendFile(ctx, m.Conversation, p.FilePath)
	case capability.PayloadReaction:
		if len(p.ReactionIDs) == 0 {
			return errors.New("reaction reply has no ids")
		}
		return sess.SendReaction(ctx, m.Conversation, p.ReactionIDs[w.randIntn(len(p.ReactionIDs))])
	default:
		text := p.Text
		// In a group the answer goes back at whoever asked.
		if m.Group && cfg.OnlyAtMention && m.Sender != "" {
			text = "@" + m.Sender + " " + text
		}
		return sess.SendText(ctx, m.Conversation, text)
	}
}

func (w *Worker) publish(typ string, m capability.Message, content string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(eventbus.Event{Type: typ, Data: ReplyEvent{
		Conversation: m.Conversation,
		Sender:       m.Sender,
		Content:      content,
	}})
}

func (w *Worker) record(account, target, content string, sendErr error) {
	if w.history == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec := storage.Record{
		At:      time.Now(),
		Kind:    storage.KindReply,
		Account: account,
		Target:  target,
		Content: content,
		OK:      sendErr == nil,
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
	}
	if err := w.history.AppendHistory(hctx, rec); err != nil {
		w.log.Debug("history append failed", logx.Err(err))
	}
}
