// Package scheduler drives scheduled sends: it sleeps until the next
// pending task is due, delivers it through the account's session, and
// reschedules or archives it afterwards.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"leafbot/internal/alert"
	"leafbot/internal/capability"
	"leafbot/internal/eventbus"
	"leafbot/internal/recurrence"
	"leafbot/internal/storage"
	"leafbot/internal/store"
	logx "leafbot/pkg/logx"
)

const (
	defaultDriftThreshold = 2 * time.Second
	defaultRetryMax       = 3
	defaultRetryPause     = time.Second
)

// ValidationError marks a failure retrying cannot fix, such as a
// missing attachment. The worker fails the occurrence without retries.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Notifier receives first-failure alerts.
type Notifier interface {
	Notify(a alert.Alert) error
}

// TaskEvent is the bus payload for task.fired and task.failed.
type TaskEvent struct {
	ID       string
	Sender   string
	Receiver string
	At       time.Time
	Error    string
}

type Config struct {
	Enabled        bool
	DriftThreshold time.Duration // default 2s
	RetryMax       int           // attempts per occurrence, default 3
	RetryPause     time.Duration // wait between attempts, default 1s
	HorizonDays    int           // recurrence scan horizon
	PreventSleep   bool          // take a logind inhibitor while running

	// TimeOffset corrects a host clock known to run fast or slow. Read
	// once at construction; changing it live needs a restart.
	TimeOffset time.Duration
}

func (c Config) withDefaults() Config {
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = defaultDriftThreshold
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.RetryPause <= 0 {
		c.RetryPause = defaultRetryPause
	}
	return c
}

// Deps are the worker's collaborators. Alerts, Bus and History may be
// nil; the worker skips them.
type Deps struct {
	Tasks    *store.Store
	Provider capability.Provider
	Alerts   Notifier
	Bus      eventbus.Bus
	History  storage.Store
	Clock    Clock
	Log      logx.Logger
}

// Worker runs the send loop. One occurrence is in flight at a time.
type Worker struct {
	tasks    *store.Store
	provider capability.Provider
	alerts   Notifier
	bus      eventbus.Bus
	history  storage.Store
	clock    Clock
	log      logx.Logger

	randIntn func(n int) int // reaction id pick, swappable in tests

	mu     sync.Mutex
	cfg    Config
	paused bool
	resume chan struct{}
}

func New(cfg Config, d Deps) *Worker {
	if d.Clock == nil {
		if cfg.TimeOffset != 0 {
			d.Clock = OffsetClock(cfg.TimeOffset)
		} else {
			d.Clock = SystemClock()
		}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Worker{
		tasks:    d.Tasks,
		provider: d.Provider,
		alerts:   d.Alerts,
		bus:      d.Bus,
		history:  d.History,
		clock:    d.Clock,
		log:      d.Log.With(logx.String("comp", "scheduler")),
		randIntn: rand.Intn,
		cfg:      cfg.withDefaults(),
	}
}

// Apply updates tunables live.
func (w *Worker) Apply(cfg Config) {
	w.mu.Lock()
	w.cfg = cfg.withDefaults()
	w.mu.Unlock()
}

func (w *Worker) config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Pause holds the loop before its next wait chunk or execution.
func (w *Worker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.paused {
		w.paused = true
		w.resume = make(chan struct{})
	}
}

// Resume releases a paused loop.
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
	w.log.Info("scheduler paused")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		w.log.Info("scheduler resumed")
		return nil
	}
}

// Run processes pending tasks until none remain or ctx is cancelled.
// It returns nil in both cases; the supervisor relaunches it when new
// tasks arrive.
func (w *Worker) Run(ctx context.Context) error {
	if w.config().PreventSleep {
		release, err := inhibitSleep("leafbot", "scheduled sends pending")
		if err != nil {
			w.log.Warn("sleep inhibitor unavailable", logx.Err(err))
		} else {
			defer release()
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		t, ok := w.tasks.FindEarliestReady()
		if !ok {
			w.log.Info("no pending tasks, scheduler going idle")
			return nil
		}
		if err := w.waitUntil(ctx, t.Time); err != nil {
			return nil
		}
		if _, err := w.tasks.MarkStatus(t.ID, store.StatusRunning); err != nil {
			// Removed while we slept.
			continue
		}
		w.finish(t, w.execute(ctx, t))
		w.tasks.RequestSave()
	}
}

// waitUntil sleeps in shrinking chunks until target. Sleeps are
// accounted against a reference reading; when the wall clock deviates
// from reference+slept beyond the threshold (suspend, manual clock
// change, NTP step) the reference is resynced with a warning.
func (w *Worker) waitUntil(ctx context.Context, target time.Time) error {
	threshold := w.config().DriftThreshold
	ref := w.clock.Now()
	var slept time.Duration
	for {
		if err := w.pauseGate(ctx); err != nil {
			return err
		}
		now := w.clock.Now()
		if drift := now.Sub(ref.Add(slept)); drift > threshold || drift < -threshold {
			w.log.Warn("wall clock drifted, resyncing wait",
				logx.Duration("drift", drift),
				logx.Time("target", target))
			ref = now
			slept = 0
		}
		remaining := target.Sub(now)
		if remaining <= 0 {
			return nil
		}
		chunk := sleepChunk(remaining)
		if err := w.clock.Sleep(ctx, chunk); err != nil {
			return err
		}
		slept += chunk
	}
}

func sleepChunk(remaining time.Duration) time.Duration {
	switch {
	case remaining > time.Minute:
		return 30 * time.Second
	case remaining > 20*time.Second:
		return 10 * time.Second
	case remaining > 10*time.Second:
		return 5 * time.Second
	case remaining > 2*time.Second:
		return time.Second
	case remaining < 100*time.Millisecond:
		return remaining
	default:
		return 100 * time.Millisecond
	}
}

// execute delivers one occurrence, retrying transient failures with a
// session refresh between attempts.
func (w *Worker) execute(ctx context.Context, t store.Task) error {
	if t.Payload.Kind == capability.PayloadFile {
		if _, err := os.Stat(t.Payload.FilePath); err != nil {
			return &ValidationError{Reason: fmt.Sprintf("attachment %s: %v", t.Payload.FilePath, err)}
		}
	}

	cfg := w.config()
	var lastErr error
	for attempt := 1; attempt <= cfg.RetryMax; attempt++ {
		err := w.sendOnce(ctx, t)
		if err == nil {
			if attempt > 1 {
				w.log.Info("send recovered",
					logx.String("task", t.ID),
					logx.Int("attempt", attempt))
			}
			return nil
		}
		var verr *ValidationError
		if errors.As(err, &verr) {
			return err
		}
		lastErr = err
		w.log.Warn("send attempt failed",
			logx.String("task", t.ID),
			logx.Int("attempt", attempt),
			logx.Err(err))
		if attempt == cfg.RetryMax {
			break
		}
		if rerr := w.provider.Refresh(t.Sender); rerr != nil {
			w.log.Warn("session refresh failed",
				logx.String("account", t.Sender),
				logx.Err(rerr))
		}
		if serr := w.clock.Sleep(ctx, cfg.RetryPause); serr != nil {
			return serr
		}
	}
	return lastErr
}

func (w *Worker) sendOnce(ctx context.Context, t store.Task) error {
	sess, err := w.provider.Acquire(t.Sender)
	if err != nil {
		return err
	}
	switch t.Payload.Kind {
	case capability.PayloadFile:
		return sess.SendFile(ctx, t.Receiver, t.Payload.FilePath)
	case capability.PayloadReaction:
		ids := t.Payload.ReactionIDs
		if len(ids) == 0 {
			return &ValidationError{Reason: "reaction payload has no ids"}
		}
		return sess.SendReaction(ctx, t.Receiver, ids[w.randIntn(len(ids))])
	default:
		if t.Payload.MentionAll {
			return sess.SendMentionAll(ctx, t.Receiver, t.Payload.Text)
		}
		return sess.SendText(ctx, t.Receiver, t.Payload.Text)
	}
}

// finish settles the occurrence: status, events, history, alerting and
// the next occurrence for recurring tasks.
func (w *Worker) finish(t store.Task, sendErr error) {
	now := w.clock.Now()

	if sendErr == nil {
		w.log.Info("task sent",
			logx.String("task", t.ID),
			logx.String("receiver", t.Receiver),
			logx.String("kind", t.Payload.Kind.String()))
		w.publish(eventbus.TypeTaskFired, now, t, "")
		w.record(t, now, true, "")
		w.advance(t, store.StatusSucceeded)
		return
	}

	count, err := w.tasks.MarkStatus(t.ID, store.StatusFailed)
	if err != nil {
		w.log.Warn("failed task vanished", logx.String("task", t.ID), logx.Err(err))
		return
	}
	w.log.Error("task failed",
		logx.String("task", t.ID),
		logx.String("receiver", t.Receiver),
		logx.Int("error_count", count),
		logx.Err(sendErr))
	w.publish(eventbus.TypeTaskFailed, now, t, sendErr.Error())
	w.record(t, now, false, sendErr.Error())

	if count == 1 && w.alerts != nil {
		_ = w.alerts.Notify(alert.Alert{
			Reason:   sendErr.Error(),
			TaskID:   t.ID,
			At:       t.Time,
			Sender:   t.Sender,
			Receiver: t.Receiver,
			Content:  t.Payload.Raw,
		})
	}
	w.advance(t, store.StatusFailed)
}

// advance archives the finished occurrence; for recurring tasks a fresh
// occurrence is queued at the next time.
func (w *Worker) advance(t store.Task, final store.Status) {
	if t.Frequency.IsOnce() {
		if err := w.tasks.Archive(t.ID, final); err != nil {
			w.log.Warn("archive failed", logx.String("task", t.ID), logx.Err(err))
		}
		return
	}
	calc := recurrence.Calculator{HorizonDays: w.config().HorizonDays}
	next, ok := calc.Next(t.Time, t.Frequency, w.clock.Now())
	if !ok {
		w.log.Warn("no next occurrence inside the horizon, archiving",
			logx.String("task", t.ID),
			logx.String("frequency", t.Frequency.String()))
		if err := w.tasks.Archive(t.ID, final); err != nil {
			w.log.Warn("archive failed", logx.String("task", t.ID), logx.Err(err))
		}
		return
	}
	nextID, err := w.tasks.Respawn(t.ID, final, next)
	if err != nil {
		w.log.Warn("respawn failed", logx.String("task", t.ID), logx.Err(err))
		return
	}
	w.log.Debug("next occurrence queued",
		logx.String("task", t.ID),
		logx.String("next_id", nextID),
		logx.Time("next", next))
}

func (w *Worker) publish(typ string, at time.Time, t store.Task, errMsg string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: TaskEvent{
		ID:       t.ID,
		Sender:   t.Sender,
		Receiver: t.Receiver,
		At:       t.Time,
		Error:    errMsg,
	}})
}

// record appends to the history store. Best effort, bounded, and
// detached from the loop's ctx so shutdown doesn't lose the last row.
func (w *Worker) record(t store.Task, at time.Time, ok bool, errMsg string) {
	if w.history == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := w.history.AppendHistory(hctx, storage.Record{
		At:      at,
		Kind:    storage.KindTask,
		Account: t.Sender,
		Target:  t.Receiver,
		Content: t.Payload.Raw,
		OK:      ok,
		Error:   errMsg,
	})
	if err != nil {
		w.log.Debug("history append failed", logx.Err(err))
	}
}
