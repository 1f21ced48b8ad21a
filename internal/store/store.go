// Package store owns the scheduled task collection: the ready and
// completed sets, the time index used by the scheduler, debounced
// persistence and tabular import.
package store

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"leafbot/internal/capability"
	"leafbot/internal/recurrence"
	logx "leafbot/pkg/logx"
)

var (
	ErrNotFound     = errors.New("store: task not found")
	ErrLimitReached = errors.New("store: plan task limit reached")
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Plan is the subscription tier controlling how many tasks may be held.
type Plan string

const (
	PlanFree  Plan = "Free"
	PlanBase  Plan = "Base"
	PlanAiVIP Plan = "AiVIP"
	PlanVIP   Plan = "VIP"
)

// Ceiling returns the task limit for the plan; 0 means unlimited.
func (p Plan) Ceiling() int {
	switch p {
	case PlanFree:
		return 5
	case PlanBase:
		return 30
	default:
		return 0
	}
}

// Task is one scheduled send.
type Task struct {
	ID         string
	Time       time.Time
	Sender     string // account name used to send
	Receiver   string // conversation display name
	Payload    capability.Payload
	Frequency  recurrence.Frequency
	Status     Status
	ErrorCount int

	seq uint64 // insertion order, used for tie-breaking
}

// Config for the store.
type Config struct {
	Path         string
	Plan         Plan
	SaveDebounce time.Duration
}

// Store keeps every task in exactly one of the ready or completed sets.
// A single mutex guards both sets and the time index.
type Store struct {
	mu        sync.Mutex
	ready     map[string]*Task
	completed map[string]*Task
	byTime    map[int64][]string // unix second -> ready ids, insertion order
	seq       uint64

	path     string
	plan     Plan
	debounce time.Duration

	saveCh  chan struct{}
	flushes uint64 // flush count, read by tests

	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Store {
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = 2 * time.Second
	}
	return &Store{
		ready:     map[string]*Task{},
		completed: map[string]*Task{},
		byTime:    map[int64][]string{},
		path:      cfg.Path,
		plan:      cfg.Plan,
		debounce:  cfg.SaveDebounce,
		saveCh:    make(chan struct{}, 1),
		log:       log.With(logx.String("comp", "store")),
	}
}

// Add inserts a task into the ready set. An empty ID gets the next free
// numeric id. Returns ErrLimitReached when the plan ceiling is hit.
func (s *Store) Add(t Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.plan.Ceiling(); c > 0 && len(s.ready) >= c {
		return "", fmt.Errorf("%w (plan %s, limit %d)", ErrLimitReached, s.plan, c)
	}
	if t.ID == "" {
		t.ID = strconv.FormatInt(s.maxNumericIDLocked()+1, 10)
	} else if _, dup := s.ready[t.ID]; dup {
		t.ID = strconv.FormatInt(s.maxNumericIDLocked()+1, 10)
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	s.seq++
	t.seq = s.seq

	cp := t
	s.ready[cp.ID] = &cp
	s.indexAddLocked(&cp)
	return cp.ID, nil
}

// Remove deletes a task from whichever set holds it.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.ready[id]; ok {
		s.indexRemoveLocked(t)
		delete(s.ready, id)
		return nil
	}
	if _, ok := s.completed[id]; ok {
		delete(s.completed, id)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Get returns a copy of the task from either set.
func (s *Store) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.ready[id]; ok {
		return *t, true
	}
	if t, ok := s.completed[id]; ok {
		return *t, true
	}
	return Task{}, false
}

// FindEarliestReady returns a copy of the pending task with the smallest
// time; ties are broken by insertion order.
func (s *Store) FindEarliestReady() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  *Task
		found bool
	)
	for _, ids := range s.byTime {
		for _, id := range ids {
			t := s.ready[id]
			if t == nil || t.Status != StatusPending {
				continue
			}
			if !found || earlier(t, best) {
				best = t
				found = true
			}
		}
	}
	if !found {
		return Task{}, false
	}
	return *best, true
}

func earlier(a, b *Task) bool {
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	return a.seq < b.seq
}

// MarkStatus updates a ready task's status. Marking failed increments
// ErrorCount and reports the new count.
func (s *Store) MarkStatus(id string, st Status) (errorCount int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.ready[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.Status = st
	if st == StatusFailed {
		t.ErrorCount++
	}
	return t.ErrorCount, nil
}

// Respawn archives a finished recurring occurrence and enqueues a fresh
// copy at the next occurrence time. The copy gets a new id and a zero
// ErrorCount, so the next occurrence alerts on its own first failure.
// Returns the new task's id.
func (s *Store) Respawn(id string, final Status, next time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.ready[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.indexRemoveLocked(t)
	delete(s.ready, id)
	t.Status = final
	s.completed[id] = t

	cp := *t
	cp.ID = strconv.FormatInt(s.maxNumericIDLocked()+1, 10)
	cp.Time = next
	cp.Status = StatusPending
	cp.ErrorCount = 0
	s.seq++
	cp.seq = s.seq
	s.ready[cp.ID] = &cp
	s.indexAddLocked(&cp)
	return cp.ID, nil
}

// Archive moves a task from the ready set to the completed set.
func (s *Store) Archive(id string, st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.ready[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.indexRemoveLocked(t)
	delete(s.ready, id)
	t.Status = st
	s.completed[id] = t
	return nil
}

// ReadyCount returns the size of the ready set.
func (s *Store) ReadyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// ReadyTasks returns copies of all ready tasks ordered by time then
// insertion.
func (s *Store) ReadyTasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readySortedLocked()
}

// CompletedTasks returns copies of all archived tasks.
func (s *Store) CompletedTasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.completed))
	for _, t := range s.completed {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return earlier(&out[i], &out[j]) })
	return out
}

func (s *Store) readySortedLocked() []Task {
	out := make([]Task, 0, len(s.ready))
	for _, t := range s.ready {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return earlier(&out[i], &out[j]) })
	return out
}

// ---- time index ----

func (s *Store) indexAddLocked(t *Task) {
	k := t.Time.Unix()
	s.byTime[k] = append(s.byTime[k], t.ID)
}

func (s *Store) indexRemoveLocked(t *Task) {
	k := t.Time.Unix()
	ids := s.byTime[k]
	for i, id := range ids {
		if id == t.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.byTime, k)
		return
	}
	s.byTime[k] = ids
}

// bucketCount is used by tests to verify index hygiene.
func (s *Store) bucketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byTime)
}

func (s *Store) maxNumericIDLocked() int64 {
	var max int64
	scan := func(m map[string]*Task) {
		for id := range m {
			n, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				continue // non-numeric ids don't participate
			}
			if n > max {
				max = n
			}
		}
	}
	scan(s.ready)
	scan(s.completed)
	return max
}
