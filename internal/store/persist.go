package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"leafbot/internal/capability"
	"leafbot/internal/recurrence"
	logx "leafbot/pkg/logx"
)

// timeLayout is the on-disk task time format (local time, no zone).
const timeLayout = "2006-01-02T15:04:05"

type taskRecord struct {
	ID        string `json:"id"`
	Time      string `json:"time"`
	Sender    string `json:"sender"`
	Name      string `json:"name"`
	Info      string `json:"info"`
	Frequency string `json:"frequency,omitempty"`
}

// Load replaces the ready set with the contents of the task file.
// A missing file is an empty store. Rows that fail validation are
// skipped with a warning, never fatal.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read tasks file: %w", err)
	}

	var recs []taskRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return fmt.Errorf("parse tasks file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.ready = map[string]*Task{}
	s.byTime = map[int64][]string{}
	s.mu.Unlock()

	loaded := 0
	for _, r := range recs {
		t, err := recordToTask(r)
		if err != nil {
			s.log.Warn("skipping invalid task row", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		if _, err := s.Add(t); err != nil {
			s.log.Warn("task dropped on load", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		loaded++
	}
	s.log.Info("tasks loaded", logx.Int("count", loaded), logx.String("path", s.path))
	return nil
}

func recordToTask(r taskRecord) (Task, error) {
	ts, err := time.ParseInLocation(timeLayout, r.Time, time.Local)
	if err != nil {
		return Task{}, fmt.Errorf("bad time %q: %w", r.Time, err)
	}
	if r.Sender == "" || r.Name == "" {
		return Task{}, fmt.Errorf("missing sender or receiver")
	}
	payload, err := capability.ParsePayload(r.Info)
	if err != nil {
		return Task{}, err
	}
	freq, err := recurrence.ParseFrequency(r.Frequency)
	if err != nil {
		return Task{}, err
	}
	return Task{
		ID:        r.ID,
		Time:      ts,
		Sender:    r.Sender,
		Receiver:  r.Name,
		Payload:   payload,
		Frequency: freq,
		Status:    StatusPending,
	}, nil
}

func taskToRecord(t Task) taskRecord {
	return taskRecord{
		ID:        t.ID,
		Time:      t.Time.Format(timeLayout),
		Sender:    t.Sender,
		Name:      t.Receiver,
		Info:      t.Payload.Raw,
		Frequency: t.Frequency.String(),
	}
}

// RequestSave schedules a debounced flush. Safe to call from any
// goroutine; bursts coalesce into one write.
func (s *Store) RequestSave() {
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

// Flush writes the ready set to disk immediately (tmp file + rename).
func (s *Store) Flush() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	tasks := s.readySortedLocked()
	s.mu.Unlock()

	recs := make([]taskRecord, 0, len(tasks))
	for _, t := range tasks {
		recs = append(recs, taskToRecord(t))
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create tasks dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tasks tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace tasks file: %w", err)
	}
	atomic.AddUint64(&s.flushes, 1)
	return nil
}

func (s *Store) flushCount() uint64 { return atomic.LoadUint64(&s.flushes) }

// Run is the persistence flusher loop. One pending save signal is
// drained per debounce interval, so bursts of RequestSave collapse into
// a single write. A final flush happens on shutdown.
func (s *Store) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				s.log.Error("final task flush failed", logx.Err(err))
			}
			return nil
		case <-s.saveCh:
			timer := time.NewTimer(s.debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				if err := s.Flush(); err != nil {
					s.log.Error("final task flush failed", logx.Err(err))
				}
				return nil
			case <-timer.C:
			}
			// Collapse anything that arrived while we were waiting.
			select {
			case <-s.saveCh:
			default:
			}
			if err := s.Flush(); err != nil {
				s.log.Error("task flush failed", logx.Err(err))
			}
		}
	}
}
