package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "leafbot/pkg/logx"
)

func TestFlushLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.json")
	s := New(Config{Path: path, Plan: PlanVIP}, logx.Nop())

	at := time.Date(2026, 3, 2, 8, 30, 0, 0, time.Local)
	tk := textTask(t, at, "morning @all")
	tk.Frequency = mustFreq(t, "12345")
	id, err := s.Add(tk)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	s2 := New(Config{Path: path, Plan: PlanVIP}, logx.Nop())
	if err := s2.Load(); err != nil {
		t.Fatal(err)
	}
	got, ok := s2.Get(id)
	if !ok {
		t.Fatalf("task %s missing after reload", id)
	}
	if !got.Time.Equal(at) {
		t.Errorf("time = %v, want %v", got.Time, at)
	}
	if got.Frequency.String() != "12345" {
		t.Errorf("frequency = %q, want 12345", got.Frequency.String())
	}
	if got.Payload.Raw != "morning @all" {
		t.Errorf("payload raw = %q", got.Payload.Raw)
	}
}

func TestLoadSkipsInvalidRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.json")
	data := `[
  {"id":"1","time":"2026-03-02T08:30:00","sender":"main","name":"alice","info":"hi"},
  {"id":"2","time":"not a time","sender":"main","name":"alice","info":"hi"},
  {"id":"3","time":"2026-03-02T09:00:00","sender":"","name":"alice","info":"hi"}
]`
	if err := writeFile(path, data); err != nil {
		t.Fatal(err)
	}

	s := New(Config{Path: path, Plan: PlanVIP}, logx.Nop())
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if got := s.ReadyCount(); got != 1 {
		t.Fatalf("loaded %d tasks, want 1", got)
	}
}

func TestRunCoalescesSaves(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.json")
	s := New(Config{Path: path, Plan: PlanVIP, SaveDebounce: 30 * time.Millisecond}, logx.Nop())
	if _, err := s.Add(textTask(t, time.Now().Add(time.Hour), "x")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	for i := 0; i < 10; i++ {
		s.RequestSave()
	}
	// One debounce window passes; the burst must collapse to one write.
	time.Sleep(150 * time.Millisecond)
	if got := s.flushCount(); got != 1 {
		t.Errorf("flushes = %d, want 1", got)
	}

	cancel()
	<-done
}
