package store

import (
	"errors"
	"testing"
	"time"

	"leafbot/internal/capability"
	logx "leafbot/pkg/logx"
)

func textTask(t *testing.T, at time.Time, text string) Task {
	t.Helper()
	p, err := capability.ParsePayload(text)
	if err != nil {
		t.Fatal(err)
	}
	return Task{Time: at, Sender: "main", Receiver: "alice", Payload: p}
}

func newTestStore(t *testing.T, plan Plan) *Store {
	t.Helper()
	return New(Config{Plan: plan}, logx.Nop())
}

func TestAddAssignsNextNumericID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, PlanVIP)
	now := time.Now().Add(time.Hour)

	id1, err := s.Add(textTask(t, now, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if id1 != "1" {
		t.Fatalf("first id = %q, want 1", id1)
	}

	tk := textTask(t, now, "b")
	tk.ID = "7"
	if _, err := s.Add(tk); err != nil {
		t.Fatal(err)
	}
	id3, err := s.Add(textTask(t, now, "c"))
	if err != nil {
		t.Fatal(err)
	}
	if id3 != "8" {
		t.Fatalf("id after explicit 7 = %q, want 8", id3)
	}

	// Non-numeric ids are kept but don't feed the max scan.
	tk = textTask(t, now, "d")
	tk.ID = "legacy-x"
	if _, err := s.Add(tk); err != nil {
		t.Fatal(err)
	}
	id5, err := s.Add(textTask(t, now, "e"))
	if err != nil {
		t.Fatal(err)
	}
	if id5 != "9" {
		t.Fatalf("id after non-numeric = %q, want 9", id5)
	}
}

func TestPlanCeiling(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, PlanFree)
	at := time.Now().Add(time.Hour)
	for i := 0; i < 5; i++ {
		if _, err := s.Add(textTask(t, at, "x")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Add(textTask(t, at, "over")); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("err = %v, want ErrLimitReached", err)
	}
}

func TestFindEarliestReadyTieByInsertion(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, PlanVIP)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)

	later := textTask(t, at.Add(time.Minute), "later")
	if _, err := s.Add(later); err != nil {
		t.Fatal(err)
	}
	firstID, err := s.Add(textTask(t, at, "first"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(textTask(t, at, "second")); err != nil {
		t.Fatal(err)
	}

	got, ok := s.FindEarliestReady()
	if !ok {
		t.Fatal("expected a ready task")
	}
	if got.ID != firstID {
		t.Errorf("earliest = %s, want %s (tie broken by insertion)", got.ID, firstID)
	}

	// Running tasks are not candidates.
	if _, err := s.MarkStatus(firstID, StatusRunning); err != nil {
		t.Fatal(err)
	}
	got, ok = s.FindEarliestReady()
	if !ok || got.ID == firstID {
		t.Errorf("earliest after mark = %v ok=%v, want the second same-time task", got.ID, ok)
	}
}

func TestTimeIndexBucketHygiene(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, PlanVIP)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)

	id1, _ := s.Add(textTask(t, at, "a"))
	id2, _ := s.Add(textTask(t, at, "b"))
	if got := s.bucketCount(); got != 1 {
		t.Fatalf("buckets = %d, want 1", got)
	}

	if err := s.Remove(id1); err != nil {
		t.Fatal(err)
	}
	if got := s.bucketCount(); got != 1 {
		t.Fatalf("buckets after first remove = %d, want 1", got)
	}
	if err := s.Remove(id2); err != nil {
		t.Fatal(err)
	}
	if got := s.bucketCount(); got != 0 {
		t.Fatalf("buckets after last remove = %d, want 0", got)
	}
}

func TestArchiveMovesBetweenSets(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, PlanVIP)
	id, err := s.Add(textTask(t, time.Now().Add(time.Hour), "x"))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Archive(id, StatusSucceeded); err != nil {
		t.Fatal(err)
	}
	if s.ReadyCount() != 0 {
		t.Error("ready set should be empty after archive")
	}
	got, ok := s.Get(id)
	if !ok || got.Status != StatusSucceeded {
		t.Fatalf("archived task = %+v ok=%v", got, ok)
	}
	if got := s.bucketCount(); got != 0 {
		t.Errorf("buckets = %d, want 0 after archive", got)
	}
	if _, ok := s.FindEarliestReady(); ok {
		t.Error("archived task must not be schedulable")
	}
}

func TestMarkFailedIncrementsErrorCount(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, PlanVIP)
	id, _ := s.Add(textTask(t, time.Now().Add(time.Hour), "x"))

	n, err := s.MarkStatus(id, StatusFailed)
	if err != nil || n != 1 {
		t.Fatalf("first failure count = %d err=%v, want 1", n, err)
	}
	n, _ = s.MarkStatus(id, StatusFailed)
	if n != 2 {
		t.Fatalf("second failure count = %d, want 2", n)
	}
}

func TestRespawn(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, PlanVIP)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)
	id, _ := s.Add(textTask(t, at, "x"))
	if _, err := s.MarkStatus(id, StatusFailed); err != nil {
		t.Fatal(err)
	}

	next := at.AddDate(0, 0, 7)
	nextID, err := s.Respawn(id, StatusFailed, next)
	if err != nil {
		t.Fatal(err)
	}
	if nextID == id {
		t.Fatalf("respawned id = %q, want a fresh id", nextID)
	}

	old, ok := s.Get(id)
	if !ok || old.Status != StatusFailed || old.ErrorCount != 1 {
		t.Fatalf("finished occurrence = %+v, want archived failed with ErrorCount 1", old)
	}
	fresh, ok := s.Get(nextID)
	if !ok || fresh.Status != StatusPending || !fresh.Time.Equal(next) {
		t.Fatalf("fresh occurrence = %+v, want pending at %v", fresh, next)
	}
	if fresh.ErrorCount != 0 {
		t.Errorf("fresh ErrorCount = %d, want 0 (each occurrence alerts on its own first failure)", fresh.ErrorCount)
	}
	if s.ReadyCount() != 1 {
		t.Errorf("ready count = %d, want 1", s.ReadyCount())
	}
	if got := s.bucketCount(); got != 1 {
		t.Errorf("buckets = %d, want 1 (old bucket dropped)", got)
	}
}
