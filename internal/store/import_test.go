package store

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"leafbot/internal/recurrence"
	logx "leafbot/pkg/logx"
)

func TestImportCSVRespectsCeiling(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("time,sender,name,info,frequency\n")
	base := time.Now().Add(time.Hour)
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "%s,main,alice,msg %d,\n",
			base.Add(time.Duration(i)*time.Minute).Format(timeLayout), i)
	}

	s := New(Config{Plan: PlanBase}, logx.Nop())
	rep, err := s.ImportCSV(strings.NewReader(b.String()), ImportOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Added != 30 {
		t.Errorf("added = %d, want 30 (Base ceiling)", rep.Added)
	}
	if rep.SkippedOverLimit != 10 {
		t.Errorf("over limit = %d, want 10", rep.SkippedOverLimit)
	}
	if s.ReadyCount() != 30 {
		t.Errorf("ready = %d, want 30", s.ReadyCount())
	}
}

func TestImportCSVSkipsInvalidRows(t *testing.T) {
	t.Parallel()

	future := time.Now().Add(time.Hour).Format(timeLayout)
	csvData := "time,sender,name,info,frequency\n" +
		future + ",main,alice,hello,\n" +
		"garbage,main,alice,hello,\n" +
		future + ",,alice,hello,\n" +
		future + ",main,bob,Reaction:abc,\n"

	s := New(Config{Plan: PlanVIP}, logx.Nop())
	rep, err := s.ImportCSV(strings.NewReader(csvData), ImportOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Added != 1 || rep.SkippedInvalid != 3 {
		t.Errorf("report = %+v, want 1 added / 3 invalid", rep)
	}
}

func TestImportCSVElapsedRows(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.Local) // Wednesday
	past := now.Add(-2 * time.Hour).Format(timeLayout)

	csvData := "time,sender,name,info,frequency\n" +
		past + ",main,alice,once in the past,\n" +
		past + ",main,alice,recurring in the past,3\n"

	t.Run("dropped by default", func(t *testing.T) {
		t.Parallel()
		s := New(Config{Plan: PlanVIP}, logx.Nop())
		rep, err := s.ImportCSV(strings.NewReader(csvData), ImportOptions{Now: now})
		if err != nil {
			t.Fatal(err)
		}
		if rep.Added != 0 || rep.SkippedElapsed != 2 {
			t.Errorf("report = %+v, want 0 added / 2 elapsed", rep)
		}
	})

	t.Run("recurring rolls forward", func(t *testing.T) {
		t.Parallel()
		s := New(Config{Plan: PlanVIP}, logx.Nop())
		rep, err := s.ImportCSV(strings.NewReader(csvData), ImportOptions{
			RollForward: true,
			Now:         now,
			Calc:        recurrence.Calculator{},
		})
		if err != nil {
			t.Fatal(err)
		}
		if rep.Added != 1 || rep.SkippedElapsed != 1 {
			t.Fatalf("report = %+v, want 1 added / 1 elapsed", rep)
		}
		tasks := s.ReadyTasks()
		if len(tasks) != 1 {
			t.Fatal("expected one imported task")
		}
		if !tasks[0].Time.After(now) {
			t.Errorf("rolled-forward time %v not after now %v", tasks[0].Time, now)
		}
		// Next Wednesday at the anchor's time of day.
		if tasks[0].Time.Weekday() != time.Wednesday {
			t.Errorf("weekday = %v, want Wednesday", tasks[0].Time.Weekday())
		}
	})
}

func TestImportCSVHeaderRequired(t *testing.T) {
	t.Parallel()

	s := New(Config{Plan: PlanVIP}, logx.Nop())
	_, err := s.ImportCSV(strings.NewReader("a,b,c\n1,2,3\n"), ImportOptions{})
	if err == nil {
		t.Error("expected error for missing required columns")
	}
}
