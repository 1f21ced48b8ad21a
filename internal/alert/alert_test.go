package alert

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "leafbot/pkg/logx"
)

func TestNotifyCooldownDrops(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Cooldown: time.Minute}, logx.Nop())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.Notify(Alert{TaskID: "1"}); err != nil {
		t.Fatal(err)
	}

	// Inside the cooldown: dropped, not queued.
	now = now.Add(30 * time.Second)
	if err := s.Notify(Alert{TaskID: "2"}); err != nil {
		t.Fatal(err)
	}
	if got := len(s.queue); got != 1 {
		t.Fatalf("queue len = %d, want 1 (cooldown alert dropped)", got)
	}

	// Past the cooldown: accepted again.
	now = now.Add(31 * time.Second)
	if err := s.Notify(Alert{TaskID: "3"}); err != nil {
		t.Fatal(err)
	}
	if got := len(s.queue); got != 2 {
		t.Fatalf("queue len = %d, want 2", got)
	}
}

func TestNotifyDisabledIsNoop(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, logx.Nop())
	if err := s.Notify(Alert{TaskID: "1"}); err != nil {
		t.Fatal(err)
	}
	if len(s.queue) != 0 {
		t.Error("disabled service must not enqueue")
	}
}

func TestNotifyQueueFull(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Cooldown: time.Nanosecond}, logx.Nop())
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	s.now = func() time.Time { n++; return base.Add(time.Duration(n) * time.Second) }

	var err error
	for i := 0; i <= queueCap; i++ {
		err = s.Notify(Alert{TaskID: "x"})
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestRunDeliversThroughSinks(t *testing.T) {
	t.Parallel()

	var sounds, emails atomic.Int32
	s := New(Config{
		Enabled:  true,
		Cooldown: time.Nanosecond,
		Sound:    SoundConfig{Enabled: true},
		Email:    EmailConfig{Enabled: true},
	}, logx.Nop())
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	s.now = func() time.Time { n++; return base.Add(time.Duration(n) * time.Second) }
	s.playSound = func(ctx context.Context, cfg SoundConfig) error {
		sounds.Add(1)
		return nil
	}
	s.sendEmail = func(ctx context.Context, cfg EmailConfig, a Alert) error {
		emails.Add(1)
		return errors.New("smtp down") // sink errors must not stop the consumer
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	for i := 0; i < 3; i++ {
		if err := s.Notify(Alert{TaskID: "t"}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(2 * time.Second)
	for sounds.Load() < 3 || emails.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("sinks not drained: sounds=%d emails=%d", sounds.Load(), emails.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestEmailBodyEscapes(t *testing.T) {
	t.Parallel()

	body := emailBody(EmailConfig{From: "a@x", To: "b@y"}, Alert{
		TaskID:  "9",
		Content: "<script>alert(1)</script>",
		Reason:  "boom",
	})
	if got := string(body); !strings.Contains(got, "&lt;script&gt;") || strings.Contains(got, "<script>") {
		t.Errorf("content not escaped: %s", got)
	}
}
