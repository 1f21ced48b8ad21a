// Package alert delivers failure notifications through a bounded queue
// with a process-wide cooldown. Alerts inside the cooldown are dropped,
// not deferred; a stale failure alert is worse than none.
package alert

import (
	"context"
	"errors"
	"sync"
	"time"

	"leafbot/internal/eventbus"
	logx "leafbot/pkg/logx"
)

var ErrQueueFull = errors.New("alert: queue full")

const queueCap = 32

// Alert describes one failed task occurrence.
type Alert struct {
	Reason   string
	TaskID   string
	At       time.Time // the occurrence's scheduled time
	Sender   string
	Receiver string
	Content  string
}

type Config struct {
	Enabled  bool
	Cooldown time.Duration // default 60s
	Sound    SoundConfig
	Email    EmailConfig
}

type SoundConfig struct {
	Enabled bool
	Player  string // external player command, e.g. "paplay"
	Index   int    // which file in Dir to play
	Dir     string
}

type EmailConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// Service owns the queue and the single consumer goroutine.
type Service struct {
	mu  sync.Mutex
	cfg Config

	queue chan Alert
	log   logx.Logger
	bus   eventbus.Bus

	lastAccepted time.Time
	dropped      uint64

	now func() time.Time

	// sinks, swappable in tests
	playSound func(ctx context.Context, cfg SoundConfig) error
	sendEmail func(ctx context.Context, cfg EmailConfig, a Alert) error
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	return &Service{
		cfg:       cfg,
		queue:     make(chan Alert, queueCap),
		log:       log.With(logx.String("comp", "alert")),
		now:       time.Now,
		playSound: playSound,
		sendEmail: sendEmail,
	}
}

// AttachBus makes the service publish alert.sent and alert.dropped.
func (s *Service) AttachBus(bus eventbus.Bus) {
	s.mu.Lock()
	s.bus = bus
	s.mu.Unlock()
}

func (s *Service) publish(typ string, a Alert) {
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Data: a})
}

// Apply updates tunables live.
func (s *Service) Apply(cfg Config) {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Notify enqueues an alert. Alerts are dropped (with a warning) when the
// service is disabled, inside the cooldown window, or the queue is full.
func (s *Service) Notify(a Alert) error {
	s.mu.Lock()
	cfg := s.cfg
	now := s.now()
	inCooldown := !s.lastAccepted.IsZero() && now.Sub(s.lastAccepted) < cfg.Cooldown
	if cfg.Enabled && !inCooldown {
		s.lastAccepted = now
	}
	s.mu.Unlock()

	if !cfg.Enabled {
		return nil
	}
	if inCooldown {
		s.log.Debug("alert dropped (cooldown)", logx.String("task", a.TaskID))
		s.publish(eventbus.TypeAlertDropped, a)
		return nil
	}

	select {
	case s.queue <- a:
		return nil
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.log.Warn("alert dropped (queue full)", logx.String("task", a.TaskID))
		s.publish(eventbus.TypeAlertDropped, a)
		return ErrQueueFull
	}
}

// Run consumes the queue until ctx is done. Sink errors are logged and
// never stop the consumer.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-s.queue:
			s.deliver(ctx, a)
		}
	}
}

func (s *Service) deliver(ctx context.Context, a Alert) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	s.log.Info("alerting",
		logx.String("task", a.TaskID),
		logx.String("reason", a.Reason),
		logx.String("receiver", a.Receiver))

	if cfg.Sound.Enabled {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.playSound(sctx, cfg.Sound); err != nil {
			s.log.Error("alert sound failed", logx.Err(err))
		}
		cancel()
	}
	if cfg.Email.Enabled {
		ectx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := s.sendEmail(ectx, cfg.Email, a); err != nil {
			s.log.Error("alert email failed", logx.Err(err))
		}
		cancel()
	}
	s.publish(eventbus.TypeAlertSent, a)
}
