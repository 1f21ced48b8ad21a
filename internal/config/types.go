package config

import (
	"fmt"
	"strings"

	"leafbot/pkg/logx"
)

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	// Accounts maps a sender name to platform credentials. Task senders
	// and reply.account must reference keys of this map.
	Accounts map[string]AccountConfig `json:"accounts"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Reply     ReplyConfig     `json:"reply"`
	Model     ModelConfig     `json:"model"`
	Alerts    AlertsConfig    `json:"alerts"`

	// Storage is the optional send-history store. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	Logging LoggingConfig `json:"logging"`
}

type AccountConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"` // default "10s"
}

// SchedulerConfig controls the scheduled-send engine.
type SchedulerConfig struct {
	Enabled   bool   `json:"enabled"`
	TasksPath string `json:"tasks_path"`

	// Plan caps how many tasks may be held (Free|Base|AiVIP|VIP).
	Plan string `json:"plan,omitempty"`

	// DriftThreshold is the wall-vs-monotonic deviation that forces a
	// wait resync. Default "2s".
	DriftThreshold string `json:"drift_threshold,omitempty"`

	// RetryMax is the attempt budget per occurrence. Default 3.
	RetryMax int `json:"retry_max,omitempty"`

	// SaveDebounce is the persistence coalescing window. Default "2s".
	SaveDebounce string `json:"save_debounce,omitempty"`

	// HorizonDays bounds the weekday recurrence scan. Default 30.
	HorizonDays int `json:"horizon_days,omitempty"`

	// PreventSleep takes a systemd sleep inhibitor while tasks are pending.
	PreventSleep bool `json:"prevent_sleep,omitempty"`

	// TimeOffset corrects a host clock known to run fast or slow. May be
	// negative. Applied at startup, not on hot reload. Default "0s".
	TimeOffset string `json:"time_offset,omitempty"`

	// ImportRollForward moves elapsed recurring rows to their next
	// occurrence on import instead of dropping them.
	ImportRollForward bool `json:"import_roll_forward,omitempty"`
}

// ReplyConfig controls the auto-reply engine.
type ReplyConfig struct {
	Enabled bool   `json:"enabled"`
	Account string `json:"account,omitempty"`

	// Targets are conversation display names to watch.
	Targets []string `json:"targets,omitempty"`

	RulesPath string `json:"rules_path,omitempty"`

	// OnlyAtMention ignores group messages that don't mention the bot.
	OnlyAtMention bool   `json:"only_at_mention,omitempty"`
	MentionToken  string `json:"mention_token,omitempty"`

	ReplyDelay     string `json:"reply_delay,omitempty"`     // default "0s"
	RatePerSec     int    `json:"rate_per_sec,omitempty"`    // default 1
	SuppressWindow string `json:"suppress_window,omitempty"` // default "10m"
	PollInterval   string `json:"poll_interval,omitempty"`   // default "1s"
}

// ModelConfig selects the language-model backend for fallback replies.
type ModelConfig struct {
	Backend     string  `json:"backend,omitempty"` // openai|ernie|disabled
	BaseURL     string  `json:"base_url,omitempty"`
	APIKey      string  `json:"api_key,omitempty"`
	SecretKey   string  `json:"secret_key,omitempty"` // ernie only
	Name        string  `json:"name,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Persona     string  `json:"persona,omitempty"`
	Timeout     string  `json:"timeout,omitempty"` // default "30s"
}

// AlertsConfig controls failure alerting.
type AlertsConfig struct {
	Enabled  bool        `json:"enabled"`
	Cooldown string      `json:"cooldown,omitempty"` // default "60s"
	Sound    SoundConfig `json:"sound,omitempty"`
	Email    EmailConfig `json:"email,omitempty"`
}

type SoundConfig struct {
	Enabled bool   `json:"enabled"`
	Player  string `json:"player,omitempty"` // external player command
	Index   int    `json:"index,omitempty"`  // which file in Dir to play
	Dir     string `json:"dir,omitempty"`
}

type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
}

// StorageConfig controls the optional send-history store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/leafbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// ToLogx maps the logging section onto the logging service config.
func (l LoggingConfig) ToLogx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

// Validate checks cross-field consistency. It is used both at startup
// and as the transactional gate for hot reloads.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	for name, acc := range c.Accounts {
		if strings.TrimSpace(acc.Token) == "" {
			return fmt.Errorf("accounts.%s: token is required", name)
		}
		if _, err := ParseDurationField("accounts."+name+".poll_timeout", acc.PollTimeout); err != nil {
			return err
		}
	}

	if c.Scheduler.Enabled {
		if strings.TrimSpace(c.Scheduler.TasksPath) == "" {
			return fmt.Errorf("scheduler.tasks_path is required when scheduler is enabled")
		}
		switch strings.TrimSpace(c.Scheduler.Plan) {
		case "", "Free", "Base", "AiVIP", "VIP":
		default:
			return fmt.Errorf("scheduler.plan %q is not one of Free|Base|AiVIP|VIP", c.Scheduler.Plan)
		}
		if c.Scheduler.RetryMax < 0 {
			return fmt.Errorf("scheduler.retry_max must be >= 0")
		}
		if c.Scheduler.HorizonDays < 0 {
			return fmt.Errorf("scheduler.horizon_days must be >= 0")
		}
		for _, f := range []struct{ path, raw string }{
			{"scheduler.drift_threshold", c.Scheduler.DriftThreshold},
			{"scheduler.save_debounce", c.Scheduler.SaveDebounce},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		if _, err := ParseSignedDurationField("scheduler.time_offset", c.Scheduler.TimeOffset); err != nil {
			return err
		}
	}

	if c.Reply.Enabled {
		acc := strings.TrimSpace(c.Reply.Account)
		if acc == "" {
			return fmt.Errorf("reply.account is required when reply is enabled")
		}
		if _, ok := c.Accounts[acc]; !ok {
			return fmt.Errorf("reply.account %q is not defined under accounts", acc)
		}
		if len(c.Reply.Targets) == 0 {
			return fmt.Errorf("reply.targets must name at least one conversation")
		}
		if c.Reply.OnlyAtMention && strings.TrimSpace(c.Reply.MentionToken) == "" {
			return fmt.Errorf("reply.mention_token is required with only_at_mention")
		}
		for _, f := range []struct{ path, raw string }{
			{"reply.reply_delay", c.Reply.ReplyDelay},
			{"reply.suppress_window", c.Reply.SuppressWindow},
			{"reply.poll_interval", c.Reply.PollInterval},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}

	switch strings.TrimSpace(c.Model.Backend) {
	case "", "disabled", "openai", "ernie":
	default:
		return fmt.Errorf("model.backend %q is not one of openai|ernie|disabled", c.Model.Backend)
	}
	if _, err := ParseDurationField("model.timeout", c.Model.Timeout); err != nil {
		return err
	}

	if c.Alerts.Enabled {
		if _, err := ParseDurationField("alerts.cooldown", c.Alerts.Cooldown); err != nil {
			return err
		}
		if c.Alerts.Email.Enabled {
			if c.Alerts.Email.Host == "" || c.Alerts.Email.From == "" || c.Alerts.Email.To == "" {
				return fmt.Errorf("alerts.email needs host, from and to when enabled")
			}
		}
	}

	if c.Storage != nil {
		switch strings.TrimSpace(c.Storage.Driver) {
		case "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver %q is not one of file|sqlite", c.Storage.Driver)
		}
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required")
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	return nil
}
