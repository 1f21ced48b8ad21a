package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
accounts:
  main:
    token: "123:abc"
    poll_timeout: 10s
scheduler:
  enabled: true
  tasks_path: ./data/tasks.json
  plan: Base
  drift_threshold: 2s
  retry_max: 3
reply:
  enabled: true
  account: main
  targets: ["alice", "ops room"]
  rules_path: ./data/rules.json
  suppress_window: 10m
model:
  backend: disabled
alerts:
  enabled: true
  cooldown: 60s
logging:
  level: INFO
  console: true
`

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if cfg.Accounts["main"].Token != "123:abc" {
		t.Errorf("token = %q", cfg.Accounts["main"].Token)
	}
	if cfg.Scheduler.Plan != "Base" || cfg.Scheduler.RetryMax != 3 {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if len(cfg.Reply.Targets) != 2 {
		t.Errorf("targets = %v", cfg.Reply.Targets)
	}
	if m.Get() != cfg {
		t.Error("Get should return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.yaml", sampleYAML+"\nmystery: true\n"))
	if _, err := m.Parse(); err == nil {
		t.Error("expected unknown field error")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) {
			c.Accounts["main"] = AccountConfig{}
		}, "token"},
		{"bad plan", func(c *Config) {
			c.Scheduler.Plan = "Gold"
		}, "plan"},
		{"scheduler without path", func(c *Config) {
			c.Scheduler.TasksPath = ""
		}, "tasks_path"},
		{"reply unknown account", func(c *Config) {
			c.Reply.Account = "ghost"
		}, "reply.account"},
		{"reply no targets", func(c *Config) {
			c.Reply.Targets = nil
		}, "targets"},
		{"mention token required", func(c *Config) {
			c.Reply.OnlyAtMention = true
		}, "mention_token"},
		{"bad duration", func(c *Config) {
			c.Reply.SuppressWindow = "ten minutes"
		}, "suppress_window"},
		{"bad backend", func(c *Config) {
			c.Model.Backend = "llama"
		}, "backend"},
		{"email needs host", func(c *Config) {
			c.Alerts.Email = EmailConfig{Enabled: true}
		}, "email"},
		{"bad storage driver", func(c *Config) {
			c.Storage = &StorageConfig{Driver: "redis", Path: "x"}
		}, "driver"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
			cfg, err := m.Load()
			if err != nil {
				t.Fatal(err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	oldCfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}

	newCfg := *oldCfg
	newCfg.Logging.Level = "DEBUG"
	newCfg.Reply.SuppressWindow = "5m"

	changed, _ := SummarizeChange(oldCfg, &newCfg)
	if len(changed) != 2 || changed[0] != "logging" || changed[1] != "reply" {
		t.Errorf("changed = %v, want [logging reply]", changed)
	}

	if got := RequiresRestart(oldCfg, &newCfg); len(got) != 0 {
		t.Errorf("restart sections = %v, want none", got)
	}

	newCfg.Accounts = map[string]AccountConfig{"main": {Token: "other"}}
	if got := RequiresRestart(oldCfg, &newCfg); len(got) != 1 || got[0] != "accounts" {
		t.Errorf("restart sections = %v, want [accounts]", got)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", 5)
	if err != nil || d != 5 {
		t.Errorf("default = %v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Error("negative durations must be rejected")
	}
	d, err = ParseSignedDurationField("x", "-1s")
	if err != nil || d != -time.Second {
		t.Errorf("signed = %v err=%v, want -1s", d, err)
	}
}
