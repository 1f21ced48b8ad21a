package app

import (
	"fmt"
	"strings"
	"time"

	"leafbot/internal/alert"
	telegram "leafbot/internal/capability/telegram"
	"leafbot/internal/config"
	"leafbot/internal/model"
	"leafbot/internal/reply"
	"leafbot/internal/scheduler"
	"leafbot/internal/storage"
	"leafbot/internal/store"
)

// The mapping helpers translate the on-disk config into component
// configs. They also re-parse duration fields, so the hot-reload
// validator can reuse them to reject a bad edit before it is applied.

func mapAccountConfigs(cfg *config.Config) (map[string]telegram.Config, error) {
	out := make(map[string]telegram.Config, len(cfg.Accounts))
	for name, acc := range cfg.Accounts {
		pollTimeout, err := config.ParseDurationOrDefault("accounts."+name+".poll_timeout", acc.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		out[name] = telegram.Config{Token: acc.Token, PollTimeout: pollTimeout}
	}
	return out, nil
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	debounce, err := config.ParseDurationOrDefault("scheduler.save_debounce", cfg.Scheduler.SaveDebounce, 2*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	plan := store.Plan(strings.TrimSpace(cfg.Scheduler.Plan))
	if plan == "" {
		plan = store.PlanFree
	}
	return store.Config{
		Path:         cfg.Scheduler.TasksPath,
		Plan:         plan,
		SaveDebounce: debounce,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	drift, err := config.ParseDurationOrDefault("scheduler.drift_threshold", cfg.Scheduler.DriftThreshold, 2*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	offset, err := config.ParseSignedDurationField("scheduler.time_offset", cfg.Scheduler.TimeOffset)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		DriftThreshold: drift,
		RetryMax:       cfg.Scheduler.RetryMax,
		HorizonDays:    cfg.Scheduler.HorizonDays,
		PreventSleep:   cfg.Scheduler.PreventSleep,
		TimeOffset:     offset,
	}, nil
}

func mapReplyConfig(cfg *config.Config) (reply.Config, error) {
	delay, err := config.ParseDurationOrDefault("reply.reply_delay", cfg.Reply.ReplyDelay, 0)
	if err != nil {
		return reply.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("reply.suppress_window", cfg.Reply.SuppressWindow, 10*time.Minute)
	if err != nil {
		return reply.Config{}, err
	}
	poll, err := config.ParseDurationOrDefault("reply.poll_interval", cfg.Reply.PollInterval, time.Second)
	if err != nil {
		return reply.Config{}, err
	}
	ratePerSec := float64(cfg.Reply.RatePerSec)
	if cfg.Reply.RatePerSec == 0 {
		ratePerSec = 1
	}
	return reply.Config{
		Enabled:        cfg.Reply.Enabled,
		Account:        cfg.Reply.Account,
		Targets:        cfg.Reply.Targets,
		RulesPath:      cfg.Reply.RulesPath,
		OnlyAtMention:  cfg.Reply.OnlyAtMention,
		MentionToken:   cfg.Reply.MentionToken,
		Persona:        cfg.Model.Persona,
		ReplyDelay:     delay,
		RatePerSec:     ratePerSec,
		SuppressWindow: window,
		PollInterval:   poll,
	}, nil
}

func mapModelConfig(cfg *config.Config) (model.Config, error) {
	timeout, err := config.ParseDurationOrDefault("model.timeout", cfg.Model.Timeout, 30*time.Second)
	if err != nil {
		return model.Config{}, err
	}
	return model.Config{
		Backend:     cfg.Model.Backend,
		BaseURL:     cfg.Model.BaseURL,
		APIKey:      cfg.Model.APIKey,
		SecretKey:   cfg.Model.SecretKey,
		Name:        cfg.Model.Name,
		Temperature: cfg.Model.Temperature,
		Timeout:     timeout,
	}, nil
}

func mapAlertConfig(cfg *config.Config) (alert.Config, error) {
	cooldown, err := config.ParseDurationOrDefault("alerts.cooldown", cfg.Alerts.Cooldown, 60*time.Second)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Enabled:  cfg.Alerts.Enabled,
		Cooldown: cooldown,
		Sound: alert.SoundConfig{
			Enabled: cfg.Alerts.Sound.Enabled,
			Player:  cfg.Alerts.Sound.Player,
			Index:   cfg.Alerts.Sound.Index,
			Dir:     cfg.Alerts.Sound.Dir,
		},
		Email: alert.EmailConfig{
			Enabled:  cfg.Alerts.Email.Enabled,
			Host:     cfg.Alerts.Email.Host,
			Port:     cfg.Alerts.Email.Port,
			Username: cfg.Alerts.Email.Username,
			Password: cfg.Alerts.Email.Password,
			From:     cfg.Alerts.Email.From,
			To:       cfg.Alerts.Email.To,
		},
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
}

// validateMappings runs every mapping for the hot-reload gate.
func validateMappings(cfg *config.Config) error {
	if _, err := mapAccountConfigs(cfg); err != nil {
		return err
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReplyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapModelConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAlertConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
