package config

import (
	"reflect"
	"sort"
	"strings"

	logx "leafbot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens, passwords, api keys)
// never appear in the attrs.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if accountsDiffer(oldCfg.Accounts, newCfg.Accounts) {
		changed = append(changed, "accounts")
		attrs = append(attrs, logx.Int("accounts.count", len(newCfg.Accounts)))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.plan", newCfg.Scheduler.Plan),
			logx.Int("scheduler.retry_max", newCfg.Scheduler.RetryMax),
			logx.Bool("scheduler.prevent_sleep", newCfg.Scheduler.PreventSleep),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reply, newCfg.Reply) {
		changed = append(changed, "reply")
		attrs = append(attrs,
			logx.Bool("reply.enabled", newCfg.Reply.Enabled),
			logx.Int("reply.target_count", len(newCfg.Reply.Targets)),
			logx.Bool("reply.only_at_mention", newCfg.Reply.OnlyAtMention),
			logx.String("reply.suppress_window", newCfg.Reply.SuppressWindow),
		)
	}

	// Model (never log api_key/secret_key).
	if oldCfg.Model.Backend != newCfg.Model.Backend ||
		oldCfg.Model.BaseURL != newCfg.Model.BaseURL ||
		oldCfg.Model.Name != newCfg.Model.Name ||
		oldCfg.Model.Temperature != newCfg.Model.Temperature ||
		oldCfg.Model.Persona != newCfg.Model.Persona ||
		oldCfg.Model.Timeout != newCfg.Model.Timeout ||
		(oldCfg.Model.APIKey != "") != (newCfg.Model.APIKey != "") {
		changed = append(changed, "model")
		attrs = append(attrs,
			logx.String("model.backend", newCfg.Model.Backend),
			logx.String("model.name", newCfg.Model.Name),
			logx.Bool("model.key_set", strings.TrimSpace(newCfg.Model.APIKey) != ""),
		)
	}

	// Alerts (never log smtp password).
	oA, nA := oldCfg.Alerts, newCfg.Alerts
	oA.Email.Password, nA.Email.Password = "", ""
	if !reflect.DeepEqual(oA, nA) ||
		(oldCfg.Alerts.Email.Password != "") != (newCfg.Alerts.Email.Password != "") {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", newCfg.Alerts.Enabled),
			logx.Bool("alerts.sound", newCfg.Alerts.Sound.Enabled),
			logx.Bool("alerts.email", newCfg.Alerts.Email.Enabled),
		)
	}

	if storageDiffers(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports config sections that cannot be applied live.
func RequiresRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if accountsDiffer(oldCfg.Accounts, newCfg.Accounts) {
		out = append(out, "accounts")
	}
	if storageDiffers(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	return out
}

func accountsDiffer(oldM, newM map[string]AccountConfig) bool {
	if len(oldM) != len(newM) {
		return true
	}
	for name, o := range oldM {
		n, ok := newM[name]
		if !ok || o != n {
			return true
		}
	}
	return false
}

func storageDiffers(o, n *StorageConfig) bool {
	if (o == nil) != (n == nil) {
		return true
	}
	if o == nil {
		return false
	}
	return *o != *n
}
