// Package model provides the language-model fallback used by the reply
// engine when no rule matches.
package model

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "leafbot/pkg/logx"
)

// ErrDisabled means no backend is configured; callers skip the fallback.
var ErrDisabled = errors.New("model: backend disabled")

// Client produces a reply for one user message.
type Client interface {
	Complete(ctx context.Context, persona, userText string) (string, error)
}

type Config struct {
	Backend     string // openai|ernie|disabled
	BaseURL     string
	APIKey      string
	SecretKey   string // ernie only
	Name        string
	Temperature float64
	Timeout     time.Duration
}

// New selects a backend. Missing credentials degrade to the disabled
// client with a warning rather than failing startup.
func New(cfg Config, log logx.Logger) Client {
	log = log.With(logx.String("comp", "model"))
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	switch strings.TrimSpace(cfg.Backend) {
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			log.Warn("model.api_key missing; model fallback disabled")
			return disabled{}
		}
		return newOpenAI(cfg, log)
	case "ernie":
		if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
			log.Warn("model.api_key/secret_key missing; model fallback disabled")
			return disabled{}
		}
		return newErnie(cfg, log)
	case "", "disabled":
		return disabled{}
	default:
		log.Warn("unknown model backend; model fallback disabled", logx.String("backend", cfg.Backend))
		return disabled{}
	}
}

type disabled struct{}

func (disabled) Complete(ctx context.Context, persona, userText string) (string, error) {
	return "", ErrDisabled
}
