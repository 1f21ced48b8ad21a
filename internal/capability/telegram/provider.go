package telegram

import (
	"fmt"

	"leafbot/internal/capability"
	logx "leafbot/pkg/logx"
)

// NewFactory adapts a set of account configs into a capability.Factory
// for the Registry.
func NewFactory(accounts map[string]Config, log logx.Logger) capability.Factory {
	return func(account string) (capability.Session, error) {
		cfg, ok := accounts[account]
		if !ok {
			return nil, fmt.Errorf("%w: %q", capability.ErrUnknownAccount, account)
		}
		return Dial(cfg, log.With(logx.String("account", account)))
	}
}
