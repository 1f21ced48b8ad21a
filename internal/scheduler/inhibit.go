package scheduler

import (
	"fmt"

	"github.com/coreos/go-systemd/v22/login1"
)

// inhibitSleep takes a systemd block-mode inhibitor lock on sleep and
// idle so a pending send survives the host's power policy. The returned
// func releases the lock. Hosts without logind just error; the caller
// treats that as non-fatal.
func inhibitSleep(who, why string) (func(), error) {
	conn, err := login1.New()
	if err != nil {
		return nil, fmt.Errorf("login1 bus: %w", err)
	}
	fd, err := conn.Inhibit("sleep:idle", who, why, "block")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("inhibit: %w", err)
	}
	return func() {
		_ = fd.Close()
		conn.Close()
	}, nil
}
