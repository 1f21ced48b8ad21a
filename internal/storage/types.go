package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the send-history store.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl append)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record kinds.
const (
	KindTask  = "task"
	KindReply = "reply"
)

// Record is one delivered (or failed) send.
// Keep it compact and schema-stable.
type Record struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"` // task|reply
	Account string    `json:"account"`
	Target  string    `json:"target"`
	Content string    `json:"content"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
}
