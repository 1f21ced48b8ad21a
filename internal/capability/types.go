// Package capability abstracts the messaging platform the engines drive.
//
// A Provider owns the lifetime of platform connections per account name.
// Workers never cache Sessions across failures; they re-Acquire after
// calling Refresh.
package capability

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable means the account has no usable session right now.
	// Callers should treat it as transient: Refresh, then re-Acquire.
	ErrUnavailable = errors.New("capability: session unavailable")

	// ErrUnknownAccount means the account name is not configured at all.
	ErrUnknownAccount = errors.New("capability: unknown account")

	// ErrUnknownTarget means the conversation name could not be resolved.
	ErrUnknownTarget = errors.New("capability: unknown target")
)

// Message is one inbound message drained from a watched conversation.
type Message struct {
	Conversation string // display name of the chat the message arrived in
	Sender       string // display name of the author
	Text         string
	At           time.Time
	Group        bool // arrived in a group chat
	FromSelf     bool // sent by the bot account itself
	System       bool // service/system notice, never a reply candidate
}

// Session is an established connection for one account.
//
// Send methods return ErrUnavailable (possibly wrapped) when the underlying
// connection is gone; any other error is a terminal send failure.
type Session interface {
	SendText(ctx context.Context, target, text string) error
	// SendMentionAll sends text addressed to everyone in a group target.
	SendMentionAll(ctx context.Context, target, text string) error
	SendFile(ctx context.Context, target, path string) error
	SendReaction(ctx context.Context, target string, reactionID int) error

	// Watch registers a conversation so its messages show up in
	// ListNewMessages. Watch is idempotent per target.
	Watch(target string) error
	Unwatch(target string)

	// IsGroup reports whether the target is a group conversation. Returns
	// ErrUnknownTarget while the target is still unresolved.
	IsGroup(target string) (bool, error)

	// ListNewMessages drains messages received on watched conversations
	// since the previous call.
	ListNewMessages() []Message
}

// Provider hands out sessions by account name.
type Provider interface {
	// Acquire returns a ready session for the account, or ErrUnavailable /
	// ErrUnknownAccount.
	Acquire(account string) (Session, error)

	// Refresh tears down and re-establishes the account's connection.
	// It is idempotent: concurrent calls coalesce into one reconnect.
	Refresh(account string) error
}
