package capability

import (
	"fmt"
	"sync"

	logx "leafbot/pkg/logx"
)

// Factory dials the platform and returns a live session for one account.
type Factory func(account string) (Session, error)

// Closer is implemented by sessions that hold network resources.
type Closer interface {
	Close() error
}

// Registry is the default Provider. It lazily dials accounts through their
// factories and coalesces concurrent Refresh calls per account.
type Registry struct {
	mu       sync.Mutex
	accounts map[string]*slot
	log      logx.Logger
}

type slot struct {
	factory Factory

	session  Session
	inflight chan struct{} // non-nil while a refresh is running
}

func NewRegistry(log logx.Logger) *Registry {
	return &Registry{
		accounts: map[string]*slot{},
		log:      log.With(logx.String("comp", "capability")),
	}
}

// Register adds an account. Re-registering replaces the factory and drops
// any cached session.
func (r *Registry) Register(account string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old := r.accounts[account]; old != nil && old.session != nil {
		closeSession(old.session)
	}
	r.accounts[account] = &slot{factory: f}
}

// Accounts lists registered account names.
func (r *Registry) Accounts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.accounts))
	for name := range r.accounts {
		names = append(names, name)
	}
	return names
}

func (r *Registry) Acquire(account string) (Session, error) {
	r.mu.Lock()
	sl, ok := r.accounts[account]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}
	if sl.session != nil {
		s := sl.session
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	// No session yet; dialing is just a refresh from nothing.
	if err := r.Refresh(account); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok = r.accounts[account]
	if !ok || sl.session == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnavailable, account)
	}
	return sl.session, nil
}

// Refresh re-dials the account. Concurrent callers share one attempt.
func (r *Registry) Refresh(account string) error {
	r.mu.Lock()
	sl, ok := r.accounts[account]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}

	if sl.inflight != nil {
		// Another goroutine is already reconnecting; wait for it.
		done := sl.inflight
		r.mu.Unlock()
		<-done
		r.mu.Lock()
		defer r.mu.Unlock()
		if sl.session == nil {
			return fmt.Errorf("%w: %q", ErrUnavailable, account)
		}
		return nil
	}

	done := make(chan struct{})
	sl.inflight = done
	old := sl.session
	sl.session = nil
	factory := sl.factory
	r.mu.Unlock()

	if old != nil {
		closeSession(old)
	}

	sess, err := factory(account)

	r.mu.Lock()
	sl.inflight = nil
	close(done)
	if err != nil {
		r.mu.Unlock()
		r.log.Warn("account reconnect failed", logx.String("account", account), logx.Err(err))
		return fmt.Errorf("%w: %q: %v", ErrUnavailable, account, err)
	}
	sl.session = sess
	r.mu.Unlock()
	r.log.Info("account connected", logx.String("account", account))
	return nil
}

// Close tears down every cached session.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sl := range r.accounts {
		if sl.session != nil {
			closeSession(sl.session)
			sl.session = nil
		}
	}
}

func closeSession(s Session) {
	if c, ok := s.(Closer); ok {
		_ = c.Close()
	}
}
