package conn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"zerosync.dev/core/zerrors"
)

// DefaultTimeoutCheckInterval is how often the retry-window ticker
// checks whether a Connecting attempt has overstayed DisconnectTimeout.
const DefaultTimeoutCheckInterval = 1 * time.Second

// Config tunes the manager's retry window.
type Config struct {
	// DisconnectTimeout bounds how long the manager stays in Connecting
	// before auto-transitioning to Disconnected, measured from the
	// start of the current Connecting attempt (ConnectingStartedAt).
	DisconnectTimeout time.Duration
	// TimeoutCheckInterval is the ticker period polling the window.
	TimeoutCheckInterval time.Duration
	Logger               *slog.Logger
}

// Listener receives every state transition.
type Listener func(State)

// Manager owns the connection state machine. It never blocks a caller
// on network I/O; Connect/Disconnect/etc. update the state and return
// immediately, with subscribers notified synchronously.
type Manager struct {
	mu        sync.Mutex
	state     State
	listeners []Listener
	cfg       Config

	tickerCancel context.CancelFunc
}

// NewManager constructs a Manager starting in Disconnected with reason
// "initial", applying config defaults.
func NewManager(cfg Config) *Manager {
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 5 * time.Second
	}
	if cfg.TimeoutCheckInterval <= 0 {
		cfg.TimeoutCheckInterval = DefaultTimeoutCheckInterval
	}
	return &Manager{
		cfg:   cfg,
		state: State{Status: StatusDisconnected, Reason: "initial"},
	}
}

// Current returns the manager's current state.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers l and returns a function that unsubscribes it.
// l is not invoked with the current state on subscribe; callers that
// need it should call Current first.
func (m *Manager) Subscribe(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.listeners)
	m.listeners = append(m.listeners, l)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.listeners) {
			m.listeners[idx] = nil
		}
	}
}

// transition replaces the state with next and notifies subscribers,
// unless the manager is Closed, which is absorbing (P8): no transition
// out of Closed is ever observable. NeedsAuth and Error are left only
// for Connecting, NeedsAuth (a token rejected by Connect) or Closed.
func (m *Manager) transition(next State) State {
	m.mu.Lock()
	if m.state.Status == StatusClosed {
		cur := m.state
		m.mu.Unlock()
		return cur
	}
	if m.state.Status == StatusNeedsAuth || m.state.Status == StatusError {
		switch next.Status {
		case StatusConnecting, StatusNeedsAuth, StatusClosed:
		default:
			cur := m.state
			m.mu.Unlock()
			return cur
		}
	}
	m.state = next
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		if l != nil {
			l(next)
		}
	}
	return next
}

// Connecting drives the manager into Connecting, starting the
// disconnect-timeout ticker. Calling it again while already Connecting
// is a no-op that preserves ConnectingStartedAt. Calling it while
// Disconnected is also a no-op, for any reason: the host cannot request
// Connecting while disconnected, since reconnection is owned by the
// transport layer and the manager only advances itself to Connected on
// a successful socket.
func (m *Manager) Connecting() State {
	m.mu.Lock()
	switch m.state.Status {
	case StatusClosed, StatusConnecting, StatusDisconnected:
		cur := m.state
		m.mu.Unlock()
		return cur
	}
	startedAt := time.Now()
	m.mu.Unlock()

	next := m.transition(State{Status: StatusConnecting, ConnectingStartedAt: startedAt})
	m.startRetryWindow(startedAt)
	return next
}

// Connected marks the session live and clears the retry window.
func (m *Manager) Connected() State {
	m.stopRetryWindow()
	return m.transition(State{Status: StatusConnected})
}

// disconnected builds the next Disconnected state for kind, keeping the
// ConnectingStartedAt of the state it leaves.
func (m *Manager) disconnected(kind zerrors.ClientErrorKind) State {
	m.stopRetryWindow()
	m.mu.Lock()
	startedAt := m.state.ConnectingStartedAt
	m.mu.Unlock()
	return m.transition(State{Status: StatusDisconnected, Reason: string(kind), ConnectingStartedAt: startedAt})
}

// Offline reports the transport lost its socket with no further detail.
func (m *Manager) Offline() State {
	return m.disconnected(zerrors.Offline)
}

// NeedsAuth transitions to NeedsAuth; only Connect(auth) recovers from
// this state.
func (m *Manager) NeedsAuth(kind zerrors.ServerErrorKind) State {
	m.stopRetryWindow()
	return m.transition(State{Status: StatusNeedsAuth, Reason: string(kind)})
}

// Fail transitions to the terminal Error state for a fatal client- or
// server-origin error; only Connect(auth) recovers from this state.
func (m *Manager) Fail(err error) State {
	m.stopRetryWindow()
	reason := "fatal"
	if ze, ok := err.(*zerrors.ZeroError); ok {
		reason = ze.Kind()
	}
	return m.transition(State{Status: StatusError, Reason: reason, Err: err})
}

// Close transitions to the absorbing Closed state.
func (m *Manager) Close() State {
	m.stopRetryWindow()
	return m.transition(State{Status: StatusClosed, Reason: string(zerrors.ClientClosed)})
}

// Backoff records a server-imposed minimum backoff (Rebalance/Rehome/
// ServerOverloaded) without any state transition.
func (m *Manager) Backoff(minBackoff time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status == StatusClosed {
		return
	}
	m.state.MinBackoff = minBackoff
}

// Connect is the external connect({auth}) entry point: the only way out
// of NeedsAuth or Error. It is a no-op from any other state. auth may be
// empty if the caller isn't changing credentials.
func (m *Manager) Connect(ctx context.Context, validator TokenValidator, auth string) State {
	m.mu.Lock()
	recoverable := m.state.terminalRecoverable()
	m.mu.Unlock()
	if !recoverable {
		return m.Current()
	}

	if validator != nil && auth != "" {
		if err := validator.Validate(ctx, auth); err != nil {
			return m.NeedsAuth(zerrors.Unauthorized)
		}
	}
	return m.Connecting()
}

func (m *Manager) startRetryWindow(startedAt time.Time) {
	m.mu.Lock()
	if m.tickerCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.tickerCancel = cancel
	interval := m.cfg.TimeoutCheckInterval
	timeout := m.cfg.DisconnectTimeout
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.mu.Lock()
				stillConnecting := m.state.Status == StatusConnecting
				elapsed := time.Since(startedAt)
				m.mu.Unlock()
				if !stillConnecting {
					return
				}
				if elapsed >= timeout {
					m.disconnected(zerrors.DisconnectTimeout)
					return
				}
			}
		}
	}()
}

func (m *Manager) stopRetryWindow() {
	m.mu.Lock()
	cancel := m.tickerCancel
	m.tickerCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
