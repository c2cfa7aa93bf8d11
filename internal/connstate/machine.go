package connstate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/capitalrow/MinaProd-sub000/internal/config"
)

// State describes the transport connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Observer receives every state transition.
type Observer func(State)

// Machine owns the connection state and the reconnect schedule. All
// mutation goes through its methods; the mutex keeps capture-side and
// network-side callers from racing on the state.
type Machine struct {
	mu        sync.Mutex
	state     State
	attempts  int
	maxRetry  int
	backoff   *backoff.ExponentialBackOff
	observers []Observer
	log       *slog.Logger
}

func New(cfg config.TransportConfig, log *slog.Logger) *Machine {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(cfg.ReconnectBaseMS) * time.Millisecond
	bo.MaxInterval = time.Duration(cfg.ReconnectCapMS) * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	return &Machine{
		state:    Disconnected,
		maxRetry: cfg.MaxReconnectAttempts,
		backoff:  bo,
		log:      log,
	}
}

// Subscribe registers an observer. Observers are invoked outside the
// machine's lock, in registration order, on every transition.
func (m *Machine) Subscribe(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State returns the current connection state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BeginConnect marks the start of a connection attempt.
func (m *Machine) BeginConnect() {
	m.transition(Connecting)
}

// MarkConnected records a successful handshake acknowledgment and
// resets the retry budget.
func (m *Machine) MarkConnected() {
	m.mu.Lock()
	m.attempts = 0
	m.backoff.Reset()
	m.mu.Unlock()
	m.transition(Connected)
}

// MarkDegraded records an unexpected close or send failure while the
// stream still has work queued.
func (m *Machine) MarkDegraded() {
	m.transition(Degraded)
}

// MarkFailed records retry-budget exhaustion. Failed is terminal for
// the persistent channel only; the caller downgrades to upload mode
// rather than ending the session.
func (m *Machine) MarkFailed() {
	m.transition(Failed)
}

// MarkDisconnected records an explicit close from any state.
func (m *Machine) MarkDisconnected() {
	m.mu.Lock()
	m.attempts = 0
	m.backoff.Reset()
	m.mu.Unlock()
	m.transition(Disconnected)
}

// NextReconnectDelay returns the delay before the next reconnect
// attempt, or false when the attempt budget is exhausted. The schedule
// is min(cap, base*2^(attempt-1)) for attempts 1..max.
func (m *Machine) NextReconnectDelay() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts >= m.maxRetry {
		return 0, false
	}
	m.attempts++
	return m.backoff.NextBackOff(), true
}

// Attempts reports how many reconnect delays have been handed out since
// the last successful connect.
func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Machine) transition(next State) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = next
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	m.log.Info("connection state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
	for _, fn := range observers {
		fn(next)
	}
}
