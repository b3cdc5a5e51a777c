// Package reconnect implements the connection-loss recovery loop: a
// background monitor that notices a dropped OPC UA session, retries with
// exponential backoff and jitter, and triggers subscription recovery once
// the connection is restored.
package reconnect

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State is the reconnection manager's current phase.
type State int32

const (
	Idle State = iota
	Monitoring
	Reconnecting
	RecoveringSubscriptions
)

func (s State) String() string {
	switch s {
	case Monitoring:
		return "MONITORING"
	case Reconnecting:
		return "RECONNECTING"
	case RecoveringSubscriptions:
		return "RECOVERING_SUBSCRIPTIONS"
	default:
		return "IDLE"
	}
}

// Connection is the subset of the OPC UA adapter the manager needs to
// observe and repair connectivity.
type Connection interface {
	IsConnected() bool
	Connect(ctx context.Context) error
}

// SubscriptionRecoverer is called once a connection has been re-established,
// to recreate every monitored item (OPC UA subscriptions do not survive a
// session loss).
type SubscriptionRecoverer interface {
	RecreateAll(ctx context.Context) error
}

// Config holds the backoff parameters (spec.md §6).
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
	PollInterval time.Duration
}

// DefaultConfig returns the documented defaults: 500ms initial delay, 2s
// cap, 5 retries per cycle before a longer cool-down, 1s connection poll.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		MaxRetries:   5,
		PollInterval: time.Second,
	}
}

// Stats is a snapshot of reconnection counters for telemetry.
type Stats struct {
	Attempts             uint64
	Successes            uint64
	Failures             uint64
	SubscriptionRecoveries uint64
	State                State
	CurrentRetryAttempt  int
}

// Manager monitors a Connection and drives it back to a healthy state after
// a drop, recreating subscriptions on recovery.
type Manager struct {
	cfg     Config
	conn    Connection
	subs    SubscriptionRecoverer
	logger  zerolog.Logger

	state        atomic.Int32
	retryAttempt atomic.Int32

	attempts   atomic.Uint64
	successes  atomic.Uint64
	failures   atomic.Uint64
	recoveries atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Manager. Start launches the monitoring loop.
func New(cfg Config, conn Connection, subs SubscriptionRecoverer, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		conn:   conn,
		subs:   subs,
		logger: logger.With().Str("component", "reconnection-manager").Logger(),
	}
}

// Start launches the background monitoring loop. It is idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state.Store(int32(Monitoring))

	go m.loop(ctx)
}

// Stop cancels the monitoring loop and waits for it to exit. The loop
// checks for cancellation at least once per PollInterval and between
// backoff sleeps, so shutdown latency stays bounded.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.state.Store(int32(Idle))
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.conn.IsConnected() {
				continue
			}
			m.reconnectLoop(ctx)
		}
	}
}

// reconnectLoop runs the exponential-backoff retry cycle until the
// connection is restored or ctx is cancelled. After MaxRetries consecutive
// failures it sleeps 2x MaxDelay before starting a fresh cycle, matching
// the original implementation's cool-down-and-retry-forever behavior.
func (m *Manager) reconnectLoop(ctx context.Context) {
	m.state.Store(int32(Reconnecting))
	defer m.state.Store(int32(Monitoring))

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.retryAttempt.Store(int32(attempt))
		m.attempts.Add(1)

		err := m.conn.Connect(ctx)
		if err == nil {
			m.successes.Add(1)
			m.retryAttempt.Store(0)
			m.recoverSubscriptions(ctx)
			return
		}
		m.failures.Add(1)
		m.logger.Warn().Int("attempt", attempt).Err(err).Msg("reconnection attempt failed")

		if attempt >= m.cfg.MaxRetries {
			m.logger.Error().Int("attempts", attempt).Msg("exhausted reconnection attempts, cooling down")
			if !sleepOrDone(ctx, 2*m.cfg.MaxDelay) {
				return
			}
			attempt = 0
			continue
		}

		if !sleepOrDone(ctx, m.backoff(attempt)) {
			return
		}
	}
}

func (m *Manager) recoverSubscriptions(ctx context.Context) {
	m.state.Store(int32(RecoveringSubscriptions))
	if m.subs == nil {
		return
	}
	if err := m.subs.RecreateAll(ctx); err != nil {
		m.logger.Error().Err(err).Msg("failed to recover subscriptions after reconnect")
		return
	}
	m.recoveries.Add(1)
	m.logger.Info().Msg("subscriptions recovered after reconnect")
}

// backoff returns the delay before the given attempt, with +/-20% jitter to
// avoid thundering-herd reconnects against the same server.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.cfg.InitialDelay * time.Duration(1<<uint(attempt-1))
	if delay > m.cfg.MaxDelay {
		delay = m.cfg.MaxDelay
	}
	jitter := time.Duration(float64(delay) * (rand.Float64()*0.4 - 0.2))
	return delay + jitter
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// TriggerReconnection forces an immediate reconnect attempt cycle, for
// operator-initiated recovery or tests. It blocks until the cycle completes
// or ctx is cancelled.
func (m *Manager) TriggerReconnection(ctx context.Context) error {
	if m.conn.IsConnected() {
		return nil
	}
	m.reconnectLoop(ctx)
	if !m.conn.IsConnected() {
		return fmt.Errorf("reconnection attempt did not restore connectivity")
	}
	return nil
}

// State returns the current reconnection phase.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Stats returns a snapshot of reconnection counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Attempts:               m.attempts.Load(),
		Successes:              m.successes.Load(),
		Failures:               m.failures.Load(),
		SubscriptionRecoveries: m.recoveries.Load(),
		State:                  m.State(),
		CurrentRetryAttempt:    int(m.retryAttempt.Load()),
	}
}

// DetailedStatus renders a human-readable status line for the health
// endpoint, mirroring ReconnectionManager::getDetailedStatus.
func (m *Manager) DetailedStatus() string {
	s := m.Stats()
	return fmt.Sprintf("state=%s attempts=%d successes=%d failures=%d retry_attempt=%d subscription_recoveries=%d",
		s.State, s.Attempts, s.Successes, s.Failures, s.CurrentRetryAttempt, s.SubscriptionRecoveries)
}
