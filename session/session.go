// Package session owns one persistent user-data stream per account: it
// obtains and renews the stream's listen key, detects disconnects, and
// reconnects with a fixed backoff. Decoded events are delivered on a
// channel consumed by that account's monitor.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"futures-fleet/account"
	"futures-fleet/binance"
)

// State of one account session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config holds the session timing knobs.
type Config struct {
	// ReconnectDelay between a disconnect (or failed connect) and the
	// single scheduled reconnect attempt. A fixed delay keeps a failing
	// credential from hot-looping.
	ReconnectDelay time.Duration `json:"reconnect_delay"`
	// RenewalInterval between listen key keep-alive calls.
	RenewalInterval time.Duration `json:"renewal_interval"`
	// HandshakeTimeout for the websocket dial.
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	// EventBuffer is the decoded event channel capacity.
	EventBuffer int `json:"event_buffer"`
}

// DefaultConfig returns the production timings: 5s reconnect, 30min
// listen key renewal.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:   5 * time.Second,
		RenewalInterval:  30 * time.Minute,
		HandshakeTimeout: 10 * time.Second,
		EventBuffer:      64,
	}
}

// Manager runs the connect/renew/reconnect loop for one account. At most
// one live connection and one renewal timer exist at any time; a reconnect
// always tears the previous session down first.
type Manager struct {
	client *binance.Client
	acct   account.Account
	config Config
	logger *zap.Logger

	events chan Event

	mu    sync.RWMutex
	state State
}

// NewManager creates a session manager for one account.
func NewManager(client *binance.Client, acct account.Account, config Config, logger *zap.Logger) *Manager {
	defaults := DefaultConfig()
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.RenewalInterval == 0 {
		config.RenewalInterval = defaults.RenewalInterval
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.EventBuffer == 0 {
		config.EventBuffer = defaults.EventBuffer
	}
	return &Manager{
		client: client,
		acct:   acct,
		config: config,
		logger: logger.Named("session").With(zap.String("account", acct.Name)),
		events: make(chan Event, config.EventBuffer),
	}
}

// Events returns the decoded event channel. It is closed when Run returns.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Run drives the session until the context is canceled. Each loop
// iteration is one complete session: token, dial, serve; any failure lands
// back in Disconnected and schedules exactly one retry after the fixed
// delay.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.events)
	defer m.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := m.runOnce(ctx); err != nil {
			m.logger.Warn("Session ended", zap.Error(err))
		}
		m.setState(StateDisconnected)

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.config.ReconnectDelay):
		}
	}
}

// runOnce performs a single connect-and-serve cycle.
func (m *Manager) runOnce(ctx context.Context) error {
	m.setState(StateConnecting)

	listenKey, err := m.client.CreateListenKey(ctx, m.acct)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: m.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, m.client.StreamEndpoint(listenKey), nil)
	if err != nil {
		return err
	}

	m.setState(StateConnected)
	m.logger.Info("Stream connected")
	m.deliver(ctx, Event{Connected: true})

	return m.serve(ctx, conn)
}

// serve reads the stream until it breaks. The renewal ticker lives and
// dies with this one connection, so a reconnect can never leave a second
// timer running.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	// Unblock the read loop on shutdown.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go m.renewLoop(ctx, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Warn("Stream read failed, reconnecting after delay",
				zap.Duration("delay", m.config.ReconnectDelay), zap.Error(err))
			return err
		}

		event, err := decodeEvent(message)
		if err != nil {
			m.logger.Debug("Dropping stream message", zap.Error(err))
			continue
		}
		m.deliver(ctx, event)
	}
}

// renewLoop keeps the listen key alive while this connection is up.
// Renewal failures are logged only; the key may still be valid until it
// naturally expires, so they never force a reconnect.
func (m *Manager) renewLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(m.config.RenewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.client.KeepAliveListenKey(ctx, m.acct); err != nil {
				m.logger.Warn("Listen key renewal failed", zap.Error(err))
				continue
			}
			m.logger.Info("Listen key renewed")
		}
	}
}

// deliver pushes an event to the consumer without wedging the read loop on
// shutdown.
func (m *Manager) deliver(ctx context.Context, event Event) {
	select {
	case m.events <- event:
	case <-ctx.Done():
	}
}
