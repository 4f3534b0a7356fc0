// Package livechannel owns the single live connection per subscribed
// session. It reconnects exactly once per unexpected close, after a fixed
// delay, and exposes a connected flag the polling fallback keys off.
package livechannel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kapu/chess-livesync/internal/api"
	"github.com/kapu/chess-livesync/internal/obslog"
	"github.com/kapu/chess-livesync/pkg/syncdto"
)

// Conn is one open live channel.
type Conn interface {
	Read(ctx context.Context) (*syncdto.Event, error)
	Send(ctx context.Context, v any) error
	Close() error
}

// Dialer opens a Conn scoped to a session and mode.
type Dialer interface {
	Dial(ctx context.Context, sessionID, mode string) (Conn, error)
}

// DialerFunc adapts a func into a Dialer.
type DialerFunc func(ctx context.Context, sessionID, mode string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, sessionID, mode string) (Conn, error) {
	return f(ctx, sessionID, mode)
}

// Manager maintains the channel for the active subscription. Connection
// errors never propagate: they flip the connected flag off, which activates
// the polling fallback.
type Manager struct {
	dialer Dialer
	clock  clockwork.Clock
	delay  time.Duration

	onEvent func(*syncdto.Event)
	onConn  func(bool)

	mu               sync.Mutex
	sessionID        string
	mode             string
	conn             Conn
	connected        bool
	reconnectPending bool
	reconnectTimer   clockwork.Timer
	gen              int // subscription generation; stale goroutines check it
}

func NewManager(dialer Dialer, clock clockwork.Clock, delay time.Duration, onEvent func(*syncdto.Event), onConn func(bool)) *Manager {
	return &Manager{
		dialer:  dialer,
		clock:   clock,
		delay:   delay,
		onEvent: onEvent,
		onConn:  onConn,
	}
}

// Subscribe switches the manager to a new session, tearing down any previous
// connection and pending reconnect first. The initial dial happens
// asynchronously; a dial failure behaves like an unexpected close.
func (m *Manager) Subscribe(sessionID, mode string) {
	m.mu.Lock()
	changed := m.teardownLocked()
	m.gen++
	m.sessionID = sessionID
	m.mode = mode
	gen := m.gen
	m.mu.Unlock()

	m.notifyConn(changed, false)
	go m.dial(gen)
}

// Unsubscribe closes the connection and cancels any pending reconnect, with
// no reconnect side effects.
func (m *Manager) Unsubscribe() {
	m.mu.Lock()
	changed := m.teardownLocked()
	m.gen++
	m.sessionID = ""
	m.mode = ""
	m.mu.Unlock()

	m.notifyConn(changed, false)
}

// teardownLocked reports whether the connected flag flipped.
func (m *Manager) teardownLocked() bool {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectPending = false
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	changed := m.connected
	m.connected = false
	return changed
}

// Connected reports whether the live channel is currently up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SendChat writes an outbound chat frame; it fails fast while disconnected.
func (m *Manager) SendChat(ctx context.Context, message, room string) error {
	m.mu.Lock()
	conn := m.conn
	ok := m.connected
	m.mu.Unlock()
	if !ok || conn == nil {
		return errors.New("live channel not connected")
	}
	return conn.Send(ctx, syncdto.ChatSend{Type: "chat", Message: message, Room: room})
}

func (m *Manager) dial(gen int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	sessionID, mode := m.sessionID, m.mode
	m.mu.Unlock()

	conn, err := m.dialer.Dial(context.Background(), sessionID, mode)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		obslog.L().Warn("live_dial_failed", zap.String("session_id", sessionID), zap.Error(err))
		m.scheduleReconnect(gen)
		return
	}
	m.conn = conn
	m.connected = true
	m.mu.Unlock()

	obslog.L().Info("live_connected", zap.String("session_id", sessionID))
	m.notifyConn(true, true)
	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen int, conn Conn) {
	for {
		ev, err := conn.Read(context.Background())
		if err != nil {
			if errors.Is(err, api.ErrMalformedFrame) {
				// Dropped silently; never surfaced to the user.
				obslog.L().Debug("live_frame_drop", zap.Error(err))
				continue
			}
			m.mu.Lock()
			stale := gen != m.gen
			changed := false
			if !stale {
				m.conn = nil
				changed = m.connected
				m.connected = false
			}
			m.mu.Unlock()
			if stale {
				return
			}
			obslog.L().Info("live_disconnected", zap.Error(err))
			m.notifyConn(changed, false)
			m.scheduleReconnect(gen)
			return
		}
		m.mu.Lock()
		stale := gen != m.gen
		m.mu.Unlock()
		if stale {
			return
		}
		m.onEvent(ev)
	}
}

// scheduleReconnect arms exactly one reconnect per disconnect. A second close
// while an attempt is pending is absorbed.
func (m *Manager) scheduleReconnect(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.reconnectPending {
		return
	}
	m.reconnectPending = true
	m.reconnectTimer = m.clock.AfterFunc(m.delay, func() {
		m.mu.Lock()
		m.reconnectPending = false
		m.reconnectTimer = nil
		stale := gen != m.gen
		m.mu.Unlock()
		if stale {
			return
		}
		m.dial(gen)
	})
}

func (m *Manager) notifyConn(changed, v bool) {
	if changed && m.onConn != nil {
		m.onConn(v)
	}
}
