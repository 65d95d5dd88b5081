// Package connection owns the single client session to the telemetry
// server: connect and disconnect, reconnect with exponential backoff,
// heartbeat pings and buffering of commands while offline. Decoded events
// and state transitions are published on the event bus.
package connection

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
	"github.com/LeonardoBeccarini/sensordash/pkg/clock"
	"github.com/LeonardoBeccarini/sensordash/pkg/eventbus"
	"github.com/LeonardoBeccarini/sensordash/pkg/ringbuffer"
	"github.com/LeonardoBeccarini/sensordash/pkg/transport"
	"github.com/LeonardoBeccarini/sensordash/pkg/wire"
)

// SendResult tells the caller what happened to a command.
type SendResult int

const (
	Sent SendResult = iota + 1
	Buffered
	Dropped
)

func (r SendResult) String() string {
	switch r {
	case Sent:
		return "sent"
	case Buffered:
		return "buffered"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Manager owns one logical connection and its reconnect policy.
type Manager struct {
	cfg     Config
	clock   clock.Clock
	log     *slog.Logger
	dialer  transport.Dialer
	bus     *eventbus.Bus[messages.Notification]
	metrics *collectors

	mu                sync.Mutex
	state             messages.ConnectionState
	closed            bool
	attemptID         uint64
	session           transport.Session
	reconnectAttempts int
	bo                *backoff.ExponentialBackOff
	reconnectTimer    clock.Timer
	reconnectSeq      uint64
	reconnectDelay    time.Duration
	heartbeatTimer    clock.Timer
	heartbeatSeq      uint64
	outbound          *ringbuffer.Ring[messages.Command]
	inbound           *ringbuffer.Ring[messages.Inbound]
	stats             Metrics
	lastErr           error
}

// New validates cfg and returns a disconnected Manager.
func New(cfg Config, deps Deps) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	deps = deps.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Duration(math.MaxInt64)
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Manager{
		cfg:      cfg,
		clock:    deps.Clock,
		log:      deps.Logger.With("component", "connection"),
		dialer:   deps.Dialer,
		bus:      deps.Bus,
		metrics:  newCollectors(deps.Registerer),
		state:    messages.StateDisconnected,
		bo:       bo,
		outbound: ringbuffer.New[messages.Command](cfg.OutboundBuffer),
		inbound:  ringbuffer.New[messages.Inbound](cfg.InboundBuffer),
	}, nil
}

// Bus returns the bus the manager publishes on.
func (m *Manager) Bus() *eventbus.Bus[messages.Notification] { return m.bus }

// Connect opens a new session unless one is already opening or open. It
// returns immediately; the outcome shows up as a state transition. A call
// made after the reconnect attempts ran out starts a fresh cycle.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
		m.resetReconnectLocked()
	}
	m.connectLocked()
}

func (m *Manager) connectLocked() {
	if m.state == messages.StateConnecting || m.state == messages.StateConnected {
		return
	}
	m.stopReconnectLocked()

	m.attemptID++
	id := m.attemptID
	m.stats.Attempts++
	m.metrics.attempts.Inc()
	m.setStateLocked(messages.StateConnecting)
	m.log.Info("connecting", "url", m.cfg.URL, "attempt_id", id, "reconnect_attempts", m.reconnectAttempts)

	sess, err := m.dialer.Dial(m.cfg.URL, &attemptHandler{m: m, id: id})
	if err != nil {
		m.failLocked(&TransportConstructionError{URL: m.cfg.URL, Err: err}, "construct")
		return
	}
	m.session = sess
}

// Disconnect closes the session with normal closure and cancels pending
// timers. It never triggers a reconnect and is safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	m.stopReconnectLocked()
	m.stopHeartbeatLocked()
	m.resetReconnectLocked()
	if sess := m.session; sess != nil {
		m.session = nil
		if err := sess.Close(transport.CloseNormal, "client disconnect"); err != nil {
			m.log.Debug("close session", "err", err)
		}
	}
	if m.state != messages.StateDisconnected {
		m.log.Info("disconnected by client", "attempt_id", m.attemptID)
		m.setStateLocked(messages.StateDisconnected)
	}
}

// Close disconnects and makes every later call a no-op.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.disconnectLocked()
	m.closed = true
}

// SendCommand transmits cmd when connected and buffers it otherwise.
// It never blocks on the connection.
func (m *Manager) SendCommand(cmd messages.Command) SendResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || cmd == nil {
		return Dropped
	}
	if m.state == messages.StateConnected && m.session != nil {
		err := m.transmitLocked(cmd)
		switch {
		case err == nil:
			return Sent
		case errors.Is(err, errUnencodable):
			return Dropped
		}
	}
	m.bufferLocked(cmd)
	return Buffered
}

var errUnencodable = errors.New("connection: command cannot be encoded")

func (m *Manager) transmitLocked(cmd messages.Command) error {
	data, err := wire.Encode(cmd)
	if err != nil {
		m.recordErrorLocked(err, "encode")
		m.log.Error("encode command", "kind", cmd.Kind(), "err", err)
		return errUnencodable
	}
	if err := m.session.Send(data); err != nil {
		m.recordErrorLocked(err, "send")
		m.log.Warn("send command", "kind", cmd.Kind(), "err", err)
		return err
	}
	m.stats.MessagesSent++
	m.metrics.sent.Inc()
	return nil
}

func (m *Manager) bufferLocked(cmd messages.Command) {
	if evicted, ok := m.outbound.Push(cmd); ok {
		m.stats.BufferEvictions++
		m.metrics.evictions.Inc()
		m.log.Warn("outbound buffer full", "evicted", evicted.Kind(), "err", ErrBufferOverflow)
	}
	m.metrics.outbound.Set(float64(m.outbound.Len()))
}

// flushLocked sends buffered commands oldest first. On a write failure
// the unsent tail stays buffered in order.
func (m *Manager) flushLocked() {
	pending := m.outbound.Drain()
	for i, cmd := range pending {
		if err := m.transmitLocked(cmd); err != nil && !errors.Is(err, errUnencodable) {
			for _, rest := range pending[i:] {
				m.outbound.Push(rest)
			}
			break
		}
	}
	m.metrics.outbound.Set(float64(m.outbound.Len()))
	if len(pending) > 0 {
		m.log.Info("flushed outbound buffer", "buffered", len(pending), "remaining", m.outbound.Len())
	}
}

// attemptHandler binds transport callbacks to the attempt that opened the
// session, so late callbacks from an old session are ignored.
type attemptHandler struct {
	m  *Manager
	id uint64
}

func (h *attemptHandler) OnOpen()                         { h.m.handleOpen(h.id) }
func (h *attemptHandler) OnMessage(data []byte)           { h.m.handleMessage(h.id, data) }
func (h *attemptHandler) OnError(err error)               { h.m.handleError(h.id, err) }
func (h *attemptHandler) OnClose(code int, reason string) { h.m.handleClose(h.id, code, reason) }

func (m *Manager) currentLocked(id uint64) bool {
	return !m.closed && m.session != nil && id == m.attemptID
}

func (m *Manager) handleOpen(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(id) || m.state != messages.StateConnecting {
		m.log.Debug("stale open ignored", "attempt_id", id)
		return
	}
	now := m.clock.Now()
	m.resetReconnectLocked()
	m.stats.SuccessfulConnects++
	m.stats.LastConnected = now
	m.metrics.connects.Inc()
	m.metrics.lastConnect.Set(float64(now.Unix()))
	m.setStateLocked(messages.StateConnected)
	m.log.Info("connected", "url", m.cfg.URL, "attempt_id", id)

	m.startHeartbeatLocked()
	m.flushLocked()
}

func (m *Manager) handleMessage(id uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(id) {
		return
	}
	evt, err := wire.Decode(data)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownType) {
			m.stats.UnknownMessages++
			m.log.Debug("unknown message ignored", "err", err)
			return
		}
		m.stats.DecodeErrors++
		m.recordErrorLocked(err, "decode")
		m.log.Warn("malformed message dropped", "attempt_id", id, "err", err)
		return
	}

	now := m.clock.Now()
	in := messages.Inbound{AttemptID: id, Received: now, Event: evt}
	m.stats.MessagesReceived++
	m.metrics.received.Inc()
	if evt.Kind() == messages.KindPong {
		m.stats.LastPong = now
	}
	m.inbound.Push(in)
	if !m.bus.Publish(in) {
		m.log.Debug("bus closed, event not published", "kind", evt.Kind())
	}
}

func (m *Manager) handleClose(id uint64, code int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(id) {
		m.log.Debug("stale close ignored", "attempt_id", id, "code", code)
		return
	}
	m.session = nil
	m.stopHeartbeatLocked()
	m.setStateLocked(messages.StateDisconnected)
	if code == transport.CloseNormal {
		m.log.Info("session closed normally", "attempt_id", id)
		return
	}
	m.lastErr = &TransportCloseError{Code: code, Reason: reason}
	m.stats.LastError = m.lastErr.Error()
	m.log.Warn("session closed", "attempt_id", id, "code", code, "reason", reason)
	m.scheduleReconnectLocked()
}

func (m *Manager) handleError(id uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(id) {
		m.log.Debug("stale error ignored", "attempt_id", id, "err", err)
		return
	}
	m.session = nil
	m.failLocked(err, "transport")
}

// failLocked moves to Faulted, counts the error and applies the reconnect
// policy.
func (m *Manager) failLocked(err error, kind string) {
	m.stopHeartbeatLocked()
	m.recordErrorLocked(err, kind)
	m.setStateLocked(messages.StateFaulted)
	m.log.Error("connection failed", "attempt_id", m.attemptID, "err", err)
	m.scheduleReconnectLocked()
}

func (m *Manager) recordErrorLocked(err error, kind string) {
	m.stats.Errors++
	m.lastErr = err
	m.stats.LastError = err.Error()
	m.metrics.error(kind)
}

func (m *Manager) scheduleReconnectLocked() {
	if m.closed || m.reconnectTimer != nil {
		return
	}
	if m.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
		m.log.Warn("reconnect attempts exhausted", "max", m.cfg.MaxReconnectAttempts)
		m.setStateLocked(messages.StateDisconnected)
		return
	}
	m.reconnectAttempts++
	m.metrics.reconnectAttempts.Set(float64(m.reconnectAttempts))
	delay := m.bo.NextBackOff()
	m.reconnectDelay = delay
	m.stats.ReconnectsScheduled++
	m.metrics.reconnects.Inc()

	m.reconnectSeq++
	seq := m.reconnectSeq
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnectFired(seq) })
	m.log.Info("reconnect scheduled", "attempt", m.reconnectAttempts, "max", m.cfg.MaxReconnectAttempts, "delay", delay)
}

func (m *Manager) reconnectFired(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.reconnectTimer == nil || seq != m.reconnectSeq {
		return
	}
	m.reconnectTimer = nil
	m.connectLocked()
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectSeq++
}

func (m *Manager) resetReconnectLocked() {
	m.reconnectAttempts = 0
	m.reconnectDelay = 0
	m.bo.Reset()
	m.metrics.reconnectAttempts.Set(0)
}

func (m *Manager) startHeartbeatLocked() {
	m.stopHeartbeatLocked()
	seq := m.heartbeatSeq
	m.heartbeatTimer = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.heartbeatFired(seq) })
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	m.heartbeatSeq++
}

func (m *Manager) heartbeatFired(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.heartbeatSeq || m.state != messages.StateConnected || m.session == nil {
		return
	}
	if err := m.transmitLocked(messages.Ping{}); err != nil {
		m.log.Warn("heartbeat ping failed", "err", err)
	}
	m.startHeartbeatLocked()
}

func (m *Manager) setStateLocked(next messages.ConnectionState) {
	prev := m.state
	if prev == next {
		return
	}
	m.state = next
	m.metrics.setState(next)
	m.bus.Publish(messages.StateChangeEvent{
		AttemptID:         m.attemptID,
		Previous:          prev,
		State:             next,
		ReconnectAttempts: m.reconnectAttempts,
		Timestamp:         m.clock.Now(),
	})
}

func (m *Manager) State() messages.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool { return m.State() == messages.StateConnected }

func (m *Manager) AttemptID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attemptID
}

// ReconnectAttempts is the number of consecutive reconnects scheduled
// since the last successful open or explicit disconnect.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectAttempts
}

// PendingReconnect returns the delay of the scheduled reconnect, if any.
func (m *Manager) PendingReconnect() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnectTimer == nil {
		return 0, false
	}
	return m.reconnectDelay, true
}

// PendingCommands returns the buffered commands, oldest first.
func (m *Manager) PendingCommands() []messages.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outbound.Items()
}

// History returns up to n received events, newest first. n <= 0 returns
// all of them.
func (m *Manager) History(n int) []messages.Inbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inbound.Newest(n)
}

func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.stats
	if !out.LastConnected.IsZero() {
		out.SinceLastConnect = m.clock.Now().Sub(out.LastConnected)
	}
	return out
}

func (m *Manager) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Metrics{}
	m.lastErr = nil
}
