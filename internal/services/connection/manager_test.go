package connection

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
	"github.com/LeonardoBeccarini/sensordash/pkg/clock"
	"github.com/LeonardoBeccarini/sensordash/pkg/eventbus"
	"github.com/LeonardoBeccarini/sensordash/pkg/transport"
	"github.com/LeonardoBeccarini/sensordash/pkg/wire"
)

type fakeSession struct {
	mu        sync.Mutex
	sent      [][]byte
	closed    bool
	closeCode int
	failSend  error
}

func (s *fakeSession) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend != nil {
		return s.failSend
	}
	if s.closed {
		return transport.ErrClosed
	}
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func (s *fakeSession) Close(code int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCode = code
	return nil
}

func (s *fakeSession) commands(t *testing.T) []messages.Command {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]messages.Command, 0, len(s.sent))
	for _, data := range s.sent {
		cmd, err := wire.DecodeCommand(data)
		if err != nil {
			t.Fatalf("decode sent frame %s: %v", data, err)
		}
		out = append(out, cmd)
	}
	return out
}

type dialed struct {
	session *fakeSession
	handler transport.Handler
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  error
	dials []*dialed
}

func (d *fakeDialer) Dial(_ string, h transport.Handler) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	s := &fakeSession{}
	d.dials = append(d.dials, &dialed{session: s, handler: h})
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) last(t *testing.T) *dialed {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dials) == 0 {
		t.Fatal("no session dialed")
	}
	return d.dials[len(d.dials)-1]
}

type harness struct {
	m      *Manager
	dialer *fakeDialer
	clock  *clock.Fake
	bus    *eventbus.Bus[messages.Notification]
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		dialer: &fakeDialer{},
		clock:  clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		bus:    eventbus.New[messages.Notification](),
	}
	m, err := New(cfg, Deps{
		Clock:  h.clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dialer: h.dialer,
		Bus:    h.bus,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	h.m = m
	return h
}

// open connects and completes the handshake of the new session.
func (h *harness) open(t *testing.T) *dialed {
	t.Helper()
	h.m.Connect()
	d := h.dialer.last(t)
	d.handler.OnOpen()
	if got := h.m.State(); got != messages.StateConnected {
		t.Fatalf("state after open = %s, want connected", got)
	}
	return d
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"scheme":    func(c *Config) { c.URL = "http://localhost:8080" },
		"heartbeat": func(c *Config) { c.HeartbeatInterval = 0 },
		"reconnect": func(c *Config) { c.ReconnectInterval = -time.Second },
		"buffer":    func(c *Config) { c.OutboundBuffer = 0 },
		"attempts":  func(c *Config) { c.MaxReconnectAttempts = -1 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if _, err := New(cfg, Deps{}); err == nil {
			t.Errorf("%s: New accepted invalid config", name)
		}
	}
}

func TestConnectIsIdempotentWhileConnectingOrConnected(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Connect()
	h.m.Connect()
	if h.dialer.count() != 1 {
		t.Fatalf("dials = %d, want 1 while connecting", h.dialer.count())
	}
	h.dialer.last(t).handler.OnOpen()
	h.m.Connect()
	if h.dialer.count() != 1 {
		t.Fatalf("dials = %d, want 1 while connected", h.dialer.count())
	}
	if got := h.m.Metrics().Attempts; got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestOutboundBufferEvictsOldestAndFlushesInOrder(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OutboundBuffer = 3 })

	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		if res := h.m.SendCommand(messages.SubscribeSensor{SensorID: id}); res != Buffered {
			t.Fatalf("SendCommand(%s) = %s, want buffered", id, res)
		}
	}
	pending := h.m.PendingCommands()
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	if got := h.m.Metrics().BufferEvictions; got != 2 {
		t.Fatalf("evictions = %d, want 2", got)
	}

	d := h.open(t)
	sent := d.session.commands(t)
	want := []string{"s3", "s4", "s5"}
	if len(sent) != len(want) {
		t.Fatalf("flushed %d commands, want %d", len(sent), len(want))
	}
	for i, cmd := range sent {
		sub, ok := cmd.(messages.SubscribeSensor)
		if !ok || sub.SensorID != want[i] {
			t.Fatalf("flushed[%d] = %#v, want subscribe %s", i, cmd, want[i])
		}
	}
	if len(h.m.PendingCommands()) != 0 {
		t.Fatal("buffer not cleared after flush")
	}
	if got := h.m.Metrics().MessagesSent; got != 3 {
		t.Fatalf("sent = %d, want 3", got)
	}
	if res := h.m.SendCommand(messages.ListSensors{}); res != Sent {
		t.Fatalf("SendCommand while connected = %s, want sent", res)
	}
}

func TestSendFailureKeepsCommandBuffered(t *testing.T) {
	h := newHarness(t, nil)
	d := h.open(t)
	d.session.failSend = errors.New("broken pipe")

	if res := h.m.SendCommand(messages.RequestServerStats{}); res != Buffered {
		t.Fatalf("SendCommand = %s, want buffered", res)
	}
	if len(h.m.PendingCommands()) != 1 {
		t.Fatal("failed command not buffered")
	}
	if got := h.m.Metrics().Errors; got != 1 {
		t.Fatalf("errors = %d, want 1", got)
	}
}

func TestBackoffDoublesUntilAttemptCap(t *testing.T) {
	base := time.Second
	h := newHarness(t, func(c *Config) {
		c.ReconnectInterval = base
		c.MaxReconnectAttempts = 4
	})

	h.m.Connect()
	var prev time.Duration
	for n := 1; n <= 4; n++ {
		h.dialer.last(t).handler.OnError(errors.New("connection refused"))
		if got := h.m.State(); got != messages.StateFaulted {
			t.Fatalf("attempt %d: state = %s, want error", n, got)
		}
		delay, ok := h.m.PendingReconnect()
		if !ok {
			t.Fatalf("attempt %d: no reconnect scheduled", n)
		}
		want := base << (n - 1)
		if delay != want {
			t.Fatalf("attempt %d: delay = %s, want %s", n, delay, want)
		}
		if delay <= prev {
			t.Fatalf("attempt %d: delay %s not greater than %s", n, delay, prev)
		}
		prev = delay
		if h.m.ReconnectAttempts() != n {
			t.Fatalf("reconnect attempts = %d, want %d", h.m.ReconnectAttempts(), n)
		}

		dials := h.dialer.count()
		h.clock.Advance(delay - time.Millisecond)
		if h.dialer.count() != dials {
			t.Fatalf("attempt %d: reconnected before the delay elapsed", n)
		}
		h.clock.Advance(time.Millisecond)
		if h.dialer.count() != dials+1 {
			t.Fatalf("attempt %d: reconnect timer did not dial", n)
		}
	}

	h.dialer.last(t).handler.OnError(errors.New("connection refused"))
	if _, ok := h.m.PendingReconnect(); ok {
		t.Fatal("reconnect scheduled past the attempt cap")
	}
	if got := h.m.State(); got != messages.StateDisconnected {
		t.Fatalf("state at cap = %s, want disconnected", got)
	}
	if got := h.m.ReconnectAttempts(); got != 4 {
		t.Fatalf("reconnect attempts at cap = %d, want 4", got)
	}

	// An explicit connect re-arms the cycle.
	h.m.Connect()
	if got := h.m.State(); got != messages.StateConnecting {
		t.Fatalf("state after re-arm = %s, want connecting", got)
	}
	if got := h.m.ReconnectAttempts(); got != 0 {
		t.Fatalf("reconnect attempts after re-arm = %d, want 0", got)
	}
	h.dialer.last(t).handler.OnError(errors.New("connection refused"))
	if delay, ok := h.m.PendingReconnect(); !ok || delay != base {
		t.Fatalf("after re-arm: delay = %s (%v), want %s", delay, ok, base)
	}
}

func TestAbnormalCloseAfterThreeAttempts(t *testing.T) {
	base := 5 * time.Second
	h := newHarness(t, nil)

	h.m.Connect()
	for n := 1; n <= 3; n++ {
		h.dialer.last(t).handler.OnError(errors.New("connection refused"))
		delay, _ := h.m.PendingReconnect()
		h.clock.Advance(delay)
	}
	if got := h.m.ReconnectAttempts(); got != 3 {
		t.Fatalf("reconnect attempts = %d, want 3", got)
	}

	h.dialer.last(t).handler.OnClose(transport.CloseAbnormal, "")
	if got := h.m.State(); got != messages.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
	if got := h.m.ReconnectAttempts(); got != 4 {
		t.Fatalf("reconnect attempts = %d, want 4", got)
	}
	delay, ok := h.m.PendingReconnect()
	if !ok || delay != base*8 {
		t.Fatalf("delay = %s (%v), want %s", delay, ok, base*8)
	}
	var ce *TransportCloseError
	if !errors.As(h.m.LastError(), &ce) || ce.Code != transport.CloseAbnormal {
		t.Fatalf("last error = %v, want close error 1006", h.m.LastError())
	}
}

func TestOpenResetsReconnectAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Connect()
	h.dialer.last(t).handler.OnError(errors.New("refused"))
	delay, _ := h.m.PendingReconnect()
	h.clock.Advance(delay)
	h.dialer.last(t).handler.OnOpen()

	if got := h.m.ReconnectAttempts(); got != 0 {
		t.Fatalf("reconnect attempts after open = %d, want 0", got)
	}
	mt := h.m.Metrics()
	if mt.Attempts != 2 || mt.SuccessfulConnects != 1 {
		t.Fatalf("metrics = %+v, want 2 attempts and 1 success", mt)
	}
	if !mt.LastConnected.Equal(h.clock.Now()) {
		t.Fatalf("last connected = %s, want %s", mt.LastConnected, h.clock.Now())
	}

	h.dialer.last(t).handler.OnClose(transport.CloseAbnormal, "")
	if delay, _ := h.m.PendingReconnect(); delay != 5*time.Second {
		t.Fatalf("first delay after a successful open = %s, want 5s", delay)
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	h := newHarness(t, nil)
	d := h.open(t)

	h.m.Disconnect()
	if !d.session.closed || d.session.closeCode != transport.CloseNormal {
		t.Fatalf("session closed=%v code=%d, want normal closure", d.session.closed, d.session.closeCode)
	}
	d.handler.OnClose(transport.CloseNormal, "client disconnect")
	d.handler.OnClose(transport.CloseAbnormal, "late")
	d.handler.OnError(errors.New("late error"))

	if _, ok := h.m.PendingReconnect(); ok {
		t.Fatal("reconnect scheduled after intentional disconnect")
	}
	if got := h.m.State(); got != messages.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("%d timers still pending after disconnect", h.clock.Pending())
	}

	h.m.Disconnect()
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Connect()
	h.dialer.last(t).handler.OnClose(transport.CloseAbnormal, "")
	if _, ok := h.m.PendingReconnect(); !ok {
		t.Fatal("expected a pending reconnect")
	}

	h.m.Disconnect()
	h.clock.Advance(time.Hour)
	if h.dialer.count() != 1 {
		t.Fatalf("dials = %d, want 1", h.dialer.count())
	}
	if got := h.m.ReconnectAttempts(); got != 0 {
		t.Fatalf("reconnect attempts = %d, want 0", got)
	}
}

func TestServerNormalCloseDoesNotReconnect(t *testing.T) {
	h := newHarness(t, nil)
	d := h.open(t)
	d.handler.OnClose(transport.CloseNormal, "server shutdown")

	if _, ok := h.m.PendingReconnect(); ok {
		t.Fatal("normal closure scheduled a reconnect")
	}
	if got := h.m.State(); got != messages.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
}

func TestConstructionErrorFaults(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.fail = errors.New("bad endpoint")

	h.m.Connect()
	if got := h.m.State(); got != messages.StateFaulted {
		t.Fatalf("state = %s, want error", got)
	}
	var ce *TransportConstructionError
	if !errors.As(h.m.LastError(), &ce) {
		t.Fatalf("last error = %v, want construction error", h.m.LastError())
	}
	if _, ok := h.m.PendingReconnect(); !ok {
		t.Fatal("construction failure did not schedule a reconnect")
	}
	if got := h.m.Metrics().Errors; got != 1 {
		t.Fatalf("errors = %d, want 1", got)
	}
}

func TestInboundDecodeFailuresKeepSession(t *testing.T) {
	h := newHarness(t, nil)
	d := h.open(t)

	d.handler.OnMessage([]byte(`{not json`))
	d.handler.OnMessage([]byte(`{"tipo":"lectura_sensor","datos":"oops"}`))
	d.handler.OnMessage([]byte(`{"tipo":"nuevo_tipo","x":1}`))
	d.handler.OnMessage([]byte(`{"tipo":"pong","timestamp":"2025-03-01T12:00:00Z"}`))

	if got := h.m.State(); got != messages.StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
	mt := h.m.Metrics()
	if mt.DecodeErrors != 2 || mt.Errors != 2 {
		t.Fatalf("decode errors=%d errors=%d, want 2 and 2", mt.DecodeErrors, mt.Errors)
	}
	if mt.UnknownMessages != 1 {
		t.Fatalf("unknown = %d, want 1", mt.UnknownMessages)
	}
	if mt.MessagesReceived != 1 || mt.LastPong.IsZero() {
		t.Fatalf("received=%d lastPong=%s, want 1 and set", mt.MessagesReceived, mt.LastPong)
	}
	hist := h.m.History(0)
	if len(hist) != 1 || hist[0].Event.Kind() != messages.KindPong {
		t.Fatalf("history = %+v, want one pong", hist)
	}
}

func TestInboundHistoryIsBounded(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.InboundBuffer = 2 })
	d := h.open(t)
	for i := 0; i < 5; i++ {
		d.handler.OnMessage([]byte(`{"tipo":"pong"}`))
	}
	if got := len(h.m.History(0)); got != 2 {
		t.Fatalf("history = %d, want 2", got)
	}
}

func TestStaleAttemptCallbacksIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Connect()
	old := h.dialer.last(t)
	old.handler.OnError(errors.New("refused"))
	delay, _ := h.m.PendingReconnect()
	h.clock.Advance(delay)

	old.handler.OnOpen()
	old.handler.OnMessage([]byte(`{"tipo":"pong"}`))
	old.handler.OnClose(transport.CloseAbnormal, "")

	if got := h.m.State(); got != messages.StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}
	if got := h.m.Metrics().MessagesReceived; got != 0 {
		t.Fatalf("received = %d from a stale session", got)
	}
	if _, ok := h.m.PendingReconnect(); ok {
		t.Fatal("stale close scheduled a reconnect")
	}
}

func TestHeartbeatPingsWhileConnected(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.HeartbeatInterval = 30 * time.Second })
	d := h.open(t)

	h.clock.Advance(30 * time.Second)
	h.clock.Advance(30 * time.Second)
	cmds := d.session.commands(t)
	if len(cmds) != 2 {
		t.Fatalf("pings = %d, want 2", len(cmds))
	}
	for _, c := range cmds {
		if c.Kind() != messages.CommandPing {
			t.Fatalf("heartbeat sent %s", c.Kind())
		}
	}

	d.handler.OnClose(transport.CloseAbnormal, "")
	h.clock.Advance(30 * time.Second)
	if got := len(d.session.commands(t)); got != 2 {
		t.Fatalf("pings after close = %d, want 2", got)
	}
}

func TestBusCarriesAttemptIDs(t *testing.T) {
	h := newHarness(t, nil)
	var got []messages.Notification
	h.bus.Subscribe(func(n messages.Notification) { got = append(got, n) })

	d := h.open(t)
	d.handler.OnMessage([]byte(`{"tipo":"pong"}`))
	h.bus.Dispatch()

	if len(got) != 3 {
		t.Fatalf("notifications = %d, want 3", len(got))
	}
	wantStates := []messages.ConnectionState{messages.StateConnecting, messages.StateConnected}
	for i, want := range wantStates {
		sc, ok := got[i].(messages.StateChangeEvent)
		if !ok || sc.State != want {
			t.Fatalf("notification %d = %#v, want state %s", i, got[i], want)
		}
	}
	in, ok := got[2].(messages.Inbound)
	if !ok || in.AttemptID != h.m.AttemptID() {
		t.Fatalf("inbound = %#v, want attempt %d", got[2], h.m.AttemptID())
	}
}

func TestCloseMakesManagerInert(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t)
	h.m.Close()
	h.m.Close()

	h.m.Connect()
	if h.dialer.count() != 1 {
		t.Fatal("Connect after Close dialed")
	}
	if res := h.m.SendCommand(messages.Ping{}); res != Dropped {
		t.Fatalf("SendCommand after Close = %s, want dropped", res)
	}
}

func TestResetMetricsKeepsCollectorsMonotonic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(DefaultConfig(), Deps{
		Clock:      clock.NewFake(time.Unix(0, 0)),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dialer:     &fakeDialer{},
		Registerer: reg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	m.Connect()
	m.ResetMetrics()
	if got := m.Metrics().Attempts; got != 0 {
		t.Fatalf("attempts after reset = %d, want 0", got)
	}
	if got := testutil.ToFloat64(m.metrics.attempts); got != 1 {
		t.Fatalf("prometheus attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.metrics.state.WithLabelValues("connecting")); got != 1 {
		t.Fatalf("connecting gauge = %v, want 1", got)
	}
}
