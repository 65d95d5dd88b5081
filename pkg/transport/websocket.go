package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer opens text-frame websocket sessions.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	Header           http.Header
}

func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1 << 20,
	}
}

func (d *WebSocketDialer) Dial(rawURL string, h Handler) (Session, error) {
	if h == nil {
		return nil, errors.New("transport: nil handler")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("transport: missing host in %q", rawURL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		url:          u.String(),
		handler:      h,
		cancel:       cancel,
		writeTimeout: d.WriteTimeout,
		readLimit:    d.ReadLimit,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: d.HandshakeTimeout,
		},
		header: d.Header,
	}
	go s.run(ctx)
	return s, nil
}

type wsSession struct {
	url          string
	handler      Handler
	dialer       *websocket.Dialer
	header       http.Header
	cancel       context.CancelFunc
	writeTimeout time.Duration
	readLimit    int64

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	closed    bool
	closeCode int
	closeText string
}

func (s *wsSession) run(ctx context.Context) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)

	s.mu.Lock()
	if s.closed {
		code, text := s.closeCode, s.closeText
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.handler.OnClose(code, text)
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.handler.OnError(fmt.Errorf("transport: dial %s: %w", s.url, err))
		return
	}
	if s.readLimit > 0 {
		conn.SetReadLimit(s.readLimit)
	}
	s.conn = conn
	s.mu.Unlock()

	s.handler.OnOpen()
	s.readLoop(conn)
}

func (s *wsSession) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err == nil {
			s.handler.OnMessage(data)
			continue
		}

		s.mu.Lock()
		local, code, text := s.closed, s.closeCode, s.closeText
		s.closed = true
		s.mu.Unlock()
		_ = conn.Close()

		var ce *websocket.CloseError
		switch {
		case local:
			s.handler.OnClose(code, text)
		case errors.As(err, &ce):
			s.handler.OnClose(ce.Code, ce.Text)
		default:
			s.handler.OnError(fmt.Errorf("transport: read: %w", err))
		}
		return
	}
}

func (s *wsSession) Send(data []byte) error {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotOpen
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and tears the connection down. The
// session's handler then receives OnClose(code, reason).
func (s *wsSession) Close(code int, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeCode, s.closeText = code, reason
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	// Unblocks the read loop, which reports OnClose.
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}
