package socket

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-duplex/logger"
)

// SimpleSocket is a synchronous socket. Connect, Write and Read block the
// caller; there is no background goroutine and no queueing. It also serves as
// the listening endpoint of a ListenServer through Listen and Serve.
type SimpleSocket struct {
	endpoint
	log logger.Logger

	mu        sync.Mutex
	conn      net.Conn
	listener  net.Listener
	closed    bool
	closeOnce sync.Once
	closeErr  error
	quit      chan struct{}
}

// Bounds of the pause Serve takes after a failed accept.
const (
	acceptRetryMin = 5 * time.Millisecond
	acceptRetryMax = time.Second
)

// NewSimpleSocket creates an unconnected SimpleSocket for the endpoint in cfg.
//
// Parameters:
//   - cfg: Endpoint and TCP settings
//   - log: Logger for lifecycle events; nil disables logging
func NewSimpleSocket(cfg Config, log logger.Logger) *SimpleSocket {
	return &SimpleSocket{
		endpoint: endpoint{cfg: cfg},
		log:      logger.OrNop(log),
		quit:     make(chan struct{}),
	}
}

// NewSimpleSocketFromConn wraps an already-connected conn. Connect on the
// result is a no-op.
func NewSimpleSocketFromConn(conn net.Conn, log logger.Logger) *SimpleSocket {
	s := NewSimpleSocket(endpointOf(conn), log)
	s.conn = conn
	return s
}

// Type implements Socket.
func (s *SimpleSocket) Type() Type {
	return TypeSimple
}

// Connect dials the configured endpoint unless the socket already holds a
// connection.
//
// Returns:
//   - nil on success or if already connected
//   - An *Error of kind ErrConnect if the dial fails, ErrClosed after Close
func (s *SimpleSocket) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return newError(ErrClosed, "dial", s.HostPort(), nil)
	}

	if s.conn != nil {
		return nil
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.conn = conn
	return nil
}

// Write sends every byte of data, looping over short writes until done or
// until the connection fails.
//
// Returns:
//   - nil once all bytes were written
//   - An *Error of kind ErrIO on failure, ErrClosed if not connected
func (s *SimpleSocket) Write(data []byte) error {
	conn, err := s.connected("write")
	if err != nil {
		return err
	}

	for len(data) > 0 {
		n, err := conn.Write(data)
		data = data[n:]
		if err != nil {
			return newError(ErrIO, "write", s.HostPort(), err)
		}
	}

	return nil
}

// Read performs one read and returns whatever arrived, up to the configured
// read buffer size. A peer close is reported as ErrIO wrapping io.EOF.
func (s *SimpleSocket) Read() ([]byte, error) {
	conn, err := s.connected("read")
	if err != nil {
		return nil, err
	}

	buf := make([]byte, s.cfg.readBufferSize())
	n, err := conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}

	if err != nil {
		return nil, newError(ErrIO, "read", s.HostPort(), err)
	}

	return nil, nil
}

// PushPayload implements Socket by writing payload.Data synchronously and then
// reporting the outcome to payload.Done.
func (s *SimpleSocket) PushPayload(payload WritePayload) error {
	err := s.Write(payload.Data)
	if payload.Done != nil {
		payload.Done(err)
	}

	return err
}

// Listen binds the configured endpoint for accepting connections.
//
// Returns:
//   - An *Error of kind ErrBind if the address is unavailable
func (s *SimpleSocket) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return newError(ErrClosed, "listen", s.HostPort(), nil)
	}

	if s.listener != nil {
		return nil
	}

	ln, err := s.listen()
	if err != nil {
		return err
	}

	s.listener = ln
	s.log.Debug("socket listening", logger.Field{Key: "addr", Value: ln.Addr().String()})
	return nil
}

// ListenAddr returns the bound address, or nil before Listen. It resolves
// port 0 to the port the OS picked.
func (s *SimpleSocket) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Accept blocks until a connection arrives on the listening endpoint.
//
// Returns:
//   - The accepted connection and its peer address
//   - ErrClosed once the socket is closed, or ErrIO for other accept failures
func (s *SimpleSocket) Accept() (AcceptInfo, error) {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln == nil {
		return AcceptInfo{}, newError(ErrClosed, "accept", s.HostPort(), nil)
	}

	conn, err := ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return AcceptInfo{}, newError(ErrClosed, "accept", s.HostPort(), err)
		}

		return AcceptInfo{}, newError(ErrIO, "accept", s.HostPort(), err)
	}

	tune(conn, s.cfg)
	return AcceptInfo{Conn: conn, PeerAddr: conn.RemoteAddr()}, nil
}

// Serve runs a single-goroutine accept loop on the listening endpoint, handing
// every accepted connection to accept before accepting the next one. Accept
// errors other than closure are logged and retried after a pause that doubles
// from 5ms up to one second and resets on the next success.
//
// Returns:
//   - nil once the socket is closed
func (s *SimpleSocket) Serve(accept func(AcceptInfo)) error {
	var delay time.Duration
	for {
		info, err := s.Accept()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}

			delay = min(max(2*delay, acceptRetryMin), acceptRetryMax)
			s.log.Warn("accept failed", logger.Field{Key: "error", Value: err.Error()}, logger.Field{Key: "retry_in", Value: delay.String()})

			timer := time.NewTimer(delay)
			select {
			case <-s.quit:
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}

		delay = 0
		accept(info)
	}
}

// Close closes the connection and the listening endpoint, unblocking any
// pending Accept or Read. Idempotent.
func (s *SimpleSocket) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.closed = true
		close(s.quit)
		if s.listener != nil {
			s.closeErr = s.listener.Close()
		}

		if s.conn != nil {
			if err := s.conn.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})

	return s.closeErr
}

// CloseWrite half-closes the connection so the peer reads EOF while this side
// can still read the reply. Connections without half-close are fully closed.
func (s *SimpleSocket) CloseWrite() error {
	conn, err := s.connected("close write")
	if err != nil {
		return err
	}

	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}

	return s.Close()
}

func (s *SimpleSocket) connected(op string) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.conn == nil {
		return nil, newError(ErrClosed, op, s.HostPort(), nil)
	}

	return s.conn, nil
}
