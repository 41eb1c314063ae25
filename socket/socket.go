// Package socket provides the TCP transport primitives of the module: a
// synchronous SimpleSocket for short exchanges and listening endpoints, and a
// full-duplex PersistentSocket whose single service goroutine multiplexes
// queued writes and incoming reads over one connection.
//
// Both variants implement Socket and are chosen at construction time, either
// directly or through New.
package socket

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cyberinferno/go-duplex/logger"
	"golang.org/x/sync/singleflight"
)

// MaxReadSize caps the bytes taken from a socket by a single read.
const MaxReadSize = 4 * 1024 * 1024

// Type identifies the concrete socket variant.
type Type int

const (
	TypeSimple     Type = iota // Synchronous, caller-driven socket
	TypePersistent             // Full-duplex socket with a service goroutine
)

// String returns a human-readable name for the socket type.
func (t Type) String() string {
	switch t {
	case TypeSimple:
		return "Simple"
	case TypePersistent:
		return "Persistent"
	default:
		return "Unknown"
	}
}

// CompletionFunc is called exactly once per outbound payload, with nil when
// every byte was handed to the kernel, or with the error that prevented it.
type CompletionFunc func(err error)

// WritePayload is an outbound byte sequence plus an optional completion handler.
type WritePayload struct {
	Data []byte
	Done CompletionFunc
}

// AcceptInfo describes one connection accepted by a listening socket.
type AcceptInfo struct {
	Conn     net.Conn
	PeerAddr net.Addr
}

// Socket is the capability surface shared by every socket variant.
type Socket interface {
	// Type reports the concrete variant.
	Type() Type

	// Connect establishes the connection to the configured endpoint. It is a
	// no-op for sockets built around an already-connected net.Conn.
	Connect(ctx context.Context) error

	// PushPayload submits payload for writing. Persistent sockets queue it
	// and return immediately; simple sockets write it before returning.
	PushPayload(payload WritePayload) error

	// Close releases the connection. It is safe to call multiple times.
	Close() error
}

// Config holds the endpoint and TCP settings shared by all socket variants.
type Config struct {
	// Addr is the host to connect to or bind on.
	Addr string
	// Port is the TCP port as a string, matching net.JoinHostPort.
	Port string
	// ConnectTimeout bounds a dial; 0 means no timeout beyond the context.
	ConnectTimeout time.Duration
	// KeepAlivePeriod enables TCP keep-alive with this period; 0 leaves the
	// OS default and a negative value disables keep-alive.
	KeepAlivePeriod time.Duration
	// NoDelay disables Nagle's algorithm on TCP connections.
	NoDelay bool
	// ReadBufferSize is the largest chunk taken by one read. Values above
	// MaxReadSize are clamped; 0 selects 64 KiB.
	ReadBufferSize int
}

// DefaultConfig returns a Config with defaults for the given endpoint.
//
// Parameters:
//   - addr: Host name or IP address
//   - port: TCP port, e.g. "9001"
//
// Returns:
//   - A Config with defaults: ConnectTimeout 10s, KeepAlivePeriod 30s,
//     NoDelay true, ReadBufferSize 64 KiB.
func DefaultConfig(addr, port string) Config {
	return Config{
		Addr:            addr,
		Port:            port,
		ConnectTimeout:  10 * time.Second,
		KeepAlivePeriod: 30 * time.Second,
		NoDelay:         true,
		ReadBufferSize:  64 * 1024,
	}
}

func (c Config) readBufferSize() int {
	switch {
	case c.ReadBufferSize <= 0:
		return 64 * 1024
	case c.ReadBufferSize > MaxReadSize:
		return MaxReadSize
	default:
		return c.ReadBufferSize
	}
}

// New builds a socket of the requested kind for the endpoint in cfg. Simple
// sockets use only cfg.Config.
//
// Parameters:
//   - kind: TypeSimple or TypePersistent
//   - cfg: Endpoint and I/O settings
//   - log: Logger for lifecycle and failure events; nil disables logging
//
// Returns:
//   - The socket, not yet connected
//   - An error if kind is unknown
func New(kind Type, cfg PersistentConfig, log logger.Logger) (Socket, error) {
	switch kind {
	case TypeSimple:
		return NewSimpleSocket(cfg.Config, log), nil
	case TypePersistent:
		return NewPersistentSocket(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown socket type %d", kind)
	}
}

// probes collapses concurrent TestConnection calls against the same endpoint
// into a single dial.
var probes singleflight.Group

// endpoint carries the address settings and the dial plumbing shared by both
// socket variants.
type endpoint struct {
	cfg Config
}

// Addr returns the configured host.
func (e endpoint) Addr() string {
	return e.cfg.Addr
}

// Port returns the configured port.
func (e endpoint) Port() string {
	return e.cfg.Port
}

// HostPort returns the "host:port" form of the endpoint.
func (e endpoint) HostPort() string {
	return net.JoinHostPort(e.cfg.Addr, e.cfg.Port)
}

// TestConnection reports whether the endpoint accepts TCP connections. The
// probe connection is closed immediately without sending anything.
func (e endpoint) TestConnection(ctx context.Context) bool {
	ok, _, _ := probes.Do(e.HostPort(), func() (any, error) {
		conn, err := e.dial(ctx)
		if err != nil {
			return false, nil
		}

		_ = conn.Close()
		return true, nil
	})

	return ok.(bool)
}

func (e endpoint) dial(ctx context.Context) (net.Conn, error) {
	if e.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ConnectTimeout)
		defer cancel()
	}

	d := net.Dialer{KeepAlive: e.cfg.KeepAlivePeriod}
	conn, err := d.DialContext(ctx, "tcp", e.HostPort())
	if err != nil {
		return nil, newError(ErrConnect, "dial", e.HostPort(), err)
	}

	tune(conn, e.cfg)
	return conn, nil
}

func (e endpoint) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", e.HostPort())
	if err != nil {
		return nil, newError(ErrBind, "listen", e.HostPort(), err)
	}

	return ln, nil
}

// tune applies the TCP options of cfg to conn; non-TCP connections are left alone.
func tune(conn net.Conn, cfg Config) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	_ = tcp.SetNoDelay(cfg.NoDelay)
	if cfg.KeepAlivePeriod > 0 {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(cfg.KeepAlivePeriod)
	} else if cfg.KeepAlivePeriod < 0 {
		_ = tcp.SetKeepAlive(false)
	}
}

// endpointOf derives a Config from an accepted or externally dialled conn.
func endpointOf(conn net.Conn) Config {
	cfg := Config{}
	if conn == nil || conn.RemoteAddr() == nil {
		return cfg
	}

	host, port, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		cfg.Addr = conn.RemoteAddr().String()
		return cfg
	}

	cfg.Addr, cfg.Port = host, port
	return cfg
}
