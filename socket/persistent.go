package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-duplex/logger"
	"github.com/cyberinferno/go-duplex/metrics"
	"github.com/cyberinferno/go-duplex/safequeue"
)

// aLongTimeAgo is a deadline that has always expired; setting it interrupts
// any Read or Write blocked on the connection without closing it.
var aLongTimeAgo = time.Unix(1, 0)

// ConnectionState represents the lifecycle stage of a PersistentSocket.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Created, not yet connected
	Connecting                          // Dial in progress
	Connected                           // Service goroutine running
	Closed                              // Service goroutine exited; terminal
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// PacketProcessor turns raw bytes into logical messages. It receives the bytes
// of one read together with the leftover it returned last time, and returns the
// complete messages found plus the new leftover. chunk is only valid for the
// duration of the call; leftover is whatever the processor returned, so it may
// grow it in place. A non-nil error terminates the connection.
type PacketProcessor func(chunk, leftover []byte) (messages [][]byte, rest []byte, err error)

// Passthrough is the default PacketProcessor: every read becomes one message.
func Passthrough(chunk, _ []byte) ([][]byte, []byte, error) {
	msg := make([]byte, len(chunk))
	copy(msg, chunk)
	return [][]byte{msg}, nil, nil
}

// PersistentConfig configures a PersistentSocket.
type PersistentConfig struct {
	Config

	// WriteSlice bounds how long one write may block before the service
	// routine goes back to reading. A write cut short keeps its unwritten
	// suffix for the next turn.
	WriteSlice time.Duration
	// PollInterval bounds the readiness wait while a partial write is pending.
	PollInterval time.Duration
	// Processor splits inbound bytes into messages; nil means Passthrough.
	Processor PacketProcessor
	// Metrics receives connection and byte counts; nil disables metrics.
	Metrics *metrics.Metrics
}

// DefaultPersistentConfig returns a PersistentConfig with defaults for the
// given endpoint.
//
// Returns:
//   - DefaultConfig(addr, port) plus WriteSlice 50ms, PollInterval 5ms and
//     the Passthrough processor.
func DefaultPersistentConfig(addr, port string) PersistentConfig {
	return PersistentConfig{
		Config:       DefaultConfig(addr, port),
		WriteSlice:   50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Processor:    Passthrough,
	}
}

func (c PersistentConfig) withDefaults() PersistentConfig {
	if c.WriteSlice <= 0 {
		c.WriteSlice = 50 * time.Millisecond
	}

	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Millisecond
	}

	if c.Processor == nil {
		c.Processor = Passthrough
	}

	return c
}

// handle is the connection owned by the service goroutine, published once so
// producers can interrupt the readiness wait.
type handle struct {
	conn net.Conn
}

// PersistentSocket is a long-lived full-duplex connection. Producers queue
// writes with EnqueueWrite and never block; consumers take inbound messages
// with ReadNext. A single service goroutine owns the connection, alternating
// between flushing queued writes and waiting for the connection to become
// readable or for a producer to wake it.
type PersistentSocket struct {
	endpoint
	cfg     PersistentConfig
	log     logger.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	state   ConnectionState
	started bool

	h          atomic.Pointer[handle]
	readQueue  *safequeue.BlockingQueue[[]byte]
	writeQueue *safequeue.Queue[WritePayload]

	// Partial-write state, touched only by the service goroutine.
	inflight    *WritePayload
	writeOffset int

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	closed   atomic.Bool
	closeErr error
}

// NewPersistentSocket creates a PersistentSocket for the endpoint in cfg. The
// queues exist immediately, so writes may be queued before Connect; the service
// goroutine starts once Connect succeeds.
//
// Parameters:
//   - cfg: Endpoint, I/O and framing settings
//   - log: Logger for lifecycle and failure events; nil disables logging
func NewPersistentSocket(cfg PersistentConfig, log logger.Logger) *PersistentSocket {
	cfg = cfg.withDefaults()
	return &PersistentSocket{
		endpoint:   endpoint{cfg: cfg.Config},
		cfg:        cfg,
		log:        logger.OrNop(log),
		metrics:    cfg.Metrics,
		state:      Disconnected,
		readQueue:  safequeue.NewBlockingQueue[[]byte](),
		writeQueue: safequeue.NewQueue[WritePayload](),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// NewPersistentSocketFromConn takes ownership of an already-connected conn,
// typically one handed out by a ListenServer, and starts the service goroutine
// right away. The endpoint fields of cfg are replaced by the peer address.
func NewPersistentSocketFromConn(conn net.Conn, cfg PersistentConfig, log logger.Logger) *PersistentSocket {
	peer := endpointOf(conn)
	cfg.Addr, cfg.Port = peer.Addr, peer.Port

	p := NewPersistentSocket(cfg, log)
	p.mu.Lock()
	p.start(conn)
	p.mu.Unlock()
	return p
}

// Type implements Socket.
func (p *PersistentSocket) Type() Type {
	return TypePersistent
}

// Connect dials the configured endpoint and starts the service goroutine. It
// is a no-op when the socket already has a connection.
//
// Returns:
//   - nil on success or if already connected
//   - An *Error of kind ErrConnect if the dial fails, ErrClosed after Shutdown
func (p *PersistentSocket) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}

	if p.stopRequested() {
		p.mu.Unlock()
		return newError(ErrClosed, "dial", p.HostPort(), nil)
	}

	if p.state == Connecting {
		p.mu.Unlock()
		return newError(ErrConnect, "dial", p.HostPort(), ErrConnectInProgress)
	}

	p.state = Connecting
	p.mu.Unlock()

	conn, err := p.dial(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		if p.state == Connecting {
			p.state = Disconnected
		}

		p.log.Warn("persistent socket connect failed", logger.Field{Key: "remote", Value: p.HostPort()}, logger.Field{Key: "error", Value: err.Error()})
		return err
	}

	if p.stopRequested() {
		_ = conn.Close()
		return newError(ErrClosed, "dial", p.HostPort(), nil)
	}

	p.start(conn)
	return nil
}

// start publishes conn and launches the service goroutine; caller must hold p.mu.
func (p *PersistentSocket) start(conn net.Conn) {
	p.h.Store(&handle{conn: conn})
	p.started = true
	p.state = Connected
	p.log = p.log.With(logger.Field{Key: "remote", Value: conn.RemoteAddr().String()})
	p.metrics.Opened()
	p.log.Debug("persistent socket connected")

	go p.service(conn)
}

// EnqueueWrite queues data for writing and wakes the service goroutine. It
// never waits for I/O. done, if non-nil, is later called exactly once from the
// goroutine that owns the connection: with nil once data has been written in
// full, or with an *Error of kind ErrCancelled if the connection ends first.
// It is never called on the goroutine that called EnqueueWrite. data must not
// be modified until then.
//
// Returns:
//   - nil if the payload was queued
//   - An *Error of kind ErrClosed if the socket already shut down; done is
//     not called in that case
func (p *PersistentSocket) EnqueueWrite(data []byte, done CompletionFunc) error {
	// Holding mu orders the push before finish marks the socket closed, so
	// the final drain in finish sees every accepted payload.
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return newError(ErrClosed, "write", p.HostPort(), nil)
	}

	p.writeQueue.Push(WritePayload{Data: data, Done: done})
	p.mu.Unlock()

	p.signal()
	return nil
}

// PushPayload implements Socket; it is EnqueueWrite(payload.Data, payload.Done).
func (p *PersistentSocket) PushPayload(payload WritePayload) error {
	return p.EnqueueWrite(payload.Data, payload.Done)
}

// ReadNext blocks until an inbound message is available, the connection
// terminates, or ctx is done. Messages already received are returned before
// the terminal error; after that every call returns the same error.
//
// Returns:
//   - The next message on success
//   - ErrClosed after a clean Shutdown, an *Error of kind ErrIO after a
//     connection failure (wrapping io.EOF if the peer closed), or ctx.Err()
func (p *PersistentSocket) ReadNext(ctx context.Context) ([]byte, error) {
	return p.readQueue.Pop(ctx)
}

// Shutdown stops the service goroutine, discards pending writes (their
// completion handlers receive ErrCancelled), closes the connection and
// terminates the inbound queue. It waits for the service goroutine to exit and
// is safe to call any number of times. It must not be called from a
// completion handler or PacketProcessor, which run on the service goroutine.
//
// Returns:
//   - The error from closing the connection, if any
func (p *PersistentSocket) Shutdown() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		close(p.stop)
		started := p.started
		p.mu.Unlock()

		if !started {
			p.finish(nil, nil)
			return
		}

		if h := p.h.Load(); h != nil {
			_ = h.conn.SetDeadline(aLongTimeAgo)
		}
	})

	<-p.done
	return p.closeErr
}

// Close implements Socket; it is Shutdown.
func (p *PersistentSocket) Close() error {
	return p.Shutdown()
}

// Done is closed once the socket has fully terminated: the service goroutine
// exited, the connection is closed and the inbound queue is terminated.
func (p *PersistentSocket) Done() <-chan struct{} {
	return p.done
}

// Err returns the terminal error, or nil while the connection is live.
func (p *PersistentSocket) Err() error {
	return p.readQueue.Err()
}

// State returns the current ConnectionState.
func (p *PersistentSocket) State() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsValid reports whether the socket holds a live connection.
func (p *PersistentSocket) IsValid() bool {
	return p.h.Load() != nil && !p.closed.Load()
}

// LocalAddr returns the local address of the connection, or nil before Connect.
func (p *PersistentSocket) LocalAddr() net.Addr {
	if h := p.h.Load(); h != nil {
		return h.conn.LocalAddr()
	}

	return nil
}

// RemoteAddr returns the peer address of the connection, or nil before Connect.
func (p *PersistentSocket) RemoteAddr() net.Addr {
	if h := p.h.Load(); h != nil {
		return h.conn.RemoteAddr()
	}

	return nil
}

// signal wakes the service goroutine. The token in p.wake covers the case
// where the goroutine is between waits; the expired read deadline covers the
// case where it is already blocked in Read.
func (p *PersistentSocket) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}

	if h := p.h.Load(); h != nil {
		_ = h.conn.SetReadDeadline(aLongTimeAgo)
	}
}

func (p *PersistentSocket) stopRequested() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *PersistentSocket) service(conn net.Conn) {
	err := p.run(conn)
	if err != nil {
		p.log.Warn("persistent socket terminated", logger.Field{Key: "error", Value: err.Error()})
	} else {
		p.log.Debug("persistent socket stopped")
	}

	p.finish(conn, err)
}

// run is the service loop. It returns nil when a stop was requested and the
// fatal error otherwise.
func (p *PersistentSocket) run(conn net.Conn) error {
	buf := make([]byte, p.cfg.readBufferSize())
	var leftover []byte

	for {
		if p.stopRequested() {
			return nil
		}

		if err := p.flush(conn); err != nil {
			return err
		}

		// Arm the readiness wait. With a partial write pending the wait is
		// bounded so the write side gets another turn.
		var deadline time.Time
		if p.inflight != nil {
			deadline = time.Now().Add(p.cfg.PollInterval)
		}

		if err := conn.SetReadDeadline(deadline); err != nil {
			return newError(ErrIO, "wait", p.HostPort(), err)
		}

		// Checked after arming: a signal sent from here on also expires the
		// deadline just set, so no wakeup is lost.
		select {
		case <-p.stop:
			return nil
		case <-p.wake:
			continue
		default:
		}

		n, err := conn.Read(buf)
		if n > 0 {
			var perr error
			if leftover, perr = p.process(buf[:n], leftover); perr != nil {
				return perr
			}
		}

		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}

			if p.stopRequested() {
				return nil
			}

			if errors.Is(err, io.EOF) {
				return newError(ErrIO, "read", p.HostPort(), io.EOF)
			}

			return newError(ErrIO, "read", p.HostPort(), err)
		}
	}
}

// flush writes queued payloads until the queue is empty or a write is cut
// short by WriteSlice, in which case the unwritten suffix stays in p.inflight.
func (p *PersistentSocket) flush(conn net.Conn) error {
	for {
		if p.inflight == nil {
			next, ok := p.writeQueue.Pop()
			if !ok {
				return nil
			}

			p.inflight = &next
			p.writeOffset = 0
		}

		if err := conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteSlice)); err != nil {
			return newError(ErrIO, "write", p.HostPort(), err)
		}

		n, err := conn.Write(p.inflight.Data[p.writeOffset:])
		p.writeOffset += n
		p.metrics.Wrote(n)

		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}

			return newError(ErrIO, "write", p.HostPort(), err)
		}

		done := p.inflight.Done
		p.inflight = nil
		p.writeOffset = 0
		p.metrics.Completed()
		if done != nil {
			done(nil)
		}

		if p.stopRequested() {
			return nil
		}
	}
}

func (p *PersistentSocket) process(chunk, leftover []byte) ([]byte, error) {
	msgs, rest, err := p.cfg.Processor(chunk, leftover)
	if err != nil {
		return nil, newError(ErrIO, "process", p.HostPort(), err)
	}

	p.metrics.Read(len(chunk), len(msgs))
	for _, msg := range msgs {
		_ = p.readQueue.Push(msg)
	}

	return rest, nil
}

// finish releases everything the socket owns. It runs once, on the service
// goroutine, or on the Shutdown caller if the service never started.
func (p *PersistentSocket) finish(conn net.Conn, cause error) {
	if conn != nil {
		p.closeErr = conn.Close()
		p.metrics.Closed(cause != nil)
	}

	terminal := cause
	if terminal == nil {
		terminal = ErrClosed
	}

	p.readQueue.Terminate(terminal)

	p.mu.Lock()
	p.closed.Store(true)
	p.state = Closed
	p.mu.Unlock()

	if p.inflight != nil {
		done := p.inflight.Done
		p.inflight = nil
		p.metrics.Cancelled(1)
		if done != nil {
			done(newError(ErrCancelled, "write", p.HostPort(), terminal))
		}
	}

	p.cancelQueued(terminal)
	close(p.done)
}

// cancelQueued fails every payload still in the write queue.
func (p *PersistentSocket) cancelQueued(cause error) {
	pending := p.writeQueue.Drain()
	p.metrics.Cancelled(len(pending))
	for _, payload := range pending {
		if payload.Done != nil {
			payload.Done(newError(ErrCancelled, "write", p.HostPort(), cause))
		}
	}
}
