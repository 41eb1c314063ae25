// Package procmutex implements a single-instance lock between processes on the
// same host, built on a TCP port. The process that binds the port holds the
// mutex; later instances find it taken, hand their argument (usually a URI) to
// the holder over a short-lived connection and exit.
package procmutex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cyberinferno/go-duplex/listenserver"
	"github.com/cyberinferno/go-duplex/logger"
	"github.com/cyberinferno/go-duplex/socket"
)

// Config holds the port the mutex is built on.
type Config struct {
	Addr string
	Port string
	// Timeout bounds the connect and write of Test.
	Timeout time.Duration
	// MaxMessageSize caps how much a holder reads from one connection.
	MaxMessageSize int
}

// DefaultConfig returns a Config for addr:port with a 5 second timeout and a
// 64 KiB message limit.
func DefaultConfig(addr, port string) Config {
	return Config{
		Addr:           addr,
		Port:           port,
		Timeout:        5 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// MessageFunc receives the argument sent by another instance. It runs on the
// connection's goroutine.
type MessageFunc func(msg string)

// ProcessMutex is a port-based inter-process mutex.
type ProcessMutex struct {
	cfg       Config
	log       logger.Logger
	onMessage MessageFunc

	mu     sync.Mutex
	server *listenserver.ListenServer
}

// New creates a ProcessMutex that is not held yet.
//
// Parameters:
//   - cfg: Address and limits
//   - onMessage: Called with each message received while the mutex is held
//   - log: Logger; nil disables logging
func New(cfg Config, onMessage MessageFunc, log logger.Logger) *ProcessMutex {
	return &ProcessMutex{
		cfg:       cfg,
		log:       logger.OrNop(log).With(logger.Field{Key: "mutex", Value: cfg.Addr + ":" + cfg.Port}),
		onMessage: onMessage,
	}
}

// Acquire tries to take the mutex by binding its port.
//
// Returns:
//   - true if this process now holds the mutex
//   - false with a nil error if another process holds it
//   - An error for anything other than a busy port
func (m *ProcessMutex) Acquire() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server != nil {
		return true, nil
	}

	scfg := listenserver.DefaultConfig("procmutex", m.cfg.Addr, m.cfg.Port)
	srv := listenserver.NewListenServer(scfg, m.log)
	if err := srv.Start(m.accept); err != nil {
		if errors.Is(err, socket.ErrBind) {
			m.log.Debug("mutex is held by another process")
			return false, nil
		}

		return false, err
	}

	m.server = srv
	m.log.Info("mutex acquired")
	return true, nil
}

// Held reports whether this process holds the mutex.
func (m *ProcessMutex) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server != nil
}

// Test checks whether another process holds the mutex and, if so, sends it msg.
//
// Parameters:
//   - ctx: Bounds the connect
//   - msg: Delivered to the holder's MessageFunc
//
// Returns:
//   - true if a holder was reached and msg was sent
//   - false with a nil error if nothing is listening on the port
func (m *ProcessMutex) Test(ctx context.Context, msg string) (bool, error) {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	s := socket.NewSimpleSocket(socket.Config{
		Addr:           m.cfg.Addr,
		Port:           m.cfg.Port,
		ConnectTimeout: m.cfg.Timeout,
	}, m.log)
	defer s.Close()

	if err := s.Connect(ctx); err != nil {
		if errors.Is(err, socket.ErrConnect) {
			return false, nil
		}

		return false, err
	}

	if err := s.Write([]byte(msg)); err != nil {
		return true, fmt.Errorf("sending message to mutex holder: %w", err)
	}

	if err := s.CloseWrite(); err != nil {
		return true, fmt.Errorf("sending message to mutex holder: %w", err)
	}

	return true, nil
}

// Release gives up the mutex and closes any connection still being read.
// Releasing a mutex that is not held is a no-op.
func (m *ProcessMutex) Release() error {
	m.mu.Lock()
	srv := m.server
	m.server = nil
	m.mu.Unlock()

	if srv == nil {
		return nil
	}

	m.log.Info("mutex released")
	return srv.Stop()
}

func (m *ProcessMutex) accept(info listenserver.AcceptInfo) (listenserver.Handler, error) {
	r := &reader{
		sock:  socket.NewSimpleSocketFromConn(info.Conn, m.log),
		limit: m.cfg.MaxMessageSize,
		done:  make(chan struct{}),
	}
	go r.run(m.deliver)

	return r, nil
}

func (m *ProcessMutex) deliver(msg string) {
	if m.onMessage != nil {
		m.onMessage(msg)
	}
}

// reader collects one message, which ends when the sender closes its side.
type reader struct {
	sock  *socket.SimpleSocket
	limit int
	done  chan struct{}
}

func (r *reader) run(deliver func(string)) {
	defer close(r.done)
	defer r.sock.Close()

	var msg []byte
	for {
		chunk, err := r.sock.Read()
		msg = append(msg, chunk...)
		if r.limit > 0 && len(msg) > r.limit {
			return
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				deliver(string(msg))
			}
			return
		}
	}
}

func (r *reader) Shutdown() error {
	err := r.sock.Close()
	<-r.done
	return err
}

func (r *reader) Done() <-chan struct{} {
	return r.done
}
