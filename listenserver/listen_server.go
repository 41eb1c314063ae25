// Package listenserver accepts TCP connections on a listening SimpleSocket and
// keeps a registration for every accepted connection until it has finished.
// Finished registrations are removed by a cleanup pass that runs on each
// accept and on a timer, so the accept loop never waits on a connection.
package listenserver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-duplex/idgenerator"
	"github.com/cyberinferno/go-duplex/logger"
	"github.com/cyberinferno/go-duplex/metrics"
	"github.com/cyberinferno/go-duplex/safemap"
	"github.com/cyberinferno/go-duplex/safequeue"
	"github.com/cyberinferno/go-duplex/socket"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidState is returned when a lifecycle method is called out of order.
var ErrInvalidState = errors.New("invalid server state")

// State is the lifecycle stage of a ListenServer.
type State int32

const (
	Created   State = iota // Constructed, Start not yet called
	Listening              // Accept loop running
	Stopping               // Stop in progress
	Stopped                // Accept loop joined and all connections closed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Listening:
		return "Listening"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Config holds the settings of a ListenServer.
type Config struct {
	// Name identifies the server in log messages and errors.
	Name string
	// Socket holds the bind address and the TCP options applied to accepted
	// connections.
	Socket socket.Config
	// CleanupInterval runs the cleanup pass on a timer in addition to every
	// accept; 0 disables the timer.
	CleanupInterval time.Duration
	// Metrics receives accept counts; nil disables metrics.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config for the given bind address with a 30 second
// cleanup interval.
func DefaultConfig(name, addr, port string) Config {
	return Config{
		Name:            name,
		Socket:          socket.DefaultConfig(addr, port),
		CleanupInterval: 30 * time.Second,
	}
}

// registration tracks one accepted connection. joined is closed by the
// connection's watcher goroutine once the handler is done.
type registration struct {
	handler Handler
	joined  chan struct{}
}

// ListenServer accepts connections on its own goroutine and hands each one to
// the AcceptFunc given to Start.
type ListenServer struct {
	cfg     Config
	log     logger.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	state        atomic.Int32
	listenSocket *socket.SimpleSocket
	accept       AcceptFunc

	registrations *safemap.SafeMap[uint32, *registration]
	closedIDs     *safequeue.Queue[uint32]
	ids           *idgenerator.IdGenerator

	acceptDone  chan struct{}
	janitorStop chan struct{}
	janitorDone chan struct{}
	stopped     chan struct{}
}

// NewListenServer creates a ListenServer in the Created state.
//
// Parameters:
//   - cfg: Bind address and server settings
//   - log: Logger for lifecycle and accept events; nil disables logging
func NewListenServer(cfg Config, log logger.Logger) *ListenServer {
	return &ListenServer{
		cfg:           cfg,
		log:           logger.OrNop(log).With(logger.Field{Key: "server", Value: cfg.Name}),
		metrics:       cfg.Metrics,
		registrations: safemap.NewSafeMap[uint32, *registration](),
		closedIDs:     safequeue.NewQueue[uint32](),
		ids:           idgenerator.NewIdGenerator(0),
		acceptDone:    make(chan struct{}),
		janitorStop:   make(chan struct{}),
		janitorDone:   make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Start binds the configured address and starts the accept loop on its own
// goroutine. It may be called once.
//
// Parameters:
//   - accept: Called on the accept goroutine for every new connection
//
// Returns:
//   - An error wrapping socket.ErrBind if the address is unavailable, or
//     ErrInvalidState if the server was already started
func (s *ListenServer) Start(accept AcceptFunc) error {
	if accept == nil {
		return fmt.Errorf("server %s: accept callback is nil", s.cfg.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != Created {
		return fmt.Errorf("server %s is %s: %w", s.cfg.Name, st, ErrInvalidState)
	}

	ls := socket.NewSimpleSocket(s.cfg.Socket, s.log)
	if err := ls.Listen(); err != nil {
		s.log.Error("server failed to start", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("server %s failed to start: %w", s.cfg.Name, err)
	}

	s.listenSocket = ls
	s.accept = accept
	s.state.Store(int32(Listening))

	go s.acceptLoop()
	go s.janitor()

	s.log.Info(fmt.Sprintf("%s server started", s.cfg.Name), logger.Field{Key: "addr", Value: ls.ListenAddr().String()})
	return nil
}

// Stop closes the listening socket, waits for the accept loop to exit, shuts
// down every registered connection and waits for each to finish. Calling Stop
// before Start is a no-op; calling it again waits for the first call to finish.
//
// Returns:
//   - The combined shutdown errors of the registered connections, if any
func (s *ListenServer) Stop() error {
	s.mu.Lock()
	switch s.State() {
	case Created:
		s.mu.Unlock()
		return nil
	case Stopping, Stopped:
		s.mu.Unlock()
		<-s.stopped
		return nil
	}

	s.state.Store(int32(Stopping))
	ls := s.listenSocket
	s.mu.Unlock()

	_ = ls.Close()
	<-s.acceptDone
	close(s.janitorStop)
	<-s.janitorDone

	var regs []*registration
	s.registrations.Range(func(_ uint32, reg *registration) bool {
		regs = append(regs, reg)
		return true
	})

	errs := make([]error, len(regs))
	var g errgroup.Group
	for i, reg := range regs {
		i, reg := i, reg
		g.Go(func() error {
			errs[i] = reg.handler.Shutdown()
			<-reg.joined
			return nil
		})
	}
	_ = g.Wait()

	s.registrations.Drain()
	s.closedIDs.Drain()
	s.state.Store(int32(Stopped))
	close(s.stopped)

	s.log.Info(fmt.Sprintf("%s server stopped", s.cfg.Name), logger.Field{Key: "connections", Value: len(regs)})
	return multierr.Combine(errs...)
}

// Join blocks until the accept loop has exited. It returns immediately if the
// server was never started.
func (s *ListenServer) Join() {
	if s.State() == Created {
		return
	}

	<-s.acceptDone
}

// State returns the current lifecycle state.
func (s *ListenServer) State() State {
	return State(s.state.Load())
}

// Addr returns the bound listening address, or nil before Start.
func (s *ListenServer) Addr() net.Addr {
	s.mu.Lock()
	ls := s.listenSocket
	s.mu.Unlock()

	if ls == nil {
		return nil
	}

	return ls.ListenAddr()
}

// Len returns the number of registered connections, including finished ones
// the cleanup pass has not removed yet.
func (s *ListenServer) Len() int {
	return s.registrations.Len()
}

// Handler returns the handler registered under id.
func (s *ListenServer) Handler(id uint32) (Handler, bool) {
	reg, ok := s.registrations.Load(id)
	if !ok {
		return nil, false
	}

	return reg.handler, true
}

// CloseConnection shuts down the connection registered under id. Its
// registration is removed by the next cleanup pass.
//
// Returns:
//   - The handler's shutdown error, or an error if id is not registered
func (s *ListenServer) CloseConnection(id uint32) error {
	h, ok := s.Handler(id)
	if !ok {
		return fmt.Errorf("server %s: no connection %d", s.cfg.Name, id)
	}

	return h.Shutdown()
}

// Cleanup removes the registrations of connections that have finished.
//
// Returns:
//   - The number of registrations removed
func (s *ListenServer) Cleanup() int {
	removed := 0
	for _, id := range s.closedIDs.Drain() {
		if reg, ok := s.registrations.LoadAndDelete(id); ok {
			<-reg.joined
			removed++
		}
	}

	if removed > 0 {
		s.log.Debug("removed finished connections", logger.Field{Key: "count", Value: removed})
	}

	return removed
}

func (s *ListenServer) acceptLoop() {
	defer close(s.acceptDone)
	_ = s.listenSocket.Serve(s.acceptProcess)
}

func (s *ListenServer) acceptProcess(info socket.AcceptInfo) {
	s.metrics.Accepted()
	s.Cleanup()

	id := s.ids.Id()
	handler, err := s.accept(AcceptInfo{ID: id, AcceptInfo: info})
	if err != nil || handler == nil {
		s.log.Warn("connection rejected", logger.Field{Key: "peer", Value: info.PeerAddr.String()}, logger.Field{Key: "error", Value: fmt.Sprint(err)})
		_ = info.Conn.Close()
		return
	}

	reg := &registration{handler: handler, joined: make(chan struct{})}
	s.registrations.Store(id, reg)
	go s.watch(id, reg)

	s.log.Debug("connection accepted", logger.Field{Key: "id", Value: id}, logger.Field{Key: "peer", Value: info.PeerAddr.String()})
}

// watch waits for a connection to finish and queues it for cleanup.
func (s *ListenServer) watch(id uint32, reg *registration) {
	<-reg.handler.Done()
	s.closedIDs.Push(id)
	close(reg.joined)
}

func (s *ListenServer) janitor() {
	defer close(s.janitorDone)

	if s.cfg.CleanupInterval <= 0 {
		<-s.janitorStop
		return
	}

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.janitorStop:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}
