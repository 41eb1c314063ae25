package listenserver

import (
	"github.com/cyberinferno/go-duplex/logger"
	"github.com/cyberinferno/go-duplex/socket"
)

// Handler is what an AcceptFunc returns for each connection. The server calls
// Shutdown when it stops and waits on Done to know the connection has finished.
// *socket.PersistentSocket satisfies Handler.
type Handler interface {
	// Shutdown stops the connection and waits for it to finish. It must be
	// safe to call more than once.
	Shutdown() error

	// Done is closed once the connection has finished, whether it was shut
	// down or failed on its own.
	Done() <-chan struct{}
}

// AcceptInfo describes an accepted connection together with the handle it is
// registered under.
type AcceptInfo struct {
	ID uint32
	socket.AcceptInfo
}

// AcceptFunc takes ownership of an accepted connection and returns the Handler
// that serves it. If it returns an error or a nil Handler, the server closes
// the connection and does not register it.
type AcceptFunc func(info AcceptInfo) (Handler, error)

// PersistentSockets returns an AcceptFunc that wraps every accepted connection
// in a socket.PersistentSocket built from cfg and, if serve is non-nil, runs
// serve for it on a new goroutine. The connection counts as finished only once
// the socket has terminated and serve has returned, so Stop waits for serve.
// serve should return once ReadNext fails.
//
// Parameters:
//   - cfg: Settings for the per-connection sockets; endpoint fields are ignored
//   - log: Parent logger; each socket gets a child tagged with its id
//   - serve: Consumer of the socket, typically a ReadNext loop
func PersistentSockets(cfg socket.PersistentConfig, log logger.Logger, serve func(id uint32, s *socket.PersistentSocket)) AcceptFunc {
	log = logger.OrNop(log)
	return func(info AcceptInfo) (Handler, error) {
		ps := socket.NewPersistentSocketFromConn(info.Conn, cfg, log.With(logger.Field{Key: "conn", Value: info.ID}))
		if serve == nil {
			return ps, nil
		}

		h := &servedSocket{PersistentSocket: ps, done: make(chan struct{})}
		go func() {
			defer close(h.done)
			serve(info.ID, ps)
			<-ps.Done()
		}()

		return h, nil
	}
}

// servedSocket is a PersistentSocket together with the goroutine consuming it.
type servedSocket struct {
	*socket.PersistentSocket
	done chan struct{}
}

// Done is closed once the socket has terminated and its serve function has
// returned.
func (s *servedSocket) Done() <-chan struct{} {
	return s.done
}
