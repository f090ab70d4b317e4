// Package server implements the chat relay: a registry goroutine that owns
// every connected client, plus a reader and a writer goroutine per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tehcyx/chatrelay/pkg/metrics"
	"github.com/tehcyx/chatrelay/pkg/redis"
)

const (
	// DefaultReadBufferSize is the largest chunk one read hands to the registry.
	DefaultReadBufferSize = 1024
	// DefaultEventQueueSize buffers events between connections and the registry.
	DefaultEventQueueSize = 32
	// DefaultOutboundQueueSize is how many messages may wait for a slow client.
	DefaultOutboundQueueSize = 4
	// DefaultHeartbeatInterval is how often the pod record in Redis is refreshed.
	DefaultHeartbeatInterval = 10 * time.Second

	maxAcceptDelay = time.Second
)

// Options tunes a Server. Zero values fall back to the defaults above.
type Options struct {
	Framing           Framing
	ReadBufferSize    int
	EventQueueSize    int
	OutboundQueueSize int
	SlowClientPolicy  SlowClientPolicy

	// Presence, when set, receives every join, rename and leave.
	Presence PresenceStore
	// Redis, when set, gets a periodic pod heartbeat.
	Redis             *redis.Client
	HeartbeatInterval time.Duration
}

// Server accepts connections and relays text between them through a Registry.
type Server struct {
	registry *Registry

	framing           Framing
	readBufferSize    int
	outboundQueueSize int

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}

	// producers counts everything that may still send to the registry.
	producers sync.WaitGroup
	closeOnce sync.Once
}

// New creates a server and starts its registry.
func New(opts Options) (*Server, error) {
	framing := opts.Framing
	switch framing {
	case "":
		framing = FramingRead
	case FramingRead, FramingLine:
	default:
		return nil, fmt.Errorf("server.New: unknown framing %q", framing)
	}
	policy := opts.SlowClientPolicy
	if policy == "" {
		policy = PolicyDisconnect
	}

	registryOptions := []registryOption{WithSlowClientPolicy(policy)}
	if opts.Presence != nil {
		registryOptions = append(registryOptions, WithPresence(opts.Presence))
	}
	registry, err := NewRegistry(orDefault(opts.EventQueueSize, DefaultEventQueueSize), registryOptions...)
	if err != nil {
		return nil, fmt.Errorf("server.New: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry:          registry,
		framing:           framing,
		readBufferSize:    orDefault(opts.ReadBufferSize, DefaultReadBufferSize),
		outboundQueueSize: orDefault(opts.OutboundQueueSize, DefaultOutboundQueueSize),
		ctx:               ctx,
		cancel:            cancel,
		listeners:         make(map[net.Listener]struct{}),
		conns:             make(map[net.Conn]struct{}),
	}

	go registry.Run()

	if opts.Redis != nil {
		s.producers.Add(1)
		go func() {
			defer s.producers.Done()
			s.runHeartbeat(ctx, opts.Redis, orDefault(opts.HeartbeatInterval, DefaultHeartbeatInterval))
		}()
	}

	return s, nil
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Serve accepts connections on ln until Shutdown is called or the listener
// fails for good. It always returns a non-nil error.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	log.Printf("listening at %s", ln.Addr())

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			log.Errorf("Failed to accept connection: %v; retrying in %v", err, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		metrics.ConnectionsAccepted.Inc()
		s.HandleClient(conn)
	}
}

// HandleClient takes ownership of conn and relays for it in the background.
func (s *Server) HandleClient(conn net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.producers.Add(1)
	s.mu.Unlock()

	go s.handleClientConnect(conn)
}

func (s *Server) handleClientConnect(conn net.Conn) {
	id := NewClientID(conn.RemoteAddr())
	logger := log.WithFields(log.Fields{"client": id.String(), "session": id.Session})

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.producers.Done()
	}()

	logger.Infof("accepted %s", id)

	mailbox := NewMailbox(s.outboundQueueSize)
	events := s.registry.Events()
	events <- Join{ID: id, Mailbox: mailbox}
	events <- StatsRequest{}

	c := &connection{
		id:      id,
		conn:    conn,
		mailbox: mailbox,
		events:  events,
		framing: s.framing,
		bufSize: s.readBufferSize,
		logger:  logger,
	}

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop()
		// the registry answers with Finish once everything queued so far
		// is in the mailbox, so replies to the last commands still go out
		events <- Leave{ID: id}
	}()
	go func() {
		defer wg.Done()
		// closing conn releases a reader still blocked in Read
		defer conn.Close()
		defer mailbox.Close()
		c.writeLoop()
	}()
	wg.Wait()

	events <- Leave{ID: id}
	logger.Infof("connection to %s finished", id)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown stops accepting, closes every connection and waits until the
// registry has processed the last Leave, or until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for ln := range s.listeners {
			ln.Close()
		}
		log.Printf("Disconnecting %d clients...", len(s.conns))
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		s.cancel()
		go func() {
			s.producers.Wait()
			s.registry.Close()
		}()
	})

	select {
	case <-s.registry.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
