package server

import (
	"net"
	"sync"

	"github.com/google/uuid"
)

// ClientID identifies one connection for its whole lifetime. Addr is what
// users see when no nickname is set; Session keeps two connections apart even
// when the transport reports the same address for both.
type ClientID struct {
	Addr    string
	Session uuid.UUID
}

// NewClientID mints an identifier for a freshly accepted connection.
func NewClientID(addr net.Addr) ClientID {
	id := ClientID{Session: uuid.Must(uuid.NewRandom())}
	if addr != nil {
		id.Addr = addr.String()
	}
	return id
}

func (id ClientID) String() string {
	if id.Addr == "" {
		return id.Session.String()
	}
	return id.Addr
}

// Event is anything a connection (or the acceptor) hands to the registry.
type Event interface {
	event()
}

// Join registers a connection and the mailbox the registry replies through.
type Join struct {
	ID      ClientID
	Mailbox *Mailbox
}

// Leave unregisters a connection. Sending it twice is harmless.
type Leave struct {
	ID ClientID
}

// Broadcast carries a raw chunk of text to relay to every other client.
type Broadcast struct {
	ID   ClientID
	Text string
}

// Command carries a whitespace split command line, Tokens[0] is the name
// including its leading marker.
type Command struct {
	ID     ClientID
	Tokens []string
}

// StatsRequest asks the registry to log the connected clients. When Reply is
// set, a snapshot of the ids is also sent on it; it must have room for one value.
type StatsRequest struct {
	Reply chan<- []ClientID
}

func (Join) event()         {}
func (Leave) event()        {}
func (Broadcast) event()    {}
func (Command) event()      {}
func (StatsRequest) event() {}

// OutboundCommand is what the registry queues for a connection's writer.
type OutboundCommand interface {
	outbound()
}

// SendText writes Text verbatim to the client.
type SendText struct {
	Text string
}

func (SendText) outbound() {}

// Mailbox is the registry's handle on one client's outbound queue.
// The registry is the only producer, the connection writer the only consumer.
type Mailbox struct {
	queue    chan OutboundCommand
	gone     chan struct{}
	evicted  chan struct{}
	finished chan struct{}

	goneOnce   sync.Once
	evictOnce  sync.Once
	finishOnce sync.Once
}

// NewMailbox creates a mailbox whose queue holds up to size commands.
func NewMailbox(size int) *Mailbox {
	if size < 1 {
		size = 1
	}
	return &Mailbox{
		queue:    make(chan OutboundCommand, size),
		gone:     make(chan struct{}),
		evicted:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Deliver enqueues cmd without blocking.
func (m *Mailbox) Deliver(cmd OutboundCommand) error {
	select {
	case <-m.gone:
		return ErrClientGone
	default:
	}
	select {
	case m.queue <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Evict tells the writer to stop. The connection is closed as a consequence.
func (m *Mailbox) Evict() {
	m.evictOnce.Do(func() { close(m.evicted) })
}

// Finish tells the writer to flush what is already queued and then stop.
// Nothing is delivered after it.
func (m *Mailbox) Finish() {
	m.finishOnce.Do(func() { close(m.finished) })
}

// Finished is closed once the registry forgot this client.
func (m *Mailbox) Finished() <-chan struct{} {
	return m.finished
}

// Commands returns the consumer side of the queue.
func (m *Mailbox) Commands() <-chan OutboundCommand {
	return m.queue
}

// Evicted is closed once the registry gave up on this client.
func (m *Mailbox) Evicted() <-chan struct{} {
	return m.evicted
}

// Close marks the consumer as gone. Later deliveries fail with ErrClientGone.
func (m *Mailbox) Close() {
	m.goneOnce.Do(func() { close(m.gone) })
}
