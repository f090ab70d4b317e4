package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/tehcyx/chatrelay/pkg/metrics"
)

// SlowClientPolicy decides what happens when a client's outbound queue is full.
type SlowClientPolicy string

const (
	// PolicyDisconnect treats a full queue as a dead client and evicts it.
	PolicyDisconnect SlowClientPolicy = "disconnect"
	// PolicyDrop discards the message that did not fit and keeps the client.
	PolicyDrop SlowClientPolicy = "drop"
)

// clientEntry is the registry's private record of one connected client.
type clientEntry struct {
	mailbox *Mailbox
	nick    string
}

func (e *clientEntry) displayName(id ClientID) string {
	if e.nick != "" {
		return e.nick
	}
	return id.String()
}

// Registry owns the set of connected clients. All state lives in the goroutine
// running Run; everything else talks to it through the event channel.
type Registry struct {
	events  chan Event
	clients map[ClientID]*clientEntry

	policy   SlowClientPolicy
	presence *presenceSync

	done chan struct{}
}

type registryOption func(r *Registry) error

// WithSlowClientPolicy overrides the default PolicyDisconnect.
func WithSlowClientPolicy(policy SlowClientPolicy) registryOption {
	return func(r *Registry) error {
		switch policy {
		case PolicyDisconnect, PolicyDrop:
			r.policy = policy
			return nil
		default:
			return fmt.Errorf("server.WithSlowClientPolicy: unknown policy %q", policy)
		}
	}
}

// WithPresence mirrors joins, renames and leaves into store. Updates are
// applied on a separate goroutine and never hold up event handling.
func WithPresence(store PresenceStore) registryOption {
	return func(r *Registry) error {
		if store == nil {
			return errors.New("server.WithPresence: store is nil")
		}
		r.presence = newPresenceSync(store, presenceQueueLimit)
		return nil
	}
}

// NewRegistry builds a registry whose event channel buffers queueSize events.
func NewRegistry(queueSize int, options ...registryOption) (*Registry, error) {
	if queueSize < 0 {
		return nil, fmt.Errorf("server.NewRegistry: invalid queue size (%d)", queueSize)
	}
	r := &Registry{
		events:  make(chan Event, queueSize),
		clients: make(map[ClientID]*clientEntry),
		policy:  PolicyDisconnect,
		done:    make(chan struct{}),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		if err := option(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Events returns the producer side of the event channel.
func (r *Registry) Events() chan<- Event {
	return r.events
}

// Close closes the event channel. It must only be called once every producer
// has stopped sending; Run returns after draining what is left.
func (r *Registry) Close() {
	close(r.events)
}

// Done is closed when Run has returned.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Run handles events one at a time, in arrival order, until the event channel
// is closed.
func (r *Registry) Run() {
	if r.presence != nil {
		go r.presence.run()
	}
	defer func() {
		if r.presence != nil {
			r.presence.close()
		}
		log.Infof("[registry] event channel closed, %d client(s) still registered", len(r.clients))
		close(r.done)
	}()

	for ev := range r.events {
		r.handle(ev)
	}
}

func (r *Registry) handle(ev Event) {
	switch ev := ev.(type) {
	case Join:
		metrics.EventsTotal.WithLabelValues("join").Inc()
		r.handleJoin(ev)
	case Leave:
		metrics.EventsTotal.WithLabelValues("leave").Inc()
		r.handleLeave(ev)
	case Broadcast:
		metrics.EventsTotal.WithLabelValues("broadcast").Inc()
		r.handleBroadcast(ev)
	case Command:
		metrics.EventsTotal.WithLabelValues("command").Inc()
		r.handleCommand(ev)
	case StatsRequest:
		metrics.EventsTotal.WithLabelValues("stats").Inc()
		r.handleStats(ev)
	default:
		log.Warnf("[registry] ignoring unknown event %T", ev)
	}
}

func (r *Registry) handleJoin(ev Join) {
	if ev.Mailbox == nil {
		log.Errorf("[registry] join from %s without mailbox, ignoring", ev.ID)
		return
	}
	if _, ok := r.clients[ev.ID]; ok {
		log.Warnf("[registry] client %s joined twice, replacing previous entry", ev.ID)
	}
	r.clients[ev.ID] = &clientEntry{mailbox: ev.Mailbox}
	metrics.ClientsConnected.Set(float64(len(r.clients)))
	r.publishPresence(presenceUpdate{kind: presenceJoined, id: ev.ID})
	log.WithField("session", ev.ID.Session).Infof("[registry] client %s joined", ev.ID)
}

func (r *Registry) handleLeave(ev Leave) {
	entry, ok := r.clients[ev.ID]
	if !ok {
		log.Debugf("[registry] leave for unknown client %s, nothing to do", ev.ID)
		return
	}
	entry.mailbox.Finish()
	r.remove(ev.ID)
	log.WithField("session", ev.ID.Session).Infof("[registry] client %s left", ev.ID)
}

func (r *Registry) handleBroadcast(ev Broadcast) {
	sender, ok := r.clients[ev.ID]
	if !ok {
		log.Debugf("[registry] dropping broadcast from unregistered client %s", ev.ID)
		return
	}
	text := fmt.Sprintf(broadcastFormat, sender.displayName(ev.ID), ev.Text)

	var failed []ClientID
	for id, entry := range r.clients {
		if id == ev.ID {
			continue
		}
		if err := r.deliver(id, entry, SendText{Text: text}); err != nil {
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		r.evict(id)
	}
}

func (r *Registry) handleCommand(ev Command) {
	entry, ok := r.clients[ev.ID]
	if !ok || len(ev.Tokens) == 0 {
		return
	}

	name, args := ev.Tokens[0], ev.Tokens[1:]
	reply := ErrInvalidCommand
	switch {
	case name == SetNicknameCmd && len(args) == 1:
		entry.nick = args[0]
		r.publishPresence(presenceUpdate{kind: presenceRenamed, id: ev.ID, nick: entry.nick})
		log.Debugf("[registry] client %s is now known as %q", ev.ID, entry.nick)
		reply = RplOk
	default:
		log.Debugf("[registry] client %s sent invalid command %q", ev.ID, strings.Join(ev.Tokens, " "))
	}

	if err := r.deliver(ev.ID, entry, SendText{Text: reply}); err != nil {
		r.evict(ev.ID)
	}
}

func (r *Registry) handleStats(ev StatsRequest) {
	ids := r.snapshot()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.String()
	}
	log.Infof("[registry] server stat: %d client(s) [%s]", len(ids), strings.Join(names, ", "))

	if ev.Reply != nil {
		select {
		case ev.Reply <- ids:
		default:
			log.Warn("[registry] stats reply channel not ready, dropping snapshot")
		}
	}
}

// snapshot returns the registered ids ordered by their string form.
func (r *Registry) snapshot() []ClientID {
	ids := make([]ClientID, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].String() == ids[j].String() {
			return ids[i].Session.String() < ids[j].Session.String()
		}
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// deliver returns a non-nil error only when the target must be evicted.
func (r *Registry) deliver(id ClientID, entry *clientEntry, cmd OutboundCommand) error {
	err := entry.mailbox.Deliver(cmd)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrQueueFull):
		metrics.DeliveryFailures.WithLabelValues("queue_full").Inc()
		if r.policy == PolicyDrop {
			log.Warnf("[registry] outbound queue of %s is full, dropping message", id)
			return nil
		}
		log.Warnf("[registry] outbound queue of %s is full, disconnecting slow client", id)
	default:
		metrics.DeliveryFailures.WithLabelValues("client_gone").Inc()
		log.Infof("[registry] delivery to %s failed: %v", id, err)
	}
	return fmt.Errorf("deliver to %s: %w", id, err)
}

// evict removes a client the registry can no longer reach and tells its writer
// to stop. The connection's own Leave arrives later and is a no-op.
func (r *Registry) evict(id ClientID) {
	entry, ok := r.clients[id]
	if !ok {
		return
	}
	entry.mailbox.Evict()
	r.remove(id)
	log.WithField("session", id.Session).Infof("[registry] client %s evicted", id)
}

func (r *Registry) remove(id ClientID) {
	delete(r.clients, id)
	metrics.ClientsConnected.Set(float64(len(r.clients)))
	r.publishPresence(presenceUpdate{kind: presenceLeft, id: id})
}

func (r *Registry) publishPresence(u presenceUpdate) {
	if r.presence == nil {
		return
	}
	r.presence.publish(u)
}
