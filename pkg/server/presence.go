package server

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tehcyx/chatrelay/pkg/redis"
	"github.com/tehcyx/chatrelay/pkg/version"
)

const (
	presenceQueueLimit  = 64
	presenceCallTimeout = 5 * time.Second
)

// PresenceStore receives presence changes of registered clients.
type PresenceStore interface {
	ClientJoined(ctx context.Context, id ClientID) error
	ClientRenamed(ctx context.Context, id ClientID, nick string) error
	ClientLeft(ctx context.Context, id ClientID) error
}

type presenceKind int

const (
	presenceJoined presenceKind = iota
	presenceRenamed
	presenceLeft
)

type presenceUpdate struct {
	kind presenceKind
	id   ClientID
	nick string
}

// presenceSync applies updates to a store on its own goroutine so a slow
// store never blocks the registry. Joins and renames are dropped once the
// backlog reaches limit; leaves are always kept so no record outlives its
// client.
type presenceSync struct {
	store PresenceStore
	limit int

	mu      sync.Mutex
	pending []presenceUpdate
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newPresenceSync(store PresenceStore, limit int) *presenceSync {
	return &presenceSync{
		store: store,
		limit: limit,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// publish is called from the registry goroutine only.
func (p *presenceSync) publish(u presenceUpdate) {
	p.mu.Lock()
	if u.kind != presenceLeft && len(p.pending) >= p.limit {
		p.mu.Unlock()
		log.Warnf("[presence] update queue full, dropping update for %s", u.id)
		return
	}
	p.pending = append(p.pending, u)
	p.mu.Unlock()
	p.signal()
}

func (p *presenceSync) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *presenceSync) run() {
	defer close(p.done)
	for range p.wake {
		p.mu.Lock()
		batch, closed := p.pending, p.closed
		p.pending = nil
		p.mu.Unlock()

		for _, u := range batch {
			p.apply(u)
		}
		if closed {
			return
		}
	}
}

func (p *presenceSync) apply(u presenceUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceCallTimeout)
	defer cancel()
	var err error
	switch u.kind {
	case presenceJoined:
		err = p.store.ClientJoined(ctx, u.id)
	case presenceRenamed:
		err = p.store.ClientRenamed(ctx, u.id, u.nick)
	case presenceLeft:
		err = p.store.ClientLeft(ctx, u.id)
	}
	if err != nil {
		log.Errorf("[presence] failed to sync %s: %v", u.id, err)
	}
}

// close stops run after the pending updates were applied.
func (p *presenceSync) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
	<-p.done
}

// RedisPresence stores presence records through the redis package.
type RedisPresence struct {
	Client *redis.Client
}

// ClientJoined implements PresenceStore
func (p RedisPresence) ClientJoined(ctx context.Context, id ClientID) error {
	return p.Client.RegisterClient(ctx, redis.ClientData{
		UUID:        id.Session.String(),
		Addr:        id.Addr,
		ConnectedAt: time.Now().UTC(),
	})
}

// ClientRenamed implements PresenceStore
func (p RedisPresence) ClientRenamed(ctx context.Context, id ClientID, nick string) error {
	return p.Client.UpdateClientNick(ctx, id.Session.String(), nick)
}

// ClientLeft implements PresenceStore
func (p RedisPresence) ClientLeft(ctx context.Context, id ClientID) error {
	return p.Client.UnregisterClient(ctx, id.Session.String())
}

// runHeartbeat refreshes the pod record with the registry's client count and,
// when this pod holds the leader lock, removes records of dead pods.
// It returns when ctx is cancelled.
func (s *Server) runHeartbeat(ctx context.Context, rc *redis.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("Started heartbeat goroutine (%s interval)", interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("Heartbeat goroutine stopped")
			return
		case <-ticker.C:
		}

		reply := make(chan []ClientID, 1)
		select {
		case s.registry.Events() <- StatsRequest{Reply: reply}:
		case <-ctx.Done():
			return
		}
		var clientCount int
		select {
		case ids := <-reply:
			clientCount = len(ids)
		case <-ctx.Done():
			return
		}

		callCtx, cancel := context.WithTimeout(context.Background(), presenceCallTimeout)
		if err := rc.Health(callCtx); err != nil {
			log.Warnf("Redis unreachable, skipping heartbeat: %v", err)
			cancel()
			continue
		}
		if err := rc.Heartbeat(callCtx, clientCount, version.GetVersion()); err != nil {
			log.Errorf("Failed to send heartbeat: %v", err)
		} else {
			log.Debugf("Heartbeat sent (clients: %d)", clientCount)
		}

		isLeader, err := rc.AcquireLeaderLock(callCtx, redis.PodTTL)
		if err != nil {
			log.Errorf("Failed to acquire leader lock: %v", err)
		} else if isLeader {
			if count, err := rc.CleanupOrphanedClients(callCtx); err != nil {
				log.Errorf("Failed to cleanup orphaned clients: %v", err)
			} else if count > 0 {
				log.Infof("Cleaned up %d orphaned clients", count)
			}
			if err := rc.ReleaseLeaderLock(callCtx); err != nil {
				log.Errorf("Failed to release leader lock: %v", err)
			}
		}
		cancel()
	}
}
