// Package redis mirrors the relay's connected clients into Redis so that
// several relay instances can be observed from one place.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// eventsChannel is the pub/sub channel presence events are published on.
const eventsChannel = "chatrelay:events"

// Client wraps the Redis client and provides presence bookkeeping
type Client struct {
	rdb   *redis.Client
	podID string // Unique identifier for this relay instance
}

// ClientData represents a connected chat client's presence record
type ClientData struct {
	UUID        string    `json:"uuid"`
	Addr        string    `json:"addr"`
	Nick        string    `json:"nick,omitempty"`
	PodID       string    `json:"pod_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Event represents a presence change published to other instances
type Event struct {
	Type string                 `json:"type"` // JOIN, LEAVE, NICK, POD_HEARTBEAT, POD_SHUTDOWN
	Data map[string]interface{} `json:"data"`
}

// PodInfo represents metadata about a running relay instance
type PodInfo struct {
	PodID         string    `json:"pod_id"`
	StartTime     time.Time `json:"start_time"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ClientCount   int       `json:"client_count"`
	Version       string    `json:"version"`
}

// NewClient creates a new Redis client for presence bookkeeping
func NewClient(redisURL string, podID string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if podID == "" {
		return nil, fmt.Errorf("pod id must not be empty")
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		rdb:   rdb,
		podID: podID,
	}, nil
}

// PodID returns the identifier this instance registers under
func (c *Client) PodID() string {
	return c.podID
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func clientKey(uuid string) string { return fmt.Sprintf("client:%s", uuid) }

func podClientsKey(podID string) string { return fmt.Sprintf("pod:%s:clients", podID) }

func podInfoKey(podID string) string { return fmt.Sprintf("pod:%s:info", podID) }

// RegisterClient stores a client's presence record and adds it to this pod's set
func (c *Client) RegisterClient(ctx context.Context, client ClientData) error {
	client.PodID = c.podID

	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client data: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, clientKey(client.UUID), data, 0)
	pipe.SAdd(ctx, podClientsKey(c.podID), client.UUID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register client: %w", err)
	}

	_ = c.PublishEvent(ctx, Event{
		Type: "JOIN",
		Data: map[string]interface{}{"uuid": client.UUID, "addr": client.Addr, "pod_id": c.podID},
	})
	return nil
}

// GetClient retrieves a client by UUID
func (c *Client) GetClient(ctx context.Context, uuid string) (*ClientData, error) {
	data, err := c.rdb.Get(ctx, clientKey(uuid)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("client not found: %s", uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client ClientData
	if err := json.Unmarshal([]byte(data), &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client data: %w", err)
	}

	return &client, nil
}

// UnregisterClient removes a client's presence record
func (c *Client) UnregisterClient(ctx context.Context, uuid string) error {
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, clientKey(uuid))
	pipe.SRem(ctx, podClientsKey(c.podID), uuid)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unregister client: %w", err)
	}

	_ = c.PublishEvent(ctx, Event{
		Type: "LEAVE",
		Data: map[string]interface{}{"uuid": uuid, "pod_id": c.podID},
	})
	return nil
}

// UpdateClientNick updates a client's display name. Nicknames are not unique.
func (c *Client) UpdateClientNick(ctx context.Context, uuid, nick string) error {
	client, err := c.GetClient(ctx, uuid)
	if err != nil {
		return err
	}

	client.Nick = nick

	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client data: %w", err)
	}

	if err := c.rdb.Set(ctx, clientKey(uuid), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update nick: %w", err)
	}

	_ = c.PublishEvent(ctx, Event{
		Type: "NICK",
		Data: map[string]interface{}{"uuid": uuid, "nick": nick, "pod_id": c.podID},
	})
	return nil
}

// GetPodClients returns all client UUIDs connected to this pod
func (c *Client) GetPodClients(ctx context.Context) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, podClientsKey(c.podID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pod clients: %w", err)
	}
	return members, nil
}

// PublishEvent publishes a presence event for other instances
func (c *Client) PublishEvent(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := c.rdb.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Health checks if Redis connection is healthy
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
