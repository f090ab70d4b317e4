package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Pod coordination
// Every relay instance keeps a pod record alive with a heartbeat. Client
// records left behind by a crashed instance are removed by whichever instance
// holds the leader lock.

const (
	activePodsKey = "pods:active"
	leaderLockKey = "lock:leader"

	// PodTTL is how long a pod record survives without a heartbeat
	PodTTL = 30 * time.Second
)

// RegisterPod registers this pod in the pod registry with initial heartbeat
func (c *Client) RegisterPod(ctx context.Context, version string) error {
	now := time.Now()
	podInfo := PodInfo{
		PodID:         c.podID,
		StartTime:     now,
		LastHeartbeat: now,
		Version:       version,
	}

	data, err := json.Marshal(podInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal pod info: %w", err)
	}

	if err := c.rdb.Set(ctx, podInfoKey(c.podID), data, PodTTL).Err(); err != nil {
		return fmt.Errorf("failed to register pod: %w", err)
	}
	if err := c.rdb.SAdd(ctx, activePodsKey, c.podID).Err(); err != nil {
		return fmt.Errorf("failed to add pod to active set: %w", err)
	}

	return nil
}

// Heartbeat refreshes this pod's record; clientCount comes from the registry
func (c *Client) Heartbeat(ctx context.Context, clientCount int, version string) error {
	podInfo := PodInfo{
		PodID:         c.podID,
		LastHeartbeat: time.Now(),
		ClientCount:   clientCount,
		Version:       version,
	}

	// Preserve StartTime if it exists
	existingData, err := c.rdb.Get(ctx, podInfoKey(c.podID)).Result()
	if err == nil {
		var existing PodInfo
		if err := json.Unmarshal([]byte(existingData), &existing); err == nil {
			podInfo.StartTime = existing.StartTime
		}
	}

	data, err := json.Marshal(podInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal pod info: %w", err)
	}

	if err := c.rdb.Set(ctx, podInfoKey(c.podID), data, PodTTL).Err(); err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	if err := c.rdb.SAdd(ctx, activePodsKey, c.podID).Err(); err != nil {
		return fmt.Errorf("failed to refresh active set: %w", err)
	}

	_ = c.PublishEvent(ctx, Event{
		Type: "POD_HEARTBEAT",
		Data: map[string]interface{}{
			"pod_id":       c.podID,
			"client_count": clientCount,
			"version":      version,
		},
	})

	return nil
}

// GetActivePods returns all pods whose record has not expired
func (c *Client) GetActivePods(ctx context.Context) ([]PodInfo, error) {
	podIDs, err := c.rdb.SMembers(ctx, activePodsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active pods: %w", err)
	}

	var pods []PodInfo
	for _, podID := range podIDs {
		data, err := c.rdb.Get(ctx, podInfoKey(podID)).Result()
		if err == goredis.Nil {
			// Pod info expired, remove from active set
			c.rdb.SRem(ctx, activePodsKey, podID)
			continue
		}
		if err != nil {
			continue
		}

		var podInfo PodInfo
		if err := json.Unmarshal([]byte(data), &podInfo); err != nil {
			continue
		}
		pods = append(pods, podInfo)
	}

	return pods, nil
}

// CleanupOrphanedClients removes client records of pods that are no longer active.
// Returns the number of clients cleaned up
func (c *Client) CleanupOrphanedClients(ctx context.Context) (int, error) {
	activePods, err := c.GetActivePods(ctx)
	if err != nil {
		return 0, err
	}
	active := make(map[string]bool, len(activePods))
	for _, pod := range activePods {
		active[pod.PodID] = true
	}

	count := 0
	iter := c.rdb.Scan(ctx, 0, clientKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		data, err := c.rdb.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var client ClientData
		if err := json.Unmarshal([]byte(data), &client); err != nil {
			continue
		}
		if active[client.PodID] {
			continue
		}

		pipe := c.rdb.Pipeline()
		pipe.Del(ctx, clientKey(client.UUID))
		pipe.SRem(ctx, podClientsKey(client.PodID), client.UUID)
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}
		count++
	}
	if err := iter.Err(); err != nil {
		return count, fmt.Errorf("failed to scan client keys: %w", err)
	}

	return count, nil
}

// AcquireLeaderLock attempts to acquire a distributed lock for leader election
// The lock has a TTL so a crashed leader cannot hold it forever
func (c *Client) AcquireLeaderLock(ctx context.Context, ttl time.Duration) (bool, error) {
	result, err := c.rdb.SetNX(ctx, leaderLockKey, c.podID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	return result, nil
}

// ReleaseLeaderLock releases the leader lock if this pod holds it
func (c *Client) ReleaseLeaderLock(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	if err := c.rdb.Eval(ctx, script, []string{leaderLockKey}, c.podID).Err(); err != nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}

// GracefulShutdown removes this pod's client records and pod record
func (c *Client) GracefulShutdown(ctx context.Context) error {
	members, err := c.GetPodClients(ctx)
	if err != nil {
		return err
	}

	pipe := c.rdb.Pipeline()
	for _, uuid := range members {
		pipe.Del(ctx, clientKey(uuid))
	}
	pipe.Del(ctx, podClientsKey(c.podID))
	pipe.Del(ctx, podInfoKey(c.podID))
	pipe.SRem(ctx, activePodsKey, c.podID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove pod state: %w", err)
	}

	if err := c.PublishEvent(ctx, Event{
		Type: "POD_SHUTDOWN",
		Data: map[string]interface{}{"pod_id": c.podID},
	}); err != nil {
		return fmt.Errorf("failed to publish shutdown event: %w", err)
	}

	return nil
}
