// shared/registry/client.go
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/redis/go-redis/v9"
)

// RedisRegistry is the registry client: instance registration and heartbeats
// live in one Redis hash per service, dynamic configuration in plain keys
// with change notifications over pub/sub.
type RedisRegistry struct {
	redisClient redis.UniversalClient
	namespace   string
	logger      log.Logger
}

// NewRedisRegistry takes an already initialized redis.UniversalClient.
// All keys are scoped by namespace.
func NewRedisRegistry(redisClient redis.UniversalClient, namespace string, logger log.Logger) *RedisRegistry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &RedisRegistry{
		redisClient: redisClient,
		namespace:   namespace,
		logger:      log.With(logger, "component", "registry"),
	}
}

func (rr *RedisRegistry) instancesKey(group, serviceName string) string {
	return fmt.Sprintf("%s%s:%s@@%s", RedisRegistryHashPrefix, rr.namespace, group, serviceName)
}

func (rr *RedisRegistry) configKey(group, dataID string) string {
	return fmt.Sprintf("%s%s:%s:%s", RedisConfigKeyPrefix, rr.namespace, group, dataID)
}

func (rr *RedisRegistry) configChannel(group, dataID string) string {
	return fmt.Sprintf("%s%s:%s:%s", RedisConfigChannelPrefix, rr.namespace, group, dataID)
}

// Register writes the instance into its service hash with a fresh LastSeen.
func (rr *RedisRegistry) Register(ctx context.Context, instance ServiceInstance) error {
	if err := rr.upsert(ctx, instance); err != nil {
		return fmt.Errorf("failed to register %s (ID: %s): %w", instance.ServiceName, instance.InstanceID, err)
	}
	return nil
}

// Heartbeat refreshes LastSeen. An instance that was pruned after missed
// heartbeats is written back, the same way a registry re-admits it.
func (rr *RedisRegistry) Heartbeat(ctx context.Context, instance ServiceInstance) error {
	if err := rr.upsert(ctx, instance); err != nil {
		return fmt.Errorf("failed to heartbeat %s (ID: %s): %w", instance.ServiceName, instance.InstanceID, err)
	}
	return nil
}

func (rr *RedisRegistry) upsert(ctx context.Context, instance ServiceInstance) error {
	instance.Namespace = rr.namespace
	instance.LastSeen = time.Now().UnixMilli()

	infoJSON, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal ServiceInstance: %w", err)
	}
	return rr.redisClient.HSet(ctx, rr.instancesKey(instance.Group, instance.ServiceName), instance.InstanceID, infoJSON).Err()
}

// Deregister removes the instance from its service hash.
func (rr *RedisRegistry) Deregister(ctx context.Context, instance ServiceInstance) error {
	key := rr.instancesKey(instance.Group, instance.ServiceName)
	if err := rr.redisClient.HDel(ctx, key, instance.InstanceID).Err(); err != nil {
		return fmt.Errorf("failed to deregister %s (ID: %s): %w", instance.ServiceName, instance.InstanceID, err)
	}
	return nil
}

// ListInstances retrieves the live instances of a service keyed by instance ID.
// Instances whose LastSeen is older than ttl are filtered out; malformed
// entries are skipped and left for the cleanup loop.
func (rr *RedisRegistry) ListInstances(ctx context.Context, group, serviceName string, ttl time.Duration) (map[string]ServiceInstance, error) {
	results, err := rr.redisClient.HGetAll(ctx, rr.instancesKey(group, serviceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances of %s@@%s: %w", group, serviceName, err)
	}

	active := make(map[string]ServiceInstance, len(results))
	now := time.Now()
	for instanceID, infoJSON := range results {
		var info ServiceInstance
		if err := json.Unmarshal([]byte(infoJSON), &info); err != nil {
			level.Warn(rr.logger).Log("msg", "skipping malformed instance entry", "instance_id", instanceID, "service", serviceName, "err", err)
			continue
		}
		if now.Sub(time.UnixMilli(info.LastSeen)) <= ttl {
			active[instanceID] = info
		}
	}
	return active, nil
}

// PruneInstances deletes entries of a service whose last heartbeat is older
// than ttl, together with entries that no longer decode.
func (rr *RedisRegistry) PruneInstances(ctx context.Context, group, serviceName string, ttl time.Duration) (CleanupResult, error) {
	var res CleanupResult
	hashKey := rr.instancesKey(group, serviceName)
	results, err := rr.redisClient.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return res, fmt.Errorf("failed to read instances of %s@@%s for cleanup: %w", group, serviceName, err)
	}

	now := time.Now()
	for instanceID, infoJSON := range results {
		var info ServiceInstance
		corrupt := json.Unmarshal([]byte(infoJSON), &info) != nil
		if !corrupt && now.Sub(time.UnixMilli(info.LastSeen)) <= ttl {
			continue
		}
		if err := rr.redisClient.HDel(ctx, hashKey, instanceID).Err(); err != nil {
			level.Error(rr.logger).Log("msg", "cleanup failed to delete entry", "instance_id", instanceID, "service", serviceName, "err", err)
			continue
		}
		if corrupt {
			res.Corrupt++
		} else {
			res.Stale++
		}
		level.Info(rr.logger).Log("msg", "removed instance from registry", "instance_id", instanceID, "service", serviceName, "corrupt", corrupt)
	}
	return res, nil
}

// GetConfig returns the current value of a configuration key.
func (rr *RedisRegistry) GetConfig(ctx context.Context, group, dataID string) (string, error) {
	val, err := rr.redisClient.Get(ctx, rr.configKey(group, dataID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s/%s", ErrConfigNotFound, group, dataID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config %s/%s: %w", group, dataID, err)
	}
	return val, nil
}

// PublishConfig stores content under the key and pushes it to every watcher.
func (rr *RedisRegistry) PublishConfig(ctx context.Context, group, dataID, content string) error {
	if err := rr.redisClient.Set(ctx, rr.configKey(group, dataID), content, 0).Err(); err != nil {
		return fmt.Errorf("failed to store config %s/%s: %w", group, dataID, err)
	}

	payload, err := json.Marshal(ConfigChange{DataID: dataID, Group: group, RawContent: content, Content: content})
	if err != nil {
		return fmt.Errorf("failed to marshal config change: %w", err)
	}
	if err := rr.redisClient.Publish(ctx, rr.configChannel(group, dataID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish config change %s/%s: %w", group, dataID, err)
	}
	return nil
}

// WatchConfig subscribes to changes of a configuration key and invokes
// listener for each one until ctx is cancelled. It returns once the
// subscription is confirmed by the server.
func (rr *RedisRegistry) WatchConfig(ctx context.Context, group, dataID string, listener ConfigListener) error {
	channel := rr.configChannel(group, dataID)
	sub := rr.redisClient.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				level.Debug(rr.logger).Log("msg", "config watch stopped", "channel", channel)
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var change ConfigChange
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					level.Error(rr.logger).Log("msg", "discarding malformed config change envelope", "channel", channel, "err", err)
					continue
				}
				listener(change)
			}
		}
	}()
	return nil
}
