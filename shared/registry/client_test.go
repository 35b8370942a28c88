package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisRegistry(rdb, "public", nil), mr
}

func TestRedisRegistry_RegisterAndList(t *testing.T) {
	ctx := context.Background()
	rr, mr := setupTestRegistry(t)
	inst := testInstance()

	require.NoError(t, rr.Register(ctx, inst))

	raw := mr.HGet("services:public:DEFAULT_GROUP@@analytics-service", inst.InstanceID)
	require.NotEmpty(t, raw)
	var stored ServiceInstance
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, "public", stored.Namespace)
	assert.Equal(t, inst.IP, stored.IP)
	assert.Equal(t, inst.Port, stored.Port)
	assert.InDelta(t, time.Now().UnixMilli(), stored.LastSeen, float64(5*time.Second/time.Millisecond))

	live, err := rr.ListInstances(ctx, "DEFAULT_GROUP", "analytics-service", 15*time.Second)
	require.NoError(t, err)
	require.Contains(t, live, inst.InstanceID)
	assert.Equal(t, inst.ServiceName, live[inst.InstanceID].ServiceName)
}

func TestRedisRegistry_HeartbeatRecreatesEntry(t *testing.T) {
	ctx := context.Background()
	rr, mr := setupTestRegistry(t)
	inst := testInstance()

	require.NoError(t, rr.Heartbeat(ctx, inst))
	assert.NotEmpty(t, mr.HGet("services:public:DEFAULT_GROUP@@analytics-service", inst.InstanceID))
}

func TestRedisRegistry_HeartbeatFailsWhenUnreachable(t *testing.T) {
	rr, mr := setupTestRegistry(t)
	mr.Close()

	err := rr.Heartbeat(context.Background(), testInstance())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to heartbeat")
}

func TestRedisRegistry_Deregister(t *testing.T) {
	ctx := context.Background()
	rr, _ := setupTestRegistry(t)
	inst := testInstance()

	require.NoError(t, rr.Register(ctx, inst))
	require.NoError(t, rr.Deregister(ctx, inst))

	live, err := rr.ListInstances(ctx, inst.Group, inst.ServiceName, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestRedisRegistry_ListAndPruneSkipExpiredAndCorrupt(t *testing.T) {
	ctx := context.Background()
	rr, mr := setupTestRegistry(t)
	key := "services:public:DEFAULT_GROUP@@analytics-service"

	fresh := testInstance()
	require.NoError(t, rr.Register(ctx, fresh))

	stale := testInstance()
	stale.LastSeen = time.Now().Add(-time.Hour).UnixMilli()
	staleJSON, err := json.Marshal(stale)
	require.NoError(t, err)
	mr.HSet(key, stale.InstanceID, string(staleJSON))
	mr.HSet(key, "broken", "not json")

	live, err := rr.ListInstances(ctx, "DEFAULT_GROUP", "analytics-service", 15*time.Second)
	require.NoError(t, err)
	assert.Len(t, live, 1)
	assert.Contains(t, live, fresh.InstanceID)

	res, err := rr.PruneInstances(ctx, "DEFAULT_GROUP", "analytics-service", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Stale: 1, Corrupt: 1}, res)

	fields, err := mr.HKeys(key)
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.InstanceID}, fields)
}

func TestRedisRegistry_GetConfig(t *testing.T) {
	ctx := context.Background()
	rr, mr := setupTestRegistry(t)

	_, err := rr.GetConfig(ctx, "DEFAULT_GROUP", "analytics.json")
	require.ErrorIs(t, err, ErrConfigNotFound)

	require.NoError(t, mr.Set("config:public:DEFAULT_GROUP:analytics.json", `{"x":1}`))
	val, err := rr.GetConfig(ctx, "DEFAULT_GROUP", "analytics.json")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, val)
}

func TestRedisRegistry_PublishAndWatchConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rr, _ := setupTestRegistry(t)

	var (
		mu      sync.Mutex
		changes []ConfigChange
	)
	err := rr.WatchConfig(ctx, "DEFAULT_GROUP", "analytics.json", func(c ConfigChange) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	})
	require.NoError(t, err)

	require.NoError(t, rr.PublishConfig(ctx, "DEFAULT_GROUP", "analytics.json", `{"x":1}`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	got := changes[0]
	mu.Unlock()
	assert.Equal(t, ConfigChange{DataID: "analytics.json", Group: "DEFAULT_GROUP", RawContent: `{"x":1}`, Content: `{"x":1}`}, got)

	stored, err := rr.GetConfig(ctx, "DEFAULT_GROUP", "analytics.json")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, stored)
}

func TestRedisRegistry_WatchConfigDropsMalformedEnvelope(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rr, mr := setupTestRegistry(t)

	var (
		mu      sync.Mutex
		changes []ConfigChange
	)
	require.NoError(t, rr.WatchConfig(ctx, "DEFAULT_GROUP", "analytics.json", func(c ConfigChange) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	}))

	mr.Publish("config-changes:public:DEFAULT_GROUP:analytics.json", "{not json")
	require.NoError(t, rr.PublishConfig(ctx, "DEFAULT_GROUP", "analytics.json", `{"y":2}`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, `{"y":2}`, changes[0].Content)
}
