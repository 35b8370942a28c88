package registry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNamingClient struct {
	registerErr   error
	deregisterErr error
	failFirst     int64

	registered   atomic.Int64
	deregistered atomic.Int64
	beats        atomic.Int64
}

func (f *fakeNamingClient) Register(context.Context, ServiceInstance) error {
	f.registered.Add(1)
	return f.registerErr
}

func (f *fakeNamingClient) Heartbeat(context.Context, ServiceInstance) error {
	n := f.beats.Add(1)
	if n <= f.failFirst {
		return errors.New("registry unreachable")
	}
	return nil
}

func (f *fakeNamingClient) Deregister(context.Context, ServiceInstance) error {
	f.deregistered.Add(1)
	return f.deregisterErr
}

type fakePruner struct {
	calls atomic.Int64
}

func (p *fakePruner) PruneInstances(context.Context, string, string, time.Duration) (CleanupResult, error) {
	p.calls.Add(1)
	return CleanupResult{Stale: 1}, nil
}

type fixedElector struct{ responsible bool }

func (e fixedElector) IsResponsible(string) (bool, error) { return e.responsible, nil }

// syncBuffer guards a bytes.Buffer shared between the loop and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testInstance() ServiceInstance {
	return NewServiceInstance("analytics-service", "DEFAULT_GROUP", "10.0.0.1", 8000)
}

func TestNewServiceInstance(t *testing.T) {
	a := testInstance()
	b := testInstance()

	assert.True(t, strings.HasPrefix(a.InstanceID, "analytics-service-"))
	assert.NotEqual(t, a.InstanceID, b.InstanceID)
	assert.Equal(t, "10.0.0.1:8000", a.Address())
}

func TestServiceRegistrar_StartStop(t *testing.T) {
	client := &fakeNamingClient{}
	sr := NewServiceRegistrar(client, testInstance(), time.Hour, nil, nil)

	require.NoError(t, sr.Start(context.Background()))
	require.ErrorIs(t, sr.Start(context.Background()), ErrAlreadyStarted)

	// First beat is immediate.
	require.Eventually(t, func() bool { return client.beats.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sr.Stop())
	assert.Equal(t, int64(1), client.registered.Load())
	assert.Equal(t, int64(1), client.deregistered.Load())
	require.ErrorIs(t, sr.Stop(), ErrNotStarted)
}

func TestServiceRegistrar_RegistrationFailure(t *testing.T) {
	client := &fakeNamingClient{registerErr: errors.New("connection refused")}
	sr := NewServiceRegistrar(client, testInstance(), time.Hour, nil, nil)

	err := sr.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, int64(0), client.beats.Load())
	require.ErrorIs(t, sr.Stop(), ErrNotStarted)
}

func TestServiceRegistrar_HeartbeatFailuresAreNotFatal(t *testing.T) {
	const failures = 3

	var logs syncBuffer
	client := &fakeNamingClient{failFirst: failures}
	ticks := make(chan time.Time)
	sr := NewServiceRegistrar(client, testInstance(), time.Hour, log.NewLogfmtLogger(&logs), nil)
	sr.tickC = ticks

	require.NoError(t, sr.Start(context.Background()))

	// Immediate beat plus one per tick: K failures then a success on tick K.
	for i := 0; i < failures; i++ {
		ticks <- time.Now()
	}
	require.Eventually(t, func() bool { return client.beats.Load() == failures+1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Count(logs.String(), "success=true") == 1
	}, time.Second, 5*time.Millisecond)

	out := logs.String()
	assert.Equal(t, failures, strings.Count(out, "success=false"))
	assert.Contains(t, out, "registry unreachable")

	require.NoError(t, sr.Stop())
	assert.Equal(t, int64(failures+1), client.beats.Load())
}

func TestServiceRegistrar_ContextCancelStopsLoop(t *testing.T) {
	client := &fakeNamingClient{}
	ticks := make(chan time.Time)
	sr := NewServiceRegistrar(client, testInstance(), time.Hour, nil, nil)
	sr.tickC = ticks

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sr.Start(ctx))
	require.Eventually(t, func() bool { return client.beats.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, sr.Stop())
	assert.Equal(t, int64(1), client.beats.Load())
}

func TestServiceRegistrar_CleanupLoop(t *testing.T) {
	t.Run("responsible instance prunes", func(t *testing.T) {
		client := &fakeNamingClient{}
		pruner := &fakePruner{}
		sr := NewServiceRegistrar(client, testInstance(), time.Hour, nil, nil)
		require.NoError(t, sr.Start(context.Background()))

		sr.StartCleanupLoop(context.Background(), pruner, fixedElector{responsible: true}, 10*time.Millisecond, time.Second)
		require.Eventually(t, func() bool { return pruner.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

		require.NoError(t, sr.Stop())
		calls := pruner.calls.Load()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, calls, pruner.calls.Load(), "cleanup loop must stop with the registrar")
	})

	t.Run("other instance skips", func(t *testing.T) {
		client := &fakeNamingClient{}
		pruner := &fakePruner{}
		sr := NewServiceRegistrar(client, testInstance(), time.Hour, nil, nil)
		require.NoError(t, sr.Start(context.Background()))

		sr.StartCleanupLoop(context.Background(), pruner, fixedElector{responsible: false}, 10*time.Millisecond, time.Second)
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, sr.Stop())
		assert.Equal(t, int64(0), pruner.calls.Load())
	})

	t.Run("zero interval disables", func(t *testing.T) {
		sr := NewServiceRegistrar(&fakeNamingClient{}, testInstance(), time.Hour, nil, nil)
		sr.StartCleanupLoop(context.Background(), &fakePruner{}, nil, 0, time.Second)
		assert.Equal(t, "registry-cleanup:DEFAULT_GROUP@@analytics-service", sr.CleanupTaskKey())
	})
}
