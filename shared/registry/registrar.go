// shared/registry/registrar.go
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/Ftotnem/analytics-service/shared/metrics"
)

// NamingClient is the part of the registry the registrar drives.
type NamingClient interface {
	Register(ctx context.Context, instance ServiceInstance) error
	Heartbeat(ctx context.Context, instance ServiceInstance) error
	Deregister(ctx context.Context, instance ServiceInstance) error
}

// Pruner removes expired instances of a service.
type Pruner interface {
	PruneInstances(ctx context.Context, group, serviceName string, ttl time.Duration) (CleanupResult, error)
}

// Elector reports whether this instance owns the task identified by key.
type Elector interface {
	IsResponsible(key string) (bool, error)
}

// ServiceRegistrar handles the self-registration and heartbeating of a service instance.
type ServiceRegistrar struct {
	client   NamingClient
	instance ServiceInstance
	interval time.Duration
	logger   log.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// tickC replaces the heartbeat ticker in tests.
	tickC <-chan time.Time
}

// NewServiceInstance builds the identity of this process. The instance ID is
// "<serviceName>-<uuid>" and stays fixed for the life of the process.
func NewServiceInstance(serviceName, group, ip string, port int) ServiceInstance {
	return ServiceInstance{
		InstanceID:  fmt.Sprintf("%s-%s", serviceName, uuid.New().String()),
		ServiceName: serviceName,
		Group:       group,
		IP:          ip,
		Port:        port,
		Metadata:    map[string]string{"version": "1.0"},
	}
}

// NewServiceRegistrar creates a new ServiceRegistrar. A non-positive interval
// falls back to DefaultHeartbeatInterval; m may be nil.
func NewServiceRegistrar(client NamingClient, instance ServiceInstance, interval time.Duration, logger log.Logger, m *metrics.Collector) *ServiceRegistrar {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ServiceRegistrar{
		client:   client,
		instance: instance,
		interval: interval,
		logger:   log.With(logger, "component", "registrar", "service", instance.ServiceName, "instance_id", instance.InstanceID),
		metrics:  m,
	}
}

// Start registers the instance and begins heartbeating in a goroutine.
// A registration error is returned and nothing is started; whether that is
// fatal is the caller's decision. The loop runs until ctx is cancelled or
// Stop is called.
func (sr *ServiceRegistrar) Start(ctx context.Context) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.started {
		return ErrAlreadyStarted
	}

	level.Info(sr.logger).Log("msg", "registering service instance", "addr", sr.instance.Address(), "group", sr.instance.Group, "interval", sr.interval)
	if err := sr.client.Register(ctx, sr.instance); err != nil {
		return err
	}
	level.Info(sr.logger).Log("msg", "service instance registered")

	loopCtx, cancel := context.WithCancel(ctx)
	sr.cancel = cancel
	sr.started = true

	sr.wg.Add(1)
	go sr.run(loopCtx)
	return nil
}

// Stop signals the registrar to stop its operations, waits for its goroutines
// to finish and removes the instance from the registry.
func (sr *ServiceRegistrar) Stop() error {
	sr.mu.Lock()
	if !sr.started {
		sr.mu.Unlock()
		return ErrNotStarted
	}
	sr.started = false
	sr.cancel()
	sr.mu.Unlock()

	sr.wg.Wait()
	level.Info(sr.logger).Log("msg", "registrar stopped")

	ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer cancel()

	if err := sr.client.Deregister(ctx, sr.instance); err != nil {
		level.Error(sr.logger).Log("msg", "failed to remove instance from registry on shutdown", "err", err)
		return err
	}
	level.Info(sr.logger).Log("msg", "instance removed from registry on shutdown")
	return nil
}

// run is the main loop for the registrar's background goroutine.
// The interval is constant: a failed beat waits for the next tick like any other.
func (sr *ServiceRegistrar) run(ctx context.Context) {
	defer sr.wg.Done()

	tickC := sr.tickC
	if tickC == nil {
		ticker := time.NewTicker(sr.interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	sr.heartbeat(ctx)

	for {
		select {
		case <-tickC:
			sr.heartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// heartbeat sends one beat and records its outcome. It never fails the loop.
func (sr *ServiceRegistrar) heartbeat(ctx context.Context) {
	beatCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()

	err := sr.client.Heartbeat(beatCtx, sr.instance)
	if err != nil && ctx.Err() != nil {
		// Shutdown raced the beat; not a registry failure.
		return
	}

	success := err == nil
	sr.metrics.RecordHeartbeat(success)
	if success {
		level.Info(sr.logger).Log("msg", "heartbeat check", "success", true)
		return
	}
	level.Error(sr.logger).Log("msg", "heartbeat check", "success", false, "err", err)
}

// StartCleanupLoop periodically prunes instances of this service whose last
// heartbeat is older than ttl. Only the instance elected for the cleanup key
// prunes, so replicas do not race each other. It stops with ctx or Stop.
func (sr *ServiceRegistrar) StartCleanupLoop(ctx context.Context, pruner Pruner, elector Elector, interval, ttl time.Duration) {
	if interval <= 0 {
		return
	}

	sr.mu.Lock()
	loopCtx := ctx
	if sr.started {
		// Tie the loop to the registrar lifetime as well.
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithCancel(ctx)
		parentCancel := sr.cancel
		sr.cancel = func() { cancel(); parentCancel() }
	}
	sr.wg.Add(1)
	sr.mu.Unlock()

	go func() {
		defer sr.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		level.Info(sr.logger).Log("msg", "starting registry cleanup loop", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sr.performCleanup(loopCtx, pruner, elector, ttl)
			case <-loopCtx.Done():
				level.Info(sr.logger).Log("msg", "registry cleanup loop stopping")
				return
			}
		}
	}()
}

// CleanupTaskKey is the consistent-hash key owning stale-entry cleanup for this service.
func (sr *ServiceRegistrar) CleanupTaskKey() string {
	return fmt.Sprintf("registry-cleanup:%s@@%s", sr.instance.Group, sr.instance.ServiceName)
}

func (sr *ServiceRegistrar) performCleanup(ctx context.Context, pruner Pruner, elector Elector, ttl time.Duration) {
	if elector != nil {
		responsible, err := elector.IsResponsible(sr.CleanupTaskKey())
		if err != nil {
			level.Warn(sr.logger).Log("msg", "cannot determine cleanup ownership", "err", err)
			return
		}
		if !responsible {
			return
		}
	}

	cleanupCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	res, err := pruner.PruneInstances(cleanupCtx, sr.instance.Group, sr.instance.ServiceName, ttl)
	if err != nil {
		level.Error(sr.logger).Log("msg", "registry cleanup failed", "err", err)
		return
	}
	sr.metrics.RecordCleanup("stale", res.Stale)
	sr.metrics.RecordCleanup("corrupt", res.Corrupt)
	if res.Stale+res.Corrupt > 0 {
		level.Info(sr.logger).Log("msg", "registry cleanup removed entries", "stale", res.Stale, "corrupt", res.Corrupt)
	}
}

// Instance returns the registered identity of this process.
func (sr *ServiceRegistrar) Instance() ServiceInstance {
	return sr.instance
}

// GetServiceID returns the unique ID assigned to this service instance.
func (sr *ServiceRegistrar) GetServiceID() string {
	return sr.instance.InstanceID
}

// GetServiceType returns the name this instance registered under.
func (sr *ServiceRegistrar) GetServiceType() string {
	return sr.instance.ServiceName
}
