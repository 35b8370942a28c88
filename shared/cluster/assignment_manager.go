// shared/cluster/assignment_manager.go
package cluster

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/stathat/consistent"

	"github.com/Ftotnem/analytics-service/shared/registry"
)

// InstanceLister returns the live instances of a service keyed by instance ID.
type InstanceLister interface {
	ListInstances(ctx context.Context, group, serviceName string, ttl time.Duration) (map[string]registry.ServiceInstance, error)
}

// ServiceAssignmentManager helps a service instance determine if it's responsible
// for a given task key based on consistent hashing across active instances.
type ServiceAssignmentManager struct {
	lister         InstanceLister
	self           registry.ServiceInstance
	ttl            time.Duration
	updateInterval time.Duration
	logger         log.Logger

	consistentHash *consistent.Consistent
	chMux          sync.RWMutex
}

// NewServiceAssignmentManager creates a manager whose ring initially holds only self.
// ttl is the liveness window used when listing instances.
func NewServiceAssignmentManager(lister InstanceLister, self registry.ServiceInstance, ttl, updateInterval time.Duration, logger log.Logger) *ServiceAssignmentManager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ring := consistent.New()
	ring.Add(self.InstanceID)

	return &ServiceAssignmentManager{
		lister:         lister,
		self:           self,
		ttl:            ttl,
		updateInterval: updateInterval,
		logger:         log.With(logger, "component", "assignment", "service", self.ServiceName),
		consistentHash: ring,
	}
}

// Start refreshes the ring immediately and then on every update interval
// until ctx is cancelled. This method should be run in a goroutine.
func (sam *ServiceAssignmentManager) Start(ctx context.Context) {
	ticker := time.NewTicker(sam.updateInterval)
	defer ticker.Stop()

	sam.UpdateRing(ctx)
	for {
		select {
		case <-ctx.Done():
			level.Debug(sam.logger).Log("msg", "consistent hash updater stopping")
			return
		case <-ticker.C:
			sam.UpdateRing(ctx)
		}
	}
}

// UpdateRing fetches current active instances and rebuilds the consistent
// hash ring if the set of members has changed.
func (sam *ServiceAssignmentManager) UpdateRing(ctx context.Context) {
	active, err := sam.lister.ListInstances(ctx, sam.self.Group, sam.self.ServiceName, sam.ttl)
	if err != nil {
		level.Warn(sam.logger).Log("msg", "failed to list active instances", "err", err)
		return
	}

	members := make([]string, 0, len(active))
	for id := range active {
		members = append(members, id)
	}
	slices.Sort(members)

	sam.chMux.Lock()
	defer sam.chMux.Unlock()

	current := sam.consistentHash.Members()
	slices.Sort(current)
	if slices.Equal(members, current) {
		return
	}

	ring := consistent.New()
	for _, m := range members {
		ring.Add(m)
	}
	sam.consistentHash = ring
	level.Info(sam.logger).Log("msg", "consistent hash ring updated", "members", len(members))
}

// IsResponsible checks if the current service instance owns the given key.
func (sam *ServiceAssignmentManager) IsResponsible(key string) (bool, error) {
	sam.chMux.RLock()
	defer sam.chMux.RUnlock()

	if len(sam.consistentHash.Members()) == 0 {
		return false, fmt.Errorf("consistent hash ring is empty for service %s", sam.self.ServiceName)
	}

	owner, err := sam.consistentHash.Get(key)
	if err != nil {
		return false, fmt.Errorf("failed to get responsible instance for key '%s': %w", key, err)
	}
	return owner == sam.self.InstanceID, nil
}

// Members returns the instance IDs currently on the ring, sorted.
func (sam *ServiceAssignmentManager) Members() []string {
	sam.chMux.RLock()
	defer sam.chMux.RUnlock()

	members := sam.consistentHash.Members()
	slices.Sort(members)
	return members
}
