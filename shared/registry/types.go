// shared/registry/types.go
package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound is returned by GetConfig when the key holds no value.
	ErrConfigNotFound = errors.New("config not found")
	// ErrNotStarted is returned by Stop when the registrar is not running.
	ErrNotStarted = errors.New("registrar not started")
	// ErrAlreadyStarted is returned by Start when the registrar is running.
	ErrAlreadyStarted = errors.New("registrar already started")
)

// ServiceInstance identifies a running process to the registry.
// Everything except LastSeen is fixed at startup.
type ServiceInstance struct {
	InstanceID  string            `json:"instanceId"`
	Namespace   string            `json:"namespace"`
	ServiceName string            `json:"serviceName"`
	Group       string            `json:"group"`
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	LastSeen    int64             `json:"last_seen"` // unix milliseconds of the latest heartbeat
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Address returns "ip:port".
func (si ServiceInstance) Address() string {
	return fmt.Sprintf("%s:%d", si.IP, si.Port)
}

// ConfigChange is the payload pushed to config watchers.
// Content carries the JSON document; RawContent is the value as stored.
type ConfigChange struct {
	DataID     string `json:"data_id"`
	Group      string `json:"group"`
	RawContent string `json:"raw_content"`
	Content    string `json:"content"`
}

// ConfigListener receives pushed config changes. It runs on the watch
// goroutine, so it must not block for long.
type ConfigListener func(ConfigChange)

// CleanupResult reports what a prune pass removed.
type CleanupResult struct {
	Stale   int
	Corrupt int
}
