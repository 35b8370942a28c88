// shared/registry/constants.go
package registry

import "time"

const (
	// RedisRegistryHashPrefix is the prefix used for Redis hash keys that store
	// service registration data. The full key format will be:
	// "services:<namespace>:<group>@@<serviceName>"
	// Example: "services:public:DEFAULT_GROUP@@analytics-service"
	RedisRegistryHashPrefix = "services:"

	// RedisConfigKeyPrefix prefixes dynamic configuration values:
	// "config:<namespace>:<group>:<dataID>"
	RedisConfigKeyPrefix = "config:"

	// RedisConfigChannelPrefix prefixes the pub/sub channel on which config
	// changes are pushed: "config-changes:<namespace>:<group>:<dataID>"
	RedisConfigChannelPrefix = "config-changes:"

	// DefaultHeartbeatInterval matches the registry's expected beat cadence.
	DefaultHeartbeatInterval = 5 * time.Second

	heartbeatTimeout  = 3 * time.Second
	deregisterTimeout = 5 * time.Second
	cleanupTimeout    = 10 * time.Second
)
