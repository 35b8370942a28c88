// shared/config/config.go
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultServiceIP is advertised when POD_IP is not injected (local development).
const DefaultServiceIP = "0.0.0.0"

// CommonConfig holds configuration fields that are shared across multiple services.
type CommonConfig struct {
	RedisAddrs              []string      // Redis server addresses (e.g., "redis-cluster:6379")
	RedisPassword           string        // Redis password for authentication
	HeartbeatInterval       time.Duration // How often to send a heartbeat to registry (e.g., 5s)
	HeartbeatTTL            time.Duration // How long an instance is considered alive without a heartbeat (e.g., 15s)
	RegistryCleanupInterval time.Duration // How often the registry actively cleans stale entries (e.g., 30s), 0 disables
	ServiceIP               string        // The IP address this service advertises for registration (Kubernetes Pod IP)
	ServicePort             int           // The port this service listens on, used for registration
}

// AnalyticsServiceConfig holds configuration specific to the analytics-service.
type AnalyticsServiceConfig struct {
	CommonConfig                    // Embed CommonConfig
	ListenAddr        string        // Address for the HTTP server (e.g., ":8000")
	RegistryNamespace string        // Registry namespace isolating environments (e.g., "public")
	ServiceName       string        // Name this instance registers under (e.g., "analytics-service")
	ServiceGroup      string        // Registry group of the service (e.g., "DEFAULT_GROUP")
	ConfigDataID      string        // Dynamic configuration key watched in the registry
	ConfigGroup       string        // Group of the dynamic configuration key
	LocalConfigFile   string        // Local JSON file watched for hot reload (e.g., "analytics.json")
	ConfigDebounce    time.Duration // Quiet period before a burst of file events is applied
	MongoDBConnStr    string        // MongoDB connection string; empty disables config history
	MongoDBDatabase   string        // MongoDB database name
	MongoDBHistory    string        // MongoDB collection storing applied config updates
	LogLevel          string        // debug, info, warn or error
	LogFile           string        // Optional log file; stderr when empty
}

// LoadCommonConfig loads common configuration from environment variables.
func LoadCommonConfig() (CommonConfig, error) {
	cfg := CommonConfig{}
	var err error

	redisAddrsStr := os.Getenv("REDIS_ADDRS")
	if redisAddrsStr == "" {
		cfg.RedisAddrs = []string{"redis:6379"}
	} else {
		for _, addr := range strings.Split(redisAddrsStr, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.RedisAddrs = append(cfg.RedisAddrs, addr)
			}
		}
	}

	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.HeartbeatInterval, err = getDuration("SERVICE_HEARTBEAT_INTERVAL", 5*time.Second)
	if err != nil {
		return cfg, err
	}
	if cfg.HeartbeatInterval <= 0 {
		return cfg, fmt.Errorf("SERVICE_HEARTBEAT_INTERVAL must be positive (got %v)", cfg.HeartbeatInterval)
	}
	cfg.HeartbeatTTL, err = getDuration("SERVICE_HEARTBEAT_TTL", 15*time.Second)
	if err != nil {
		return cfg, err
	}
	cfg.RegistryCleanupInterval, err = getDuration("SERVICE_REGISTRY_CLEANUP_INTERVAL", 30*time.Second)
	if err != nil {
		return cfg, err
	}

	// Service IP (for registration, from Kubernetes Pod IP)
	cfg.ServiceIP = os.Getenv("POD_IP")
	if cfg.ServiceIP == "" {
		cfg.ServiceIP = DefaultServiceIP
	}

	return cfg, nil
}

// Helper function to parse duration from environment variable
func getDuration(envKey string, defaultVal time.Duration) (time.Duration, error) {
	valStr := os.Getenv(envKey)
	if valStr == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(valStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration format for %s: %w", envKey, err)
	}
	return d, nil
}

// Helper function to parse int from environment variable
func getInt(envKey string, defaultVal int) (int, error) {
	valStr := os.Getenv(envKey)
	if valStr == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer format for %s: %w", envKey, err)
	}
	return i, nil
}

func getString(envKey, defaultVal string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return defaultVal
}

// extractPort extracts the numeric port from a listen address (e.g., ":8082" -> 8082, "0.0.0.0:8082" -> 8082)
func extractPort(listenAddr string) (int, error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		// If SplitHostPort fails, check if ListenAddr is just a port (e.g., ":8082")
		if strings.HasPrefix(listenAddr, ":") {
			portStr = strings.TrimPrefix(listenAddr, ":")
		} else {
			return 0, fmt.Errorf("invalid ListenAddr format for port extraction: %w", err)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid port number '%s': %w", portStr, err)
	}
	return port, nil
}

// LoadAnalyticsServiceConfig loads configuration for the analytics-service.
func LoadAnalyticsServiceConfig() (*AnalyticsServiceConfig, error) {
	common, err := LoadCommonConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load common config for analytics-service: %w", err)
	}

	cfg := &AnalyticsServiceConfig{
		CommonConfig:      common,
		ListenAddr:        getString("ANALYTICS_SERVICE_LISTEN_ADDR", ":8000"),
		RegistryNamespace: getString("REGISTRY_NAMESPACE", "public"),
		ServiceName:       getString("REGISTRY_SERVICE_NAME", "analytics-service"),
		ServiceGroup:      getString("REGISTRY_GROUP", "DEFAULT_GROUP"),
		ConfigDataID:      getString("CONFIG_DATA_ID", "analytics.json"),
		ConfigGroup:       getString("CONFIG_GROUP", "DEFAULT_GROUP"),
		LocalConfigFile:   getString("ANALYTICS_CONFIG_FILE", "analytics.json"),
		MongoDBConnStr:    os.Getenv("MONGODB_CONN_STR"),
		MongoDBDatabase:   getString("MONGODB_DATABASE", "analytics"),
		MongoDBHistory:    getString("MONGODB_HISTORY_COLLECTION", "config_history"),
		LogLevel:          getString("LOG_LEVEL", "info"),
		LogFile:           os.Getenv("LOG_FILE"),
	}

	// The registered port follows the listen address unless overridden.
	cfg.ServicePort, err = extractPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to extract port from ANALYTICS_SERVICE_LISTEN_ADDR '%s': %w", cfg.ListenAddr, err)
	}
	cfg.ServicePort, err = getInt("SERVICE_PORT", cfg.ServicePort)
	if err != nil {
		return nil, err
	}
	if cfg.ServicePort <= 0 || cfg.ServicePort > 65535 {
		return nil, fmt.Errorf("SERVICE_PORT must be between 1 and 65535 (got %d)", cfg.ServicePort)
	}

	cfg.ConfigDebounce, err = getDuration("CONFIG_FILE_DEBOUNCE", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}
