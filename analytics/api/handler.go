// analytics/api/handler.go
package api

import (
	"context"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/Ftotnem/analytics-service/analytics/dynconfig"
	"github.com/Ftotnem/analytics-service/analytics/store"
	"github.com/Ftotnem/analytics-service/shared/api"
	"github.com/Ftotnem/analytics-service/shared/registry"
)

const (
	requestTimeout      = 10 * time.Second
	maxConfigBodyBytes  = 1 << 20
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// ConfigReader exposes the active configuration.
type ConfigReader interface {
	Snapshot() dynconfig.Snapshot
}

// ConfigPublisher writes a new configuration to the registry and notifies subscribers.
type ConfigPublisher interface {
	PublishConfig(ctx context.Context, group, dataID, content string) error
}

// InstanceLister returns the live instances of a service.
type InstanceLister interface {
	ListInstances(ctx context.Context, group, serviceName string, ttl time.Duration) (map[string]registry.ServiceInstance, error)
}

// HistoryLister returns recently applied updates, newest first.
type HistoryLister interface {
	ListRecent(ctx context.Context, limit int64) ([]store.ConfigHistoryEntry, error)
}

// Options carries the identity of this instance and the registry keys it serves.
type Options struct {
	Instance     registry.ServiceInstance
	ConfigGroup  string
	ConfigDataID string
	HeartbeatTTL time.Duration
}

// AnalyticsAPIHandlers serves health, dynamic configuration and discovery endpoints.
type AnalyticsAPIHandlers struct {
	config    ConfigReader
	publisher ConfigPublisher
	instances InstanceLister
	history   HistoryLister
	opts      Options
	logger    log.Logger
}

// NewAnalyticsAPIHandlers builds the handlers. history may be nil, in which
// case /config/history answers 404.
func NewAnalyticsAPIHandlers(config ConfigReader, publisher ConfigPublisher, instances InstanceLister, history HistoryLister, opts Options, logger log.Logger) *AnalyticsAPIHandlers {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &AnalyticsAPIHandlers{
		config:    config,
		publisher: publisher,
		instances: instances,
		history:   history,
		opts:      opts,
		logger:    log.With(logger, "component", "api"),
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	InstanceID string `json:"instance_id"`
}

// RegisterRoutes registers all analytics routes on router.
func (h *AnalyticsAPIHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/config", h.HandleGetConfig).Methods(http.MethodGet)
	router.HandleFunc("/config", h.HandlePutConfig).Methods(http.MethodPut, http.MethodOptions)
	router.HandleFunc("/config/history", h.HandleConfigHistory).Methods(http.MethodGet)
	router.HandleFunc("/instances", h.HandleInstances).Methods(http.MethodGet)
}

// HandleHealth reports liveness of this process.
// GET /health
func (h *AnalyticsAPIHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok", InstanceID: h.opts.Instance.InstanceID})
}

// HandleGetConfig returns the active configuration snapshot.
// GET /config
func (h *AnalyticsAPIHandlers) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, h.config.Snapshot())
}

// HandlePutConfig publishes the request body as the new configuration. The
// local store is updated when the push comes back through the registry.
// PUT /config
// Body: any JSON object
func (h *AnalyticsAPIHandlers) HandlePutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBodyBytes))
	if err != nil {
		api.WriteBadRequest(w, "Failed to read request body")
		return
	}
	if _, err := dynconfig.Parse(body); err != nil {
		api.WriteBadRequest(w, "Request body must be a JSON object")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := h.publisher.PublishConfig(ctx, h.opts.ConfigGroup, h.opts.ConfigDataID, strings.TrimSpace(string(body))); err != nil {
		level.Error(h.logger).Log("msg", "failed to publish config", "data_id", h.opts.ConfigDataID, "err", err)
		api.WriteInternalServerError(w, "Failed to publish configuration")
		return
	}

	level.Info(h.logger).Log("msg", "config published", "data_id", h.opts.ConfigDataID, "group", h.opts.ConfigGroup)
	api.WriteJSON(w, http.StatusAccepted, map[string]string{"message": "Configuration published", "data_id": h.opts.ConfigDataID})
}

// HandleConfigHistory lists recently applied updates.
// GET /config/history?limit=N
func (h *AnalyticsAPIHandlers) HandleConfigHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		api.WriteNotFound(w, "Config history is disabled")
		return
	}

	limit := int64(defaultHistoryLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			api.WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	entries, err := h.history.ListRecent(ctx, limit)
	if err != nil {
		level.Error(h.logger).Log("msg", "failed to list config history", "err", err)
		api.WriteInternalServerError(w, "Failed to list config history")
		return
	}
	api.WriteJSON(w, http.StatusOK, entries)
}

// HandleInstances lists the live instances of this service, sorted by ID.
// GET /instances
func (h *AnalyticsAPIHandlers) HandleInstances(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	self := h.opts.Instance
	live, err := h.instances.ListInstances(ctx, self.Group, self.ServiceName, h.opts.HeartbeatTTL)
	if err != nil {
		level.Error(h.logger).Log("msg", "failed to list instances", "err", err)
		api.WriteInternalServerError(w, "Failed to list instances")
		return
	}

	out := make([]registry.ServiceInstance, 0, len(live))
	for _, inst := range live {
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b registry.ServiceInstance) int {
		return strings.Compare(a.InstanceID, b.InstanceID)
	})
	api.WriteJSON(w, http.StatusOK, out)
}
