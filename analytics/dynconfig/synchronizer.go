// analytics/dynconfig/synchronizer.go
package dynconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Ftotnem/analytics-service/shared/filewatch"
	"github.com/Ftotnem/analytics-service/shared/metrics"
	"github.com/Ftotnem/analytics-service/shared/registry"
)

// ErrMalformedConfig wraps every parse failure of an update.
var ErrMalformedConfig = errors.New("malformed config")

const (
	initialFetchTimeout = 5 * time.Second
	historyTimeout      = 5 * time.Second
)

var utf8BOM = []byte("\xef\xbb\xbf")

// ConfigSource is the registry side of dynamic configuration.
type ConfigSource interface {
	GetConfig(ctx context.Context, group, dataID string) (string, error)
	WatchConfig(ctx context.Context, group, dataID string, listener registry.ConfigListener) error
}

// HistoryRecorder archives applied updates. Failures never affect the store.
type HistoryRecorder interface {
	RecordApplied(ctx context.Context, snap Snapshot) error
}

// SynchronizerConfig names the registry key and the local file to follow.
type SynchronizerConfig struct {
	DataID    string
	Group     string
	LocalFile string        // empty disables the file watch
	Debounce  time.Duration // quiet period for file event bursts
}

// Synchronizer feeds the Store from two uncoordinated sources, registry
// pushes and local file edits. Whichever update reaches Store.Set last is
// the active one; nothing is merged or ordered by intent.
//
// Each update is parsed and then either applied or rejected. A rejected
// update leaves the store untouched and is never retried; the next push or
// file event is an independent attempt.
type Synchronizer struct {
	store   *Store
	source  ConfigSource
	cfg     SynchronizerConfig
	logger  log.Logger
	metrics *metrics.Collector
	history HistoryRecorder

	watcher   *filewatch.Watcher
	historyWg sync.WaitGroup
}

// NewSynchronizer wires a store to its update sources. m may be nil.
func NewSynchronizer(store *Store, source ConfigSource, cfg SynchronizerConfig, logger log.Logger, m *metrics.Collector) *Synchronizer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Synchronizer{
		store:   store,
		source:  source,
		cfg:     cfg,
		logger:  log.With(logger, "component", "config-sync"),
		metrics: m,
	}
}

// SetHistory enables archiving of applied updates. Call before Start.
func (s *Synchronizer) SetHistory(h HistoryRecorder) {
	s.history = h
}

// Start fetches the current registry value synchronously, then subscribes to
// pushes and starts the local file watch. Setup failures are logged and do
// not stop the remaining steps. Background work ends when ctx is cancelled.
func (s *Synchronizer) Start(ctx context.Context) {
	s.fetchInitial(ctx)

	if err := s.source.WatchConfig(ctx, s.cfg.Group, s.cfg.DataID, s.OnRegistryPush); err != nil {
		level.Error(s.logger).Log("msg", "failed to listen for config changes", "data_id", s.cfg.DataID, "group", s.cfg.Group, "err", err)
	} else {
		level.Info(s.logger).Log("msg", "listening for config changes", "data_id", s.cfg.DataID, "group", s.cfg.Group)
	}

	if s.cfg.LocalFile == "" {
		return
	}
	w, err := filewatch.Watch(ctx, s.cfg.LocalFile, s.cfg.Debounce, s.OnFileChanged, s.logger)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to watch local config file", "path", s.cfg.LocalFile, "err", err)
		return
	}
	s.watcher = w
	if _, err := os.Stat(w.Path()); err != nil {
		level.Warn(s.logger).Log("msg", "local config file not present yet", "path", w.Path(), "err", err)
	}
	level.Info(s.logger).Log("msg", "watching local config file", "path", w.Path())
}

// Close stops the file watch and waits for in-flight history writes.
func (s *Synchronizer) Close() error {
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.historyWg.Wait()
	return err
}

func (s *Synchronizer) fetchInitial(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, initialFetchTimeout)
	defer cancel()

	content, err := s.source.GetConfig(fetchCtx, s.cfg.Group, s.cfg.DataID)
	if errors.Is(err, registry.ErrConfigNotFound) {
		level.Warn(s.logger).Log("msg", "no initial config in registry", "data_id", s.cfg.DataID, "group", s.cfg.Group)
		return
	}
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to get initial config", "data_id", s.cfg.DataID, "group", s.cfg.Group, "err", err)
		return
	}
	_ = s.apply(SourceStartup, []byte(content), "data_id", s.cfg.DataID, "group", s.cfg.Group)
}

// OnRegistryPush handles a pushed change. Content is preferred; RawContent
// is used when Content is empty.
func (s *Synchronizer) OnRegistryPush(change registry.ConfigChange) {
	content := change.Content
	if content == "" {
		content = change.RawContent
	}
	_ = s.apply(SourceRegistry, []byte(content), "data_id", change.DataID, "group", change.Group)
}

// OnFileChanged re-reads the whole file at path and applies it.
func (s *Synchronizer) OnFileChanged(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.reject(SourceFile, fmt.Errorf("failed to read %s: %w", path, err), "path", path)
		return
	}
	_ = s.apply(SourceFile, data, "path", path)
}

// apply parses data and, when it is a JSON object, makes it the active value.
func (s *Synchronizer) apply(source Source, data []byte, keyvals ...any) error {
	v, err := Parse(data)
	if err != nil {
		s.reject(source, err, keyvals...)
		return err
	}

	snap := s.store.Set(v, source)
	s.metrics.RecordConfigUpdate(string(source), true)

	encoded, _ := json.Marshal(v)
	fields := append([]any{"msg", "config updated", "source", source, "value", string(encoded)}, keyvals...)
	level.Info(s.logger).Log(fields...)

	s.recordHistory(snap)
	return nil
}

func (s *Synchronizer) reject(source Source, err error, keyvals ...any) {
	s.metrics.RecordConfigUpdate(string(source), false)
	fields := append([]any{"msg", "config update rejected", "source", source, "err", err}, keyvals...)
	level.Error(s.logger).Log(fields...)
}

func (s *Synchronizer) recordHistory(snap Snapshot) {
	if s.history == nil {
		return
	}
	s.historyWg.Add(1)
	go func() {
		defer s.historyWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := s.history.RecordApplied(ctx, snap); err != nil {
			level.Warn(s.logger).Log("msg", "failed to archive config update", "source", snap.Source, "err", err)
		}
	}()
}

// Parse decodes a configuration document. Only a JSON object is accepted.
func Parse(data []byte) (Value, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedConfig)
	}
	return v, nil
}
