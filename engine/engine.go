// Package engine assembles the upload core: one Engine value owns the shared
// state store, security gate, resource accountant and error classifier, and
// hands them to the managers that need them.
package engine

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/streamsend-io/uploadcore/chunkcache"
	"github.com/streamsend-io/uploadcore/chunker"
	"github.com/streamsend-io/uploadcore/pipeline"
	"github.com/streamsend-io/uploadcore/queue"
	"github.com/streamsend-io/uploadcore/resources"
	"github.com/streamsend-io/uploadcore/retry"
	"github.com/streamsend-io/uploadcore/sanitize"
	"github.com/streamsend-io/uploadcore/security"
	"github.com/streamsend-io/uploadcore/state"
	"github.com/streamsend-io/uploadcore/upload"
	"github.com/streamsend-io/uploadcore/workers"
)

// Config is the full engine configuration. Zero values fall back to the
// defaults of each component.
type Config struct {
	// ChunkSize is the size-mode chunk size in bytes. Zero means 1 MiB.
	ChunkSize int64
	// ConcurrentStreams caps in-flight chunks per file.
	ConcurrentStreams int
	// CompressionEnabled and ValidateChunks gate the pipeline transforms.
	CompressionEnabled bool
	ValidateChunks     bool
	// RetryAttempts bounds worker-task retries.
	RetryAttempts int
	// MaxWorkers caps the worker pool; zero means all cores.
	MaxWorkers int
	// WorkerTaskTimeout bounds one worker task attempt.
	WorkerTaskTimeout time.Duration

	Security  security.Config
	Resources resources.Config
	Sanitize  sanitize.Config

	// Resumable controls state persistence and resume behavior.
	Resumable ResumableConfig

	// MaxConcurrentFiles is the queue scheduler's global cap.
	MaxConcurrentFiles int

	// ChunkCacheSize and ChunkCacheMaxAge bound the chunk payload cache.
	// Zero values fall back to the cache defaults.
	ChunkCacheSize   int
	ChunkCacheMaxAge time.Duration
}

// ResumableConfig ...
type ResumableConfig struct {
	Enabled              bool
	ChecksumVerification bool
	AutoSaveInterval     time.Duration
	// StatePath selects the durable bbolt backend; empty keeps state in
	// memory for the session.
	StatePath string
	// MaxRetries and RetryDelay override the network retry strategy; zero
	// keeps the defaults. The retry policy stays the single stop authority.
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		ChunkSize:          1024 * 1024,
		ConcurrentStreams:  3,
		CompressionEnabled: true,
		ValidateChunks:     true,
		Security:           security.DefaultConfig(),
		Resumable: ResumableConfig{
			Enabled:              true,
			ChecksumVerification: true,
			AutoSaveInterval:     5 * time.Second,
		},
		MaxConcurrentFiles: 3,
	}
}

// Engine owns every shared component of the upload core.
type Engine struct {
	Store      *state.Store
	Gate       *security.Gate
	Accountant *resources.Accountant
	Classifier *retry.Classifier
	Pool       *workers.Pool
	Manager    *upload.Manager
	Scheduler  *queue.Scheduler

	logger log.Logger
}

// New builds an Engine from the config.
func New(cfg Config, logger log.Logger) (*Engine, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1024 * 1024
	}

	var backend state.Backend
	if cfg.Resumable.StatePath != "" {
		var err error
		backend, err = state.NewBoltBackend(cfg.Resumable.StatePath)
		if err != nil {
			return nil, fmt.Errorf("open state backend: %w", err)
		}
	} else {
		backend = state.NewMemoryBackend()
	}

	autoSave := time.Duration(0)
	if cfg.Resumable.Enabled {
		autoSave = cfg.Resumable.AutoSaveInterval
	}
	store := state.NewStore(backend, autoSave, logger)

	gate, err := security.NewGate(cfg.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("create security gate: %w", err)
	}

	strategies := retry.DefaultStrategies()
	if cfg.Resumable.MaxRetries > 0 || cfg.Resumable.RetryDelay > 0 {
		network := strategies[retry.KindNetwork]
		if cfg.Resumable.MaxRetries > 0 {
			network.MaxRetries = cfg.Resumable.MaxRetries
		}
		if cfg.Resumable.RetryDelay > 0 {
			network.BaseDelay = cfg.Resumable.RetryDelay
		}
		strategies[retry.KindNetwork] = network
	}
	classifier := retry.NewClassifier(strategies, logger)

	accountant := resources.NewAccountant(cfg.Resources, logger)
	pool := workers.NewPool(workers.Config{
		Workers:       cfg.MaxWorkers,
		TaskTimeout:   cfg.WorkerTaskTimeout,
		RetryAttempts: cfg.RetryAttempts,
	}, logger)

	sanitizer := sanitize.New(cfg.Sanitize, logger)
	chnk := chunker.New(chunker.DefaultRegistry(cfg.ChunkSize), sanitizer, logger)

	cache := chunkcache.New(cfg.ChunkCacheSize, cfg.ChunkCacheMaxAge, logger)
	pipe := pipeline.New(pipeline.Config{
		ConcurrentStreams:  cfg.ConcurrentStreams,
		CompressionEnabled: cfg.CompressionEnabled,
		ValidateChunks:     cfg.ValidateChunks,
	}, pool, gate.Cipher, accountant, cache, logger)

	manager := upload.NewManager(upload.Config{
		ChunkSize:            cfg.ChunkSize,
		ResumableEnabled:     cfg.Resumable.Enabled,
		ChecksumVerification: cfg.Resumable.ChecksumVerification,
	}, chnk, pipe, store, classifier, gate, logger)

	return &Engine{
		Store:      store,
		Gate:       gate,
		Accountant: accountant,
		Classifier: classifier,
		Pool:       pool,
		Manager:    manager,
		Scheduler:  queue.NewScheduler(cfg.MaxConcurrentFiles, logger),
		logger:     logger,
	}, nil
}

// Close flushes state and stops the background loops.
func (e *Engine) Close() error {
	e.Pool.Dispose()
	e.Accountant.Close()
	if err := e.Store.Close(); err != nil {
		return fmt.Errorf("close state store: %w", err)
	}
	return nil
}
