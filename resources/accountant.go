// Package resources tracks live upload resources against a memory budget.
// Ownership is explicit: Register returns a handle that charges on creation
// and credits on Release, and threshold-driven cleanup walks the registry of
// still-live handles.
package resources

import (
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Type labels what a tracked resource is.
type Type string

const (
	TypeChunk  Type = "chunk"
	TypeBuffer Type = "buffer"
	TypeStream Type = "stream"
	TypeWorker Type = "worker"
	TypeCache  Type = "cache"
)

// Level is the memory pressure level reported to cleanup callbacks.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Stats describes one tracked resource.
type Stats struct {
	Type      Type
	Size      int64
	CreatedAt time.Time
	Metadata  map[string]string
}

// Disposable resources are disposed during critical cleanup and on explicit
// release.
type Disposable interface {
	Dispose()
}

// Config ...
type Config struct {
	// MaxMemoryUsage is the memory budget the thresholds are fractions of.
	// Register does not refuse charges beyond it. Zero means 512 MiB.
	MaxMemoryUsage int64
	// CleanupInterval is the period of the background memory check. Zero
	// means 30s.
	CleanupInterval time.Duration
	// EnableAutoCleanup starts the background check loop.
	EnableAutoCleanup bool
	// WarningThreshold and CriticalThreshold are fractions of
	// MaxMemoryUsage. Zero means 0.7 / 0.9.
	WarningThreshold  float64
	CriticalThreshold float64
}

func (c Config) normalized() Config {
	if c.MaxMemoryUsage <= 0 {
		c.MaxMemoryUsage = 512 * 1024 * 1024
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > 1 {
		c.WarningThreshold = 0.7
	}
	if c.CriticalThreshold <= 0 || c.CriticalThreshold > 1 {
		c.CriticalThreshold = 0.9
	}
	return c
}

type tracked struct {
	stats    Stats
	resource Disposable
}

// Handle is the owning reference to one charged resource.
type Handle struct {
	id   string
	acct *Accountant
	once sync.Once
}

// ID ...
func (h *Handle) ID() string {
	return h.id
}

// Release credits the resource's size back and untracks it. Safe to call
// more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.acct.release(h.id, false)
	})
}

// Accountant is the memory budget keeper.
type Accountant struct {
	cfg    Config
	logger log.Logger

	mu             sync.Mutex
	resources      map[string]*tracked
	nextID         int64
	totalAllocated int64
	peak           int64

	callbacks []func(Level)

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewAccountant creates an Accountant and, when auto cleanup is on, starts
// the periodic memory check.
func NewAccountant(cfg Config, logger log.Logger) *Accountant {
	a := &Accountant{
		cfg:       cfg.normalized(),
		logger:    logger,
		resources: make(map[string]*tracked),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if a.cfg.EnableAutoCleanup {
		go a.checkLoop()
	} else {
		close(a.done)
	}
	return a
}

// Register charges a resource against the budget. resource may be nil for
// plain byte buffers with no dispose behavior.
func (a *Accountant) Register(typ Type, size int64, resource Disposable, metadata map[string]string) *Handle {
	a.mu.Lock()
	a.nextID++
	id := fmt.Sprintf("%s-%d", typ, a.nextID)
	a.resources[id] = &tracked{
		stats: Stats{
			Type:      typ,
			Size:      size,
			CreatedAt: time.Now(),
			Metadata:  metadata,
		},
		resource: resource,
	}
	a.totalAllocated += size
	if a.totalAllocated > a.peak {
		a.peak = a.totalAllocated
	}
	total := a.totalAllocated
	a.mu.Unlock()

	if total > a.criticalBytes() {
		a.logger.Warnf("memory usage %s above critical threshold", units.BytesSize(float64(total)))
	}
	return &Handle{id: id, acct: a}
}

// ReleaseResource disposes and untracks one resource by id, regardless of
// memory pressure.
func (a *Accountant) ReleaseResource(id string) {
	a.release(id, true)
}

// OnPressure registers a cleanup callback run before threshold-driven
// disposal.
func (a *Accountant) OnPressure(fn func(Level)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks = append(a.callbacks, fn)
}

// Usage returns total allocated bytes, peak bytes and the live resource
// count.
func (a *Accountant) Usage() (total, peak int64, active int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalAllocated, a.peak, len(a.resources)
}

// StatsFor returns the stats record of a live resource.
func (a *Accountant) StatsFor(id string) (Stats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.resources[id]
	if !ok {
		return Stats{}, false
	}
	return t.stats, true
}

// CheckMemoryUsage runs one threshold pass: above critical, callbacks fire
// and every disposable resource is disposed and released; above warning,
// only callbacks fire.
func (a *Accountant) CheckMemoryUsage() {
	a.mu.Lock()
	total := a.totalAllocated
	callbacks := append(([]func(Level))(nil), a.callbacks...)
	a.mu.Unlock()

	switch {
	case total > a.criticalBytes():
		a.logger.Warnf("critical memory pressure: %s of %s",
			units.BytesSize(float64(total)), units.BytesSize(float64(a.cfg.MaxMemoryUsage)))
		for _, fn := range callbacks {
			fn(LevelCritical)
		}
		a.disposeAll()
	case total > a.warningBytes():
		a.logger.Debugf("memory warning: %s of %s",
			units.BytesSize(float64(total)), units.BytesSize(float64(a.cfg.MaxMemoryUsage)))
		for _, fn := range callbacks {
			fn(LevelWarning)
		}
	}
}

// Close stops the background check loop.
func (a *Accountant) Close() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
	<-a.done
}

func (a *Accountant) release(id string, dispose bool) {
	a.mu.Lock()
	t, ok := a.resources[id]
	if ok {
		delete(a.resources, id)
		a.totalAllocated -= t.stats.Size
	}
	a.mu.Unlock()

	if ok && dispose && t.resource != nil {
		t.resource.Dispose()
	}
}

func (a *Accountant) disposeAll() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.resources))
	for id, t := range a.resources {
		if t.resource != nil {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()

	for _, id := range ids {
		a.release(id, true)
	}
}

func (a *Accountant) checkLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.CheckMemoryUsage()
		}
	}
}

func (a *Accountant) warningBytes() int64 {
	return int64(float64(a.cfg.MaxMemoryUsage) * a.cfg.WarningThreshold)
}

func (a *Accountant) criticalBytes() int64 {
	return int64(float64(a.cfg.MaxMemoryUsage) * a.cfg.CriticalThreshold)
}
