package resources

import (
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDisposable struct {
	disposed bool
}

func (f *fakeDisposable) Dispose() {
	f.disposed = true
}

func newTestAccountant(t *testing.T, cfg Config) *Accountant {
	t.Helper()
	a := NewAccountant(cfg, log.NewLogger())
	t.Cleanup(a.Close)
	return a
}

func TestAccountant_ChargeAndCredit(t *testing.T) {
	a := newTestAccountant(t, Config{MaxMemoryUsage: 1024})

	h1 := a.Register(TypeChunk, 100, nil, nil)
	h2 := a.Register(TypeBuffer, 200, nil, nil)

	total, peak, active := a.Usage()
	assert.Equal(t, int64(300), total)
	assert.Equal(t, int64(300), peak)
	assert.Equal(t, 2, active)

	h1.Release()
	total, peak, active = a.Usage()
	assert.Equal(t, int64(200), total)
	assert.Equal(t, int64(300), peak, "peak must not shrink on release")
	assert.Equal(t, 1, active)

	// Releasing twice must not double-credit.
	h1.Release()
	total, _, _ = a.Usage()
	assert.Equal(t, int64(200), total)

	h2.Release()
	total, _, active = a.Usage()
	assert.Equal(t, int64(0), total)
	assert.Equal(t, 0, active)
}

func TestAccountant_StatsFor(t *testing.T) {
	a := newTestAccountant(t, Config{MaxMemoryUsage: 1024})

	h := a.Register(TypeStream, 42, nil, map[string]string{"file": "f1"})
	stats, ok := a.StatsFor(h.ID())
	require.True(t, ok)
	assert.Equal(t, TypeStream, stats.Type)
	assert.Equal(t, int64(42), stats.Size)
	assert.Equal(t, "f1", stats.Metadata["file"])

	h.Release()
	_, ok = a.StatsFor(h.ID())
	assert.False(t, ok)
}

func TestAccountant_WarningRunsCallbacksOnly(t *testing.T) {
	a := newTestAccountant(t, Config{MaxMemoryUsage: 1000, WarningThreshold: 0.5, CriticalThreshold: 0.9})

	var levels []Level
	a.OnPressure(func(l Level) {
		levels = append(levels, l)
	})

	res := &fakeDisposable{}
	a.Register(TypeCache, 600, res, nil)
	a.CheckMemoryUsage()

	assert.Equal(t, []Level{LevelWarning}, levels)
	assert.False(t, res.disposed, "warning level must not dispose resources")
}

func TestAccountant_CriticalDisposesResources(t *testing.T) {
	a := newTestAccountant(t, Config{MaxMemoryUsage: 1000, WarningThreshold: 0.5, CriticalThreshold: 0.9})

	var levels []Level
	a.OnPressure(func(l Level) {
		levels = append(levels, l)
	})

	res := &fakeDisposable{}
	a.Register(TypeCache, 950, res, nil)
	a.CheckMemoryUsage()

	assert.Equal(t, []Level{LevelCritical}, levels)
	assert.True(t, res.disposed)

	total, _, active := a.Usage()
	assert.Equal(t, int64(0), total)
	assert.Equal(t, 0, active)
}

func TestAccountant_ExplicitReleaseDisposes(t *testing.T) {
	a := newTestAccountant(t, Config{MaxMemoryUsage: 1 << 30})

	res := &fakeDisposable{}
	h := a.Register(TypeWorker, 10, res, nil)
	a.ReleaseResource(h.ID())

	assert.True(t, res.disposed)
	total, _, _ := a.Usage()
	assert.Equal(t, int64(0), total)
}
