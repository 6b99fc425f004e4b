package upload

import (
	"sync"
	"time"
)

// Progress is the snapshot handed to the progress callback.
type Progress struct {
	BytesUploaded          int64
	TotalBytes             int64
	ChunksUploaded         int
	TotalChunks            int
	Speed                  float64
	AverageSpeed           float64
	EstimatedTimeRemaining time.Duration
	RetryCount             int
}

// ProgressFunc receives throttled progress snapshots.
type ProgressFunc func(Progress)

// minEmitInterval bounds the progress callback rate.
const minEmitInterval = 100 * time.Millisecond

// progressTracker emits throttled, monotonically non-decreasing progress.
// A resumed upload starts from the persisted byte count, so its first
// snapshot already reflects prior sessions.
type progressTracker struct {
	mu sync.Mutex

	fn          ProgressFunc
	totalBytes  int64
	totalChunks int

	startTime    time.Time
	sessionStart int64

	bytesUploaded  int64
	chunksUploaded int
	retryCount     int

	lastEmit  time.Time
	lastSpeed float64
}

func newProgressTracker(fn ProgressFunc, totalBytes int64, totalChunks int, alreadyUploaded int64, alreadyChunks int) *progressTracker {
	return &progressTracker{
		fn:             fn,
		totalBytes:     totalBytes,
		totalChunks:    totalChunks,
		startTime:      time.Now(),
		sessionStart:   alreadyUploaded,
		bytesUploaded:  alreadyUploaded,
		chunksUploaded: alreadyChunks,
	}
}

// chunkDone records one acknowledged chunk and maybe emits.
func (t *progressTracker) chunkDone(size int64) {
	t.mu.Lock()
	t.bytesUploaded += size
	t.chunksUploaded++
	t.mu.Unlock()
	t.emit(false)
}

func (t *progressTracker) retried() {
	t.mu.Lock()
	t.retryCount++
	t.mu.Unlock()
}

// finish forces a final emit regardless of throttling.
func (t *progressTracker) finish() {
	t.emit(true)
}

// emit delivers the snapshot while holding the lock, so callbacks arrive in
// non-decreasing BytesUploaded order even with concurrent chunk completions.
func (t *progressTracker) emit(force bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fn == nil {
		return
	}
	now := time.Now()
	if !force && !t.lastEmit.IsZero() && now.Sub(t.lastEmit) < minEmitInterval {
		return
	}
	t.lastEmit = now

	elapsed := now.Sub(t.startTime).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(t.bytesUploaded-t.sessionStart) / elapsed
	}
	average := (speed + t.lastSpeed) / 2
	if t.lastSpeed == 0 {
		average = speed
	}
	t.lastSpeed = speed

	var eta time.Duration
	if speed > 0 {
		eta = time.Duration(float64(t.totalBytes-t.bytesUploaded) / speed * float64(time.Second))
	}

	t.fn(Progress{
		BytesUploaded:          t.bytesUploaded,
		TotalBytes:             t.totalBytes,
		ChunksUploaded:         t.chunksUploaded,
		TotalChunks:            t.totalChunks,
		Speed:                  speed,
		AverageSpeed:           average,
		EstimatedTimeRemaining: eta,
		RetryCount:             t.retryCount,
	})
}
