// Package workers runs CPU-heavy chunk tasks (hash, compress, validate) on a
// fixed pool of goroutines with per-task timeouts and bounded retries.
package workers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/streamsend-io/uploadcore/compression"
)

// TaskKind labels the work a task performs.
type TaskKind string

const (
	TaskCompress TaskKind = "compress"
	TaskValidate TaskKind = "validate"
	TaskHash     TaskKind = "hash"
)

// ErrPoolClosed is returned for tasks submitted to, or still queued in, a
// disposed pool.
var ErrPoolClosed = errors.New("worker pool disposed")

// ErrTaskTimeout is returned when a task exceeds its per-attempt timeout on
// every allowed attempt.
var ErrTaskTimeout = errors.New("task timed out")

// Task is one unit of pool work. Run must honor ctx cancellation.
type Task struct {
	ID   string
	Kind TaskKind
	Run  func(ctx context.Context) ([]byte, error)
}

// Config controls pool sizing and retry behavior.
type Config struct {
	// Workers caps the worker count; the effective count is
	// min(Workers, NumCPU). Zero means NumCPU.
	Workers int
	// TaskTimeout bounds one task attempt. Default 30s.
	TaskTimeout time.Duration
	// RetryAttempts is the number of retries after the first failed attempt.
	// Zero means no retries; negative values mean 2.
	RetryAttempts int
}

func (c Config) normalized() Config {
	cores := runtime.NumCPU()
	if c.Workers <= 0 || c.Workers > cores {
		c.Workers = cores
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 2
	}
	return c
}

type job struct {
	task    Task
	ctx     context.Context
	attempt int
	result  chan jobResult
}

type jobResult struct {
	data []byte
	err  error
}

// Pool dispatches tasks to its workers. A worker that panics is replaced and
// its in-flight task retried.
type Pool struct {
	cfg    Config
	queue  chan *job
	logger log.Logger

	mu       sync.Mutex
	disposed bool
	wg       sync.WaitGroup
}

// NewPool starts the workers immediately.
func NewPool(cfg Config, logger log.Logger) *Pool {
	cfg = cfg.normalized()
	p := &Pool{
		cfg:    cfg,
		queue:  make(chan *job, cfg.Workers*4),
		logger: logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Debugf("Worker pool started with %d workers", cfg.Workers)
	return p
}

// Submit runs the task on the pool and blocks for its result. A failed or
// timed-out attempt is retried up to RetryAttempts times; retries run in
// place on the same worker, ahead of waiting tasks.
func (p *Pool) Submit(ctx context.Context, task Task) ([]byte, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	j := &job{
		task:   task,
		ctx:    ctx,
		result: make(chan jobResult, 1),
	}

	select {
	case p.queue <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-j.result:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Hash computes the SHA-256 hex digest of the payload on the pool.
func (p *Pool) Hash(ctx context.Context, payload []byte) (string, error) {
	data, err := p.Submit(ctx, Task{
		ID:   "hash",
		Kind: TaskHash,
		Run: func(ctx context.Context) ([]byte, error) {
			sum := sha256.Sum256(payload)
			return []byte(hex.EncodeToString(sum[:])), nil
		},
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Compress DEFLATEs the payload on the pool, returning the (possibly
// passed-through) bytes and whether compression was applied.
func (p *Pool) Compress(ctx context.Context, payload []byte) ([]byte, bool, error) {
	compressed := false
	data, err := p.Submit(ctx, Task{
		ID:   "compress",
		Kind: TaskCompress,
		Run: func(ctx context.Context) ([]byte, error) {
			result, err := compression.Compress(payload)
			if err != nil {
				return nil, err
			}
			compressed = result.Compressed
			return result.Data, nil
		},
	})
	return data, compressed, err
}

// Dispose terminates the workers and rejects all queued tasks.
func (p *Pool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debugf("Worker pool disposed")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("worker %d crashed: %v, replacing", id, r)
			p.wg.Add(1)
			go p.worker(id)
		}
	}()

	for j := range p.queue {
		p.mu.Lock()
		disposed := p.disposed
		p.mu.Unlock()
		if disposed {
			j.result <- jobResult{err: ErrPoolClosed}
			continue
		}
		p.execute(j)
	}
}

// execute races one attempt against the task timeout and retries in place, so
// a retried task never waits behind the rest of the queue.
func (p *Pool) execute(j *job) {
	var lastErr error
	for ; j.attempt <= p.cfg.RetryAttempts; j.attempt++ {
		data, err := p.attempt(j)
		if err == nil {
			j.result <- jobResult{data: data}
			return
		}
		lastErr = err
		if j.ctx.Err() != nil {
			break
		}
		p.logger.Debugf("task %s (%s) attempt %d failed: %s", j.task.ID, j.task.Kind, j.attempt+1, err)
	}
	j.result <- jobResult{err: fmt.Errorf("task %s failed after %d attempts: %w", j.task.ID, j.attempt, lastErr)}
}

func (p *Pool) attempt(j *job) (data []byte, err error) {
	ctx, cancel := context.WithTimeout(j.ctx, p.cfg.TaskTimeout)
	defer cancel()

	done := make(chan jobResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- jobResult{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		d, runErr := j.task.Run(ctx)
		done <- jobResult{data: d, err: runErr}
	}()

	select {
	case res := <-done:
		return res.data, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTaskTimeout
		}
		return nil, ctx.Err()
	}
}
