// Package pipeline runs the per-file source → transform → sink dataflow with
// bounded parallelism and a single shared cancellation context.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"

	"github.com/streamsend-io/uploadcore/chunkcache"
	"github.com/streamsend-io/uploadcore/chunker"
	"github.com/streamsend-io/uploadcore/resources"
	"github.com/streamsend-io/uploadcore/retry"
	"github.com/streamsend-io/uploadcore/security"
	"github.com/streamsend-io/uploadcore/workers"
)

// Config ...
type Config struct {
	// ConcurrentStreams caps the chunks in flight for one file. Zero means 3.
	ConcurrentStreams int
	// CompressionEnabled gates the DEFLATE transform.
	CompressionEnabled bool
	// ValidateChunks gates the worker-side payload validation.
	ValidateChunks bool
}

func (c Config) normalized() Config {
	if c.ConcurrentStreams <= 0 {
		c.ConcurrentStreams = 3
	}
	return c
}

// Transformed is a chunk after the transform stage, ready for the sink.
// OriginalSize is the payload size before compression and encryption; byte
// accounting is defined over it.
type Transformed struct {
	Chunk        chunker.Chunk
	Payload      []byte
	OriginalSize int64
	Checksum     string
	Compressed   bool
	Encrypted    bool
}

// SinkFunc consumes one transformed chunk. Returning an error cancels the
// whole pipeline run.
type SinkFunc func(ctx context.Context, t Transformed) error

// Pipeline binds the worker pool, cipher and resource accountant into one
// reusable dataflow engine.
type Pipeline struct {
	cfg    Config
	pool   *workers.Pool
	cipher *security.Cipher
	acct   *resources.Accountant
	cache  *chunkcache.Cache
	logger log.Logger
}

// New creates a Pipeline. cache may be nil; when set, source reads are
// served from it where possible and freshly read payloads are stored back.
func New(cfg Config, pool *workers.Pool, cipher *security.Cipher, acct *resources.Accountant, cache *chunkcache.Cache, logger log.Logger) *Pipeline {
	return &Pipeline{
		cfg:    cfg.normalized(),
		pool:   pool,
		cipher: cipher,
		acct:   acct,
		cache:  cache,
		logger: logger,
	}
}

// Run pushes the given chunks of one file through transform and sink. Up to
// ConcurrentStreams chunks are in flight at once; submission order at the
// sink is not guaranteed. The first error cancels the source, the in-flight
// transforms and the sink.
func (p *Pipeline) Run(ctx context.Context, fileID string, source io.ReaderAt, chunks []chunker.Chunk, sink SinkFunc) error {
	if len(chunks) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	// Source: pull-driven by the channel bound, at most one chunk is read
	// ahead per free transform slot.
	feed := make(chan chunker.Chunk, p.cfg.ConcurrentStreams)
	g.Go(func() error {
		defer close(feed)
		for _, c := range chunks {
			select {
			case feed <- c:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < p.cfg.ConcurrentStreams; i++ {
		g.Go(func() error {
			for c := range feed {
				if err := p.process(gctx, fileID, source, c, sink); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func (p *Pipeline) process(ctx context.Context, fileID string, source io.ReaderAt, c chunker.Chunk, sink SinkFunc) error {
	payload, err := p.readChunk(fileID, source, c)
	if err != nil {
		return retry.NewError(retry.KindStorage, fmt.Sprintf("read chunk %d", c.Index), err)
	}
	originalSize := int64(len(payload))

	// The payload is charged for its whole trip through transform and sink.
	handle := p.acct.Register(resources.TypeChunk, int64(len(payload)), nil, map[string]string{
		"file":  fileID,
		"index": strconv.Itoa(c.Index),
	})
	defer handle.Release()

	if p.cfg.ValidateChunks {
		if err := p.validate(ctx, c, payload); err != nil {
			return err
		}
	}

	compressed := false
	if p.cfg.CompressionEnabled {
		data, didCompress, err := p.pool.Compress(ctx, payload)
		if err != nil {
			return fmt.Errorf("compress chunk %d: %w", c.Index, err)
		}
		payload = data
		compressed = didCompress
	}

	checksum, err := p.pool.Hash(ctx, payload)
	if err != nil {
		return fmt.Errorf("hash chunk %d: %w", c.Index, err)
	}

	encrypted := false
	if p.cipher != nil && p.cipher.HasKey(fileID) {
		payload, err = p.cipher.Encrypt(fileID, payload)
		if err != nil {
			return fmt.Errorf("encrypt chunk %d: %w", c.Index, err)
		}
		encrypted = true
	}

	return sink(ctx, Transformed{
		Chunk:        c,
		Payload:      payload,
		OriginalSize: originalSize,
		Checksum:     checksum,
		Compressed:   compressed,
		Encrypted:    encrypted,
	})
}

// readChunk serves the chunk payload from the cache when possible. A cold or
// corrupted cache only costs the re-read; behavior is otherwise identical.
func (p *Pipeline) readChunk(fileID string, source io.ReaderAt, c chunker.Chunk) ([]byte, error) {
	if p.cache == nil {
		return c.Read(source)
	}
	key := chunkcache.Key{FileKey: fileID, Index: c.Index}
	if payload, ok := p.cache.Get(key); ok {
		return payload, nil
	}
	payload, err := c.Read(source)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Set(key, payload); err != nil {
		p.logger.Debugf("cache chunk %d: %s", c.Index, err)
	}
	return payload, nil
}

// validate runs the cheap structural checks on the worker pool.
func (p *Pipeline) validate(ctx context.Context, c chunker.Chunk, payload []byte) error {
	_, err := p.pool.Submit(ctx, workers.Task{
		ID:   fmt.Sprintf("validate-%d", c.Index),
		Kind: workers.TaskValidate,
		Run: func(ctx context.Context) ([]byte, error) {
			if len(payload) == 0 {
				return nil, retry.NewError(retry.KindValidation, fmt.Sprintf("chunk %d has an empty payload", c.Index), nil)
			}
			if c.Kind == chunker.KindBinary && int64(len(payload)) != c.Size {
				return nil, retry.NewError(retry.KindValidation,
					fmt.Sprintf("chunk %d payload is %d bytes, expected %d", c.Index, len(payload), c.Size), nil)
			}
			return nil, nil
		},
	})
	return err
}
