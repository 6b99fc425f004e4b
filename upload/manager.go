// Package upload orchestrates one file's resumable upload: state lifecycle,
// the pipeline run, per-chunk retries, progress and pause/resume/cancel.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/streamsend-io/uploadcore/chunker"
	"github.com/streamsend-io/uploadcore/network"
	"github.com/streamsend-io/uploadcore/pipeline"
	"github.com/streamsend-io/uploadcore/retry"
	"github.com/streamsend-io/uploadcore/security"
	"github.com/streamsend-io/uploadcore/state"
)

// ErrUploadInProgress is returned when the file already has a live upload.
var ErrUploadInProgress = errors.New("upload already in progress for file")

// ErrCannotResume is returned when no resumable state exists for the file.
var ErrCannotResume = errors.New("no resumable upload state for file")

// ErrPaused is returned from a run ended by PauseUpload.
var ErrPaused = errors.New("upload paused")

// ErrValidationFailed wraps file validation failures.
var ErrValidationFailed = errors.New("file validation failed")

// File is a local file offered for upload. Content must support random
// access; every read path (checksum, chunk reads, validation) goes through
// section readers over it.
type File struct {
	Name         string
	Size         int64
	MIME         string
	LastModified time.Time
	Content      io.ReaderAt
}

// Identity is the uploading user.
type Identity struct {
	UserID      string
	AccessToken string
}

// ChunkSender posts one transformed chunk; *network.Client is the production
// implementation.
type ChunkSender interface {
	UploadChunk(ctx context.Context, req network.ChunkRequest) error
}

// Config ...
type Config struct {
	// ChunkSize is the size-mode chunk size in bytes. Zero means 1 MiB.
	ChunkSize int64
	// ResumableEnabled sends resume tokens with every chunk and keeps state
	// for resuming.
	ResumableEnabled bool
	// ChecksumVerification sends the pre-encryption payload checksum with
	// every chunk.
	ChecksumVerification bool
}

func (c Config) normalized() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1024 * 1024
	}
	return c
}

type activeUpload struct {
	cancel context.CancelFunc
	pause  bool
	mu     sync.Mutex
}

func (a *activeUpload) requestPause() {
	a.mu.Lock()
	a.pause = true
	a.mu.Unlock()
	a.cancel()
}

func (a *activeUpload) pauseRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pause
}

// Manager drives uploads end to end. One Manager serves many files; each
// file has at most one live upload at a time.
type Manager struct {
	cfg        Config
	chunker    *chunker.Chunker
	pipe       *pipeline.Pipeline
	store      *state.Store
	classifier *retry.Classifier
	gate       *security.Gate
	logger     log.Logger

	// newSender is swapped in tests.
	newSender func(endpoint string) ChunkSender

	mu     sync.Mutex
	active map[string]*activeUpload
}

// NewManager ...
func NewManager(
	cfg Config,
	chnk *chunker.Chunker,
	pipe *pipeline.Pipeline,
	store *state.Store,
	classifier *retry.Classifier,
	gate *security.Gate,
	logger log.Logger,
) *Manager {
	return &Manager{
		cfg:        cfg.normalized(),
		chunker:    chnk,
		pipe:       pipe,
		store:      store,
		classifier: classifier,
		gate:       gate,
		logger:     logger,
		newSender: func(endpoint string) ChunkSender {
			return network.NewClient(endpoint, logger)
		},
		active: make(map[string]*activeUpload),
	}
}

// StartUpload admits, validates and uploads one file. A prior resumable
// state for the same file identity is picked up automatically, so only the
// remaining chunks are posted.
func (m *Manager) StartUpload(ctx context.Context, file File, endpoint string, user Identity, onProgress ProgressFunc) error {
	if err := m.gate.Admit(user.UserID, user.AccessToken); err != nil {
		m.classifier.HandleError(err, retry.Context{Recoverable: true})
		return err
	}
	defer m.gate.Release(user.UserID)

	if result := m.gate.Validator.ValidateFile(security.FileInfo{Name: file.Name, Size: file.Size, MIME: file.MIME}, file.Content); !result.Valid {
		err := retry.NewError(retry.KindValidation,
			fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(result.Errors, "; ")), nil)
		m.classifier.HandleError(err, retry.Context{Recoverable: false})
		return fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(result.Errors, "; "))
	}

	st, chunks, err := m.resolveState(ctx, file)
	if err != nil {
		return err
	}
	return m.run(ctx, st, chunks, file, endpoint, onProgress)
}

// ResumeUpload continues a previously interrupted upload. It rejects files
// with no resumable state.
func (m *Manager) ResumeUpload(ctx context.Context, fileID string, file File, endpoint string, user Identity, onProgress ProgressFunc) error {
	if !m.store.CanResume(ctx, fileID) {
		return fmt.Errorf("%w: %s", ErrCannotResume, fileID)
	}
	return m.StartUpload(ctx, file, endpoint, user, onProgress)
}

// PauseUpload aborts the live pipeline of the file; state stays resumable
// with status paused.
func (m *Manager) PauseUpload(fileID string) error {
	m.mu.Lock()
	a, ok := m.active[fileID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live upload for file %s", fileID)
	}
	a.requestPause()
	return nil
}

// CancelUpload aborts any live upload and deletes the file's state.
func (m *Manager) CancelUpload(ctx context.Context, fileID string) error {
	m.mu.Lock()
	a, ok := m.active[fileID]
	m.mu.Unlock()
	if ok {
		a.requestPause()
	}
	m.gate.Cipher.DestroyKey(fileID)
	if err := m.store.RemoveState(ctx, fileID); err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("forget upload state: %w", err)
	}
	m.logger.Infof("Upload %s cancelled and forgotten", fileID)
	return nil
}

// resolveState loads the file's resumable state or initializes a fresh one,
// and builds the chunk sequence.
func (m *Manager) resolveState(ctx context.Context, file File) (*state.UploadState, []chunker.Chunk, error) {
	chunks, err := m.chunker.ChunkFile(
		io.NewSectionReader(file.Content, 0, file.Size), file.Content, file.Size, file.MIME)
	if err != nil {
		return nil, nil, fmt.Errorf("chunk file %s: %w", file.Name, err)
	}

	existing, err := m.store.FindResumable(ctx, file.Name, file.Size)
	if err == nil {
		m.logger.Infof("Resuming upload %s: %d of %d chunks done", existing.FileID, len(existing.UploadedChunks), existing.TotalChunks)
		return existing, chunks, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return nil, nil, fmt.Errorf("look up prior state for %s: %w", file.Name, err)
	}

	st, err := m.store.InitializeState(ctx, state.FileMeta{
		FileID:   uuid.NewString(),
		FileName: file.Name,
		FileSize: file.Size,
		MIMEType: file.MIME,
	}, io.NewSectionReader(file.Content, 0, file.Size), len(chunks))
	if err != nil {
		return nil, nil, fmt.Errorf("initialize upload state for %s: %w", file.Name, err)
	}
	m.logger.Infof("New upload %s: %s in %d chunks", st.FileID, units.BytesSize(float64(file.Size)), len(chunks))
	return st, chunks, nil
}

func (m *Manager) run(ctx context.Context, st *state.UploadState, chunks []chunker.Chunk, file File, endpoint string, onProgress ProgressFunc) error {
	fileID := st.FileID

	m.mu.Lock()
	if _, live := m.active[fileID]; live {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUploadInProgress, fileID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	a := &activeUpload{cancel: cancel}
	m.active[fileID] = a
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.active, fileID)
		m.mu.Unlock()
	}()

	if m.gate.EncryptionEnabled() && !m.gate.Cipher.HasKey(fileID) {
		if err := m.gate.Cipher.BindKey(fileID); err != nil {
			return fmt.Errorf("bind encryption key: %w", err)
		}
	}

	remaining := remainingChunks(st, chunks)
	tracker := newProgressTracker(onProgress, st.FileSize, st.TotalChunks, st.BytesUploaded, len(st.UploadedChunks))

	if len(remaining) == 0 {
		return m.finish(ctx, st, tracker)
	}

	if _, err := m.store.SetStatus(ctx, fileID, state.StatusUploading, ""); err != nil {
		return err
	}

	sender := m.newSender(endpoint)
	sink := m.chunkSink(st, file, sender, tracker)

	err := m.pipe.Run(runCtx, fileID, file.Content, remaining, sink)
	if err == nil {
		return m.finish(ctx, st, tracker)
	}

	if a.pauseRequested() {
		if _, serr := m.store.SetStatus(ctx, fileID, state.StatusPaused, ""); serr != nil {
			m.logger.Warnf("persist paused status: %s", serr)
		}
		m.logger.Infof("Upload %s paused", fileID)
		return ErrPaused
	}

	if _, serr := m.store.SetStatus(ctx, fileID, state.StatusError, err.Error()); serr != nil {
		m.logger.Warnf("persist error status: %s", serr)
	}
	m.gate.Cipher.DestroyKey(fileID)
	return fmt.Errorf("upload %s failed: %w", fileID, err)
}

// chunkSink wraps the POST of one chunk in the retry loop. The retry policy
// is the single source of truth for stop decisions; there is no second
// attempt counter here.
func (m *Manager) chunkSink(st *state.UploadState, file File, sender ChunkSender, tracker *progressTracker) pipeline.SinkFunc {
	return func(ctx context.Context, t pipeline.Transformed) error {
		req := network.ChunkRequest{
			Metadata: network.Metadata{
				FileID:      st.FileID,
				FileName:    file.Name,
				FileSize:    file.Size,
				MIMEType:    file.MIME,
				ChunkIndex:  t.Chunk.Index,
				TotalChunks: st.TotalChunks,
			},
			Payload: t.Payload,
		}
		if m.cfg.ResumableEnabled {
			req.ResumeToken = st.ResumeToken
		}
		if m.cfg.ChecksumVerification {
			req.Checksum = t.Checksum
		}

		for attempt := 0; ; attempt++ {
			cs := state.ChunkState{
				Index:       t.Chunk.Index,
				Size:        t.OriginalSize,
				Offset:      t.Chunk.Offset,
				Checksum:    t.Checksum,
				Attempts:    attempt + 1,
				LastAttempt: time.Now().UnixMilli(),
			}
			if err := m.store.SaveChunkState(ctx, st.FileID, cs); err != nil {
				m.logger.Warnf("persist chunk state %d: %s", t.Chunk.Index, err)
			}

			err := sender.UploadChunk(ctx, req)
			if err == nil {
				updated, serr := m.store.MarkUploaded(ctx, st.FileID, t.Chunk.Index, t.OriginalSize)
				if serr != nil {
					return fmt.Errorf("record chunk %d: %w", t.Chunk.Index, serr)
				}
				st.BytesUploaded = updated.BytesUploaded
				tracker.chunkDone(t.OriginalSize)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			cs.Error = err.Error()
			if serr := m.store.SaveChunkState(ctx, st.FileID, cs); serr != nil {
				m.logger.Warnf("persist chunk state %d: %s", t.Chunk.Index, serr)
			}

			shouldRetry, delay := m.classifier.HandleError(err, retry.Context{
				FileID:      st.FileID,
				ChunkIndex:  t.Chunk.Index,
				RetryCount:  attempt,
				Recoverable: true,
			})
			if !shouldRetry {
				return err
			}
			tracker.retried()
			m.logger.Debugf("chunk %d retry in %s: %s", t.Chunk.Index, delay, err)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) finish(ctx context.Context, st *state.UploadState, tracker *progressTracker) error {
	if _, err := m.store.SetStatus(ctx, st.FileID, state.StatusCompleted, ""); err != nil {
		return fmt.Errorf("persist completed status: %w", err)
	}
	m.gate.Cipher.DestroyKey(st.FileID)
	tracker.finish()
	m.logger.Donef("Upload %s completed (%s)", st.FileID, units.BytesSize(float64(st.FileSize)))
	return nil
}

func remainingChunks(st *state.UploadState, chunks []chunker.Chunk) []chunker.Chunk {
	remaining := make([]chunker.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if !st.Uploaded(c.Index) {
			remaining = append(remaining, c)
		}
	}
	return remaining
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
