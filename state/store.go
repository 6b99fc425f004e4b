package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

const (
	uploadStateKeyPrefix = "upload_state_"
	chunkStateKeyPrefix  = "chunk_state_"
)

// FileMeta identifies the file an upload state is created for.
type FileMeta struct {
	FileID   string
	FileName string
	FileSize int64
	MIMEType string
}

// Store is the durable upload-state registry: a write-through in-memory cache
// over a Backend, flushed periodically by the autosave loop. MarkUploaded and
// SetStatus serialize their read-modify-write of one file's state with a
// per-file lock.
type Store struct {
	backend Backend
	logger  log.Logger

	mu    sync.RWMutex
	cache map[string]*UploadState

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	stopAutosave chan struct{}
	autosaveDone chan struct{}
}

// NewStore creates a Store. A positive autoSaveInterval starts the autosave
// loop; call Close to stop it and flush.
func NewStore(backend Backend, autoSaveInterval time.Duration, logger log.Logger) *Store {
	s := &Store{
		backend:      backend,
		logger:       logger,
		cache:        make(map[string]*UploadState),
		locks:        make(map[string]*sync.Mutex),
		stopAutosave: make(chan struct{}),
		autosaveDone: make(chan struct{}),
	}
	if autoSaveInterval > 0 {
		go s.autosaveLoop(autoSaveInterval)
	} else {
		close(s.autosaveDone)
	}
	return s
}

// InitializeState computes the file's SHA-256, mints a fresh resume token and
// persists a new state with status initialized.
func (s *Store) InitializeState(ctx context.Context, meta FileMeta, content io.Reader, totalChunks int) (*UploadState, error) {
	h := sha256.New()
	if _, err := io.Copy(h, content); err != nil {
		return nil, fmt.Errorf("checksum file %s: %w", meta.FileName, err)
	}

	now := time.Now().UnixMilli()
	st := &UploadState{
		FileID:         meta.FileID,
		FileName:       meta.FileName,
		FileSize:       meta.FileSize,
		MIMEType:       meta.MIMEType,
		TotalChunks:    totalChunks,
		UploadedChunks: []int{},
		StartTime:      now,
		LastUpdate:     now,
		Status:         StatusInitialized,
		ResumeToken:    uuid.NewString(),
		Checksum:       hex.EncodeToString(h.Sum(nil)),
	}
	if err := s.SaveState(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// SaveState writes the state through to the backend and the in-memory cache.
func (s *Store) SaveState(ctx context.Context, st *UploadState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode upload state %s: %w", st.FileID, err)
	}
	if err := s.backend.Set(ctx, uploadStateKey(st.FileID), data); err != nil {
		return fmt.Errorf("persist upload state %s: %w", st.FileID, err)
	}

	s.mu.Lock()
	s.cache[st.FileID] = st.clone()
	s.mu.Unlock()
	return nil
}

// GetState returns the state for fileID, memory first, backend second.
func (s *Store) GetState(ctx context.Context, fileID string) (*UploadState, error) {
	s.mu.RLock()
	cached, ok := s.cache[fileID]
	s.mu.RUnlock()
	if ok {
		return cached.clone(), nil
	}

	data, err := s.backend.Get(ctx, uploadStateKey(fileID))
	if err != nil {
		return nil, err
	}
	var st UploadState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode upload state %s: %w", fileID, err)
	}

	s.mu.Lock()
	s.cache[fileID] = st.clone()
	s.mu.Unlock()
	return &st, nil
}

// RemoveState deletes the upload state and all chunk states of the file.
func (s *Store) RemoveState(ctx context.Context, fileID string) error {
	s.mu.Lock()
	delete(s.cache, fileID)
	s.mu.Unlock()

	if err := s.backend.Remove(ctx, uploadStateKey(fileID)); err != nil {
		return fmt.Errorf("remove upload state %s: %w", fileID, err)
	}
	keys, err := s.backend.Keys(ctx, chunkStateKeyPrefix+fileID+"_")
	if err != nil {
		return fmt.Errorf("list chunk states of %s: %w", fileID, err)
	}
	for _, key := range keys {
		if err := s.backend.Remove(ctx, key); err != nil {
			return fmt.Errorf("remove chunk state %s: %w", key, err)
		}
	}
	return nil
}

// MarkUploaded serializes the "chunk done" transition for one file and
// persists the updated state atomically with respect to readers.
func (s *Store) MarkUploaded(ctx context.Context, fileID string, index int, size int64) (*UploadState, error) {
	unlock := s.lockFile(fileID)
	defer unlock()

	st, err := s.GetState(ctx, fileID)
	if err != nil {
		return nil, err
	}
	st.MarkUploaded(index, size)
	if err := s.SaveState(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// SetStatus transitions the file's status under its lock.
func (s *Store) SetStatus(ctx context.Context, fileID string, status Status, errMsg string) (*UploadState, error) {
	unlock := s.lockFile(fileID)
	defer unlock()

	st, err := s.GetState(ctx, fileID)
	if err != nil {
		return nil, err
	}
	st.Status = status
	st.Error = errMsg
	st.LastUpdate = time.Now().UnixMilli()
	if err := s.SaveState(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// SaveChunkState persists the per-chunk attempt record.
func (s *Store) SaveChunkState(ctx context.Context, fileID string, cs ChunkState) error {
	data, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("encode chunk state %s/%d: %w", fileID, cs.Index, err)
	}
	if err := s.backend.Set(ctx, chunkStateKey(fileID, cs.Index), data); err != nil {
		return fmt.Errorf("persist chunk state %s/%d: %w", fileID, cs.Index, err)
	}
	return nil
}

// GetChunkState ...
func (s *Store) GetChunkState(ctx context.Context, fileID string, index int) (ChunkState, error) {
	data, err := s.backend.Get(ctx, chunkStateKey(fileID, index))
	if err != nil {
		return ChunkState{}, err
	}
	var cs ChunkState
	if err := json.Unmarshal(data, &cs); err != nil {
		return ChunkState{}, fmt.Errorf("decode chunk state %s/%d: %w", fileID, index, err)
	}
	return cs, nil
}

// CanResume reports whether a resumable state exists for fileID.
func (s *Store) CanResume(ctx context.Context, fileID string) bool {
	st, err := s.GetState(ctx, fileID)
	if err != nil {
		return false
	}
	return st.Resumable()
}

// ResumableChunks returns the not-yet-uploaded chunk indexes of the file.
func (s *Store) ResumableChunks(ctx context.Context, fileID string) ([]int, error) {
	st, err := s.GetState(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return st.Remaining(), nil
}

// FindResumable looks for a resumable state matching the file identity. Used
// after a restart, when the caller no longer knows the fileID.
func (s *Store) FindResumable(ctx context.Context, fileName string, fileSize int64) (*UploadState, error) {
	return s.find(ctx, fileName, fileSize, true)
}

// FindByFile matches the file identity regardless of status.
func (s *Store) FindByFile(ctx context.Context, fileName string, fileSize int64) (*UploadState, error) {
	return s.find(ctx, fileName, fileSize, false)
}

func (s *Store) find(ctx context.Context, fileName string, fileSize int64, resumableOnly bool) (*UploadState, error) {
	keys, err := s.backend.Keys(ctx, uploadStateKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list upload states: %w", err)
	}
	for _, key := range keys {
		data, err := s.backend.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		var st UploadState
		if err := json.Unmarshal(data, &st); err != nil {
			s.logger.Warnf("skipping undecodable upload state %s: %s", key, err)
			continue
		}
		if st.FileName != fileName || st.FileSize != fileSize {
			continue
		}
		if resumableOnly && !st.Resumable() {
			continue
		}
		return &st, nil
	}
	return nil, ErrNotFound
}

// Flush writes every cached state to the backend.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	states := make([]*UploadState, 0, len(s.cache))
	for _, st := range s.cache {
		states = append(states, st.clone())
	}
	s.mu.RUnlock()

	for _, st := range states {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode upload state %s: %w", st.FileID, err)
		}
		if err := s.backend.Set(ctx, uploadStateKey(st.FileID), data); err != nil {
			return fmt.Errorf("flush upload state %s: %w", st.FileID, err)
		}
	}
	return nil
}

// Close stops the autosave loop, flushes and closes the backend.
func (s *Store) Close() error {
	close(s.stopAutosave)
	<-s.autosaveDone

	if err := s.Flush(context.Background()); err != nil {
		s.logger.Warnf("final state flush failed: %s", err)
	}
	return s.backend.Close()
}

func (s *Store) autosaveLoop(interval time.Duration) {
	defer close(s.autosaveDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopAutosave:
			return
		case <-ticker.C:
			// Autosave failures are logged, never fatal for the upload.
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warnf("autosave failed: %s", err)
			}
		}
	}
}

func (s *Store) lockFile(fileID string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[fileID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[fileID] = l
	}
	s.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

func uploadStateKey(fileID string) string {
	return uploadStateKeyPrefix + fileID
}

func chunkStateKey(fileID string, index int) string {
	return fmt.Sprintf("%s%s_%d", chunkStateKeyPrefix, fileID, index)
}
