package upload

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamsend-io/uploadcore/chunker"
	"github.com/streamsend-io/uploadcore/network"
	"github.com/streamsend-io/uploadcore/pipeline"
	"github.com/streamsend-io/uploadcore/resources"
	"github.com/streamsend-io/uploadcore/retry"
	"github.com/streamsend-io/uploadcore/sanitize"
	"github.com/streamsend-io/uploadcore/security"
	"github.com/streamsend-io/uploadcore/state"
	"github.com/streamsend-io/uploadcore/workers"
)

const testChunkSize = 1024

type fakeSender struct {
	mu     sync.Mutex
	posted []int
	// fail decides per (index, attempt) whether the POST errors.
	fail func(index, attempt int) error
	// block, when set, parks the given index until the context dies.
	block    func(index int) bool
	attempts map[int]int
}

func (f *fakeSender) UploadChunk(ctx context.Context, req network.ChunkRequest) error {
	index := req.Metadata.ChunkIndex

	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = make(map[int]int)
	}
	attempt := f.attempts[index]
	f.attempts[index]++
	blocked := f.block != nil && f.block(index)
	f.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.fail != nil {
		if err := f.fail(index, attempt); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.posted = append(f.posted, index)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) postedIndexes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.posted...)
}

type testEnv struct {
	manager *Manager
	store   *state.Store
	sender  *fakeSender
	gate    *security.Gate
}

func fastStrategies() map[retry.Kind]retry.Strategy {
	strategies := retry.DefaultStrategies()
	network := strategies[retry.KindNetwork]
	network.BaseDelay = 2 * time.Millisecond
	strategies[retry.KindNetwork] = network
	server := strategies[retry.KindServer]
	server.BaseDelay = 2 * time.Millisecond
	strategies[retry.KindServer] = server
	return strategies
}

func newTestEnv(t *testing.T, secCfg security.Config) *testEnv {
	t.Helper()
	logger := log.NewLogger()

	pool := workers.NewPool(workers.Config{Workers: 2}, logger)
	t.Cleanup(pool.Dispose)
	acct := resources.NewAccountant(resources.Config{MaxMemoryUsage: 1 << 30}, logger)
	t.Cleanup(acct.Close)

	store := state.NewStore(state.NewMemoryBackend(), 0, logger)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	gate, err := security.NewGate(secCfg, logger)
	require.NoError(t, err)

	sanitizer := sanitize.New(sanitize.Config{}, logger)
	chnk := chunker.New(chunker.DefaultRegistry(testChunkSize), sanitizer, logger)
	pipe := pipeline.New(pipeline.Config{ConcurrentStreams: 2}, pool, gate.Cipher, acct, nil, logger)
	classifier := retry.NewClassifier(fastStrategies(), logger)

	manager := NewManager(Config{
		ChunkSize:            testChunkSize,
		ResumableEnabled:     true,
		ChecksumVerification: true,
	}, chnk, pipe, store, classifier, gate, logger)

	sender := &fakeSender{}
	manager.newSender = func(string) ChunkSender { return sender }

	return &testEnv{manager: manager, store: store, sender: sender, gate: gate}
}

func testFile(size int) File {
	content := bytes.Repeat([]byte("u"), size)
	return File{
		Name:         "payload.bin",
		Size:         int64(size),
		MIME:         "application/octet-stream",
		LastModified: time.Now(),
		Content:      bytes.NewReader(content),
	}
}

func TestStartUpload_HappyPath(t *testing.T) {
	env := newTestEnv(t, security.DefaultConfig())
	file := testFile(testChunkSize*3 + testChunkSize/2)

	var snapshots []Progress
	err := env.manager.StartUpload(context.Background(), file, "http://sink", Identity{UserID: "u1"}, func(p Progress) {
		snapshots = append(snapshots, p)
	})
	require.NoError(t, err)

	posted := env.sender.postedIndexes()
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, posted)

	st, err := env.store.FindByFile(context.Background(), file.Name, file.Size)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, st.Status)
	assert.Equal(t, []int{0, 1, 2, 3}, st.UploadedChunks)
	assert.Equal(t, file.Size, st.BytesUploaded)

	require.NotEmpty(t, snapshots)
	final := snapshots[len(snapshots)-1]
	assert.Equal(t, file.Size, final.BytesUploaded)
	assert.Equal(t, file.Size, final.TotalBytes)
	assert.Equal(t, 4, final.ChunksUploaded)
}

func TestStartUpload_ProgressIsMonotonic(t *testing.T) {
	env := newTestEnv(t, security.DefaultConfig())
	file := testFile(testChunkSize * 8)

	var bytesSeen []int64
	var mu sync.Mutex
	err := env.manager.StartUpload(context.Background(), file, "http://sink", Identity{UserID: "u1"}, func(p Progress) {
		mu.Lock()
		bytesSeen = append(bytesSeen, p.BytesUploaded)
		mu.Unlock()
	})
	require.NoError(t, err)

	for i := 1; i < len(bytesSeen); i++ {
		assert.GreaterOrEqual(t, bytesSeen[i], bytesSeen[i-1])
	}
}

func TestStartUpload_EmptyFileCompletesImmediately(t *testing.T) {
	env := newTestEnv(t, security.DefaultConfig())
	file := testFile(0)

	err := env.manager.StartUpload(context.Background(), file, "http://sink", Identity{UserID: "u1"}, nil)
	require.NoError(t, err)

	assert.Empty(t, env.sender.postedIndexes())
	st, err := env.store.FindByFile(context.Background(), file.Name, file.Size)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, st.Status)
	assert.Empty(t, st.UploadedChunks)
}

func TestStartUpload_ResumesAfterCrash(t *testing.T) {
	env := newTestEnv(t, security.DefaultConfig())
	file := testFile(testChunkSize * 4)
	ctx := context.Background()

	// Simulate a prior session that acknowledged chunks 0 and 2, then died.
	st, err := env.store.InitializeState(ctx, state.FileMeta{
		FileID:   "prior-session",
		FileName: file.Name,
		FileSize: file.Size,
		MIMEType: file.MIME,
	}, bytes.NewReader(nil), 4)
	require.NoError(t, err)
	_, err = env.store.MarkUploaded(ctx, st.FileID, 0, testChunkSize)
	require.NoError(t, err)
	_, err = env.store.MarkUploaded(ctx, st.FileID, 2, testChunkSize)
	require.NoError(t, err)

	err = env.manager.ResumeUpload(ctx, st.FileID, file, "http://sink", Identity{UserID: "u1"}, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{1, 3}, env.sender.postedIndexes())

	final, err := env.store.GetState(ctx, st.FileID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, final.Status)
	assert.Equal(t, []int{0, 1, 2, 3}, final.UploadedChunks)
}

func TestStartUpload_RetriesTransientNetworkError(t *testing.T) {
	env := newTestEnv(t, security.DefaultConfig())
	env.sender.fail = func(index, attempt int) error {
		if index == 0 && attempt < 2 {
			return retry.NewError(retry.KindNetwork, "connection reset", nil)
		}
		return nil
	}

	file := testFile(testChunkSize * 2)
	err := env.manager.StartUpload(context.Background(), file, "http://sink", Identity{UserID: "u1"}, nil)
	require.NoError(t, err)

	env.sender.mu.Lock()
	attempts := env.sender.attempts[0]
	env.sender.mu.Unlock()
	assert.Equal(t, 3, attempts, "chunk 0 should be attempted three times")
	assert.ElementsMatch(t, []int{0, 1}, env.sender.postedIndexes())
}

func TestStartUpload_NonRetryableChunkErrorFailsTheUpload(t *testing.T) {
	env := newTestEnv(t, security.DefaultConfig())
	env.sender.fail = func(index, attempt int) error {
		return retry.NewError(retry.KindValidation, "bad chunk", nil)
	}

	file := testFile(testChunkSize)
	err := env.manager.StartUpload(context.Background(), file, "http://sink", Identity{UserID: "u1"}, nil)
	require.Error(t, err)

	st, serr := env.store.FindByFile(context.Background(), file.Name, file.Size)
	require.NoError(t, serr)
	assert.Equal(t, state.StatusError, st.Status)
	assert.NotEmpty(t, st.Error)
}

func TestStartUpload_ValidationFailureSendsNothing(t *testing.T) {
	cfg := security.DefaultConfig()
	cfg.Validator.AllowedMIMETypes = []string{"image/*"}
	env := newTestEnv(t, cfg)

	var reports []retry.Report
	env.manager.classifier.Subscribe(func(r retry.Report) {
		reports = append(reports, r)
	})

	file := testFile(10)
	file.MIME = "application/x-msdownload"
	err := env.manager.StartUpload(context.Background(), file, "http://sink", Identity{UserID: "u1"}, nil)
	require.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "application/x-msdownload")

	assert.Empty(t, env.sender.postedIndexes())
	require.Len(t, reports, 1)
	assert.Equal(t, retry.KindValidation, reports[0].Kind)
}

func TestStartUpload_RateLimitRejectsFourthConcurrent(t *testing.T) {
	cfg := security.DefaultConfig()
	cfg.RateLimitEnabled = true
	cfg.RateLimit.MaxConcurrentUploads = 3
	env := newTestEnv(t, cfg)

	for i := 0; i < 3; i++ {
		require.NoError(t, env.gate.Limiter.Check("u1"))
	}

	file := testFile(testChunkSize)
	err := env.manager.StartUpload(context.Background(), file, "http://sink", Identity{UserID: "u1"}, nil)
	require.ErrorIs(t, err, security.ErrTooManyUploads)
	assert.Empty(t, env.sender.postedIndexes())

	env.gate.Limiter.Release("u1")
	require.NoError(t, env.manager.StartUpload(context.Background(), file, "http://sink", Identity{UserID: "u1"}, nil))
}

func TestStartUpload_RejectsDuplicate(t *testing.T) {
	env := newTestEnv(t, security.DefaultConfig())
	env.sender.block = func(index int) bool { return true }
	file := testFile(testChunkSize * 2)

	errCh := make(chan error, 1)
	go func() {
		errCh <- env.manager.StartUpload(context.Background(), file, "http://sink", Identity{UserID: "u1"}, nil)
	}()

	var fileID string
	require.Eventually(t, func() bool {
		st, err := env.store.FindResumable(context.Background(), file.Name, file.Size)
		if err != nil || st.Status != state.StatusUploading {
			return false
		}
		fileID = st.FileID
		return true
	}, 2*time.Second, 5*time.Millisecond)

	err := env.manager.StartUpload(context.Background(), file, "http://sink", Identity{UserID: "u1"}, nil)
	require.ErrorIs(t, err, ErrUploadInProgress)

	require.NoError(t, env.manager.PauseUpload(fileID))
	require.ErrorIs(t, <-errCh, ErrPaused)
}

func TestPauseAndResume(t *testing.T) {
	env := newTestEnv(t, security.DefaultConfig())
	ctx := context.Background()
	file := testFile(testChunkSize * 10)

	// Park every chunk beyond the first four until pause aborts the run.
	env.sender.block = func(index int) bool { return index >= 4 }

	errCh := make(chan error, 1)
	go func() {
		errCh <- env.manager.StartUpload(ctx, file, "http://sink", Identity{UserID: "u1"}, nil)
	}()

	require.Eventually(t, func() bool {
		return len(env.sender.postedIndexes()) >= 4
	}, 2*time.Second, 5*time.Millisecond)

	st, err := env.store.FindResumable(ctx, file.Name, file.Size)
	require.NoError(t, err)
	require.NoError(t, env.manager.PauseUpload(st.FileID))
	require.ErrorIs(t, <-errCh, ErrPaused)

	paused, err := env.store.GetState(ctx, st.FileID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusPaused, paused.Status)
	uploadedAtPause := append([]int(nil), paused.UploadedChunks...)

	// Resume: only the complement of the uploaded set goes out again.
	env.sender.block = nil
	resumed := &fakeSender{}
	env.manager.newSender = func(string) ChunkSender { return resumed }

	var first Progress
	var once sync.Once
	err = env.manager.ResumeUpload(ctx, st.FileID, file, "http://sink", Identity{UserID: "u1"}, func(p Progress) {
		once.Do(func() { first = p })
	})
	require.NoError(t, err)

	expected := map[int]bool{}
	for i := 0; i < 10; i++ {
		expected[i] = true
	}
	for _, idx := range uploadedAtPause {
		delete(expected, idx)
	}
	want := make([]int, 0, len(expected))
	for idx := range expected {
		want = append(want, idx)
	}
	assert.ElementsMatch(t, want, resumed.postedIndexes())

	// The first snapshot of the resumed session already counts prior bytes.
	assert.GreaterOrEqual(t, first.BytesUploaded, int64(len(uploadedAtPause))*testChunkSize)

	final, err := env.store.GetState(ctx, st.FileID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, final.Status)
	assert.Equal(t, file.Size, final.BytesUploaded)
}

func TestResumeUpload_RejectsUnknownFile(t *testing.T) {
	env := newTestEnv(t, security.DefaultConfig())
	err := env.manager.ResumeUpload(context.Background(), "ghost", testFile(10), "http://sink", Identity{UserID: "u1"}, nil)
	require.ErrorIs(t, err, ErrCannotResume)
}

func TestCancelUpload_ForgetsState(t *testing.T) {
	env := newTestEnv(t, security.DefaultConfig())
	ctx := context.Background()
	file := testFile(testChunkSize * 2)

	require.NoError(t, env.manager.StartUpload(ctx, file, "http://sink", Identity{UserID: "u1"}, nil))
	st, err := env.store.FindByFile(ctx, file.Name, file.Size)
	require.NoError(t, err)

	require.NoError(t, env.manager.CancelUpload(ctx, st.FileID))
	_, err = env.store.GetState(ctx, st.FileID)
	assert.ErrorIs(t, err, state.ErrNotFound)
}
