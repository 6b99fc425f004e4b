// Package state persists per-file upload progress so interrupted transfers
// can resume where they stopped.
package state

import (
	"sort"
	"time"
)

// Status is the lifecycle phase of an upload.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusUploading   Status = "uploading"
	StatusPaused      Status = "paused"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// ChunkState records the latest attempt of one chunk.
type ChunkState struct {
	Index       int    `json:"index"`
	Size        int64  `json:"size"`
	Offset      int64  `json:"offset"`
	Checksum    string `json:"checksum"`
	Attempts    int    `json:"attempts"`
	LastAttempt int64  `json:"last_attempt"`
	Error       string `json:"error,omitempty"`
}

// UploadState is the durable record of one file upload.
type UploadState struct {
	FileID         string `json:"file_id"`
	FileName       string `json:"file_name"`
	FileSize       int64  `json:"file_size"`
	MIMEType       string `json:"mime_type"`
	TotalChunks    int    `json:"total_chunks"`
	UploadedChunks []int  `json:"uploaded_chunks"`
	StartTime      int64  `json:"start_time"`
	LastUpdate     int64  `json:"last_update"`
	BytesUploaded  int64  `json:"bytes_uploaded"`
	Status         Status `json:"status"`
	ResumeToken    string `json:"resume_token"`
	Checksum       string `json:"checksum"`
	Error          string `json:"error,omitempty"`
}

// Uploaded reports whether the chunk at index is already acknowledged.
func (s *UploadState) Uploaded(index int) bool {
	i := sort.SearchInts(s.UploadedChunks, index)
	return i < len(s.UploadedChunks) && s.UploadedChunks[i] == index
}

// MarkUploaded records a successful chunk, keeping the set sorted and the
// byte counter in sync. Marking the same chunk twice is a no-op.
func (s *UploadState) MarkUploaded(index int, size int64) {
	if s.Uploaded(index) {
		return
	}
	i := sort.SearchInts(s.UploadedChunks, index)
	s.UploadedChunks = append(s.UploadedChunks, 0)
	copy(s.UploadedChunks[i+1:], s.UploadedChunks[i:])
	s.UploadedChunks[i] = index
	s.BytesUploaded += size
	s.LastUpdate = time.Now().UnixMilli()
}

// Remaining returns {0..TotalChunks-1} minus the uploaded set, in order.
func (s *UploadState) Remaining() []int {
	remaining := make([]int, 0, s.TotalChunks-len(s.UploadedChunks))
	for i := 0; i < s.TotalChunks; i++ {
		if !s.Uploaded(i) {
			remaining = append(remaining, i)
		}
	}
	return remaining
}

// Complete reports whether every chunk is uploaded.
func (s *UploadState) Complete() bool {
	return len(s.UploadedChunks) == s.TotalChunks
}

// Resumable reports whether the upload may continue from this state.
func (s *UploadState) Resumable() bool {
	switch s.Status {
	case StatusInitialized, StatusUploading, StatusPaused, StatusInterrupted:
		return true
	}
	return false
}

func (s *UploadState) clone() *UploadState {
	out := *s
	out.UploadedChunks = append([]int(nil), s.UploadedChunks...)
	return &out
}
