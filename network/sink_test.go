package network

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamsend-io/uploadcore/retry"
)

func testRequest() ChunkRequest {
	return ChunkRequest{
		Metadata: Metadata{
			FileID:      "f1",
			FileName:    "video.bin",
			FileSize:    4096,
			MIMEType:    "application/octet-stream",
			ChunkIndex:  2,
			TotalChunks: 4,
		},
		Payload:     []byte("chunk-bytes"),
		ResumeToken: "token-123",
		Checksum:    "abcd",
	}
}

func TestUploadChunk_SendsMultipartFields(t *testing.T) {
	var received struct {
		chunk    []byte
		metadata Metadata
		form     map[string]string
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))

		file, _, err := r.FormFile("chunk")
		require.NoError(t, err)
		received.chunk, err = io.ReadAll(file)
		require.NoError(t, err)
		require.NoError(t, file.Close())

		require.NoError(t, json.Unmarshal([]byte(r.FormValue("metadata")), &received.metadata))
		received.form = map[string]string{
			"resumeToken": r.FormValue("resumeToken"),
			"checksum":    r.FormValue("checksum"),
			"index":       r.FormValue("index"),
			"total":       r.FormValue("total"),
			"fileId":      r.FormValue("fileId"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, log.NewLogger())
	defer client.CloseIdleConnections()

	require.NoError(t, client.UploadChunk(context.Background(), testRequest()))

	assert.Equal(t, []byte("chunk-bytes"), received.chunk)
	assert.Equal(t, "f1", received.metadata.FileID)
	assert.Equal(t, 2, received.metadata.ChunkIndex)
	assert.Equal(t, 4, received.metadata.TotalChunks)
	assert.Equal(t, map[string]string{
		"resumeToken": "token-123",
		"checksum":    "abcd",
		"index":       "2",
		"total":       "4",
		"fileId":      "f1",
	}, received.form)
}

func TestUploadChunk_OmitsOptionalFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Empty(t, r.FormValue("resumeToken"))
		assert.Empty(t, r.FormValue("checksum"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(server.URL, log.NewLogger())
	req := testRequest()
	req.ResumeToken = ""
	req.Checksum = ""
	require.NoError(t, client.UploadChunk(context.Background(), req))
}

func TestUploadChunk_ServerErrorIsTagged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, log.NewLogger())
	err := client.UploadChunk(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, retry.KindServer, retry.Classify(err))
}

func TestUploadChunk_ClientErrorIsValidation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad chunk", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, log.NewLogger())
	err := client.UploadChunk(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, retry.KindValidation, retry.Classify(err))
}

func TestUploadChunk_TransportErrorIsNetwork(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", log.NewLogger())
	err := client.UploadChunk(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, retry.KindNetwork, retry.Classify(err))
}

func TestUploadChunk_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, log.NewLogger())
	err := client.UploadChunk(ctx, testRequest())
	require.Error(t, err)
}
