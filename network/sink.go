// Package network posts transformed chunks to the remote sink endpoint as
// multipart/form-data.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/streamsend-io/uploadcore/retry"
)

// Metadata accompanies every chunk POST.
type Metadata struct {
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	MIMEType    string `json:"mimeType"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
}

// ChunkRequest is one chunk POST. ResumeToken and Checksum ride along only
// when resumability / checksum verification are enabled.
type ChunkRequest struct {
	Metadata    Metadata
	Payload     []byte
	ResumeToken string
	Checksum    string
}

// Client posts chunks to one endpoint.
type Client struct {
	httpClient *retryablehttp.Client
	endpoint   string
	logger     log.Logger
}

// NewClient creates a sink client. Transport-level retries are disabled:
// the retry policy layer is the single authority on retry decisions, so a
// failed POST surfaces immediately as a tagged error.
func NewClient(endpoint string, logger log.Logger) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{
		httpClient: client,
		endpoint:   endpoint,
		logger:     logger,
	}
}

// UploadChunk POSTs one chunk. Non-2xx responses and transport failures come
// back as kind-tagged errors for the classifier.
func (c *Client) UploadChunk(ctx context.Context, reqData ChunkRequest) error {
	body, contentType, err := encodeMultipart(reqData)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return fmt.Errorf("create chunk request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	c.logger.Debugf("POST chunk %d/%d of %s (%d bytes)",
		reqData.Metadata.ChunkIndex+1, reqData.Metadata.TotalChunks, reqData.Metadata.FileID, len(reqData.Payload))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.NewError(retry.KindNetwork, "chunk upload failed", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warnf("close response body: %s", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little context for the error message.
		snippet := make([]byte, 512)
		n, _ := io.ReadAtLeast(resp.Body, snippet, 1)
		return retry.NewError(classifyStatus(resp.StatusCode),
			fmt.Sprintf("chunk %d rejected: %s %s", reqData.Metadata.ChunkIndex, resp.Status, snippet[:n]), nil)
	}
	return nil
}

// CloseIdleConnections ...
func (c *Client) CloseIdleConnections() {
	c.httpClient.HTTPClient.CloseIdleConnections()
}

func encodeMultipart(reqData ChunkRequest) (*bytes.Buffer, string, error) {
	metadata, err := json.Marshal(reqData.Metadata)
	if err != nil {
		return nil, "", fmt.Errorf("encode chunk metadata: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("chunk", fmt.Sprintf("%s.%d", reqData.Metadata.FileID, reqData.Metadata.ChunkIndex))
	if err != nil {
		return nil, "", fmt.Errorf("create chunk form part: %w", err)
	}
	if _, err := part.Write(reqData.Payload); err != nil {
		return nil, "", fmt.Errorf("write chunk payload: %w", err)
	}
	if err := w.WriteField("metadata", string(metadata)); err != nil {
		return nil, "", fmt.Errorf("write metadata field: %w", err)
	}

	if reqData.ResumeToken != "" {
		fields := map[string]string{
			"resumeToken": reqData.ResumeToken,
			"index":       strconv.Itoa(reqData.Metadata.ChunkIndex),
			"total":       strconv.Itoa(reqData.Metadata.TotalChunks),
			"fileId":      reqData.Metadata.FileID,
		}
		for name, value := range fields {
			if err := w.WriteField(name, value); err != nil {
				return nil, "", fmt.Errorf("write %s field: %w", name, err)
			}
		}
	}
	if reqData.Checksum != "" {
		if err := w.WriteField("checksum", reqData.Checksum); err != nil {
			return nil, "", fmt.Errorf("write checksum field: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("finalize multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func classifyStatus(status int) retry.Kind {
	switch {
	case status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return retry.KindServer
	case status >= 400:
		return retry.KindValidation
	default:
		return retry.KindUnknown
	}
}
