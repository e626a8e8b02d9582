package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/omrdash/upload-agent/pkg/log"
)

// TokenSource supplies the current bearer token. It is re-read on every
// request so a refreshed credential takes effect mid-transfer.
type TokenSource func() string

// Chunk is one pre-sliced byte range plus the request metadata the backend
// needs to reassemble it. The caller slices; the transport never re-slices.
type Chunk struct {
	Data      []byte
	Index     int
	Total     int
	Filename  string
	Mode      Mode
	TaskID    string
	SessionID string // upload session id; empty only on chunk 0
	Final     bool

	// Applied by the server only once reassembly completes, so these ride
	// on the final chunk exclusively.
	Notes         string
	ProfileID     int64
	AlignmentMode string
}

// ChunkResponse is the backend's reply to one chunk request. BatchID is
// present only once the final chunk has been reassembled.
type ChunkResponse struct {
	SessionID string `json:"upload_id"`
	BatchID   string `json:"batch_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ChunkSender transmits one chunk as a single HTTP request.
type ChunkSender interface {
	SendChunk(ctx context.Context, chunk Chunk) (ChunkResponse, error)
}

// Transport sends chunks to POST /batches/upload-chunk with bounded retry.
type Transport struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	retry      RetryPolicy
}

func NewTransport(baseURL string, token TokenSource, retry RetryPolicy) *Transport {
	return &Transport{
		baseURL: baseURL,
		token:   token,
		// No client-level timeout: a 50MB chunk on a slow uplink can
		// legitimately take minutes. Cancellation comes from ctx.
		httpClient: &http.Client{},
		retry:      retry,
	}
}

// SendChunk performs up to MaxAttempts requests for the chunk with
// exponential backoff between failures. Cancellation short-circuits without
// consuming a retry or waiting out a backoff.
func (t *Transport) SendChunk(ctx context.Context, chunk Chunk) (ChunkResponse, error) {
	if chunk.Index > 0 && chunk.SessionID == "" {
		return ChunkResponse{}, fmt.Errorf("chunk %d sent without upload session id", chunk.Index)
	}

	var lastErr error
	for attempt := 1; attempt <= t.retry.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ChunkResponse{}, ErrCancelled
		}

		resp, err := t.postChunk(ctx, chunk)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
			return ChunkResponse{}, ErrCancelled
		}

		lastErr = err
		log.Warn("Chunk %d/%d attempt %d failed: %v", chunk.Index+1, chunk.Total, attempt, err)

		if attempt == t.retry.MaxAttempts {
			break
		}
		if err := t.retry.Sleep(ctx, attempt); err != nil {
			return ChunkResponse{}, ErrCancelled
		}
	}

	return ChunkResponse{}, &ChunkError{
		Index:    chunk.Index,
		Total:    chunk.Total,
		Attempts: t.retry.MaxAttempts,
		Err:      lastErr,
	}
}

func (t *Transport) postChunk(ctx context.Context, chunk Chunk) (ChunkResponse, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("chunk", fmt.Sprintf("%s.part%d", chunk.Filename, chunk.Index))
	if err != nil {
		return ChunkResponse{}, fmt.Errorf("build chunk form: %w", err)
	}
	if _, err := part.Write(chunk.Data); err != nil {
		return ChunkResponse{}, fmt.Errorf("write chunk data: %w", err)
	}

	fields := map[string]string{
		"chunk_index":    strconv.Itoa(chunk.Index),
		"total_chunks":   strconv.Itoa(chunk.Total),
		"filename":       chunk.Filename,
		"upload_type":    string(chunk.Mode),
		"is_final_chunk": strconv.FormatBool(chunk.Final),
	}
	if chunk.SessionID != "" {
		fields["upload_id"] = chunk.SessionID
	}
	if chunk.TaskID != "" {
		fields["task_id"] = chunk.TaskID
	}
	if chunk.Final {
		if chunk.Notes != "" {
			fields["notes"] = chunk.Notes
		}
		if chunk.ProfileID != 0 {
			fields["profile_id"] = strconv.FormatInt(chunk.ProfileID, 10)
		}
		if chunk.AlignmentMode != "" {
			fields["alignment_mode"] = chunk.AlignmentMode
		}
	}
	for key, value := range fields {
		if err := form.WriteField(key, value); err != nil {
			return ChunkResponse{}, fmt.Errorf("write form field %s: %w", key, err)
		}
	}
	if err := form.Close(); err != nil {
		return ChunkResponse{}, fmt.Errorf("finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/batches/upload-chunk", &body)
	if err != nil {
		return ChunkResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+t.token())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return ChunkResponse{}, fmt.Errorf("send chunk: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ChunkResponse{}, fmt.Errorf("read response: %w", err)
	}

	var parsed ChunkResponse
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if json.Unmarshal(payload, &parsed) == nil && parsed.Message != "" {
			return ChunkResponse{}, fmt.Errorf("chunk upload rejected: %s", parsed.Message)
		}
		return ChunkResponse{}, fmt.Errorf("chunk upload failed with status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return ChunkResponse{}, fmt.Errorf("parse chunk response: %w", err)
	}
	return parsed, nil
}
