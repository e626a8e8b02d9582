package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/omrdash/upload-agent/pkg/log"
)

// DefaultConcurrency bounds simultaneous in-flight chunk requests per file.
const DefaultConcurrency = 4

// Uploader picks the transfer strategy for a request and runs it: chunked
// through the chunk transport, or a single direct multipart request.
type Uploader struct {
	baseURL     string
	token       TokenSource
	httpClient  *http.Client
	sender      ChunkSender
	concurrency int
	maxBytes    int64
}

type UploaderOption func(*Uploader)

// WithConcurrency overrides the chunk worker pool size.
func WithConcurrency(n int) UploaderOption {
	return func(u *Uploader) {
		if n > 0 {
			u.concurrency = n
		}
	}
}

// WithSizeLimit sets the absolute per-upload byte limit (0 disables).
func WithSizeLimit(maxBytes int64) UploaderOption {
	return func(u *Uploader) {
		u.maxBytes = maxBytes
	}
}

// WithChunkSender replaces the chunk transport.
func WithChunkSender(s ChunkSender) UploaderOption {
	return func(u *Uploader) {
		u.sender = s
	}
}

func NewUploader(baseURL string, token TokenSource, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		httpClient:  &http.Client{},
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.sender == nil {
		u.sender = NewTransport(u.baseURL, token, DefaultRetryPolicy())
	}
	return u
}

// Upload validates the request, plans chunking from the total size and runs
// the matching engine. onProgress may be nil.
func (u *Uploader) Upload(ctx context.Context, req Request, onProgress ProgressFunc) (Result, error) {
	if err := ValidateRequest(req); err != nil {
		return Result{}, err
	}

	var total int64
	for _, path := range req.Files {
		info, err := os.Stat(path)
		if err != nil {
			return Result{}, fmt.Errorf("stat %s: %w", path, err)
		}
		total += info.Size()
	}
	if err := ValidateSize(total, u.maxBytes); err != nil {
		return Result{}, err
	}

	plan, err := PlanChunking(total, req.Mode)
	if err != nil {
		return Result{}, err
	}

	if !plan.Chunked {
		return u.uploadDirect(ctx, req, total, onProgress)
	}
	if len(req.Files) > 1 {
		// Multi-image sets cannot be reassembled from chunks server-side.
		return Result{}, validationErrorf("total size %dMB exceeds the %dMB limit, upload fewer images at once", total/mb, TransportCeiling/mb)
	}

	f, err := os.Open(req.Files[0])
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", req.Files[0], err)
	}
	defer f.Close()

	log.Info("Chunked upload: file=%s size=%dMB chunks=%d chunkSize=%dMB",
		filepath.Base(req.Files[0]), total/mb, plan.ChunkCount, plan.ChunkSize/mb)

	return u.uploadChunked(ctx, req, f, total, plan, onProgress)
}

// uploadChunked sends chunk 0 alone to obtain the upload session id, then
// drains the remaining indices through a fixed worker pool. Indices are
// claimed atomically so none is sent twice or skipped.
func (u *Uploader) uploadChunked(ctx context.Context, req Request, src io.ReaderAt, size int64, plan Plan, onProgress ProgressFunc) (Result, error) {
	filename := filepath.Base(req.Files[0])

	readChunk := func(index int) ([]byte, error) {
		offset := int64(index) * plan.ChunkSize
		length := plan.ChunkSize
		if offset+length > size {
			length = size - offset
		}
		buf := make([]byte, length)
		n, err := src.ReadAt(buf, offset)
		if err != nil && !(err == io.EOF && n == len(buf)) {
			return nil, fmt.Errorf("read chunk %d: %w", index, err)
		}
		return buf, nil
	}

	makeChunk := func(index int, data []byte, sessionID string) Chunk {
		return Chunk{
			Data:          data,
			Index:         index,
			Total:         plan.ChunkCount,
			Filename:      filename,
			Mode:          req.Mode,
			TaskID:        req.TaskID,
			SessionID:     sessionID,
			Final:         index == plan.ChunkCount-1,
			Notes:         req.Notes,
			ProfileID:     req.ProfileID,
			AlignmentMode: req.AlignmentMode,
		}
	}

	var completed atomic.Int64
	report := func() {
		if onProgress == nil {
			return
		}
		done := int(completed.Load())
		frac := float64(done) / float64(plan.ChunkCount)
		// Chunk requests expose no byte-level transfer events, so bytes are
		// estimated from the completed chunk fraction.
		onProgress(Progress{
			ChunksTotal:    plan.ChunkCount,
			ChunksUploaded: done,
			BytesUploaded:  int64(frac * float64(size)),
			BytesTotal:     size,
			Percentage:     frac * 100,
		})
	}

	// Chunk 0 is a hard ordering dependency, not an optimization choice: its
	// response supplies the session id every later chunk must present.
	data, err := readChunk(0)
	if err != nil {
		return Result{}, err
	}
	first, err := u.sender.SendChunk(ctx, makeChunk(0, data, ""))
	if err != nil {
		return Result{}, err
	}
	if first.SessionID == "" {
		return Result{}, fmt.Errorf("server returned no upload session id for chunk 0")
	}
	completed.Add(1)
	report()

	if plan.ChunkCount == 1 {
		if first.BatchID == "" {
			return Result{}, fmt.Errorf("upload complete but server returned no batch id")
		}
		return Result{BatchID: first.BatchID}, nil
	}

	var next atomic.Int64
	next.Store(1)
	var batchID string // written by the worker that sends the final index

	workers := u.concurrency
	if remaining := plan.ChunkCount - 1; workers > remaining {
		workers = remaining
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				index := int(next.Add(1)) - 1
				if index >= plan.ChunkCount {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				data, err := readChunk(index)
				if err != nil {
					return err
				}
				resp, err := u.sender.SendChunk(gctx, makeChunk(index, data, first.SessionID))
				if err != nil {
					return err
				}
				if index == plan.ChunkCount-1 {
					batchID = resp.BatchID
				}
				completed.Add(1)
				report()
			}
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ErrCancelled
		}
		return Result{}, err
	}

	if batchID == "" {
		// All chunks acked but no batch id: the server never reassembled.
		return Result{}, fmt.Errorf("upload complete but server returned no batch id")
	}
	return Result{BatchID: batchID}, nil
}
