package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
)

// uploadDirect sends the whole payload as one multipart request to
// POST /batches/upload. Progress is byte-exact: the request body is streamed
// through a counting reader. ModeImages batches every file into the request;
// other modes send their single file.
func (u *Uploader) uploadDirect(ctx context.Context, req Request, total int64, onProgress ProgressFunc) (Result, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	var sent atomic.Int64
	report := func() {
		if onProgress == nil {
			return
		}
		uploaded := sent.Load()
		onProgress(Progress{
			ChunksTotal:    1,
			ChunksUploaded: 0,
			BytesUploaded:  uploaded,
			BytesTotal:     total,
			Percentage:     float64(uploaded) / float64(total) * 100,
		})
	}

	go func() {
		pw.CloseWithError(writeDirectForm(form, req, &sent, report))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/batches/upload", pr)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+u.token())

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return Result{}, ErrCancelled
		}
		return Result{}, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		var parsed struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(payload, &parsed) == nil && parsed.Message != "" {
			return Result{}, fmt.Errorf("upload rejected: %s", parsed.Message)
		}
		return Result{}, fmt.Errorf("upload failed with status %d", resp.StatusCode)
	}

	var parsed struct {
		BatchID string `json:"batch_id"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Result{}, fmt.Errorf("parse upload response: %w", err)
	}
	if parsed.BatchID == "" {
		return Result{}, fmt.Errorf("upload complete but server returned no batch id")
	}
	return Result{BatchID: parsed.BatchID}, nil
}

// writeDirectForm streams the multipart body: file parts first, wrapped in a
// progress counter, then the metadata fields.
func writeDirectForm(form *multipart.Writer, req Request, sent *atomic.Int64, report func()) error {
	fieldName := "file"
	if req.Mode == ModeImages {
		fieldName = "files"
	}

	for _, path := range req.Files {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		part, err := form.CreateFormFile(fieldName, filepath.Base(path))
		if err != nil {
			f.Close()
			return fmt.Errorf("build form file: %w", err)
		}
		_, err = io.Copy(part, &countingReader{r: f, sent: sent, report: report})
		f.Close()
		if err != nil {
			return fmt.Errorf("stream %s: %w", path, err)
		}
	}

	fields := map[string]string{
		"upload_type": string(req.Mode),
	}
	if req.TaskID != "" {
		fields["task_id"] = req.TaskID
	}
	if req.Notes != "" {
		fields["notes"] = req.Notes
	}
	if req.ProfileID != 0 {
		fields["profile_id"] = strconv.FormatInt(req.ProfileID, 10)
	}
	if req.AlignmentMode != "" {
		fields["alignment_mode"] = req.AlignmentMode
	}
	for key, value := range fields {
		if err := form.WriteField(key, value); err != nil {
			return fmt.Errorf("write form field %s: %w", key, err)
		}
	}
	return form.Close()
}

// countingReader tracks cumulative bytes handed to the HTTP transport.
type countingReader struct {
	r      io.Reader
	sent   *atomic.Int64
	report func()
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.sent.Add(int64(n))
		c.report()
	}
	return n, err
}
