package upload

import (
	"errors"
	"fmt"
)

// Mode selects how a set of scanned sheets is packaged for the backend.
type Mode string

const (
	// ModeZipWithQR is an archive whose sheets carry embedded QR task ids.
	// Always uploaded in chunks so transmission can run in parallel.
	ModeZipWithQR Mode = "zip_with_qr"
	// ModeZipNoQR is an archive without embedded ids; requires an explicit task id.
	ModeZipNoQR Mode = "zip_no_qr"
	// ModeImages is a set of loose sheet images; requires an explicit task id.
	ModeImages Mode = "images"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeZipWithQR, ModeZipNoQR, ModeImages:
		return true
	}
	return false
}

// RequiresTaskID reports whether the mode needs an explicit 8-digit task id.
func (m Mode) RequiresTaskID() bool {
	return m == ModeZipNoQR || m == ModeImages
}

// Request describes one upload: a single file for the archive modes, or one
// or more image files for ModeImages.
type Request struct {
	Files         []string
	Mode          Mode
	TaskID        string
	Notes         string
	ProfileID     int64
	AlignmentMode string
}

// Result carries the server-assigned batch id produced by a finished upload.
type Result struct {
	BatchID string
}

// Progress is one progress callback sample. Chunked uploads estimate bytes
// from completed chunk counts; direct uploads report exact byte counts.
type Progress struct {
	ChunksTotal    int
	ChunksUploaded int
	BytesUploaded  int64
	BytesTotal     int64
	Percentage     float64
}

type ProgressFunc func(Progress)

// ErrCancelled marks a user-initiated abort. It is never retried and is
// always distinguishable from a transport failure.
var ErrCancelled = errors.New("upload cancelled by user")

// ValidationError rejects a request before any network call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ChunkError wraps the last transport failure of a chunk after its retry
// budget is exhausted.
type ChunkError struct {
	Index    int
	Total    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d/%d failed after %d attempts: %v", e.Index+1, e.Total, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}
