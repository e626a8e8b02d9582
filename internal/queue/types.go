package queue

import (
	"time"

	"github.com/omrdash/upload-agent/internal/upload"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether the queue may advance past a job in this state.
// Completed does not imply server-side processing succeeded; the batch
// carries its own status for that.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusAborted
}

// Active reports whether the job currently owns the upload pipeline.
func (s Status) Active() bool {
	return s == StatusUploading || s == StatusProcessing
}

// UploadJob is one queued file transfer and its lifecycle state.
type UploadJob struct {
	ID            string      `json:"id"`
	FilePaths     []string    `json:"file_paths"`
	FileName      string      `json:"file_name"`
	TotalBytes    int64       `json:"total_bytes"`
	Mode          upload.Mode `json:"upload_type"`
	TaskID        string      `json:"task_id,omitempty"`
	Notes         string      `json:"notes,omitempty"`
	ProfileID     int64       `json:"profile_id,omitempty"`
	AlignmentMode string      `json:"alignment_mode,omitempty"`
	Status        Status      `json:"status"`
	Progress      float64     `json:"progress"`
	BytesUploaded int64       `json:"bytes_uploaded"`
	BatchID       string      `json:"batch_id,omitempty"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// FileRef is one input file with its size measured at enqueue time.
type FileRef struct {
	Path string
	Size int64
}

// AddRequest carries the files and shared metadata for one enqueue call.
type AddRequest struct {
	Files         []FileRef
	Mode          upload.Mode
	TaskID        string
	Notes         string
	ProfileID     int64
	AlignmentMode string
}

// StatusExtra carries the optional fields attached to a status transition.
type StatusExtra struct {
	BatchID string
	Error   string
}
