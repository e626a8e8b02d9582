package queue

import "context"

// Persister saves job states so a restarted agent can recover its queue.
type Persister interface {
	LoadJobs(ctx context.Context) ([]*UploadJob, error)
	UpsertJob(ctx context.Context, job *UploadJob) error
	DeleteJob(ctx context.Context, jobID string) error
}
