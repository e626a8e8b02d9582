package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/omrdash/upload-agent/internal/batches"
	"github.com/omrdash/upload-agent/internal/stream"
	"github.com/omrdash/upload-agent/internal/upload"
	"github.com/omrdash/upload-agent/pkg/log"
)

// Engine is the upload facade the processor drives. *upload.Uploader
// satisfies it.
type Engine interface {
	Upload(ctx context.Context, req upload.Request, onProgress upload.ProgressFunc) (upload.Result, error)
}

// Processor admits exactly one pending job at a time, drives it through
// upload and server-side processing, then advances to the next job.
type Processor struct {
	store    *Store
	engine   Engine
	status   batches.StatusFetcher
	streams  *stream.Client
	interval time.Duration
	cooldown time.Duration

	mu       sync.Mutex
	busy     bool
	activeID string
	cancel   context.CancelFunc
}

type ProcessorOption func(*Processor)

// WithProgressStreams subscribes each processing batch to its SSE feed
// so stage-by-stage narration lands in the agent log. Polling remains
// the source of truth for job completion.
func WithProgressStreams(c *stream.Client) ProcessorOption {
	return func(p *Processor) { p.streams = c }
}

func NewProcessor(store *Store, engine Engine, status batches.StatusFetcher, interval, cooldown time.Duration, opts ...ProcessorOption) *Processor {
	if interval <= 0 {
		interval = batches.DefaultPollInterval
	}
	p := &Processor{
		store:    store,
		engine:   engine,
		status:   status,
		interval: interval,
		cooldown: cooldown,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run drives the queue until ctx ends. Jobs left in processing by a
// previous run are polled to completion before new admissions.
func (p *Processor) Run(ctx context.Context) {
	p.resumeInterrupted(ctx)

	for {
		p.admitNext(ctx)

		select {
		case <-ctx.Done():
			return
		case <-p.store.Changes():
		}
	}
}

// Abort cancels the job if it is the one currently being driven.
func (p *Processor) Abort(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy && p.activeID == id && p.cancel != nil {
		p.cancel()
		return true
	}
	return false
}

// IsBusy reports whether a job currently owns the pipeline.
func (p *Processor) IsBusy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// admitNext claims the first pending job when the pipeline is free. The
// busy flag guards against a second admission firing for the same
// opportunity before the first finishes claiming it.
func (p *Processor) admitNext(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		if p.busy {
			p.mu.Unlock()
			return
		}
		job, ok := p.store.NextPending()
		if !ok {
			p.mu.Unlock()
			return
		}
		jobCtx, cancel := context.WithCancel(ctx)
		p.busy = true
		p.activeID = job.ID
		p.cancel = cancel
		p.mu.Unlock()

		p.runJob(jobCtx, job)

		p.mu.Lock()
		p.busy = false
		p.activeID = ""
		p.cancel = nil
		p.mu.Unlock()
		cancel()

		if p.cooldown > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cooldown):
			}
		}
	}
}

func (p *Processor) runJob(ctx context.Context, job *UploadJob) {
	log.Info("Starting upload job %s (%s, %d bytes)", job.ID, job.FileName, job.TotalBytes)
	p.store.UpdateItemStatus(job.ID, StatusUploading, StatusExtra{})

	id := job.ID
	onProgress := func(pr upload.Progress) {
		p.store.UpdateItemProgress(id, pr)
	}

	result, err := p.engine.Upload(ctx, upload.Request{
		Files:         job.FilePaths,
		Mode:          job.Mode,
		TaskID:        job.TaskID,
		Notes:         job.Notes,
		ProfileID:     job.ProfileID,
		AlignmentMode: job.AlignmentMode,
	}, onProgress)
	if err != nil {
		if errors.Is(err, upload.ErrCancelled) {
			log.Info("Upload job %s aborted", job.ID)
			p.store.UpdateItemStatus(job.ID, StatusAborted, StatusExtra{Error: err.Error()})
			return
		}
		log.Error("Upload job %s failed: %v", job.ID, err)
		p.store.UpdateItemStatus(job.ID, StatusError, StatusExtra{Error: err.Error()})
		return
	}

	log.Info("Upload job %s transferred, batch %s processing", job.ID, result.BatchID)
	p.store.UpdateItemStatus(job.ID, StatusProcessing, StatusExtra{BatchID: result.BatchID})

	if p.streams != nil {
		batchID := result.BatchID
		s := p.streams.SubscribeBatch(ctx, batchID, stream.WithOnEvent(func(e stream.ProgressEvent) {
			log.Info("Batch %s stage %s (%.0f%%): %s", batchID, e.Stage, e.Progress, e.Message)
		}))
		defer s.Close()
	}

	p.pollUntilTerminal(ctx, job.ID, result.BatchID)
}

// pollUntilTerminal samples the batch status until the server reports a
// terminal value. A failed batch still completes the queue job: the
// upload itself succeeded, and the batch carries its own status for
// callers that need the distinction. Transient fetch errors are logged
// and retried on the next tick.
func (p *Processor) pollUntilTerminal(ctx context.Context, jobID, batchID string) {
	for {
		summary, err := p.status.Status(ctx, batchID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Batch %s status poll failed: %v", batchID, err)
		} else if summary.Status.Terminal() {
			extra := StatusExtra{}
			if summary.Status == batches.StatusFailed && summary.ErrorMessage != "" {
				extra.Error = summary.ErrorMessage
			}
			p.store.UpdateItemStatus(jobID, StatusCompleted, extra)
			log.Info("Batch %s reached %s, job %s completed", batchID, summary.Status, jobID)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}

// resumeInterrupted picks up jobs a previous run left in processing.
// They already hold a batch id, so only the status poll remains.
func (p *Processor) resumeInterrupted(ctx context.Context) {
	for _, job := range p.store.List() {
		if job.Status != StatusProcessing || job.BatchID == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		log.Info("Resuming status polling for job %s (batch %s)", job.ID, job.BatchID)

		p.mu.Lock()
		jobCtx, cancel := context.WithCancel(ctx)
		p.busy = true
		p.activeID = job.ID
		p.cancel = cancel
		p.mu.Unlock()

		p.pollUntilTerminal(jobCtx, job.ID, job.BatchID)

		p.mu.Lock()
		p.busy = false
		p.activeID = ""
		p.cancel = nil
		p.mu.Unlock()
		cancel()
	}
}
