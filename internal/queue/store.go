package queue

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omrdash/upload-agent/internal/upload"
	"github.com/omrdash/upload-agent/pkg/log"
)

// Store holds the ordered upload queue. All mutations are targeted
// single-job updates; reads return snapshot clones so callers never
// observe a job mid-mutation.
type Store struct {
	persister Persister

	mu      sync.RWMutex
	order   []string
	jobs    map[string]*UploadJob
	changed chan struct{}
}

func NewStore(persister Persister) *Store {
	s := &Store{
		persister: persister,
		jobs:      make(map[string]*UploadJob),
		changed:   make(chan struct{}, 1),
	}
	s.hydrate(context.Background())
	return s
}

// Changes signals after every mutation. The channel coalesces: a single
// receive may cover any number of updates.
func (s *Store) Changes() <-chan struct{} {
	return s.changed
}

// AddFiles appends pending jobs for the given files. Archive modes get
// one job per file; images share a single job so they travel in one
// request when the size allows it.
func (s *Store) AddFiles(req AddRequest) []*UploadJob {
	if len(req.Files) == 0 {
		return nil
	}

	groups := make([][]FileRef, 0, len(req.Files))
	if req.Mode == upload.ModeImages {
		groups = append(groups, req.Files)
	} else {
		for _, f := range req.Files {
			groups = append(groups, []FileRef{f})
		}
	}

	now := time.Now()
	added := make([]*UploadJob, 0, len(groups))

	s.mu.Lock()
	for _, group := range groups {
		paths := make([]string, 0, len(group))
		var total int64
		for _, f := range group {
			paths = append(paths, f.Path)
			total += f.Size
		}
		job := &UploadJob{
			ID:            uuid.NewString(),
			FilePaths:     paths,
			FileName:      filepath.Base(group[0].Path),
			TotalBytes:    total,
			Mode:          req.Mode,
			TaskID:        req.TaskID,
			Notes:         req.Notes,
			ProfileID:     req.ProfileID,
			AlignmentMode: req.AlignmentMode,
			Status:        StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.jobs[job.ID] = job
		s.order = append(s.order, job.ID)
		added = append(added, cloneJob(job))
	}
	s.mu.Unlock()

	for _, job := range added {
		s.persistJob(job)
	}
	s.notify()
	return added
}

// RemoveItem deletes a job. Callers enforce the pending-only policy;
// the store removes whatever id it is given.
func (s *Store) RemoveItem(id string) bool {
	s.mu.Lock()
	_, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
		s.removeFromOrderLocked(id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.deleteFromPersister(id)
	s.notify()
	return true
}

// UpdateItemStatus transitions one job, attaching the batch id or error
// message when the transition carries one. Returns false when the job is
// gone, which lets stale async callbacks fall through harmlessly.
func (s *Store) UpdateItemStatus(id string, status Status, extra StatusExtra) bool {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	job.Status = status
	if extra.BatchID != "" {
		job.BatchID = extra.BatchID
	}
	if extra.Error != "" {
		job.Error = extra.Error
	}
	if status == StatusCompleted {
		job.Progress = 100
	}
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	s.mu.Unlock()

	s.persistJob(snapshot)
	s.notify()
	return true
}

// UpdateItemProgress records transfer progress for one job.
func (s *Store) UpdateItemProgress(id string, p upload.Progress) bool {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	job.Progress = p.Percentage
	job.BytesUploaded = p.BytesUploaded
	job.UpdatedAt = time.Now()
	s.mu.Unlock()

	// Progress is not persisted per tick; a restart restarts the transfer.
	s.notify()
	return true
}

// ClearCompleted removes every terminal job and returns how many went.
func (s *Store) ClearCompleted() int {
	s.mu.Lock()
	removed := make([]string, 0)
	for id, job := range s.jobs {
		if job.Status.Terminal() {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(s.jobs, id)
		s.removeFromOrderLocked(id)
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.deleteFromPersister(id)
	}
	if len(removed) > 0 {
		s.notify()
	}
	return len(removed)
}

// ResetQueue drops every job. Callers driving an active job keep their
// snapshot; its later callbacks miss the identity check and no-op.
func (s *Store) ResetQueue() {
	s.mu.Lock()
	removed := s.order
	s.order = nil
	s.jobs = make(map[string]*UploadJob)
	s.mu.Unlock()

	for _, id := range removed {
		s.deleteFromPersister(id)
	}
	s.notify()
}

func (s *Store) Get(id string) (*UploadJob, bool) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// List returns the queue in enqueue order.
func (s *Store) List() []*UploadJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]*UploadJob, 0, len(s.order))
	for _, id := range s.order {
		if job, ok := s.jobs[id]; ok {
			ret = append(ret, cloneJob(job))
		}
	}
	return ret
}

// NextPending returns the first pending job in enqueue order.
func (s *Store) NextPending() (*UploadJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		if job, ok := s.jobs[id]; ok && job.Status == StatusPending {
			return cloneJob(job), true
		}
	}
	return nil, false
}

// IsProcessing reports whether any job currently owns the pipeline.
func (s *Store) IsProcessing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.Status.Active() {
			return true
		}
	}
	return false
}

func (s *Store) removeFromOrderLocked(id string) {
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *Store) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// hydrate restores persisted jobs. Transfers interrupted mid-upload have
// no resumable server session, so they go back to pending; jobs already
// processing keep their batch id and resume status polling.
func (s *Store) hydrate(ctx context.Context) {
	if s.persister == nil {
		return
	}
	loaded, err := s.persister.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load queue from store: %v", err)
		return
	}

	now := time.Now()
	toPersist := make([]*UploadJob, 0)
	s.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.Status == StatusUploading {
			job.Status = StatusPending
			job.Progress = 0
			job.BytesUploaded = 0
			job.UpdatedAt = now
			toPersist = append(toPersist, cloneJob(job))
		}
		s.jobs[job.ID] = job
		s.order = append(s.order, job.ID)
	}
	s.mu.Unlock()

	for _, job := range toPersist {
		s.persistJob(job)
	}
}

func (s *Store) persistJob(job *UploadJob) {
	if s.persister == nil || job == nil {
		return
	}
	if err := s.persister.UpsertJob(context.Background(), job); err != nil {
		log.Error("Failed to persist queue job %s: %v", job.ID, err)
	}
}

func (s *Store) deleteFromPersister(id string) {
	if s.persister == nil {
		return
	}
	if err := s.persister.DeleteJob(context.Background(), id); err != nil {
		log.Error("Failed to delete queue job %s from store: %v", id, err)
	}
}

func cloneJob(job *UploadJob) *UploadJob {
	if job == nil {
		return nil
	}
	tmp := *job
	tmp.FilePaths = append([]string(nil), job.FilePaths...)
	return &tmp
}
