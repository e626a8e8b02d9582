package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/omrdash/upload-agent/internal/queue"
	"github.com/omrdash/upload-agent/internal/upload"
)

type enqueueRequest struct {
	Files         []string `json:"files"`
	UploadType    string   `json:"upload_type"`
	TaskID        string   `json:"task_id"`
	Notes         string   `json:"notes"`
	ProfileID     int64    `json:"profile_id"`
	AlignmentMode string   `json:"alignment_mode"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":          s.store.List(),
			"is_processing": s.store.IsProcessing(),
		})
	case http.MethodPost:
		s.handleEnqueue(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	mode := upload.Mode(req.UploadType)
	if err := validateEnqueue(req, mode); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	refs := make([]queue.FileRef, 0, len(req.Files))
	for _, path := range req.Files {
		info, err := os.Stat(path)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("cannot access file %s: %v", path, err))
			return
		}
		if info.IsDir() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s is a directory", path))
			return
		}
		refs = append(refs, queue.FileRef{Path: path, Size: info.Size()})
	}

	jobs := s.store.AddFiles(queue.AddRequest{
		Files:         refs,
		Mode:          mode,
		TaskID:        req.TaskID,
		Notes:         req.Notes,
		ProfileID:     req.ProfileID,
		AlignmentMode: req.AlignmentMode,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"jobs": jobs,
	})
}

// validateEnqueue applies the pre-network checks. Archive modes get one
// job per file, so each file validates as its own request; images travel
// together as one.
func validateEnqueue(req enqueueRequest, mode upload.Mode) error {
	if len(req.Files) == 0 {
		return errors.New("no files provided")
	}
	if mode == upload.ModeImages {
		return upload.ValidateRequest(upload.Request{
			Files:  req.Files,
			Mode:   mode,
			TaskID: req.TaskID,
		})
	}
	for _, path := range req.Files {
		if err := upload.ValidateRequest(upload.Request{
			Files:  []string{path},
			Mode:   mode,
			TaskID: req.TaskID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	removed := s.store.ClearCompleted()
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.store.ResetQueue()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
	})
}

// handleQueueItem covers DELETE /api/queue/{id} and POST /api/queue/{id}/abort.
func (s *Server) handleQueueItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if id, ok := strings.CutSuffix(rest, "/abort"); ok {
		s.handleAbort(w, r, id)
		return
	}

	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	job, ok := s.store.Get(rest)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status != queue.StatusPending {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, only pending jobs can be removed", job.Status))
		return
	}
	s.store.RemoveItem(rest)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.aborter == nil {
		writeError(w, http.StatusNotImplemented, "abort is not configured")
		return
	}
	if _, ok := s.store.Get(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !s.aborter.Abort(id) {
		writeError(w, http.StatusConflict, "job is not being processed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
