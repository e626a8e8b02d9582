package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omrdash/upload-agent/internal/queue"
	"github.com/omrdash/upload-agent/internal/upload"
)

type fakeAborter struct {
	aborted []string
	result  bool
}

func (f *fakeAborter) Abort(id string) bool {
	f.aborted = append(f.aborted, id)
	return f.result
}

func writeTempFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func enqueueBody(t *testing.T, files []string, uploadType, taskID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"files":       files,
		"upload_type": uploadType,
		"task_id":     taskID,
	})
	require.NoError(t, err)
	return body
}

func TestServer_EnqueueAndList(t *testing.T) {
	store := queue.NewStore(nil)
	srv := NewServer(store)

	path := writeTempFile(t, "sheets.zip", 2048)
	req := httptest.NewRequest(http.MethodPost, "/api/queue", bytes.NewReader(enqueueBody(t, []string{path}, "zip_with_qr", "")))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Jobs []*queue.UploadJob `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Len(t, created.Jobs, 1)
	assert.Equal(t, "sheets.zip", created.Jobs[0].FileName)
	assert.Equal(t, int64(2048), created.Jobs[0].TotalBytes)
	assert.Equal(t, queue.StatusPending, created.Jobs[0].Status)

	req = httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Jobs         []*queue.UploadJob `json:"jobs"`
		IsProcessing bool               `json:"is_processing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Jobs, 1)
	assert.False(t, listed.IsProcessing)
}

func TestServer_EnqueueValidation(t *testing.T) {
	store := queue.NewStore(nil)
	srv := NewServer(store)
	path := writeTempFile(t, "sheets.zip", 2048)

	cases := []struct {
		name string
		body []byte
		want string
	}{
		{
			name: "unknown upload type",
			body: enqueueBody(t, []string{path}, "tarball", ""),
			want: "unknown upload type",
		},
		{
			name: "missing task id",
			body: enqueueBody(t, []string{path}, "zip_no_qr", ""),
			want: "task id required",
		},
		{
			name: "malformed task id",
			body: enqueueBody(t, []string{path}, "images", "123"),
			want: "8 digits",
		},
		{
			name: "empty file list",
			body: enqueueBody(t, nil, "zip_with_qr", ""),
			want: "no files",
		},
		{
			name: "missing file",
			body: enqueueBody(t, []string{"/nonexistent/sheets.zip"}, "zip_with_qr", ""),
			want: "cannot access file",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/queue", bytes.NewReader(tc.body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.want)
		})
	}

	assert.Empty(t, store.List())
}

func TestServer_EnqueueGroupsImages(t *testing.T) {
	store := queue.NewStore(nil)
	srv := NewServer(store)

	paths := []string{
		writeTempFile(t, "p1.jpg", 100),
		writeTempFile(t, "p2.jpg", 200),
	}
	req := httptest.NewRequest(http.MethodPost, "/api/queue", bytes.NewReader(enqueueBody(t, paths, "images", "12345678")))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	jobs := store.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(300), jobs[0].TotalBytes)
	assert.Equal(t, upload.ModeImages, jobs[0].Mode)
}

func TestServer_RemovePendingOnly(t *testing.T) {
	store := queue.NewStore(nil)
	srv := NewServer(store)

	jobs := store.AddFiles(queue.AddRequest{
		Files: []queue.FileRef{
			{Path: "/scans/a.zip", Size: 100},
			{Path: "/scans/b.zip", Size: 100},
		},
		Mode: upload.ModeZipWithQR,
	})
	store.UpdateItemStatus(jobs[1].ID, queue.StatusUploading, queue.StatusExtra{})

	req := httptest.NewRequest(http.MethodDelete, "/api/queue/"+jobs[0].ID, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, store.List(), 1)

	req = httptest.NewRequest(http.MethodDelete, "/api/queue/"+jobs[1].ID, nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/queue/unknown", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AbortActiveJob(t *testing.T) {
	store := queue.NewStore(nil)
	aborter := &fakeAborter{result: true}
	srv := NewServer(store, WithAborter(aborter))

	jobs := store.AddFiles(queue.AddRequest{
		Files: []queue.FileRef{{Path: "/scans/a.zip", Size: 100}},
		Mode:  upload.ModeZipWithQR,
	})
	store.UpdateItemStatus(jobs[0].ID, queue.StatusUploading, queue.StatusExtra{})

	req := httptest.NewRequest(http.MethodPost, "/api/queue/"+jobs[0].ID+"/abort", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{jobs[0].ID}, aborter.aborted)

	aborter.result = false
	req = httptest.NewRequest(http.MethodPost, "/api/queue/"+jobs[0].ID+"/abort", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_ClearCompletedAndReset(t *testing.T) {
	store := queue.NewStore(nil)
	srv := NewServer(store)

	jobs := store.AddFiles(queue.AddRequest{
		Files: []queue.FileRef{
			{Path: "/scans/a.zip", Size: 100},
			{Path: "/scans/b.zip", Size: 100},
		},
		Mode: upload.ModeZipWithQR,
	})
	store.UpdateItemStatus(jobs[0].ID, queue.StatusCompleted, queue.StatusExtra{})

	req := httptest.NewRequest(http.MethodPost, "/api/queue/clear-completed", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"removed":1`)

	req = httptest.NewRequest(http.MethodPost, "/api/queue/reset", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, store.List())
}

func TestServer_QueueStreamSendsSnapshots(t *testing.T) {
	store := queue.NewStore(nil)
	store.AddFiles(queue.AddRequest{
		Files: []queue.FileRef{{Path: "/scans/a.zip", Size: 100}},
		Mode:  upload.ModeZipWithQR,
	})
	srv := NewServer(store)

	server := httptest.NewServer(srv.Handler())
	defer server.Close()

	resp, err := http.Get(fmt.Sprintf("%s/api/queue/stream", server.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var snapshot struct {
		Jobs         []*queue.UploadJob `json:"jobs"`
		IsProcessing bool               `json:"is_processing"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snapshot))
	require.Len(t, snapshot.Jobs, 1)
	assert.Equal(t, "a.zip", snapshot.Jobs[0].FileName)
}
