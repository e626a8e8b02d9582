package upload

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func immediateRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		Backoff:     func(int) time.Duration { return 0 },
	}
}

func staticToken(token string) TokenSource {
	return func() string { return token }
}

func TestTransport_SendChunkFormFields(t *testing.T) {
	var gotForm map[string]string
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(32<<20))
		gotForm = map[string]string{}
		for key, values := range r.MultipartForm.Value {
			gotForm[key] = values[0]
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(ChunkResponse{SessionID: "sess-1"})
	}))
	defer server.Close()

	tr := NewTransport(server.URL, staticToken("tok"), immediateRetry(3))

	resp, err := tr.SendChunk(context.Background(), Chunk{
		Data:          []byte("payload"),
		Index:         0,
		Total:         4,
		Filename:      "sheets.zip",
		Mode:          ModeZipWithQR,
		Notes:         "exam week",
		ProfileID:     7,
		AlignmentMode: "hybrid",
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "Bearer tok", gotAuth)

	assert.Equal(t, "0", gotForm["chunk_index"])
	assert.Equal(t, "4", gotForm["total_chunks"])
	assert.Equal(t, "sheets.zip", gotForm["filename"])
	assert.Equal(t, "zip_with_qr", gotForm["upload_type"])
	assert.Equal(t, "false", gotForm["is_final_chunk"])
	// Side-channel metadata rides only on the final chunk.
	assert.NotContains(t, gotForm, "notes")
	assert.NotContains(t, gotForm, "profile_id")
	assert.NotContains(t, gotForm, "alignment_mode")
	assert.NotContains(t, gotForm, "upload_id")
}

func TestTransport_FinalChunkCarriesMetadata(t *testing.T) {
	var gotForm map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(32<<20))
		gotForm = map[string]string{}
		for key, values := range r.MultipartForm.Value {
			gotForm[key] = values[0]
		}
		_ = json.NewEncoder(w).Encode(ChunkResponse{SessionID: "sess-1", BatchID: "batch-9"})
	}))
	defer server.Close()

	tr := NewTransport(server.URL, staticToken("tok"), immediateRetry(3))

	resp, err := tr.SendChunk(context.Background(), Chunk{
		Data:          []byte("tail"),
		Index:         3,
		Total:         4,
		Filename:      "sheets.zip",
		Mode:          ModeZipNoQR,
		TaskID:        "12345678",
		SessionID:     "sess-1",
		Final:         true,
		Notes:         "exam week",
		ProfileID:     7,
		AlignmentMode: "hybrid",
	})
	require.NoError(t, err)
	assert.Equal(t, "batch-9", resp.BatchID)

	assert.Equal(t, "true", gotForm["is_final_chunk"])
	assert.Equal(t, "sess-1", gotForm["upload_id"])
	assert.Equal(t, "12345678", gotForm["task_id"])
	assert.Equal(t, "exam week", gotForm["notes"])
	assert.Equal(t, "7", gotForm["profile_id"])
	assert.Equal(t, "hybrid", gotForm["alignment_mode"])
}

func TestTransport_RetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(ChunkResponse{SessionID: "sess-1"})
	}))
	defer server.Close()

	tr := NewTransport(server.URL, staticToken("tok"), immediateRetry(3))

	resp, err := tr.SendChunk(context.Background(), Chunk{Data: []byte("x"), Index: 0, Total: 2, Filename: "f.zip", Mode: ModeZipWithQR})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestTransport_FailsAfterExhaustedRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tr := NewTransport(server.URL, staticToken("tok"), immediateRetry(3))

	_, err := tr.SendChunk(context.Background(), Chunk{Data: []byte("x"), Index: 2, Total: 10, Filename: "f.zip", Mode: ModeZipWithQR, SessionID: "sess-1"})
	require.Error(t, err)
	assert.Equal(t, int32(3), attempts.Load())

	var chunkErr *ChunkError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, 2, chunkErr.Index)
	assert.Equal(t, 10, chunkErr.Total)
	assert.Contains(t, err.Error(), "chunk 3/10")
}

func TestTransport_CancellationSkipsBackoff(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	// Long backoff: a cancelled context must not wait it out.
	tr := NewTransport(server.URL, staticToken("tok"), RetryPolicy{
		MaxAttempts: 3,
		Backoff:     ExponentialBackoff(time.Minute),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := tr.SendChunk(ctx, Chunk{Data: []byte("x"), Index: 0, Total: 2, Filename: "f.zip", Mode: ModeZipWithQR})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestTransport_RejectsMissingSessionID(t *testing.T) {
	tr := NewTransport("http://unused.invalid", staticToken("tok"), immediateRetry(3))

	_, err := tr.SendChunk(context.Background(), Chunk{Data: []byte("x"), Index: 1, Total: 2, Filename: "f.zip", Mode: ModeZipWithQR})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session id")
}
