package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duologue/duologue/internal/audio"
	"github.com/duologue/duologue/internal/storage"
)

const (
	apiIDA = "f81d4fae-7dec-41d0-a765-00a0c91e6bf6_client_a"
	apiIDB = "f81d4fae-7dec-41d0-a765-00a0c91e6bf6_client_b"
)

func wavBytes(t *testing.T, n int) []byte {
	t.Helper()
	samples := make([]int, n)
	for i := range samples {
		samples[i] = i
	}
	data, err := audio.Encode(samples, audio.DefaultSampleRate)
	require.NoError(t, err)
	return data
}

func uploadBody(t *testing.T, audioData, metadata []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if audioData != nil {
		part, err := mw.CreateFormFile("audio", "blob.wav")
		require.NoError(t, err)
		_, err = part.Write(audioData)
		require.NoError(t, err)
	}
	if metadata != nil {
		part, err := mw.CreateFormFile("metadata", "metadata.json")
		require.NoError(t, err)
		_, err = part.Write(metadata)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func doUpload(t *testing.T, ts *httptest.Server, method, path string, headers map[string]string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func postChunk(t *testing.T, ts *httptest.Server, id string, seq int, data, metadata []byte, missing bool) *http.Response {
	t.Helper()
	body, ct := uploadBody(t, data, metadata)
	headers := map[string]string{
		"id":       id,
		"chunk_id": fmt.Sprintf("%04d", seq),
	}
	if missing {
		headers["is_missing"] = "true"
	}
	return doUpload(t, ts, http.MethodPost, "/api/chunk", headers, body, ct)
}

func verifyChunks(t *testing.T, ts *httptest.Server, id string, count int) []int {
	t.Helper()
	resp := doUpload(t, ts, http.MethodGet, "/api/verifyChunks", map[string]string{
		"id":          id,
		"chunk_count": fmt.Sprint(count),
	}, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var missing []int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&missing))
	return missing
}

func TestRecordingUploadFlow(t *testing.T) {
	ts, srv := newTestServer(t)
	meta := []byte(`{"age":"34","gender":"f","reference":"study-1","duration_seconds":61.5,"sample_rate":16000}`)

	// Chunk 2 goes missing in transit.
	resp := postChunk(t, ts, apiIDA, 1, wavBytes(t, 160), meta, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = postChunk(t, ts, apiIDA, 3, wavBytes(t, 320), nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	t.Run("verify reports the gap", func(t *testing.T) {
		require.Equal(t, []int{2}, verifyChunks(t, ts, apiIDA, 3))
	})

	t.Run("re-upload fills the gap in place", func(t *testing.T) {
		resp := postChunk(t, ts, apiIDA, 2, wavBytes(t, 240), nil, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Empty(t, verifyChunks(t, ts, apiIDA, 3))
	})

	t.Run("finish combines the chunks", func(t *testing.T) {
		resp := doUpload(t, ts, http.MethodPost, "/api/recordingFinished",
			map[string]string{"id": apiIDA}, nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		path, ok := srv.store.RecordingPath(apiIDA)
		require.True(t, ok)
		count, rate, err := audio.Info(path)
		require.NoError(t, err)
		require.Equal(t, audio.DefaultSampleRate, rate)
		require.Equal(t, 160+240+320, count)
	})

	t.Run("metadata row is combined with no missing chunks", func(t *testing.T) {
		h, ok, err := srv.db.Half(apiIDA)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, h.Combined)
		require.Empty(t, h.MissingChunks)
		require.Equal(t, "34", h.Age)
		require.Equal(t, "study-1", h.Reference)
	})

	t.Run("download serves the recording", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/sessions/" + apiIDA)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		samples, _, err := audio.Decode(data)
		require.NoError(t, err)
		require.Len(t, samples, 160+240+320)
	})
}

func TestRecordingFinishedWithLingeringGap(t *testing.T) {
	ts, srv := newTestServer(t)

	// Chunk 2 never arrives, not even after verification.
	postChunk(t, ts, apiIDA, 1, wavBytes(t, 160), nil, false)
	postChunk(t, ts, apiIDA, 3, wavBytes(t, 160), nil, false)

	resp := doUpload(t, ts, http.MethodPost, "/api/recordingFinished",
		map[string]string{"id": apiIDA}, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The hole is recorded in metadata; what exists is still combined.
	h, ok, err := srv.db.Half(apiIDA)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []int{2}, h.MissingChunks)
	require.True(t, h.Combined)
}

func TestRecordingFinishedRejectsShortID(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doUpload(t, ts, http.MethodPost, "/api/recordingFinished",
		map[string]string{"id": "short_client_a"}, nil, "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestRecordingFinishedCombineFailure(t *testing.T) {
	ts, srv := newTestServer(t)

	// No chunks at all: combine must fail and report it.
	resp := doUpload(t, ts, http.MethodPost, "/api/recordingFinished",
		map[string]string{"id": apiIDA}, nil, "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	h, ok, err := srv.db.Half(apiIDA)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, h.Combined)
}

func TestChunkValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	body, ct := uploadBody(t, wavBytes(t, 10), nil)
	resp := doUpload(t, ts, http.MethodPost, "/api/chunk",
		map[string]string{"id": apiIDA, "chunk_id": "0000"}, body, ct)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, ct = uploadBody(t, wavBytes(t, 10), nil)
	resp = doUpload(t, ts, http.MethodPost, "/api/chunk",
		map[string]string{"chunk_id": "0001"}, body, ct)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClipUpload(t *testing.T) {
	ts, srv := newTestServer(t)

	body, ct := uploadBody(t, wavBytes(t, 480), []byte(`{"age":"28","sample_rate":16000}`))
	resp := doUpload(t, ts, http.MethodPost, "/api/clip",
		map[string]string{"id": apiIDB}, body, ct)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	path, ok := srv.store.RecordingPath(apiIDB)
	require.True(t, ok)
	count, _, err := audio.Info(path)
	require.NoError(t, err)
	require.Equal(t, 480, count)
}

func TestSessionsListing(t *testing.T) {
	ts, srv := newTestServer(t)

	require.NoError(t, srv.db.UpsertHalf(storage.Half{ID: apiIDA, Combined: true}))
	require.NoError(t, srv.db.UpsertHalf(storage.Half{ID: apiIDB, Combined: false}))

	t.Run("default listing is complete sessions only", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/sessions")
		require.NoError(t, err)
		defer resp.Body.Close()
		var sessions []storage.Session
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
		require.Empty(t, sessions)
	})

	t.Run("partial includes the incomplete pair", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/sessions?partial=true")
		require.NoError(t, err)
		defer resp.Body.Close()
		var sessions []storage.Session
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
		require.Len(t, sessions, 1)
		require.NotNil(t, sessions[0].ClientA)
		require.NotNil(t, sessions[0].ClientB)
		require.False(t, sessions[0].Complete())
	})
}

func TestDeleteRecording(t *testing.T) {
	ts, srv := newTestServer(t)

	postChunk(t, ts, apiIDA, 1, wavBytes(t, 160), []byte(`{"age":"40"}`), false)

	resp := doUpload(t, ts, http.MethodDelete, "/api/delete",
		map[string]string{"id": apiIDA}, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var removed bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&removed))
	require.True(t, removed)

	_, ok, err := srv.db.Half(apiIDA)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, srv.store.Seqs(apiIDA))
}
