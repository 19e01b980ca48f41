package uploader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duologue/duologue/internal/record"
)

const testID = "f81d4fae-7dec-41d0-a765-00a0c91e6bf6_client_a"

// fakeAPI records every upload and plays the server's verification role.
type fakeAPI struct {
	mu              sync.Mutex
	chunks          map[int][]byte // seq -> audio
	missing         map[int]bool   // seqs flagged is_missing on arrival
	metadata        []byte
	missingOnVerify []int
	finished        bool
	clip            []byte
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{chunks: map[int][]byte{}, missing: map[int]bool{}}
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/chunk", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		seq, err := strconv.Atoi(r.Header.Get("chunk_id"))
		require.NoError(t, err)

		file, _, err := r.FormFile("audio")
		require.NoError(t, err)
		data, err := io.ReadAll(file)
		require.NoError(t, err)

		f.mu.Lock()
		f.chunks[seq] = data
		if r.Header.Get("is_missing") == "true" {
			f.missing[seq] = true
		}
		if mf, _, err := r.FormFile("metadata"); err == nil {
			f.metadata, _ = io.ReadAll(mf)
		}
		f.mu.Unlock()
		w.Write([]byte("Success"))
	})

	mux.HandleFunc("/api/verifyChunks", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, testID, r.Header.Get("id"))
		f.mu.Lock()
		missing := f.missingOnVerify
		f.missingOnVerify = nil
		f.mu.Unlock()
		if missing == nil {
			missing = []int{}
		}
		json.NewEncoder(w).Encode(missing)
	})

	mux.HandleFunc("/api/recordingFinished", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, testID, r.Header.Get("id"))
		f.mu.Lock()
		f.finished = true
		f.mu.Unlock()
		w.Write([]byte("Success"))
	})

	mux.HandleFunc("/api/clip", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("audio")
		require.NoError(t, err)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		f.mu.Lock()
		f.clip = data
		f.mu.Unlock()
		w.Write([]byte("Success"))
	})

	mux.HandleFunc("/api/delete", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(true)
	})

	return mux
}

type fixedEncoder struct{ data []byte }

func (e fixedEncoder) Flush() ([]byte, error) { return e.data, nil }
func (e fixedEncoder) Blob() ([]byte, error)  { return e.data, nil }
func (e fixedEncoder) SampleRate() int        { return 16000 }
func (e fixedEncoder) Reset()                 {}

func TestUploadChunkMetadataOnlyWithFirst(t *testing.T) {
	api := newFakeAPI()
	ts := httptest.NewServer(api.handler(t))
	defer ts.Close()
	c := New(ts.URL)

	meta := &Metadata{Age: "34", SampleRate: 16000}
	require.NoError(t, c.UploadChunk(context.Background(),
		record.Chunk{SessionID: testID, Seq: 1, Data: []byte("one")}, meta, false))
	require.NoError(t, c.UploadChunk(context.Background(),
		record.Chunk{SessionID: testID, Seq: 2, Data: []byte("two")}, nil, false))

	require.Equal(t, []byte("one"), api.chunks[1])
	require.Equal(t, []byte("two"), api.chunks[2])
	require.False(t, api.missing[1])

	var got Metadata
	require.NoError(t, json.Unmarshal(api.metadata, &got))
	require.Equal(t, "34", got.Age)

	t.Run("metadata session id drops the half suffix", func(t *testing.T) {
		require.Equal(t, "f81d4fae-7dec-41d0-a765-00a0c91e6bf6", got.SessionID)
	})
}

func TestFinishReUploadsExactlyTheMissing(t *testing.T) {
	api := newFakeAPI()
	ts := httptest.NewServer(api.handler(t))
	defer ts.Close()
	c := New(ts.URL)

	// Produce a few retained chunks.
	p := record.NewProducer(fixedEncoder{data: []byte("pcm")}, record.Options{Interval: 10 * time.Millisecond})
	require.NoError(t, p.Start(testID))
	deadline := time.After(5 * time.Second)
	for n := 0; n < 3; {
		select {
		case <-p.Chunks():
			n++
		case <-deadline:
			t.Fatal("timed out waiting for chunks")
		}
	}
	rec, err := p.Stop()
	require.NoError(t, err)
	go func() {
		for range p.Chunks() {
		}
	}()

	api.missingOnVerify = []int{2, 3}
	require.NoError(t, c.Finish(context.Background(), rec, p, nil))

	require.True(t, api.finished)
	require.Len(t, api.chunks, 2)
	require.True(t, api.missing[2])
	require.True(t, api.missing[3])
	require.Equal(t, []byte("pcm"), api.chunks[2])

	t.Run("unretainable chunk fails the finish", func(t *testing.T) {
		p.Clear()
		api.missingOnVerify = []int{1}
		api.finished = false
		err := c.Finish(context.Background(), rec, p, nil)
		require.Error(t, err)
		require.False(t, api.finished)
	})
}

func TestUploadClip(t *testing.T) {
	api := newFakeAPI()
	ts := httptest.NewServer(api.handler(t))
	defer ts.Close()
	c := New(ts.URL)

	rec := record.Recording{SessionID: testID, Blob: []byte("full"), ChunkCount: 4}
	require.NoError(t, c.UploadClip(context.Background(), rec, &Metadata{Age: "28"}))
	require.Equal(t, []byte("full"), api.clip)
}

func TestVerifyChunksErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.VerifyChunks(context.Background(), testID, 3)
	require.Error(t, err)
}

func TestDelete(t *testing.T) {
	api := newFakeAPI()
	ts := httptest.NewServer(api.handler(t))
	defer ts.Close()
	require.NoError(t, New(ts.URL).Delete(context.Background(), testID))
}
