package record

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubEncoder hands out a fixed payload per flush. An empty payload models an
// interval with no captured audio.
type stubEncoder struct {
	mu      sync.Mutex
	payload []byte
	flushes int
}

func (e *stubEncoder) Flush() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushes++
	if len(e.payload) == 0 {
		return nil, nil
	}
	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return out, nil
}

func (e *stubEncoder) Blob() ([]byte, error) { return []byte("blob"), nil }
func (e *stubEncoder) SampleRate() int       { return 16000 }
func (e *stubEncoder) Reset()                {}

func collect(t *testing.T, ch <-chan Chunk, n int) []Chunk {
	t.Helper()
	out := make([]Chunk, 0, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case c := <-ch:
			out = append(out, c)
		case <-deadline:
			t.Fatalf("timed out waiting for chunk %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestProducerSequenceNumbers(t *testing.T) {
	enc := &stubEncoder{payload: []byte("pcm")}
	p := NewProducer(enc, Options{Interval: 10 * time.Millisecond})

	require.NoError(t, p.Start("sess_client_a"))
	chunks := collect(t, p.Chunks(), 3)

	rec, err := p.Stop()
	require.NoError(t, err)

	for i, c := range chunks {
		require.Equal(t, i+1, c.Seq)
		require.Equal(t, "sess_client_a", c.SessionID)
		require.Equal(t, []byte("pcm"), c.Data)
	}

	// Stop flushes the remainder as one more chunk.
	final := collect(t, p.Chunks(), rec.ChunkCount-3)
	require.Equal(t, rec.ChunkCount, final[len(final)-1].Seq)
	require.Equal(t, []byte("blob"), rec.Blob)
	require.Equal(t, 16000, rec.SampleRate)
	require.False(t, p.Recording())
}

func TestProducerEmptyFlushesProduceNothing(t *testing.T) {
	enc := &stubEncoder{}
	p := NewProducer(enc, Options{Interval: time.Hour})

	require.NoError(t, p.Start("sess_client_a"))
	rec, err := p.Stop()
	require.NoError(t, err)
	require.Equal(t, 0, rec.ChunkCount)
}

func TestProducerDoubleStart(t *testing.T) {
	p := NewProducer(&stubEncoder{}, Options{Interval: time.Hour})
	require.NoError(t, p.Start("a"))
	require.Error(t, p.Start("b"))
	_, err := p.Stop()
	require.NoError(t, err)
	_, err = p.Stop()
	require.Error(t, err)
}

func TestProducerChunkResolvableUntilClear(t *testing.T) {
	enc := &stubEncoder{payload: []byte("pcm")}
	p := NewProducer(enc, Options{Interval: 10 * time.Millisecond})

	require.NoError(t, p.Start("sess_client_a"))
	collect(t, p.Chunks(), 2)
	rec, err := p.Stop()
	require.NoError(t, err)
	collect(t, p.Chunks(), rec.ChunkCount-2)

	for seq := 1; seq <= rec.ChunkCount; seq++ {
		c, ok := p.Chunk(seq)
		require.True(t, ok, "chunk %d should be retained", seq)
		require.Equal(t, seq, c.Seq)
		require.Equal(t, []byte("pcm"), c.Data)
	}

	_, ok := p.Chunk(rec.ChunkCount + 1)
	require.False(t, ok)

	p.Clear()
	_, ok = p.Chunk(1)
	require.False(t, ok)
}

func TestProducerCancelDiscards(t *testing.T) {
	enc := &stubEncoder{payload: []byte("pcm")}
	p := NewProducer(enc, Options{Interval: 10 * time.Millisecond})

	require.NoError(t, p.Start("sess_client_a"))
	collect(t, p.Chunks(), 1)
	p.Cancel()

	require.False(t, p.Recording())
	_, ok := p.Chunk(1)
	require.False(t, ok)

	_, err := p.Stop()
	require.Error(t, err)
}

func TestRetentionSpillsToDisk(t *testing.T) {
	dir := t.TempDir()
	ret := newRetention(2, dir)

	for seq := 1; seq <= 5; seq++ {
		require.NoError(t, ret.put(seq, []byte{byte(seq)}))
	}

	// The two newest stay in memory, the rest went to disk.
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	_, err = os.Stat(filepath.Join(dir, "chunk_0001.wav"))
	require.NoError(t, err)

	// Every chunk is still resolvable regardless of where it lives.
	for seq := 1; seq <= 5; seq++ {
		data, ok := ret.get(seq)
		require.True(t, ok, "chunk %d", seq)
		require.Equal(t, []byte{byte(seq)}, data)
	}
	require.Equal(t, 5, ret.count())

	ret.clear()
	require.Equal(t, 0, ret.count())
	files, err = os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestRetentionWithoutSpillDirKeepsAll(t *testing.T) {
	ret := newRetention(2, "")
	for seq := 1; seq <= 10; seq++ {
		require.NoError(t, ret.put(seq, []byte{byte(seq)}))
	}
	for seq := 1; seq <= 10; seq++ {
		_, ok := ret.get(seq)
		require.True(t, ok)
	}
}
