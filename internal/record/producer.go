// Package record implements the producer side of the chunked recording
// pipeline: a ticker periodically flushes the encoder, every flushed chunk is
// tagged with the next sequence number and handed to the upload path, and all
// chunks stay resolvable by number until the recording is finished so the
// server can request retransmission of transport losses.
package record

import (
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("record")

// DefaultChunkInterval is how often an in-progress recording emits a chunk.
const DefaultChunkInterval = 30 * time.Second

// Encoder is the black box that turns captured audio into encoded bytes.
// Flush returns the audio accumulated since the previous flush; Blob returns
// the entire recording as one file.
type Encoder interface {
	Flush() ([]byte, error)
	Blob() ([]byte, error)
	SampleRate() int
	Reset()
}

// Chunk is one sequentially numbered slice of an in-progress recording.
// Sequence numbers start at 1 and never have production gaps.
type Chunk struct {
	SessionID string
	Seq       int
	Data      []byte
}

// Recording is the finalized artifact: the full blob plus the chunk count the
// server verifies against.
type Recording struct {
	SessionID  string
	Blob       []byte
	ChunkCount int
	SampleRate int
}

// Options tunes a Producer.
type Options struct {
	Interval     time.Duration // chunk flush interval; DefaultChunkInterval if zero
	MemoryBudget int           // chunks kept in memory before spilling
	SpillDir     string        // where older chunks go; empty keeps all in memory
}

// Producer drives one recording. Chunks are delivered on Chunks() as they are
// produced; Stop finalizes, Cancel discards.
type Producer struct {
	enc      Encoder
	interval time.Duration
	ret      *retention

	mu        sync.Mutex
	sessionID string
	seq       int
	running   bool
	stop      chan struct{}
	done      chan struct{}

	chunks chan Chunk
}

// NewProducer creates a producer over the given encoder.
func NewProducer(enc Encoder, opts Options) *Producer {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultChunkInterval
	}
	return &Producer{
		enc:      enc,
		interval: interval,
		ret:      newRetention(opts.MemoryBudget, opts.SpillDir),
		chunks:   make(chan Chunk, 8),
	}
}

// Chunks delivers produced chunks, including the final flush from Stop.
func (p *Producer) Chunks() <-chan Chunk { return p.chunks }

// Start begins a recording under the given session id. The encoder is reset
// so the recording starts clean.
func (p *Producer) Start(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("recording already in progress")
	}
	p.enc.Reset()
	p.ret.clear()
	p.sessionID = sessionID
	p.seq = 0
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stop, p.done)

	log.Infof("recording started session=%s interval=%s", sessionID, p.interval)
	return nil
}

func (p *Producer) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.flush(); err != nil {
				log.Errorf("chunk flush: %v", err)
			}
		}
	}
}

// flush asks the encoder for the accumulated audio and emits it as the next
// chunk. Empty flushes produce no chunk and no sequence number.
func (p *Producer) flush() error {
	data, err := p.enc.Flush()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.seq++
	chunk := Chunk{SessionID: p.sessionID, Seq: p.seq, Data: data}
	p.mu.Unlock()

	if err := p.ret.put(chunk.Seq, data); err != nil {
		log.Warnf("retain chunk %d: %v", chunk.Seq, err)
	}
	p.chunks <- chunk
	log.Debugf("chunk produced session=%s seq=%d bytes=%d", chunk.SessionID, chunk.Seq, len(data))
	return nil
}

// Stop finalizes the recording: the unflushed remainder becomes one last
// chunk, and the full blob plus total chunk count are returned. Retained
// chunks stay available for retransmission until Clear.
func (p *Producer) Stop() (Recording, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return Recording{}, fmt.Errorf("no recording in progress")
	}
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done

	if err := p.flush(); err != nil {
		return Recording{}, fmt.Errorf("final flush: %w", err)
	}

	blob, err := p.enc.Blob()
	if err != nil {
		return Recording{}, fmt.Errorf("final blob: %w", err)
	}

	p.mu.Lock()
	rec := Recording{
		SessionID:  p.sessionID,
		Blob:       blob,
		ChunkCount: p.seq,
		SampleRate: p.enc.SampleRate(),
	}
	p.running = false
	p.mu.Unlock()

	log.Infof("recording stopped session=%s chunks=%d", rec.SessionID, rec.ChunkCount)
	return rec, nil
}

// Cancel aborts an in-progress recording and discards all buffered audio and
// retained chunks.
func (p *Producer) Cancel() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	stop, done := p.stop, p.done
	p.running = false
	p.seq = 0
	p.sessionID = ""
	p.mu.Unlock()

	close(stop)
	<-done
	p.enc.Reset()
	p.ret.clear()
	log.Infof("recording cancelled")
}

// Chunk resolves a previously produced chunk for retransmission.
func (p *Producer) Chunk(seq int) (Chunk, bool) {
	data, ok := p.ret.get(seq)
	if !ok {
		return Chunk{}, false
	}
	p.mu.Lock()
	id := p.sessionID
	p.mu.Unlock()
	return Chunk{SessionID: id, Seq: seq, Data: data}, true
}

// Clear drops retained chunks after a recording is fully uploaded.
func (p *Producer) Clear() {
	p.enc.Reset()
	p.ret.clear()
}

// Recording reports whether a recording is in progress.
func (p *Producer) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
