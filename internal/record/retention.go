package record

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// retention keeps every produced chunk available for retransmission without
// holding an arbitrarily long recording in memory: the most recent chunks stay
// in a fixed-size window and older ones are spilled to disk. All chunks remain
// resolvable by sequence number until Clear.
type retention struct {
	mu       sync.Mutex
	budget   int // max chunks kept in memory
	spillDir string
	mem      map[int][]byte
	oldest   int // lowest sequence number still in memory
	spilled  map[int]string
}

func newRetention(budget int, spillDir string) *retention {
	if budget <= 0 {
		budget = 16
	}
	return &retention{
		budget:   budget,
		spillDir: spillDir,
		mem:      make(map[int][]byte),
		oldest:   1,
		spilled:  make(map[int]string),
	}
}

// put stores a chunk under its sequence number, spilling the oldest in-memory
// chunk to disk when the window is full. Chunks are immutable once stored.
func (r *retention) put(seq int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.mem[seq] = data
	if r.spillDir == "" {
		// no spill dir configured: everything stays in memory
		return nil
	}
	for len(r.mem) > r.budget {
		if err := r.spillLocked(r.oldest); err != nil {
			return err
		}
		r.oldest++
	}
	return nil
}

func (r *retention) spillLocked(seq int) error {
	data, ok := r.mem[seq]
	if !ok {
		return nil
	}
	if err := os.MkdirAll(r.spillDir, 0o755); err != nil {
		return fmt.Errorf("create spill dir: %w", err)
	}
	path := filepath.Join(r.spillDir, fmt.Sprintf("chunk_%04d.wav", seq))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("spill chunk %d: %w", seq, err)
	}
	r.spilled[seq] = path
	delete(r.mem, seq)
	return nil
}

// get resolves a chunk by sequence number from memory or the spill dir.
func (r *retention) get(seq int) ([]byte, bool) {
	r.mu.Lock()
	data, ok := r.mem[seq]
	path, spilled := r.spilled[seq]
	r.mu.Unlock()

	if ok {
		return data, true
	}
	if !spilled {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// count returns how many chunks are retained.
func (r *retention) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mem) + len(r.spilled)
}

// clear drops all retained chunks and removes spill files.
func (r *retention) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, path := range r.spilled {
		_ = os.Remove(path)
	}
	r.mem = make(map[int][]byte)
	r.spilled = make(map[int]string)
	r.oldest = 1
}
