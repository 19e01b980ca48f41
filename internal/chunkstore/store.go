// Package chunkstore persists uploaded audio chunks, detects sequence gaps,
// and reassembles a contiguous recording from the chunk files of one session
// half. Chunk files are named <id>_<seq %04d>.wav; the concat manifest is
// <id>_list.txt and the combined recording is <id>.wav.
package chunkstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("chunks")

var chunkNameRe = regexp.MustCompile(`^(.+)_(\d{4})\.wav$`)

// Store owns one uploads directory. A cached per-session index of persisted
// sequence numbers avoids rescanning the directory on every verification; the
// optional fsnotify watcher keeps it fresh, otherwise writes through the
// store update it directly.
type Store struct {
	dir      string
	combiner Combiner

	mu    sync.Mutex
	index map[string]map[int]struct{} // session id -> persisted sequence numbers

	watcher *watcher
}

// New opens (and creates if needed) a store over dir. The combiner performs
// lossless reassembly; see FFmpeg and WavCombiner.
func New(dir string, combiner Combiner) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		combiner: combiner,
		index:    make(map[string]map[int]struct{}),
	}
	if err := s.rescan(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts the directory watcher; Close stops it.
func (s *Store) Watch() error {
	w, err := newWatcher(s)
	if err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// Close stops the watcher, if any.
func (s *Store) Close() {
	if s.watcher != nil {
		s.watcher.close()
	}
}

// Dir returns the uploads directory.
func (s *Store) Dir() string { return s.dir }

// ChunkFileName returns the persisted name for one chunk.
func ChunkFileName(id string, seq int) string {
	return fmt.Sprintf("%s_%04d.wav", id, seq)
}

// PutChunk persists one uploaded chunk. Re-uploads of a missing chunk land
// under the same name, filling the gap in place.
func (s *Store) PutChunk(id string, seq int, data []byte) error {
	if seq < 1 {
		return fmt.Errorf("chunk sequence must be >= 1, got %d", seq)
	}
	path := filepath.Join(s.dir, ChunkFileName(id, seq))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persist chunk: %w", err)
	}

	s.mu.Lock()
	if s.index[id] == nil {
		s.index[id] = make(map[int]struct{})
	}
	s.index[id][seq] = struct{}{}
	s.mu.Unlock()

	log.Debugf("chunk persisted id=%s seq=%d bytes=%d", id, seq, len(data))
	return nil
}

// PutMetadata stores the metadata JSON uploaded alongside the first chunk.
func (s *Store) PutMetadata(id string, data []byte) error {
	path := filepath.Join(s.dir, id+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}
	return nil
}

// PutBlob stores a full final recording uploaded in one piece.
func (s *Store) PutBlob(id string, data []byte) error {
	path := filepath.Join(s.dir, id+".wav")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persist recording: %w", err)
	}
	return nil
}

// Seqs returns the persisted sequence numbers for a session half, ascending.
func (s *Store) Seqs(id string) []int {
	s.mu.Lock()
	set := s.index[id]
	out := make([]int, 0, len(set))
	for seq := range set {
		out = append(out, seq)
	}
	s.mu.Unlock()

	sort.Ints(out)
	return out
}

// MissingChunks returns the 1-based sequence numbers absent from the store
// for the declared chunk count, ascending. When the persisted count equals
// the declared count no gaps are assumed and the result is empty. When the
// store holds more chunks than declared, the legacyMismatchSkip policy
// applies: the mismatch is logged and reported as no chunks missing.
func (s *Store) MissingChunks(id string, expected int) []int {
	seqs := s.Seqs(id)

	if len(seqs) == expected {
		return []int{}
	}
	if len(seqs) > expected {
		log.Warnf("chunk mismatch id=%s persisted=%d declared=%d; skipping recovery (legacyMismatchSkip)",
			id, len(seqs), expected)
		return []int{}
	}

	present := make([]bool, expected+1)
	for _, seq := range seqs {
		if seq >= 1 && seq <= expected {
			present[seq] = true
		}
	}
	missing := make([]int, 0, expected-len(seqs))
	for seq := 1; seq <= expected; seq++ {
		if !present[seq] {
			missing = append(missing, seq)
		}
	}
	return missing
}

// Mismatch reports whether the store holds more chunks than declared.
func (s *Store) Mismatch(id string, expected int) bool {
	return len(s.Seqs(id)) > expected
}

// Gaps returns the sequence numbers missing below the highest persisted one.
// Used to annotate metadata before reassembly: these are the holes that will
// be audibly absent from the combined file.
func (s *Store) Gaps(id string) []int {
	seqs := s.Seqs(id)
	if len(seqs) == 0 {
		return nil
	}
	max := seqs[len(seqs)-1]
	return s.MissingChunks(id, max)
}

// Combine reassembles all persisted chunks of a session half into <id>.wav.
// A manifest listing the chunk files in directory order is written first,
// then the combiner joins them. Chunk files and the manifest are deleted only
// after a successful join; on failure everything is left in place for retry.
func (s *Store) Combine(id string) error {
	files := s.chunkFiles(id)
	if len(files) == 0 {
		return fmt.Errorf("no chunks for %s", id)
	}

	manifest := filepath.Join(s.dir, id+"_list.txt")
	var sb strings.Builder
	for _, f := range files {
		fmt.Fprintf(&sb, "file '%s'\n", filepath.Base(f))
	}
	if err := os.WriteFile(manifest, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	out := filepath.Join(s.dir, id+".wav")
	if err := s.combiner.Combine(out, manifest, files); err != nil {
		// leave chunk files intact for a retry
		return fmt.Errorf("combine %s: %w", id, err)
	}

	for _, f := range files {
		_ = os.Remove(f)
	}
	_ = os.Remove(manifest)

	s.mu.Lock()
	delete(s.index, id)
	s.mu.Unlock()

	log.Infof("combined %d chunks into %s", len(files), filepath.Base(out))
	return nil
}

// Delete removes everything stored for a session half: chunks, combined
// recording, manifest and metadata. Returns true if anything was removed.
func (s *Store) Delete(id string) bool {
	removed := false
	for _, f := range s.chunkFiles(id) {
		if os.Remove(f) == nil {
			removed = true
		}
	}
	for _, suffix := range []string{".wav", ".json", "_list.txt"} {
		if os.Remove(filepath.Join(s.dir, id+suffix)) == nil {
			removed = true
		}
	}

	s.mu.Lock()
	delete(s.index, id)
	s.mu.Unlock()
	return removed
}

// RecordingPath returns the combined recording location and whether it exists.
func (s *Store) RecordingPath(id string) (string, bool) {
	path := filepath.Join(s.dir, id+".wav")
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// chunkFiles lists the persisted chunk files for id in directory (sequence)
// order.
func (s *Store) chunkFiles(id string) []string {
	out := make([]string, 0, 8)
	for _, seq := range s.Seqs(id) {
		path := filepath.Join(s.dir, ChunkFileName(id, seq))
		if _, err := os.Stat(path); err == nil {
			out = append(out, path)
		}
	}
	return out
}

// rescan rebuilds the index from the directory contents.
func (s *Store) rescan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan uploads dir: %w", err)
	}

	index := make(map[string]map[int]struct{})
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, seq, ok := parseChunkName(e.Name())
		if !ok {
			continue
		}
		if index[id] == nil {
			index[id] = make(map[int]struct{})
		}
		index[id][seq] = struct{}{}
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}

// parseChunkName splits <id>_<seq %04d>.wav into its parts.
func parseChunkName(name string) (id string, seq int, ok bool) {
	m := chunkNameRe.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return m[1], n, true
}

// noteFile updates the index for a file that appeared or vanished outside the
// store's own writes (watcher callback).
func (s *Store) noteFile(name string, removed bool) {
	id, seq, ok := parseChunkName(filepath.Base(name))
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if removed {
		if set := s.index[id]; set != nil {
			delete(set, seq)
			if len(set) == 0 {
				delete(s.index, id)
			}
		}
		return
	}
	if s.index[id] == nil {
		s.index[id] = make(map[int]struct{})
	}
	s.index[id][seq] = struct{}{}
}
