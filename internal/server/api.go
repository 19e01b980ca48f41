package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/duologue/duologue/internal/storage"
)

// maxUploadBytes bounds one multipart upload; a 30 s chunk of 16 kHz mono
// 16-bit PCM is under 1 MiB, so this leaves generous headroom for full blobs.
const maxUploadBytes = 256 << 20

// minRecordingIDLen is uuid v4 (36) + "_client_x" (9).
const minRecordingIDLen = 45

// clientMetadata is the JSON blob uploaded alongside the first chunk and on
// finalization.
type clientMetadata struct {
	Age        string  `json:"age"`
	Gender     string  `json:"gender"`
	Reference  string  `json:"reference"`
	Duration   float64 `json:"duration_seconds"`
	SampleRate int     `json:"sample_rate"`
	SessionID  string  `json:"session_id"`
}

// handleChunk persists one uploaded audio chunk: headers id, chunk_id
// (zero-padded sequence) and is_missing; multipart fields "audio" and,
// on the first chunk only, "metadata".
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := headerValue(r, "id")
	seq, err := strconv.Atoi(headerValue(r, "chunk_id"))
	if id == "" || err != nil || seq < 1 {
		http.Error(w, "id and chunk_id headers required", http.StatusBadRequest)
		return
	}
	isMissing := headerValue(r, "is_missing") == "true"

	audio, metadata, err := readUpload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.PutChunk(id, seq, audio); err != nil {
		log.Errorf("store chunk id=%s seq=%d: %v", id, seq, err)
		http.Error(w, "failed to store chunk", http.StatusInternalServerError)
		return
	}
	if isMissing {
		log.Infof("recovered missing chunk id=%s seq=%d", id, seq)
	}

	if metadata != nil {
		s.saveMetadata(id, metadata)
	}
	w.Write([]byte("Success"))
}

// handleClip accepts a full final recording in one piece.
func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	id := headerValue(r, "id")
	if id == "" {
		http.Error(w, "id header required", http.StatusBadRequest)
		return
	}

	audio, metadata, err := readUpload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.PutBlob(id, audio); err != nil {
		log.Errorf("store clip id=%s: %v", id, err)
		http.Error(w, "failed to store recording", http.StatusInternalServerError)
		return
	}
	if metadata != nil {
		s.saveMetadata(id, metadata)
	}
	w.Write([]byte("Success"))
}

// handleVerifyChunks reports which declared sequence numbers are absent.
// Headers: id, chunk_count. Responds with a JSON array, empty when no chunks
// are missing or when the legacyMismatchSkip policy applies.
func (s *Server) handleVerifyChunks(w http.ResponseWriter, r *http.Request) {
	id := headerValue(r, "id")
	count, err := strconv.Atoi(headerValue(r, "chunk_count"))
	if id == "" || err != nil || count < 0 {
		http.Error(w, "id and chunk_count headers required", http.StatusBadRequest)
		return
	}
	log.Infof("verify id=%s declared=%d", id, count)

	missing := s.store.MissingChunks(id, count)
	writeJSON(w, missing)
}

// handleRecordingFinished finalizes one half: annotate whatever is still
// missing, reassemble the chunks, and mark the half combined. On combine
// failure the chunks stay on disk and the client can retry.
func (s *Server) handleRecordingFinished(w http.ResponseWriter, r *http.Request) {
	id := headerValue(r, "id")
	if len(id) < minRecordingIDLen {
		http.Error(w, fmt.Sprintf("Id: %s is too short.", id), http.StatusInternalServerError)
		return
	}

	if _, metadata, err := readUpload(r); err == nil && metadata != nil {
		s.saveMetadata(id, metadata)
	}

	if err := s.db.AnnotateMissing(id, s.store.Gaps(id)); err != nil {
		log.Warnf("annotate missing id=%s: %v", id, err)
	}

	if err := s.store.Combine(id); err != nil {
		log.Errorf("combine id=%s: %v", id, err)
		http.Error(w, "Server was unable to combine audio chunks.", http.StatusInternalServerError)
		return
	}
	if err := s.db.MarkCombined(id); err != nil {
		log.Warnf("mark combined id=%s: %v", id, err)
	}
	w.Write([]byte("Success"))
}

// handleSessions lists recorded conversations; ?partial=true includes halves
// that never completed.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	partial := r.URL.Query().Get("partial") == "true"
	sessions, err := s.db.Sessions(partial)
	if err != nil {
		log.Errorf("list sessions: %v", err)
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

// handleSessionDownload serves the combined recording of one half.
func (s *Server) handleSessionDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path, ok := s.store.RecordingPath(id)
	if !ok {
		http.Error(w, "recording not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".wav"))
	http.ServeFile(w, r, path)
}

// handleDelete removes a recording half: files and metadata.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := headerValue(r, "id")
	if id == "" {
		http.Error(w, "id header required", http.StatusBadRequest)
		return
	}
	removedFiles := s.store.Delete(id)
	removedRow, err := s.db.Delete(id)
	if err != nil {
		log.Errorf("delete id=%s: %v", id, err)
		http.Error(w, "failed to delete recording", http.StatusInternalServerError)
		return
	}
	writeJSON(w, removedFiles || removedRow)
}

func (s *Server) saveMetadata(id string, data []byte) {
	if err := s.store.PutMetadata(id, data); err != nil {
		log.Warnf("store metadata id=%s: %v", id, err)
	}

	var meta clientMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		log.Warnf("parse metadata id=%s: %v", id, err)
		return
	}
	sessionID, suffix := storage.SplitID(id)
	if err := s.db.UpsertHalf(storage.Half{
		ID:         id,
		SessionID:  sessionID,
		Suffix:     suffix,
		Age:        meta.Age,
		Gender:     meta.Gender,
		Reference:  meta.Reference,
		Duration:   meta.Duration,
		SampleRate: meta.SampleRate,
	}); err != nil {
		log.Warnf("upsert metadata id=%s: %v", id, err)
	}
}

// readUpload pulls the "audio" and optional "metadata" parts out of a
// multipart body. Audio may be absent (recordingFinished sends metadata only).
func readUpload(r *http.Request) (audio, metadata []byte, err error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, nil, fmt.Errorf("parse upload: %w", err)
	}
	audio, err = formFile(r, "audio")
	if err != nil {
		return nil, nil, err
	}
	metadata, err = formFile(r, "metadata")
	if err != nil {
		return nil, nil, err
	}
	return audio, metadata, nil
}

func formFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err == http.ErrMissingFile {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s part: %w", field, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read %s part: %w", field, err)
	}
	return data, nil
}

// headerValue returns a URL-decoded header, matching how clients send ids.
func headerValue(r *http.Request, name string) string {
	v := r.Header.Get(name)
	if decoded, err := url.QueryUnescape(v); err == nil {
		return decoded
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
