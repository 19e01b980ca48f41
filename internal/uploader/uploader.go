// Package uploader is the client half of the chunk upload path: it pushes
// produced chunks to the server as they appear, verifies the server's view of
// the sequence, re-uploads the chunks the server asks for, and finalizes.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/duologue/duologue/internal/record"
)

// Metadata describes one half of a recording for the server.
type Metadata struct {
	Age        string  `json:"age,omitempty"`
	Gender     string  `json:"gender,omitempty"`
	Reference  string  `json:"reference,omitempty"`
	Duration   float64 `json:"duration_seconds,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
}

// Client talks to the recording API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New creates a client for the given API base URL (e.g. "http://host:3030").
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// UploadChunk sends one chunk. Metadata travels only with the first chunk;
// isMissing marks a retransmission requested by VerifyChunks.
func (c *Client) UploadChunk(ctx context.Context, chunk record.Chunk, meta *Metadata, isMissing bool) error {
	body, contentType, err := multipartBody(chunk.Data, metaFor(meta, chunk.SessionID))
	if err != nil {
		return err
	}

	headers := map[string]string{
		"id":         chunk.SessionID,
		"chunk_id":   fmt.Sprintf("%04d", chunk.Seq),
		"is_missing": fmt.Sprintf("%t", isMissing),
	}
	return c.post(ctx, "/api/chunk", body, contentType, headers)
}

// UploadClip sends the full final blob in one piece.
func (c *Client) UploadClip(ctx context.Context, rec record.Recording, meta *Metadata) error {
	body, contentType, err := multipartBody(rec.Blob, metaFor(meta, rec.SessionID))
	if err != nil {
		return err
	}
	headers := map[string]string{
		"id":       rec.SessionID,
		"chunk_id": fmt.Sprintf("%04d", rec.ChunkCount),
	}
	return c.post(ctx, "/api/clip", body, contentType, headers)
}

// VerifyChunks asks which of the declared chunks never arrived. An empty
// result means the server is satisfied.
func (c *Client) VerifyChunks(ctx context.Context, sessionID string, chunkCount int) ([]int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/verifyChunks", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("id", sessionID)
	req.Header.Set("chunk_count", fmt.Sprintf("%d", chunkCount))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("verifyChunks: status %s", resp.Status)
	}
	var missing []int
	if err := json.NewDecoder(resp.Body).Decode(&missing); err != nil {
		return nil, fmt.Errorf("verifyChunks: %w", err)
	}
	return missing, nil
}

// Finish uploads any chunks the server reports missing, then posts
// recordingFinished so the server reassembles this half.
func (c *Client) Finish(ctx context.Context, rec record.Recording, producer *record.Producer, meta *Metadata) error {
	missing, err := c.VerifyChunks(ctx, rec.SessionID, rec.ChunkCount)
	if err != nil {
		return err
	}
	for _, seq := range missing {
		chunk, ok := producer.Chunk(seq)
		if !ok {
			return fmt.Errorf("chunk %d requested by server but no longer retained", seq)
		}
		chunk.SessionID = rec.SessionID
		if err := c.UploadChunk(ctx, chunk, nil, true); err != nil {
			return fmt.Errorf("re-upload chunk %d: %w", seq, err)
		}
	}
	return c.RecordingFinished(ctx, rec.SessionID, meta)
}

// RecordingFinished tells the server this half is complete.
func (c *Client) RecordingFinished(ctx context.Context, sessionID string, meta *Metadata) error {
	body, contentType, err := multipartBody(nil, metaFor(meta, sessionID))
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/recordingFinished", body, contentType, map[string]string{"id": sessionID})
}

// Delete removes a recording half from the server.
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/api/delete", nil)
	if err != nil {
		return err
	}
	req.Header.Set("id", sessionID)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("delete: status %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body io.Reader, contentType string, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: status %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

// metaFor scrubs the half suffix off the session id the way the server
// expects it in metadata.
func metaFor(meta *Metadata, fullID string) *Metadata {
	if meta == nil {
		return nil
	}
	m := *meta
	base := strings.TrimSuffix(strings.TrimSuffix(fullID, "_client_a"), "_client_b")
	m.SessionID = base
	return &m
}

func multipartBody(audio []byte, meta *Metadata) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if audio != nil {
		part, err := mw.CreateFormFile("audio", "audio.wav")
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(audio); err != nil {
			return nil, "", err
		}
	}
	if meta != nil {
		part, err := mw.CreateFormFile("metadata", "metadata.json")
		if err != nil {
			return nil, "", err
		}
		if err := json.NewEncoder(part).Encode(meta); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
