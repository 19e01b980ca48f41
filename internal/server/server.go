// Package server wires the room coordinator and the chunk upload API into
// one HTTP server.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	logging "github.com/ipfs/go-log/v2"
	"github.com/rs/cors"

	"github.com/duologue/duologue/internal/chunkstore"
	"github.com/duologue/duologue/internal/room"
	"github.com/duologue/duologue/internal/storage"
)

var log = logging.Logger("server")

// Server hosts the duplex-channel endpoint and the recording API.
type Server struct {
	rooms *room.Registry
	store *chunkstore.Store
	db    *storage.DB

	srv *http.Server
}

// Options for New.
type Options struct {
	Addr           string
	AllowedOrigins []string
	Store          *chunkstore.Store
	DB             *storage.DB
}

// New builds the server and its router.
func New(opts Options) *Server {
	s := &Server{
		rooms: room.NewRegistry(),
		store: opts.Store,
		db:    opts.DB,
	}

	r := chi.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	r.Get("/ws/{roomID}/{clientID}", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chunk", s.handleChunk)
		r.Post("/clip", s.handleClip)
		r.Get("/verifyChunks", s.handleVerifyChunks)
		r.Post("/recordingFinished", s.handleRecordingFinished)
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{id}", s.handleSessionDownload)
		r.Delete("/delete", s.handleDelete)
	})

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests over httptest.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Rooms exposes the registry, mainly for tests.
func (s *Server) Rooms() *room.Registry { return s.rooms }

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Infof("listening on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
