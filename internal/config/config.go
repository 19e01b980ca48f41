// Package config loads the server configuration from a JSON file with
// environment overrides for the handful of knobs that differ per deployment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/duologue/duologue/internal/util"
)

type Config struct {
	Server    Server    `json:"server"`
	Uploads   Uploads   `json:"uploads"`
	Recording Recording `json:"recording"`
	Log       Log       `json:"log"`
}

type Server struct {
	// Addr is the listen address, e.g. ":3030".
	Addr string `json:"addr"`

	// AllowedOrigins for CORS on the upload API. Empty means allow all,
	// which is the posture for anonymous participation.
	AllowedOrigins []string `json:"allowed_origins"`
}

type Uploads struct {
	// Dir is where chunk files, combined recordings and metadata live.
	Dir string `json:"dir"`

	// DBFile is the SQLite session-metadata database, relative to Dir
	// unless absolute.
	DBFile string `json:"db_file"`

	// Watch enables the fsnotify watcher that keeps the chunk index warm
	// instead of rescanning the directory per request.
	Watch bool `json:"watch"`
}

type Recording struct {
	// SampleRate of the capture pipeline (Hz).
	SampleRate int `json:"sample_rate"`

	// ChunkIntervalSec is how often the producer flushes a chunk.
	ChunkIntervalSec int `json:"chunk_interval_seconds"`

	// FFmpegPath is the external concatenation tool. Empty selects the
	// built-in lossless WAV combiner.
	FFmpegPath string `json:"ffmpeg_path"`
}

type Log struct {
	// Level applies to all subsystems: debug, info, warn, error.
	Level string `json:"level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server:    Server{Addr: ":3030"},
		Uploads:   Uploads{Dir: "uploads", DBFile: "sessions.db", Watch: true},
		Recording: Recording{SampleRate: 16000, ChunkIntervalSec: 30, FFmpegPath: "ffmpeg"},
		Log:       Log{Level: "info"},
	}
}

// Load reads the config file at path, falling back to defaults when the file
// does not exist, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// defaults
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if cfg.Recording.SampleRate <= 0 {
		cfg.Recording.SampleRate = 16000
	}
	if cfg.Recording.ChunkIntervalSec <= 0 {
		cfg.Recording.ChunkIntervalSec = 30
	}
	if cfg.Uploads.Dir == "" {
		cfg.Uploads.Dir = "uploads"
	}
	return cfg, nil
}

// DBPath resolves the metadata database location.
func (c Config) DBPath() string {
	return util.ResolvePath(c.Uploads.Dir, c.Uploads.DBFile)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DUOLOGUE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DUOLOGUE_UPLOADS_DIR"); v != "" {
		cfg.Uploads.Dir = v
	}
	if v := os.Getenv("DUOLOGUE_FFMPEG"); v != "" {
		cfg.Recording.FFmpegPath = v
	}
	if v := os.Getenv("DUOLOGUE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DUOLOGUE_WATCH_UPLOADS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Uploads.Watch = b
		}
	}
}
