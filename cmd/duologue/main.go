// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	logging "github.com/ipfs/go-log/v2"

	"github.com/duologue/duologue/internal/chunkstore"
	"github.com/duologue/duologue/internal/config"
	"github.com/duologue/duologue/internal/server"
	"github.com/duologue/duologue/internal/storage"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgPath  = flag.String("config", "duologue.json", "Path to configuration file")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Duologue v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	// Environment overrides may come from a .env next to the binary.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if lvl, err := logging.LevelFromString(cfg.Log.Level); err == nil {
		logging.SetAllLoggers(lvl)
	}

	if err := run(cfg); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	if err := os.MkdirAll(cfg.Uploads.Dir, 0o755); err != nil {
		return fmt.Errorf("create uploads dir: %w", err)
	}

	var combiner chunkstore.Combiner
	if cfg.Recording.FFmpegPath != "" {
		combiner = &chunkstore.FFmpeg{Path: cfg.Recording.FFmpegPath}
	} else {
		combiner = &chunkstore.WavCombiner{}
	}

	store, err := chunkstore.New(cfg.Uploads.Dir, combiner)
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}
	defer store.Close()

	if cfg.Uploads.Watch {
		if err := store.Watch(); err != nil {
			log.Warnf("uploads watcher disabled: %v", err)
		}
	}

	db, err := storage.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open session db: %w", err)
	}
	defer db.Close()

	srv := server.New(server.Options{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Store:          store,
		DB:             db,
	})

	printBanner(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Infof("shutting down")
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	return srv.Shutdown(shutCtx)
}

func showUsage() {
	fmt.Println("Duologue - two-party conversation recorder")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  duologue [-config duologue.json]   Run the room and upload server")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config   Path to the JSON configuration file")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  DUOLOGUE_ADDR           Listen address override")
	fmt.Println("  DUOLOGUE_UPLOADS_DIR    Uploads directory override")
	fmt.Println("  DUOLOGUE_FFMPEG         ffmpeg binary path (empty uses built-in combiner)")
	fmt.Println("  DUOLOGUE_LOG_LEVEL      debug, info, warn or error")
	fmt.Println("  DUOLOGUE_WATCH_UPLOADS  Enable or disable the uploads watcher")
}

func printBanner(cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Duologue Server                     ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Listen Address: %s\n", cfg.Server.Addr)
	fmt.Printf("Uploads Dir:    %s\n", mustAbs(cfg.Uploads.Dir))
	fmt.Printf("Session DB:     %s\n", mustAbs(cfg.DBPath()))
	if cfg.Recording.FFmpegPath != "" {
		fmt.Printf("Combiner:       ffmpeg (%s)\n", cfg.Recording.FFmpegPath)
	} else {
		fmt.Println("Combiner:       built-in WAV")
	}
	fmt.Println()
	fmt.Println("Starting server... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
