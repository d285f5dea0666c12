// Package app provides the application wiring shared by the server and
// CLI entry points.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/lyallcooper/hardlinker/internal/config"
	"github.com/lyallcooper/hardlinker/internal/db"
	"github.com/lyallcooper/hardlinker/internal/dedup"
	"github.com/lyallcooper/hardlinker/internal/handlers"
	"github.com/lyallcooper/hardlinker/internal/logging"
	"github.com/lyallcooper/hardlinker/internal/scheduler"
	"github.com/lyallcooper/hardlinker/internal/services"
)

// ServerConfig contains options for creating the application server.
type ServerConfig struct {
	// Port to listen on. If 0, uses config default.
	Port int

	// Version string for display.
	Version string

	// Commit hash for display.
	Commit string

	// BindAddress is the address to bind to. Defaults to "" (all interfaces).
	BindAddress string
}

// Server wraps the HTTP server and associated resources.
type Server struct {
	HTTP      *http.Server
	Config    *config.Config
	Database  *db.DB
	Engine    *dedup.Engine
	Scanner   *services.Scanner
	Scheduler *scheduler.Scheduler
	Handlers  *handlers.Handler
	Log       *logrus.Logger
}

// NewEngine builds a dedup engine over the real filesystem from cfg
func NewEngine(cfg *config.Config, log *logrus.Logger) *dedup.Engine {
	return dedup.New(dedup.Options{
		Fs:              afero.NewOsFs(),
		LinkFS:          dedup.OSLinkFS{},
		HashWorkers:     cfg.HashWorkers,
		PrefixCheck:     cfg.PrefixCheck,
		MinSize:         cfg.MinSize,
		ExcludePatterns: cfg.ExcludePatterns,
		Logger:          logging.Component(log, "engine"),
	})
}

// CreateServer initializes all application components and returns a Server.
// Call Server.Start to begin background work and Server.Cleanup when done.
func CreateServer(cfg ServerConfig) (*Server, error) {
	appCfg := config.Load()
	if cfg.Port > 0 {
		appCfg.Port = cfg.Port
	}

	logger := logging.New(appCfg.LogLevel, appCfg.LogFormat)
	log := logging.Component(logger, "app")

	log.WithFields(logrus.Fields{
		"db":           appCfg.DBPath,
		"port":         appCfg.Port,
		"hash_workers": appCfg.HashWorkers,
		"min_size":     humanize.Bytes(uint64(appCfg.MinSize)),
		"prefix_check": appCfg.PrefixCheck,
	}).Info("hardlinker starting")

	database, err := db.Open(appCfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if n, err := database.FailInterruptedRuns(); err != nil {
		log.WithError(err).Warn("failed to mark interrupted runs")
	} else if n > 0 {
		log.WithField("count", n).Warn("marked interrupted runs as failed")
	}

	engine := NewEngine(appCfg, logger)
	entry := logrus.NewEntry(logger)
	scanner := services.NewScanner(database, engine, appCfg.ScanTimeout, entry)
	sched := scheduler.New(database, scanner, appCfg.AllowProtected, entry)

	versionStr := buildVersionString(cfg.Version, cfg.Commit)
	h := handlers.New(database, appCfg, scanner, versionStr, entry)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.BindAddress, appCfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // No timeout for SSE
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		HTTP:      server,
		Config:    appCfg,
		Database:  database,
		Engine:    engine,
		Scanner:   scanner,
		Scheduler: sched,
		Handlers:  h,
		Log:       logger,
	}, nil
}

// Start recovers leftovers when configured and starts the scheduler and
// the CSRF and retention loops. Background loops stop when ctx is done.
func (s *Server) Start(ctx context.Context) <-chan struct{} {
	log := logging.Component(s.Log, "app")

	if s.Config.RecoverOnStart {
		for _, root := range s.Config.AllowedPaths {
			res, err := s.Scanner.Recover(ctx, root)
			if err != nil {
				log.WithError(err).WithField("root", root).Warn("startup recovery failed")
				continue
			}
			log.WithFields(logrus.Fields{
				"root":     root,
				"restored": len(res.Restored),
				"manual":   len(res.Manual),
				"failed":   len(res.Failed),
			}).Info("startup recovery finished")
		}
	}

	s.Scheduler.Start()
	s.Handlers.StartCSRFCleanup(ctx)
	return s.startCleanupLoop(ctx, 24*time.Hour)
}

// Cleanup releases all resources held by the server.
func (s *Server) Cleanup() {
	if s.Scheduler != nil {
		s.Scheduler.Stop()
	}
	if s.Database != nil {
		s.Database.Close()
	}
}

// retentionDays is the stored preference, or the configured default
func (s *Server) retentionDays() int {
	return s.Database.LoadSettings(db.Settings{RetentionDays: s.Config.RetentionDays}).RetentionDays
}

// startCleanupLoop periodically removes old runs and actions. The returned
// channel is closed once the loop exits.
func (s *Server) startCleanupLoop(ctx context.Context, every time.Duration) <-chan struct{} {
	done := make(chan struct{})
	log := logging.Component(s.Log, "cleanup")

	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				days := s.retentionDays()
				log.WithField("retention_days", days).Info("running cleanup")
				if err := s.Database.CleanupOldData(days); err != nil {
					log.WithError(err).Error("cleanup failed")
				}
			}
		}
	}()

	return done
}

func buildVersionString(version, commit string) string {
	if version == "" {
		version = "dev"
	}
	if strings.HasPrefix(version, "v") {
		return version
	}
	shortCommit := commit
	if len(shortCommit) > 7 {
		shortCommit = shortCommit[:7]
	}
	if shortCommit == "" {
		shortCommit = "unknown"
	}
	return version + "-" + shortCommit
}
