package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyallcooper/hardlinker/internal/app"
	"github.com/lyallcooper/hardlinker/internal/logging"
)

// Set at build time via -ldflags
var (
	version = "dev"
	commit  = ""
)

func main() {
	port := flag.Int("port", 0, "port to listen on (overrides HARDLINKER_PORT)")
	bind := flag.String("bind", "", "address to bind to")
	flag.Parse()

	server, err := app.CreateServer(app.ServerConfig{
		Port:        *port,
		Version:     version,
		Commit:      commit,
		BindAddress: *bind,
	})
	if err != nil {
		logging.New("info", "text").WithError(err).Fatal("failed to start")
	}
	defer server.Cleanup()

	log := logging.Component(server.Log, "server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleanupDone := server.Start(ctx)

	go func() {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.HTTP.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("shutdown error")
		}
	}()

	log.WithField("addr", server.HTTP.Addr).Info("server listening")
	if err := server.HTTP.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("server error")
		stop()
		<-cleanupDone
		server.Cleanup()
		os.Exit(1)
	}

	<-cleanupDone
	log.Info("server stopped")
}
