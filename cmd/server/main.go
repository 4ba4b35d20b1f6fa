package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/api"
	"chatcore/internal/auth"
	"chatcore/internal/config"
	"chatcore/internal/database"
	"chatcore/internal/message"
	"chatcore/internal/presence"
	"chatcore/internal/server"
	"chatcore/internal/stats"
)

var dev = flag.Bool("dev", false, "enable development logging")

func main() {
	flag.Parse()

	zapLogger, err := newLogger(*dev)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer zapLogger.Sync()
	logger := zapLogger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalw("load config", "error", err)
	}

	store, err := database.Open(cfg.DatabasePath, logger, cfg.WriterQueueSize)
	if err != nil {
		logger.Fatalw("open database", "error", err)
	}
	go store.Writer().Run()

	mux := http.NewServeMux()

	statsUpdater := stats.NewUpdater(mux)
	statsUpdater.RegisterMetric(stats.ActiveConnections)
	statsUpdater.RegisterMetric(stats.LoadedRooms)
	statsUpdater.RegisterMetric(stats.MessagesCreated)
	statsUpdater.RegisterMetric(stats.DuplicateDeliveries)
	statsUpdater.RegisterGauge("WriterQueueDepth", func() any {
		return store.Writer().Depth()
	})
	statsUpdater.Run()

	authSvc := auth.NewService(logger, store, cfg.SessionTTL)
	msgSvc := message.NewService(logger, store)

	chatServer := server.NewChatServer(logger, store, msgSvc, statsUpdater, server.Config{
		Heartbeat:      cfg.HeartbeatInterval,
		ReplayWindow:   cfg.ReplayWindow,
		SendBufferSize: cfg.SendBufferSize,
	})

	tracker := presence.NewTracker(logger, store, chatServer, cfg.HeartbeatInterval)
	chatServer.SetPresence(tracker)
	statsUpdater.RegisterGauge("PresenceEntries", func() any {
		return tracker.Entries()
	})

	go tracker.Run()
	go chatServer.Run()

	app := api.NewApp(logger, mux, chatServer, store, authSvc, msgSvc, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Infow("received signal", "signal", sig.String())
	case err := <-errCh:
		logger.Errorw("http server", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// stop accepting work from the outside in: HTTP first, then the chat
	// server and presence tracker, and the writer last so every queued
	// mutation still commits
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("http server shutdown", "error", err)
	}

	chatServer.Shutdown()
	tracker.Stop()
	statsUpdater.Stop()

	if err := store.Writer().Close(shutdownCtx); err != nil {
		logger.Errorw("writer shutdown", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.Errorw("close database", "error", err)
	}

	logger.Info("shutdown complete")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
