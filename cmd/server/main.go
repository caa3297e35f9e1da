package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/js0980420/syncroom/internal/api"
	"github.com/js0980420/syncroom/internal/config"
	"github.com/js0980420/syncroom/internal/room"
	"github.com/js0980420/syncroom/internal/store"
	"github.com/js0980420/syncroom/internal/ws"
)

func main() {
	cfg := config.Load()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize store")
	}
	defer st.Close()

	registry := room.NewRegistry(st)

	janitor := room.NewJanitor(registry, room.JanitorConfig{
		Interval:       cfg.ReapInterval,
		PresenceWindow: cfg.PresenceWindow,
		RoomTTL:        cfg.RoomTTL,
	})
	janitor.Start()

	hub := ws.NewHub(registry)
	go hub.Run()

	handler := api.New(registry, st, hub, api.Config{
		PresenceWindow: cfg.PresenceWindow,
		CursorWindow:   cfg.CursorWindow,
		ChatPageSize:   cfg.ChatPageSize,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"addr": srv.Addr,
			"db":   cfg.DBPath,
		}).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logrus.WithField("signal", sig.String()).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("forced shutdown")
	}

	janitor.Stop()
	logrus.Info("server exited")
}
