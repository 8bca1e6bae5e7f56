package main

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"corkboard/api/internal/app"
	"corkboard/api/internal/config"
	"corkboard/api/internal/realtime"
	"corkboard/api/internal/store"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}

	var rdb *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("invalid redis url")
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		defer rdb.Close()
		log.Info("realtime events bridged over redis")
	} else {
		log.Info("no redis url configured, realtime events stay in-process")
	}

	hub := realtime.NewHub(rdb, log)
	defer hub.Close()

	dataStore := store.NewPostgresStore(db)
	service := app.New(cfg, dataStore, hub, log)
	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin, log)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if rdb != nil {
		group.Go(func() error {
			err := hub.RunBridge(groupCtx, rdb)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	group.Go(func() error {
		log.WithField("addr", cfg.Addr).Info("corkboard api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}
