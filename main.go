package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"catalog-proxy-go/config"
	"catalog-proxy-go/logcolors"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

func init() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)
}

func setLogLevel(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("%s Unknown LOG_LEVEL %q, using info", logcolors.LogConfig, level)
		return
	}
	log.SetLevel(lvl)
}

func newRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  cfg.RedisTimeout(),
		WriteTimeout: cfg.RedisTimeout(),
	})
}

func main() {
	cfg := config.Get()
	setLogLevel(cfg.Server.LogLevel)

	a, err := newApp(cfg, newRedisClient(cfg))
	if err != nil {
		log.Fatalf("%s Startup failed: %v", logcolors.LogServer, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.start(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("%s Listening on port %s", logcolors.LogServer, cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	a.bus.PublishServerStarted(cfg.Server.Port, a.upstreamNames())

	select {
	case <-ctx.Done():
		log.Infof("%s Shutting down", logcolors.LogServer)
	case err := <-serveErr:
		log.Errorf("%s Server failed: %v", logcolors.LogServer, err)
		a.bus.PublishServerStartupFailed("http", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSecs)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("%s Graceful shutdown incomplete: %v", logcolors.LogServer, err)
	}
	a.close()
	log.Infof("%s Stopped", logcolors.LogServer)
}
