package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"swcache/internal/swcache"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("SWCACHE_CONFIG", "/swcache.yaml"), "path to swcache.yaml")
	flag.Parse()

	cfg, err := swcache.LoadConfig(configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	logger, err := swcache.InitLogger(cfg)
	if err != nil {
		logrus.Fatalf("init logger: %v", err)
	}

	svc, err := swcache.NewService(cfg, logger)
	if err != nil {
		logger.Fatalf("init service: %v", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		logger.Errorf("start worker: %v", err)
		return
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Errorf("listen %s: %v", addr, err)
		return
	}

	h := svc.Handler()
	if cfg.Server.Mode == "forward" {
		h = svc.ForwardProxy()
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":    addr,
			"origin":  cfg.Server.Origin,
			"mode":    cfg.Server.Mode,
			"version": cfg.Worker.Version,
		}).Info("swcache listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
