package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"foresight/sync/internal/config"
	"foresight/sync/internal/relay"
	"foresight/sync/internal/storage"
)

func main() {
	cfg := config.Load()

	var kv storage.KV
	var pinger relay.Pinger
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for card storage")
		redisKV, err := storage.NewRedisKV(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		kv = redisKV
		pinger = redisKV
	} else {
		log.Printf("REDIS_URL empty, card storage is in-memory only")
		kv = storage.NewMemoryKV()
	}
	defer kv.Close()

	store := relay.NewCardStore(kv)
	hub := relay.NewHub()
	httpServer := relay.NewHTTPServer(store, hub, pinger, cfg.CORSOrigin)

	// No Read/WriteTimeout: collaboration connections are long-lived.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Foresight sync relay listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
