package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"peerchat/config"
	"peerchat/tracker"
)

func main() {
	addr := flag.String("addr", ":8000", "listen address for the tracker HTTP service")
	dataDir := flag.String("data", "", "data directory (defaults to the per-OS app dir)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("startup failed while creating logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	dir := *dataDir
	if dir == "" {
		dir, err = config.ResolveDataDir()
		if err != nil {
			log.Fatalf("startup failed while resolving data directory: %v", err)
		}
	}

	store, dbPath, err := tracker.Open(dir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()

	sweeper := tracker.NewSweeper(store, tracker.SweeperOptions{Logger: logger})
	server := tracker.NewServer(store, sweeper, logger)

	fmt.Printf("Listen Address:  %s\n", *addr)
	fmt.Printf("Database File:   %s\n", dbPath)
	fmt.Println("Status:          running (press Ctrl+C to stop)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		errs <- server.Start(*addr)
	}()

	select {
	case err := <-errs:
		if err != nil {
			log.Fatalf("tracker server failed: %v", err)
		}
	case <-ctx.Done():
	}

	fmt.Println("Status:          shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
