package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"peerchat/api"
	"peerchat/config"
)

func main() {
	username := flag.String("username", "", "chat identity (defaults to the configured username)")
	apiPort := flag.Int("api-port", 0, "UI API port (defaults to the configured api_port)")
	trackerURL := flag.String("tracker", "", "tracker base URL (defaults to the configured tracker_url)")
	enableLAN := flag.Bool("lan", true, "announce and browse peers on the local network via mDNS")
	flag.Parse()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	if *username != "" {
		cfg.Username = *username
	}
	if *apiPort > 0 {
		cfg.APIPort = *apiPort
	}
	if *trackerURL != "" {
		cfg.TrackerURL = *trackerURL
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("startup failed while creating logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	server, err := api.NewServer(api.Options{
		Config:    cfg,
		Logger:    logger,
		EnableLAN: *enableLAN,
	})
	if err != nil {
		log.Fatalf("startup failed while creating api server: %v", err)
	}

	addr := ":" + strconv.Itoa(cfg.APIPort)
	fmt.Printf("Username:        %s\n", cfg.Username)
	fmt.Printf("Tracker URL:     %s\n", cfg.TrackerURL)
	fmt.Printf("API Address:     http://localhost%s\n", addr)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Println("Status:          running (press Ctrl+C to stop)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		errs <- server.Start(addr)
	}()

	select {
	case err := <-errs:
		if err != nil {
			log.Fatalf("api server failed: %v", err)
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
