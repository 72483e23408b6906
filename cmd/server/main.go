package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/akfldk1028/XRT-sub001/internal/agent"
	"github.com/akfldk1028/XRT-sub001/internal/audio"
	"github.com/akfldk1028/XRT-sub001/internal/config"
	"github.com/akfldk1028/XRT-sub001/internal/httpserver"
	"github.com/akfldk1028/XRT-sub001/internal/metrics"
	"github.com/akfldk1028/XRT-sub001/internal/realtime"
	"github.com/akfldk1028/XRT-sub001/internal/vision"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()
	if cfg.OpenAIKey == "" {
		log.Fatal("OPENAI_API_KEY is required")
	}

	met := metrics.New(prometheus.DefaultRegisterer)

	session := realtime.SessionConfig{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		Language:          cfg.Language,
		VADThreshold:      cfg.VADThreshold,
		SilenceDurationMs: cfg.SilenceDurationMs,
		PrefixPaddingMs:   cfg.PrefixPaddingMs,
	}

	streaming := realtime.NewClient(realtime.Config{
		APIKey:  cfg.OpenAIKey,
		Model:   cfg.RealtimeModel,
		Session: session,
	}, met)
	visionClient := vision.NewClient(cfg.OpenAIKey, cfg.VisionModel)

	// The websocket device bridge is both microphone source and speaker sink.
	bridge := httpserver.NewDeviceBridge()
	pipeline := audio.NewPipeline(bridge, bridge, streaming, met)

	orch := agent.NewOrchestrator(streaming, visionClient, pipeline, session, met)
	defer orch.Shutdown()

	srv := httpserver.New(context.Background(), orch, bridge)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}
