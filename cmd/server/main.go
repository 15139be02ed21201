package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicelink/internal/config"
	"voicelink/internal/otelutil"
)

const (
	maxRestartAttempts = 5
	shutdownGrace      = 30 * time.Second
)

func main() {
	cfg := config.Load()

	if err := otelutil.Init(); err != nil {
		log.Printf("tracing disabled: %v", err)
	}
	defer otelutil.Flush()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Bounded restart-with-backoff: a crash of the serve loop restarts the
	// whole server a limited number of times before giving up.
	restarts := 0
	for {
		err := runOnce(cfg, sigChan)
		if err == nil {
			return // clean shutdown
		}

		restarts++
		if restarts >= maxRestartAttempts {
			log.Fatalf("server failed after %d restarts: %v", restarts, err)
		}
		wait := time.Duration(1<<restarts) * time.Second
		log.Printf("server crashed: %v; restart %d/%d in %s", err, restarts, maxRestartAttempts, wait)
		time.Sleep(wait)
	}
}

// runOnce builds and runs one server instance until a signal arrives (nil)
// or the server fails (error).
func runOnce(cfg config.Config, sigChan <-chan os.Signal) error {
	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: s.buildRouter(),
	}

	httpErr := make(chan error, 1)
	go func() {
		log.Printf("http api listening on %s", cfg.APIAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	select {
	case <-sigChan:
		log.Println("shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
		s.Stop()
		log.Println("shutdown complete")
		return nil

	case err := <-httpErr:
		s.Stop()
		return err
	}
}
