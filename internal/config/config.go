// Package config loads process configuration from the environment, with an
// optional .env file, and provides defaults suitable for local development.
// All values are fixed at process start; there is no runtime reconfiguration.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultBindAddr      = ":5001"
	defaultAPIAddr       = ":8080"
	defaultSocketTimeout = 5 * time.Second
	defaultSweepInterval = 30 * time.Second
	defaultIdleTimeout   = 120 * time.Second
	defaultSendBuffer    = 256
)

// Config holds server and client settings shared across the process.
type Config struct {
	BindAddr      string        // TCP signaling listen address
	APIAddr       string        // HTTP API / websocket gateway listen address
	SocketTimeout time.Duration // per-read deadline on client sockets
	SweepInterval time.Duration // how often idle connections are checked
	IdleTimeout   time.Duration // inactivity age after which a connection is evicted
	SendBuffer    int           // per-connection outbound queue capacity
	Audio         Audio
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present but is never required.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		BindAddr:      envOr("VL_BIND_ADDR", defaultBindAddr),
		APIAddr:       envOr("VL_API_ADDR", defaultAPIAddr),
		SocketTimeout: envDuration("VL_SOCKET_TIMEOUT", defaultSocketTimeout),
		SweepInterval: envDuration("VL_SWEEP_INTERVAL", defaultSweepInterval),
		IdleTimeout:   envDuration("VL_IDLE_TIMEOUT", defaultIdleTimeout),
		SendBuffer:    envInt("VL_SEND_BUFFER", defaultSendBuffer),
		Audio:         LoadAudio(),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("invalid %s=%s, fallback to default (%d)", key, v, def)
			return def
		}
		return i
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Printf("invalid %s=%s, fallback to default (%s)", key, v, def)
			return def
		}
		return d
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Printf("invalid %s=%s, fallback to default (%g)", key, v, def)
			return def
		}
		return f
	}
	return def
}
