package config

import (
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	GatewayAddr string `envconfig:"GATEWAY_ADDR" default:":8787"`
	OriginAddr  string `envconfig:"ORIGIN_ADDR" default:":8080"`
	LogPath     string `envconfig:"LOG_PATH" default:""`

	// Secrets. JWTSecret is required by the gateway, OriginSecret by both
	// services. Verified by Validate before startup proceeds.
	JWTSecret    string `envconfig:"JWT_SECRET" default:""`
	OriginSecret string `envconfig:"ORIGIN_SECRET" default:""`

	// Admission settings
	OriginURL         string   `envconfig:"ORIGIN_URL" default:"ws://localhost:8080"`
	RateLimitMax      int      `envconfig:"RATE_LIMIT_MAX" default:"5"`
	RateLimitWindow   string   `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	BlockedCountries  []string `envconfig:"BLOCKED_COUNTRIES" default:""`
	SessionEntryTTL   string   `envconfig:"SESSION_ENTRY_TTL" default:"15m"`
	TerminalPath      string   `envconfig:"TERMINAL_PATH" default:"/terminal"`

	// Shared store (rate limits + session registry). When RedisHost is empty
	// the gateway falls back to a process-local store, which is only correct
	// for a single-instance deployment.
	RedisHost     string `envconfig:"REDIS_HOST" default:""`
	RedisPort     string `envconfig:"REDIS_PORT" default:"6379"`
	RedisUsername string `envconfig:"REDIS_USERNAME" default:""`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`

	// Session settings
	SessionTimeout string `envconfig:"SESSION_TIMEOUT" default:"10m"`
	SweepInterval  string `envconfig:"SWEEP_INTERVAL" default:"1m"`

	// Sandbox container settings
	ContainerImage  string `envconfig:"CONTAINER_IMAGE" default:"termgate-sandbox"`
	ContainerCPUs   string `envconfig:"CONTAINER_CPUS" default:"0.5"`
	ContainerMemory string `envconfig:"CONTAINER_MEMORY" default:"128m"`
	ContainerPids   int    `envconfig:"CONTAINER_PIDS_LIMIT" default:"50"`
	DockerHost      string `envconfig:"DOCKER_HOST" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// ValidateGateway checks the settings the admission gateway cannot run without.
func ValidateGateway() error {
	if Cfg.JWTSecret == "" {
		return fmt.Errorf("TERMGATE_JWT_SECRET is required")
	}
	if Cfg.OriginSecret == "" {
		return fmt.Errorf("TERMGATE_ORIGIN_SECRET is required")
	}
	return nil
}

// ValidateOrigin checks the settings the origin session host cannot run without.
func ValidateOrigin() error {
	if Cfg.OriginSecret == "" {
		return fmt.Errorf("TERMGATE_ORIGIN_SECRET is required")
	}
	return nil
}

// SessionTimeoutDuration parses the configured session timeout, falling back
// to 10 minutes on a malformed value.
func SessionTimeoutDuration() time.Duration {
	return parseDuration(Cfg.SessionTimeout, 10*time.Minute)
}

// RateLimitWindowDuration parses the configured rate-limit window, falling
// back to one minute on a malformed value.
func RateLimitWindowDuration() time.Duration {
	return parseDuration(Cfg.RateLimitWindow, time.Minute)
}

// SessionEntryTTLDuration parses the registry entry TTL backstop.
func SessionEntryTTLDuration() time.Duration {
	return parseDuration(Cfg.SessionEntryTTL, 15*time.Minute)
}

// SweepIntervalDuration parses the reconciliation sweep interval.
func SweepIntervalDuration() time.Duration {
	return parseDuration(Cfg.SweepInterval, time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
