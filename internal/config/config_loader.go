package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Marketen/participation-indexer/internal/application/domain"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Config holds runtime configuration for the participation indexer.
type Config struct {
	BeaconNodeURL string
	PollInterval  time.Duration

	StoreBackend string
	PostgresURL  string
	DBMaxConns   int32

	// FromEpoch is the resume point of the backfill.
	FromEpoch domain.Epoch
	// MaxEpoch bounds the backfill; nil means follow the chain forever.
	MaxEpoch *domain.Epoch

	LiveIngestion bool
	LiveWorkers   int
	LiveQueueSize int

	APIListenAddr     string
	MetricsListenAddr string
}

// Bounded reports whether the backfill stops at MaxEpoch.
func (c *Config) Bounded() bool {
	return c.MaxEpoch != nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	beaconURL := env("BEACON_NODE_URL", "")
	if beaconURL == "" {
		return nil, fmt.Errorf("BEACON_NODE_URL is required")
	}

	intervalStr := env("POLL_INTERVAL_SECONDS", "60")
	sec, err := strconv.Atoi(intervalStr)
	if err != nil || sec <= 0 {
		return nil, fmt.Errorf("invalid POLL_INTERVAL_SECONDS: %q", intervalStr)
	}

	backend := strings.ToLower(env("STORE_BACKEND", StoreBackendPostgres))
	if backend != StoreBackendPostgres && backend != StoreBackendMemory {
		return nil, fmt.Errorf("invalid STORE_BACKEND: %q (expected %q or %q)", backend, StoreBackendPostgres, StoreBackendMemory)
	}

	pgURL := env("POSTGRES_URL", "")
	if pgURL == "" {
		pgURL = postgresURL(
			env("DB_HOST", "localhost"),
			env("DB_PORT", "5432"),
			env("DB_USER", "postgres"),
			env("DB_PASSWORD", ""),
			env("DB_NAME", "participation"),
		)
	}

	maxConns, err := parseUint(env("DB_MAX_CONNS", "20"), "DB_MAX_CONNS")
	if err != nil {
		return nil, err
	}
	if maxConns == 0 {
		return nil, fmt.Errorf("DB_MAX_CONNS must be positive")
	}

	fromEpoch, err := parseUint(env("FROM_EPOCH", "0"), "FROM_EPOCH")
	if err != nil {
		return nil, err
	}

	var maxEpoch *domain.Epoch
	if s := env("MAX_EPOCH", ""); s != "" {
		n, err := parseUint(s, "MAX_EPOCH")
		if err != nil {
			return nil, err
		}
		e := domain.Epoch(n)
		maxEpoch = &e
	}
	if maxEpoch != nil && *maxEpoch < domain.Epoch(fromEpoch) {
		return nil, fmt.Errorf("MAX_EPOCH (%d) is lower than FROM_EPOCH (%d)", *maxEpoch, fromEpoch)
	}

	live, err := strconv.ParseBool(env("LIVE_INGESTION", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid LIVE_INGESTION: %w", err)
	}

	workers, err := parseUint(env("LIVE_WORKERS", "0"), "LIVE_WORKERS")
	if err != nil {
		return nil, err
	}
	queueSize, err := parseUint(env("LIVE_QUEUE_SIZE", "4096"), "LIVE_QUEUE_SIZE")
	if err != nil {
		return nil, err
	}

	return &Config{
		BeaconNodeURL:     beaconURL,
		PollInterval:      time.Duration(sec) * time.Second,
		StoreBackend:      backend,
		PostgresURL:       pgURL,
		DBMaxConns:        int32(maxConns),
		FromEpoch:         domain.Epoch(fromEpoch),
		MaxEpoch:          maxEpoch,
		LiveIngestion:     live,
		LiveWorkers:       int(workers),
		LiveQueueSize:     int(queueSize),
		APIListenAddr:     env("API_LISTEN_ADDR", ":8080"),
		MetricsListenAddr: env("METRICS_LISTEN_ADDR", ""),
	}, nil
}

func parseUint(s, name string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return n, nil
}

func postgresURL(host, port, user, password, database string) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + database,
	}
	if password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}
