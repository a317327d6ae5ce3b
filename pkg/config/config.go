package config

import (
	"os"
	"strconv"
)

// Config holds node configuration.
type Config struct {
	LogLevel string

	// StoreURL selects the ledger backend: "memory", a postgres:// URL, or
	// a filesystem path for sqlite.
	StoreURL string

	// RedisURL enables the redis event sink when set.
	RedisURL     string
	RedisChannel string

	// CommitteeFile points at the committee definition JSON.
	CommitteeFile string

	// OTLPEndpoint enables OpenTelemetry export when set, e.g.
	// "localhost:4317".
	OTLPEndpoint   string
	OTLPInsecure   bool
	OTLPSampleRate float64

	SnapshotEvery uint64
	EmissionCap   uint64
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	storeURL := os.Getenv("STORE_URL")
	if storeURL == "" {
		storeURL = "memory"
	}

	redisChannel := os.Getenv("REDIS_CHANNEL")
	if redisChannel == "" {
		redisChannel = "poc.ledger.events"
	}

	snapshotEvery := uint64(100)
	if v := os.Getenv("SNAPSHOT_EVERY"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			snapshotEvery = n
		}
	}

	sampleRate := 1.0
	if v := os.Getenv("OTLP_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			sampleRate = f
		}
	}

	emissionCap := uint64(0)
	if v := os.Getenv("EMISSION_CAP"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			emissionCap = n
		}
	}

	return &Config{
		LogLevel:       logLevel,
		StoreURL:       storeURL,
		RedisURL:       os.Getenv("REDIS_URL"),
		RedisChannel:   redisChannel,
		CommitteeFile:  os.Getenv("COMMITTEE_FILE"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:   os.Getenv("OTLP_INSECURE") == "true",
		OTLPSampleRate: sampleRate,
		SnapshotEvery:  snapshotEvery,
		EmissionCap:    emissionCap,
	}
}
