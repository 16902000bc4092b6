// Package config loads node configuration from the environment, an optional
// .env file and an optional YAML file.
package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"meshledger/internal/database"
	"meshledger/internal/events"
	"meshledger/internal/identity"
	"meshledger/internal/ledger"
	"meshledger/internal/replication"
)

const (
	DefaultEnvPrefix = "MESHLEDGER_"
	MinPort          = 1024
	MaxPort          = 65535
)

// Config represents the node configuration
type Config struct {
	// Network configuration
	Host       string
	Port       uint16 // HTTP API, metrics and websocket
	GRPCPort   uint16 // gRPC health service
	ListenAddr string
	Version    string
	// Constraint the X-Api-Version request header must satisfy
	APIVersion string

	// Logging
	LogLevel  string
	LogFormat string // text or json

	// Ledger
	Owner       string
	Operators   []string // addresses granted every privileged operation
	MinimumBond string   // base units
	SS58Prefix  uint16

	// Request authentication and throttling
	SignatureTolerance time.Duration
	RateLimit          float64 // requests per second per caller
	RateBurst          int
	// Browser origins allowed to open the event stream besides the serving
	// host; "*" allows any
	AllowedOrigins []string

	// Database configuration; empty URL keeps state in memory only
	DatabaseURL string
	Database    DatabaseConfig

	NATS NATSConfig
	Raft RaftConfig

	ShutdownTimeout time.Duration
}

// DatabaseConfig represents database pool configuration
type DatabaseConfig struct {
	MaxConns    int
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

// NATSConfig controls event publishing and payout instructions
type NATSConfig struct {
	URL           string // empty disables NATS
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
	FileStorage   bool
	// Payouts sends payouts to JetStream instead of the in-process credit book
	Payouts bool
	// How often payouts the stream did not acknowledge are retried
	PayoutRetry time.Duration
	// Events queued for publishing before new ones are dropped
	Backlog int
}

// RaftConfig controls command replication
type RaftConfig struct {
	Enabled      bool
	NodeID       string
	BindAddr     string
	DataDir      string
	Bootstrap    bool
	Peers        []string
	ApplyTimeout time.Duration
}

// DefaultDatabaseConfig returns the default database pool configuration
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		MaxConns:    10,
		MaxIdleTime: time.Minute * 3,
		HealthCheck: time.Second * 30,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < MinPort || c.GRPCPort < MinPort {
		return fmt.Errorf("ports must be between %d and %d", MinPort, MaxPort)
	}
	if c.Port == c.GRPCPort {
		return fmt.Errorf("HTTP and gRPC ports must differ")
	}
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := version.NewVersion(c.Version); err != nil {
		return fmt.Errorf("invalid version %q: %w", c.Version, err)
	}
	if c.APIVersion != "" {
		if _, err := version.NewConstraint(c.APIVersion); err != nil {
			return fmt.Errorf("invalid API version constraint %q: %w", c.APIVersion, err)
		}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log format must be text or json, got %q", c.LogFormat)
	}

	// callers authenticate under SS58Prefix, so privileged addresses must
	// be of the same network
	if c.SS58Prefix > 63 {
		return fmt.Errorf("SS58 prefix must be at most 63")
	}
	if err := ValidateSS58Address(c.Owner, c.SS58Prefix); err != nil {
		return fmt.Errorf("invalid owner: %w", err)
	}
	for _, op := range c.Operators {
		if err := ValidateSS58Address(op, c.SS58Prefix); err != nil {
			return fmt.Errorf("invalid operator %q: %w", op, err)
		}
	}
	bond, err := ledger.ParseAmount(c.MinimumBond)
	if err != nil {
		return fmt.Errorf("invalid minimum bond: %w", err)
	}
	if bond.IsZero() {
		return fmt.Errorf("minimum bond must be greater than 0")
	}

	if c.SignatureTolerance <= 0 {
		return fmt.Errorf("signature tolerance must be positive")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.RateBurst <= 0 {
		return fmt.Errorf("rate burst must be positive")
	}

	if c.DatabaseURL != "" && c.Database.MaxConns <= 0 {
		return fmt.Errorf("invalid max connections: %d", c.Database.MaxConns)
	}

	if c.NATS.Payouts && c.NATS.URL == "" {
		return fmt.Errorf("NATS payouts need a NATS URL")
	}
	if c.NATS.URL != "" && (c.NATS.Stream == "" || c.NATS.SubjectPrefix == "") {
		return fmt.Errorf("NATS stream and subject prefix are required")
	}
	if c.NATS.Payouts && c.NATS.PayoutRetry <= 0 {
		return fmt.Errorf("payout retry interval must be positive")
	}

	if c.Raft.Enabled {
		if c.DatabaseURL != "" {
			return fmt.Errorf("raft replication and database persistence are mutually exclusive")
		}
		if c.NATS.Payouts {
			return fmt.Errorf("replicated ledgers must pay into the credit book")
		}
		if c.Raft.NodeID == "" {
			return fmt.Errorf("raft node ID is required")
		}
		if _, _, err := net.SplitHostPort(c.Raft.BindAddr); err != nil {
			return fmt.Errorf("invalid raft bind address: %w", err)
		}
		if c.Raft.DataDir == "" {
			return fmt.Errorf("raft data dir is required")
		}
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	return nil
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	loader := NewEnvLoader(DefaultEnvPrefix)
	loader.LoadAll()
	if path := loader.GetString("CONFIG_FILE", ""); path != "" {
		if err := loader.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	var err error

	// Network configuration
	cfg.Host = loader.GetString("HOST", "0.0.0.0")
	if cfg.Port, err = loader.GetUint16("PORT", 8080); err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}
	if cfg.GRPCPort, err = loader.GetUint16("GRPC_PORT", 9090); err != nil {
		return nil, fmt.Errorf("invalid gRPC port: %w", err)
	}
	cfg.ListenAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
	cfg.Version = loader.GetString("VERSION", "1.0.0")
	cfg.APIVersion = loader.GetString("API_VERSION", ">= 1.0, < 2.0")

	cfg.LogLevel = loader.GetString("LOG_LEVEL", "info")
	cfg.LogFormat = loader.GetString("LOG_FORMAT", "text")

	// Ledger
	if cfg.Owner, err = loader.Required("OWNER"); err != nil {
		return nil, err
	}
	cfg.Operators = loader.GetStringSlice("OPERATORS")
	cfg.MinimumBond = loader.GetString("MINIMUM_BOND", ledger.DefaultMinimumBond.Dec())
	if cfg.SS58Prefix, err = loader.GetUint16("SS58_PREFIX", uint16(identity.GenericPrefix)); err != nil {
		return nil, fmt.Errorf("invalid SS58 prefix: %w", err)
	}

	if cfg.SignatureTolerance, err = loader.GetDuration("SIGNATURE_TOLERANCE", identity.DefaultTolerance); err != nil {
		return nil, fmt.Errorf("invalid signature tolerance: %w", err)
	}
	if cfg.RateLimit, err = loader.GetFloat64("RATE_LIMIT", 10); err != nil {
		return nil, fmt.Errorf("invalid rate limit: %w", err)
	}
	if cfg.RateBurst, err = loader.GetInt("RATE_BURST", 20); err != nil {
		return nil, fmt.Errorf("invalid rate burst: %w", err)
	}
	cfg.AllowedOrigins = loader.GetStringSlice("ALLOWED_ORIGINS")

	// Database configuration
	cfg.DatabaseURL = loader.GetString("DATABASE_URL", "")
	cfg.Database = DefaultDatabaseConfig()
	if cfg.Database.MaxConns, err = loader.GetInt("DATABASE_MAX_CONNS", cfg.Database.MaxConns); err != nil {
		return nil, fmt.Errorf("invalid database max conns: %w", err)
	}
	if cfg.Database.MaxIdleTime, err = loader.GetDuration("DATABASE_MAX_IDLE_TIME", cfg.Database.MaxIdleTime); err != nil {
		return nil, fmt.Errorf("invalid database max idle time: %w", err)
	}
	if cfg.Database.HealthCheck, err = loader.GetDuration("DATABASE_HEALTH_CHECK", cfg.Database.HealthCheck); err != nil {
		return nil, fmt.Errorf("invalid database health check: %w", err)
	}

	// NATS
	cfg.NATS.URL = loader.GetString("NATS_URL", "")
	cfg.NATS.Stream = loader.GetString("NATS_STREAM", "LEDGER")
	cfg.NATS.SubjectPrefix = loader.GetString("NATS_SUBJECT_PREFIX", "ledger")
	if cfg.NATS.MaxAge, err = loader.GetDuration("NATS_MAX_AGE", 7*24*time.Hour); err != nil {
		return nil, fmt.Errorf("invalid NATS max age: %w", err)
	}
	cfg.NATS.FileStorage = loader.GetBool("NATS_FILE_STORAGE", true)
	cfg.NATS.Payouts = loader.GetBool("NATS_PAYOUTS", false)
	if cfg.NATS.PayoutRetry, err = loader.GetDuration("NATS_PAYOUT_RETRY", 30*time.Second); err != nil {
		return nil, fmt.Errorf("invalid NATS payout retry: %w", err)
	}
	if cfg.NATS.Backlog, err = loader.GetInt("NATS_BACKLOG", 1024); err != nil {
		return nil, fmt.Errorf("invalid NATS backlog: %w", err)
	}

	// Raft
	cfg.Raft.Enabled = loader.GetBool("RAFT_ENABLED", false)
	cfg.Raft.NodeID = loader.GetString("RAFT_NODE_ID", "")
	cfg.Raft.BindAddr = loader.GetString("RAFT_BIND_ADDR", "127.0.0.1:7000")
	cfg.Raft.DataDir = loader.GetString("RAFT_DATA_DIR", filepath.Join("data", "raft"))
	cfg.Raft.Bootstrap = loader.GetBool("RAFT_BOOTSTRAP", false)
	cfg.Raft.Peers = loader.GetStringSlice("RAFT_PEERS")
	if cfg.Raft.ApplyTimeout, err = loader.GetDuration("RAFT_APPLY_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid raft apply timeout: %w", err)
	}

	if cfg.ShutdownTimeout, err = loader.GetDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, fmt.Errorf("invalid shutdown timeout: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ToDBConfig converts the database settings to a database.Config
func (c *Config) ToDBConfig() database.Config {
	return database.Config{
		URL:         c.DatabaseURL,
		MaxConns:    int32(c.Database.MaxConns),
		MaxIdleTime: c.Database.MaxIdleTime,
		HealthCheck: c.Database.HealthCheck,
	}
}

// ToEventsConfig converts the NATS settings to an events.Config
func (c *Config) ToEventsConfig() events.Config {
	storage := nats.MemoryStorage
	if c.NATS.FileStorage {
		storage = nats.FileStorage
	}
	return events.Config{
		URL:             c.NATS.URL,
		Stream:          c.NATS.Stream,
		SubjectPrefix:   c.NATS.SubjectPrefix,
		MaxAge:          c.NATS.MaxAge,
		StorageType:     storage,
		DuplicateWindow: 10 * time.Minute,
		Backlog:         c.NATS.Backlog,
	}
}

// ToRaftConfig converts the raft settings to a replication.Config
func (c *Config) ToRaftConfig() replication.Config {
	return replication.Config{
		NodeID:       c.Raft.NodeID,
		BindAddr:     c.Raft.BindAddr,
		DataDir:      c.Raft.DataDir,
		Bootstrap:    c.Raft.Bootstrap,
		Peers:        c.Raft.Peers,
		ApplyTimeout: c.Raft.ApplyTimeout,
		LogLevel:     c.LogLevel,
	}
}
