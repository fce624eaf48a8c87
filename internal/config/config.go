package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server     ServerConfig     `toml:"server"`     // HTTP server settings
	Relay      RelayConfig      `toml:"relay"`      // Position relay and broadcast settings
	Tracks     TracksConfig     `toml:"tracks"`     // Track history retention and simplification
	Storage    StorageConfig    `toml:"storage"`    // Durable track storage settings
	Logging    LoggingConfig    `toml:"logging"`    // Application logging settings
	Simulation SimulationConfig `toml:"simulation"` // Simulated traffic settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                   // HTTP port for the server
	Host               string   `toml:"host"`                   // Host address to bind to (0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`   // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`   // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"`  // Maximum duration for writing the response (0 = no timeout, required for websockets)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`   // Maximum duration to wait for the next request when keep-alives are enabled
	StaticFilesDir     string   `toml:"static_files_dir"`       // Directory to serve the radar UI from (optional)
	AdminToken         string   `toml:"admin_token"`            // Shared secret for admin endpoints (empty disables them)
	IngestRatePerSec   float64  `toml:"ingest_rate_per_second"` // Global rate limit for HTTP position reports
	IngestBurst        int      `toml:"ingest_burst"`           // Burst size for HTTP position reports
}

// RelayConfig contains settings for the aircraft registry, session hub and broadcast pipeline
type RelayConfig struct {
	LivenessTimeoutSecs   int     `toml:"liveness_timeout_seconds"`   // Silence after which an aircraft is swept (default: 30)
	SweepIntervalSecs     int     `toml:"sweep_interval_seconds"`     // How often the liveness sweep runs (default: 5)
	FlushIntervalMs       int     `toml:"flush_interval_ms"`          // Batched update flush period (default: 100)
	MaxPendingUpdates     int     `toml:"max_pending_updates"`        // Bound on coalesced updates awaiting flush; oldest dropped first
	ClientSendBuffer      int     `toml:"client_send_buffer"`         // Outbound frame buffer per websocket client
	HistoryChunkSize      int     `toml:"history_chunk_size"`         // Points per aircraft_track_history page (default: 200)
	ClearHistoryOnTimeout bool    `toml:"clear_history_on_timeout"`   // Whether the liveness sweep also erases history
	AllowCallsignIdentity bool    `toml:"allow_callsign_identity"`    // Fall back to callsign when no explicit id or user id is supplied
	MagneticHeading       bool    `toml:"magnetic_heading"`           // Derive magnetic heading from WMM declination
	MessagesPerSecond     float64 `toml:"client_messages_per_second"` // Inbound message rate per websocket client
	MessageBurst          int     `toml:"client_message_burst"`       // Inbound message burst per websocket client
}

// TracksConfig contains settings for track history retention and simplification
type TracksConfig struct {
	RetentionHours        int `toml:"retention_hours"`                // Maximum age of a track point (default: 12)
	PruneIntervalHours    int `toml:"prune_interval_hours"`           // How often retention pruning runs (default: 6)
	HistoryWindowHours    int `toml:"history_window_hours"`           // Window of history sent to observers (default: retention)
	MinPoints             int `toml:"min_points"`                     // Smallest simplified history budget
	MaxPoints             int `toml:"max_points"`                     // Largest simplified history budget
	PointsPerMinute       int `toml:"points_per_minute"`              // Budget growth with track span
	MaxStoredPerAircraft  int `toml:"max_stored_points_per_aircraft"` // In-memory raw points kept per aircraft; oldest dropped first
	WriteQueueSize        int `toml:"write_queue_size"`               // Pending storage writes before new ones are dropped
	WriteBatchSize        int `toml:"write_batch_size"`               // Points persisted per storage transaction
	HistoryCacheSize      int `toml:"history_cache_size"`             // Simplified histories kept in the LRU cache
	StorageRetryAttempts  int `toml:"storage_retry_attempts"`         // Retries for a failed storage write
	StorageRetryInitialMs int `toml:"storage_retry_initial_ms"`       // Initial backoff between storage retries
}

// StorageConfig contains durable storage configuration
type StorageConfig struct {
	Type       string         `toml:"type"`        // "sqlite", "postgres" or "memory"
	SQLitePath string         `toml:"sqlite_path"` // SQLite database file
	Postgres   PostgresConfig `toml:"postgres"`    // PostgreSQL connection settings
}

// PostgresConfig contains PostgreSQL connection settings
type PostgresConfig struct {
	URL          string `toml:"url"`            // Full connection string; overrides the individual fields
	Host         string `toml:"host"`           // Database host
	Port         int    `toml:"port"`           // Database port
	Username     string `toml:"username"`       // Database user
	Password     string `toml:"password"`       // Database password
	Database     string `toml:"database"`       // Database name
	SSLMode      string `toml:"ssl_mode"`       // disable, require, verify-full
	MaxOpenConns int    `toml:"max_open_conns"` // Connection pool size
	MaxIdleConns int    `toml:"max_idle_conns"` // Idle connections kept in the pool
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level      string `toml:"level"`        // Log level: "debug", "info", "warn", or "error"
	Format     string `toml:"format"`       // Log format: "json" (structured) or "console" (human-readable)
	File       string `toml:"file"`         // Optional rotating log file
	MaxSizeMB  int    `toml:"max_size_mb"`  // Rotate after this many megabytes
	MaxBackups int    `toml:"max_backups"`  // Rotated files to keep
	MaxAgeDays int    `toml:"max_age_days"` // Days to keep rotated files
}

// SimulationConfig contains settings for server-side simulated aircraft
type SimulationConfig struct {
	Enabled          bool `toml:"enabled"`            // Expose the admin simulation endpoints
	MaxAircraft      int  `toml:"max_aircraft"`       // Upper bound on simulated aircraft (default: 10)
	UpdateIntervalMs int  `toml:"update_interval_ms"` // How often simulated positions are reported (default: 1000)
}

// Default returns a configuration with every default applied
func Default() *Config {
	c := withBoolDefaults()
	c.applyDefaults()
	return c
}

// withBoolDefaults presets booleans whose default is true. Zero values of
// other fields mean "unset" and are filled by applyDefaults after decoding.
func withBoolDefaults() *Config {
	c := &Config{}
	c.Relay.AllowCallsignIdentity = true
	c.Relay.MagneticHeading = true
	return c
}

// Load reads configuration from a TOML file
func Load(path string) (*Config, error) {
	config := withBoolDefaults()

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyEnvOverrides()
	config.applyDefaults()

	return config, nil
}

// LoadWithFallback searches the usual locations for a config file. An
// explicitly requested path must exist; otherwise defaults are used when no
// file is found.
func LoadWithFallback(preferredPath string) (*Config, error) {
	if preferredPath != "" {
		return Load(preferredPath)
	}

	searchPaths := []string{
		"configs/config.toml",
		"config.toml",
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
			return config, nil
		}
	}

	config := Default()
	config.applyEnvOverrides()
	config.applyDefaults()
	return config, nil
}

// applyEnvOverrides lets container deployments set the essentials without a file
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if token := os.Getenv("ADMIN_TOKEN"); token != "" {
		c.Server.AdminToken = token
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Storage.Type = "postgres"
		c.Storage.Postgres.URL = url
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 10000
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if len(c.Server.CORSAllowedOrigins) == 0 {
		c.Server.CORSAllowedOrigins = []string{"*"}
	}
	if c.Server.ReadTimeoutSecs == 0 {
		c.Server.ReadTimeoutSecs = 15
	}
	if c.Server.IdleTimeoutSecs == 0 {
		c.Server.IdleTimeoutSecs = 60
	}
	if c.Server.IngestRatePerSec == 0 {
		c.Server.IngestRatePerSec = 200
	}
	if c.Server.IngestBurst == 0 {
		c.Server.IngestBurst = 400
	}

	if c.Relay.LivenessTimeoutSecs == 0 {
		c.Relay.LivenessTimeoutSecs = 30
	}
	if c.Relay.SweepIntervalSecs == 0 {
		c.Relay.SweepIntervalSecs = 5
	}
	if c.Relay.FlushIntervalMs == 0 {
		c.Relay.FlushIntervalMs = 100
	}
	if c.Relay.MaxPendingUpdates == 0 {
		c.Relay.MaxPendingUpdates = 2048
	}
	if c.Relay.ClientSendBuffer == 0 {
		c.Relay.ClientSendBuffer = 256
	}
	if c.Relay.HistoryChunkSize == 0 {
		c.Relay.HistoryChunkSize = 200
	}
	if c.Relay.MessagesPerSecond == 0 {
		c.Relay.MessagesPerSecond = 10
	}
	if c.Relay.MessageBurst == 0 {
		c.Relay.MessageBurst = 20
	}

	if c.Tracks.RetentionHours == 0 {
		c.Tracks.RetentionHours = 12
	}
	if c.Tracks.PruneIntervalHours == 0 {
		c.Tracks.PruneIntervalHours = 6
	}
	if c.Tracks.HistoryWindowHours == 0 {
		c.Tracks.HistoryWindowHours = c.Tracks.RetentionHours
	}
	if c.Tracks.MinPoints == 0 {
		c.Tracks.MinPoints = 500
	}
	if c.Tracks.MaxPoints == 0 {
		c.Tracks.MaxPoints = 5000
	}
	if c.Tracks.PointsPerMinute == 0 {
		c.Tracks.PointsPerMinute = 6
	}
	if c.Tracks.MaxStoredPerAircraft == 0 {
		c.Tracks.MaxStoredPerAircraft = 100000
	}
	if c.Tracks.WriteQueueSize == 0 {
		c.Tracks.WriteQueueSize = 8192
	}
	if c.Tracks.WriteBatchSize == 0 {
		c.Tracks.WriteBatchSize = 256
	}
	if c.Tracks.HistoryCacheSize == 0 {
		c.Tracks.HistoryCacheSize = 512
	}
	if c.Tracks.StorageRetryAttempts == 0 {
		c.Tracks.StorageRetryAttempts = 5
	}
	if c.Tracks.StorageRetryInitialMs == 0 {
		c.Tracks.StorageRetryInitialMs = 500
	}

	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/flightradar.db"
	}
	if c.Storage.Postgres.Port == 0 {
		c.Storage.Postgres.Port = 5432
	}
	if c.Storage.Postgres.SSLMode == "" {
		c.Storage.Postgres.SSLMode = "disable"
	}
	if c.Storage.Postgres.MaxOpenConns == 0 {
		c.Storage.Postgres.MaxOpenConns = 10
	}
	if c.Storage.Postgres.MaxIdleConns == 0 {
		c.Storage.Postgres.MaxIdleConns = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 64
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 14
	}

	if c.Simulation.MaxAircraft == 0 {
		c.Simulation.MaxAircraft = 10
	}
	if c.Simulation.UpdateIntervalMs == 0 {
		c.Simulation.UpdateIntervalMs = 1000
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeoutSecs < 0 || c.Server.WriteTimeoutSecs < 0 || c.Server.IdleTimeoutSecs < 0 {
		return fmt.Errorf("server timeouts must be >= 0")
	}
	if c.Server.StaticFilesDir != "" {
		if _, err := os.Stat(c.Server.StaticFilesDir); os.IsNotExist(err) {
			return fmt.Errorf("static files directory does not exist: %s", c.Server.StaticFilesDir)
		}
	}
	if c.Server.IngestRatePerSec < 0 || c.Server.IngestBurst < 0 {
		return fmt.Errorf("ingest rate and burst must be >= 0")
	}

	if err := c.ValidateRelay(); err != nil {
		return err
	}
	if err := c.ValidateTracks(); err != nil {
		return err
	}

	if c.Simulation.MaxAircraft < 0 || c.Simulation.UpdateIntervalMs < 0 {
		return fmt.Errorf("simulation max_aircraft and update_interval_ms must be >= 0")
	}
	if c.Simulation.Enabled && c.Simulation.UpdateIntervalMs >= c.Relay.LivenessTimeoutSecs*1000 {
		return fmt.Errorf("simulation update_interval_ms (%d) must be shorter than liveness_timeout_seconds (%d)",
			c.Simulation.UpdateIntervalMs, c.Relay.LivenessTimeoutSecs)
	}

	// Validate logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid log level
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "console":
		// Valid log format
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Validate storage config
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required when storage type is sqlite")
		}
	case "postgres":
		pg := c.Storage.Postgres
		if pg.URL == "" && (pg.Host == "" || pg.Database == "") {
			return fmt.Errorf("postgres url, or host and database, are required when storage type is postgres")
		}
	case "memory":
		// History lives only as long as the process
	default:
		return fmt.Errorf("invalid storage type: %s (must be 'sqlite', 'postgres' or 'memory')", c.Storage.Type)
	}

	return nil
}

// ValidateRelay validates relay settings
func (c *Config) ValidateRelay() error {
	r := c.Relay
	if r.LivenessTimeoutSecs <= 0 {
		return fmt.Errorf("liveness_timeout_seconds must be positive: %d", r.LivenessTimeoutSecs)
	}
	if r.SweepIntervalSecs <= 0 {
		return fmt.Errorf("sweep_interval_seconds must be positive: %d", r.SweepIntervalSecs)
	}
	if r.SweepIntervalSecs > r.LivenessTimeoutSecs {
		return fmt.Errorf("sweep_interval_seconds (%d) must not exceed liveness_timeout_seconds (%d)",
			r.SweepIntervalSecs, r.LivenessTimeoutSecs)
	}
	if r.FlushIntervalMs <= 0 {
		return fmt.Errorf("flush_interval_ms must be positive: %d", r.FlushIntervalMs)
	}
	if r.MaxPendingUpdates <= 0 {
		return fmt.Errorf("max_pending_updates must be positive: %d", r.MaxPendingUpdates)
	}
	if r.ClientSendBuffer <= 0 {
		return fmt.Errorf("client_send_buffer must be positive: %d", r.ClientSendBuffer)
	}
	if r.HistoryChunkSize <= 0 {
		return fmt.Errorf("history_chunk_size must be positive: %d", r.HistoryChunkSize)
	}
	if r.MessagesPerSecond <= 0 || r.MessageBurst <= 0 {
		return fmt.Errorf("client_messages_per_second and client_message_burst must be positive")
	}
	return nil
}

// ValidateTracks validates track retention and simplification settings
func (c *Config) ValidateTracks() error {
	t := c.Tracks
	if t.RetentionHours <= 0 {
		return fmt.Errorf("retention_hours must be positive: %d", t.RetentionHours)
	}
	if t.PruneIntervalHours <= 0 {
		return fmt.Errorf("prune_interval_hours must be positive: %d", t.PruneIntervalHours)
	}
	if t.HistoryWindowHours <= 0 || t.HistoryWindowHours > t.RetentionHours {
		return fmt.Errorf("history_window_hours must be between 1 and retention_hours (%d): %d",
			t.RetentionHours, t.HistoryWindowHours)
	}
	if t.MinPoints < 2 {
		return fmt.Errorf("min_points must be at least 2: %d", t.MinPoints)
	}
	if t.MaxPoints < t.MinPoints {
		return fmt.Errorf("max_points (%d) must be >= min_points (%d)", t.MaxPoints, t.MinPoints)
	}
	if t.PointsPerMinute <= 0 {
		return fmt.Errorf("points_per_minute must be positive: %d", t.PointsPerMinute)
	}
	if t.MaxStoredPerAircraft < t.MaxPoints {
		return fmt.Errorf("max_stored_points_per_aircraft (%d) must be >= max_points (%d)",
			t.MaxStoredPerAircraft, t.MaxPoints)
	}
	if t.WriteQueueSize <= 0 || t.WriteBatchSize <= 0 {
		return fmt.Errorf("write_queue_size and write_batch_size must be positive")
	}
	if t.HistoryCacheSize <= 0 {
		return fmt.Errorf("history_cache_size must be positive: %d", t.HistoryCacheSize)
	}
	if t.StorageRetryAttempts < 0 || t.StorageRetryInitialMs < 0 {
		return fmt.Errorf("storage retry settings must be >= 0")
	}
	return nil
}

// LivenessTimeout returns the configured liveness timeout
func (c *Config) LivenessTimeout() time.Duration {
	return time.Duration(c.Relay.LivenessTimeoutSecs) * time.Second
}

// Retention returns the configured track retention window
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Tracks.RetentionHours) * time.Hour
}

// HistoryWindow returns the window of history sent to observers
func (c *Config) HistoryWindow() time.Duration {
	return time.Duration(c.Tracks.HistoryWindowHours) * time.Hour
}
