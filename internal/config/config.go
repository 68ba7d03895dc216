package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Market         MarketConfig         `yaml:"market"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Sweep          SweepConfig          `yaml:"sweep"`
	Notify         NotifyConfig         `yaml:"notify"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres" or "memory"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// MarketConfig holds reservation and auction lifecycle settings.
type MarketConfig struct {
	// ReservationTTL is how long a reservation may stay unpaid.
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
	// AuctionPaymentWindow is how long an auction winner has to pay.
	AuctionPaymentWindow time.Duration `yaml:"auction_payment_window"`
	// SnipeWindow is the remaining-time threshold that triggers an
	// end-time extension when a bid lands inside it.
	SnipeWindow time.Duration `yaml:"snipe_window"`
	// ExtendBy is how far the end time moves on an anti-snipe extension.
	ExtendBy time.Duration `yaml:"extend_by"`
	// ExtensionCooldown suppresses a second extension within this window.
	ExtensionCooldown time.Duration `yaml:"extension_cooldown"`
}

// RateLimitConfig holds bid rate limiting settings.
type RateLimitConfig struct {
	Window          time.Duration `yaml:"window"`
	BidsPerAuction  int           `yaml:"bids_per_auction"`
	BidsPerBidder   int           `yaml:"bids_per_bidder"`
	BidsPerIP       int           `yaml:"bids_per_ip"`
	RecordTTL       time.Duration `yaml:"record_ttl"`
}

// SweepConfig holds expiration sweep settings.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// NotifyConfig holds Discord staff notification settings.
// Notifications are disabled when Token is empty.
type NotifyConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// LeaderElectionConfig holds Kubernetes leader election settings for the
// sweeper, so that only one replica runs it.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "garagem",
			ServiceVersion: "0.1.0",
		},
		Market: MarketConfig{
			ReservationTTL:       48 * time.Hour,
			AuctionPaymentWindow: 48 * time.Hour,
			SnipeWindow:          2 * time.Minute,
			ExtendBy:             2 * time.Minute,
			ExtensionCooldown:    60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Window:         time.Minute,
			BidsPerAuction: 5,
			BidsPerBidder:  10,
			BidsPerIP:      20,
			RecordTTL:      24 * time.Hour,
		},
		Sweep: SweepConfig{
			Interval: time.Minute,
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "garagem-sweeper",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver)
	}
	if c.Market.SnipeWindow <= 0 || c.Market.ExtendBy <= 0 {
		return fmt.Errorf("market snipe_window and extend_by must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit window must be positive")
	}
	if c.Notify.Token != "" && c.Notify.ChannelID == "" {
		return fmt.Errorf("notify channel_id is required when a token is set")
	}
	return nil
}
