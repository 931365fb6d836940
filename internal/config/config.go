package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/orchestrator"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	API          APIConfig          `yaml:"api"`
	Database     DatabaseConfig     `yaml:"database"`
	NATS         NATSConfig         `yaml:"nats"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	JWT          JWTConfig          `yaml:"jwt"`
	Auth         AuthConfig         `yaml:"auth"`
	Log          LogConfig          `yaml:"log"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Device       DeviceConfig       `yaml:"device"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Reconciler   ReconcilerConfig   `yaml:"reconciler"`
	Simulator    SimulatorConfig    `yaml:"simulator"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig represents database configuration. An empty DSN disables
// the activity archive.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents the broker the integration forwarder publishes to.
// An empty broker disables forwarding.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// AuthConfig holds the operator credentials guarding write routes
type AuthConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LedgerConfig identifies the contract and the local account
type LedgerConfig struct {
	Contract       string        `yaml:"contract"`
	Account        string        `yaml:"account"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DeviceConfig describes the unit's temperature bounds
type DeviceConfig struct {
	Temperature models.TemperatureRange `yaml:"temperature"`
}

// OrchestratorConfig tunes the submission pipeline. Amounts are decimal
// strings in whole currency units ("0.01").
type OrchestratorConfig struct {
	CostAttempts        int           `yaml:"cost_attempts"`
	CostRetryDelay      time.Duration `yaml:"cost_retry_delay"`
	DefaultCost         string        `yaml:"default_cost"`
	BalanceBuffer       string        `yaml:"balance_buffer"`
	FallbackBudget      uint64        `yaml:"fallback_budget"`
	BudgetMarginPercent uint64        `yaml:"budget_margin_percent"`
	ConfirmTimeout      time.Duration `yaml:"confirm_timeout"`
	ConfirmAttempts     int           `yaml:"confirm_attempts"`
	ConfirmRetryDelay   time.Duration `yaml:"confirm_retry_delay"`
	RefreshDelay        time.Duration `yaml:"refresh_delay"`
	IntentTTL           time.Duration `yaml:"intent_ttl"`
}

// ReconcilerConfig tunes polling and event handling
type ReconcilerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	LogCapacity   int           `yaml:"log_capacity"`
}

// SimulatorConfig configures cmd/ledger-sim
type SimulatorConfig struct {
	Cost        string            `yaml:"cost"`
	MiningDelay time.Duration     `yaml:"mining_delay"`
	Balances    map[string]string `yaml:"balances"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from YAML, applies environment overrides and
// fills defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()

	cfg.setDefaultServer()
	cfg.setDefaultDevice()
	cfg.setDefaultOrchestrator()
	cfg.setDefaultReconciler()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if account := os.Getenv("AIRCON_ACCOUNT"); account != "" {
		c.Ledger.Account = account
	}
}

func (c *Config) setDefaultServer() {
	if c.Server.Name == "" {
		c.Server.Name = "aircon-remote"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.ClientID == "" {
		c.NATS.ClientID = c.Server.Name
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "aircon"
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Ledger.RequestTimeout == 0 {
		c.Ledger.RequestTimeout = 10 * time.Second
	}
}

func (c *Config) setDefaultDevice() {
	t := &c.Device.Temperature
	if t.Min == 0 && t.Max == 0 {
		t.Min, t.Max = 18, 30
	}
	if t.Step == 0 {
		t.Step = 1
	}
}

func (c *Config) setDefaultOrchestrator() {
	o := &c.Orchestrator
	if o.CostAttempts == 0 {
		o.CostAttempts = 3
	}
	if o.CostRetryDelay == 0 {
		o.CostRetryDelay = 300 * time.Millisecond
	}
	if o.DefaultCost == "" {
		o.DefaultCost = "0"
	}
	if o.BalanceBuffer == "" {
		o.BalanceBuffer = "0.01"
	}
	if o.FallbackBudget == 0 {
		o.FallbackBudget = 500000
	}
	if o.BudgetMarginPercent == 0 {
		o.BudgetMarginPercent = 150
	}
	if o.ConfirmTimeout == 0 {
		o.ConfirmTimeout = 60 * time.Second
	}
	if o.ConfirmAttempts == 0 {
		o.ConfirmAttempts = 5
	}
	if o.ConfirmRetryDelay == 0 {
		o.ConfirmRetryDelay = time.Second
	}
	if o.RefreshDelay == 0 {
		o.RefreshDelay = 1500 * time.Millisecond
	}
	if o.IntentTTL == 0 {
		o.IntentTTL = 5 * time.Minute
	}
}

func (c *Config) setDefaultReconciler() {
	r := &c.Reconciler
	if r.PollInterval == 0 {
		r.PollInterval = 8 * time.Second
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = 5 * time.Second
	}
	if r.LookupTimeout == 0 {
		r.LookupTimeout = 5 * time.Second
	}
	if r.LogCapacity == 0 {
		r.LogCapacity = 50
	}
}

func (c *Config) validate() error {
	t := c.Device.Temperature
	if t.Min >= t.Max {
		return fmt.Errorf("invalid temperature range %d..%d", t.Min, t.Max)
	}
	if t.Step <= 0 || t.Step > t.Max-t.Min {
		return fmt.Errorf("invalid temperature step %d", t.Step)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Ledger.Contract == "" {
		return fmt.Errorf("ledger.contract is required")
	}
	if strings.ContainsAny(c.Ledger.Contract, ".*> ") {
		return fmt.Errorf("ledger.contract %q is not a valid subject token", c.Ledger.Contract)
	}
	if _, err := models.ParseAmount(c.Orchestrator.DefaultCost); err != nil {
		return fmt.Errorf("orchestrator.default_cost: %w", err)
	}
	if _, err := models.ParseAmount(c.Orchestrator.BalanceBuffer); err != nil {
		return fmt.Errorf("orchestrator.balance_buffer: %w", err)
	}
	return nil
}

// OrchestratorSettings converts the orchestrator section. Amounts were
// validated on load.
func (c *Config) OrchestratorSettings() orchestrator.Config {
	o := c.Orchestrator
	return orchestrator.Config{
		CostAttempts:        o.CostAttempts,
		CostRetryDelay:      o.CostRetryDelay,
		DefaultCost:         mustAmount(o.DefaultCost),
		BalanceBuffer:       mustAmount(o.BalanceBuffer),
		FallbackBudget:      o.FallbackBudget,
		BudgetMarginPercent: o.BudgetMarginPercent,
		ConfirmTimeout:      o.ConfirmTimeout,
		ConfirmAttempts:     o.ConfirmAttempts,
		ConfirmRetryDelay:   o.ConfirmRetryDelay,
		RefreshDelay:        o.RefreshDelay,
		IntentTTL:           o.IntentTTL,
		TemperatureRange:    c.Device.Temperature,
	}
}

func mustAmount(s string) *big.Int {
	v, err := models.ParseAmount(s)
	if err != nil {
		return big.NewInt(0)
	}
	return v
}

// PrintConfigSummary prints the effective configuration
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== Aircon Remote Configuration ===\n")
	fmt.Printf("Server: %s v%s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("API: %s:%d\n", c.API.Host, c.API.Port)
	fmt.Printf("NATS: %s (client %s)\n", c.NATS.URL, c.NATS.ClientID)
	fmt.Printf("Log: %s, %s\n", c.Log.Level, c.Log.Format)
	fmt.Printf("Contract: %s\n", c.Ledger.Contract)
	fmt.Printf("Account: %s\n", models.ShortAccount(c.Ledger.Account))
	fmt.Printf("Temperature: %d-%d (step %d)\n",
		c.Device.Temperature.Min, c.Device.Temperature.Max, c.Device.Temperature.Step)
	fmt.Printf("Poll Interval: %s\n", c.Reconciler.PollInterval)
	fmt.Printf("Confirmation: %s x %d\n", c.Orchestrator.ConfirmTimeout, c.Orchestrator.ConfirmAttempts)
	fmt.Printf("Balance Buffer: %s\n", c.Orchestrator.BalanceBuffer)
	fmt.Printf("Activity Archive: %v\n", c.Database.DSN != "")
	fmt.Printf("MQTT Forwarding: %v\n", c.MQTT.Broker != "")
	fmt.Printf("===================================\n")
}
