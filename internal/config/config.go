// Package config loads server and desktop configuration from YAML, .env files
// and FIELDLEDGER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/mod/semver"
)

// EnvPrefix is prepended to every environment override, e.g. FIELDLEDGER_DATABASE_DRIVER.
const EnvPrefix = "FIELDLEDGER"

type DatabaseConfig struct {
	Driver  string `mapstructure:"driver"`
	DataDir string `mapstructure:"data_dir"`
	DSN     string `mapstructure:"dsn"`
}

type SchemaConfig struct {
	Version    string `mapstructure:"version"`
	MinVersion string `mapstructure:"min_version"`
}

type PacketConfig struct {
	MaxChanges int           `mapstructure:"max_changes"`
	MaxBytes   int           `mapstructure:"max_bytes"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
}

type ConflictConfig struct {
	DefaultPolicy string            `mapstructure:"default_policy"`
	Policies      map[string]string `mapstructure:"policies"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	TLSCert        string `mapstructure:"tls_cert"`
	TLSKey         string `mapstructure:"tls_key"`
	AdminToken     string `mapstructure:"admin_token"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
	BodyLimit      int    `mapstructure:"body_limit"`
}

// ServerConfig configures the central sync server.
type ServerConfig struct {
	HTTP      HTTPConfig     `mapstructure:"http"`
	Database  DatabaseConfig `mapstructure:"database"`
	Schema    SchemaConfig   `mapstructure:"schema"`
	Packets   PacketConfig   `mapstructure:"packets"`
	Conflicts ConflictConfig `mapstructure:"conflicts"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

type NodeConfig struct {
	ServerURL          string `mapstructure:"server_url"`
	Code               string `mapstructure:"code"`
	Name               string `mapstructure:"name"`
	MachineID          string `mapstructure:"machine_id"`
	LocalAddr          string `mapstructure:"local_addr"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	MaxRounds      int           `mapstructure:"max_rounds"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type S3Config struct {
	Provider  string `mapstructure:"provider"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccountID string `mapstructure:"account_id"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type ExportConfig struct {
	Dir string   `mapstructure:"dir"`
	S3  S3Config `mapstructure:"s3"`
}

// DesktopConfig configures a desktop node.
type DesktopConfig struct {
	Node      NodeConfig     `mapstructure:"node"`
	Database  DatabaseConfig `mapstructure:"database"`
	Schema    SchemaConfig   `mapstructure:"schema"`
	Packets   PacketConfig   `mapstructure:"packets"`
	Conflicts ConflictConfig `mapstructure:"conflicts"`
	Sync      SyncConfig     `mapstructure:"sync"`
	Export    ExportConfig   `mapstructure:"export"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

func setCommonDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.data_dir", "./data")
	v.SetDefault("database.dsn", "")
	v.SetDefault("schema.version", "1.0.0")
	v.SetDefault("schema.min_version", "1.0.0")
	v.SetDefault("packets.max_changes", 500)
	v.SetDefault("packets.max_bytes", 4<<20)
	v.SetDefault("packets.ack_timeout", "2m")
	v.SetDefault("conflicts.default_policy", "server_wins")
	v.SetDefault("logging.level", "info")
}

func newViper(configPath string) (*viper.Viper, error) {
	if os.Getenv("ENV") != "production" {
		_ = godotenv.Load() // optional .env for local
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

func unmarshal(v *viper.Viper, out interface{}) error {
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// LoadServer reads the server configuration. An empty path uses defaults plus environment.
func LoadServer(configPath string) (*ServerConfig, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	setCommonDefaults(v)
	v.SetDefault("http.listen_addr", ":8443")
	v.SetDefault("http.tls_cert", "")
	v.SetDefault("http.tls_key", "")
	v.SetDefault("http.admin_token", "")
	v.SetDefault("http.allowed_origins", "*")
	v.SetDefault("http.body_limit", 32<<20)

	var cfg ServerConfig
	if err := unmarshal(v, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadDesktop reads the desktop node configuration.
func LoadDesktop(configPath string) (*DesktopConfig, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	setCommonDefaults(v)
	v.SetDefault("node.server_url", "https://localhost:8443")
	v.SetDefault("node.code", "")
	v.SetDefault("node.name", "")
	v.SetDefault("node.machine_id", "")
	v.SetDefault("node.local_addr", "127.0.0.1:8090")
	v.SetDefault("node.insecure_skip_verify", false)
	v.SetDefault("sync.interval", "5m")
	v.SetDefault("sync.backoff_base", "1m")
	v.SetDefault("sync.backoff_max", "1h")
	v.SetDefault("sync.max_rounds", 10)
	v.SetDefault("sync.request_timeout", "2m")
	v.SetDefault("export.dir", "./exports")
	v.SetDefault("export.s3.provider", "")
	v.SetDefault("export.s3.endpoint", "")
	v.SetDefault("export.s3.region", "us-east-1")
	v.SetDefault("export.s3.bucket", "")
	v.SetDefault("export.s3.account_id", "")
	v.SetDefault("export.s3.access_key", "")
	v.SetDefault("export.s3.secret_key", "")
	v.SetDefault("export.s3.prefix", "fieldledger/")
	v.SetDefault("export.s3.use_ssl", true)

	var cfg DesktopConfig
	if err := unmarshal(v, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

var validPolicies = map[string]bool{
	"server_wins":    true,
	"timestamp_wins": true,
	"manual":         true,
}

func (d *DatabaseConfig) validate() error {
	switch d.Driver {
	case "sqlite":
		if d.DataDir == "" {
			return fmt.Errorf("database.data_dir is required for sqlite")
		}
	case "postgres":
		if d.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("invalid database driver: %s (valid options: sqlite, postgres)", d.Driver)
	}
	return nil
}

func (s *SchemaConfig) validate() error {
	if !semver.IsValid(Canonical(s.Version)) {
		return fmt.Errorf("schema.version %q is not a semantic version", s.Version)
	}
	if s.MinVersion == "" {
		s.MinVersion = s.Version
	}
	if !semver.IsValid(Canonical(s.MinVersion)) {
		return fmt.Errorf("schema.min_version %q is not a semantic version", s.MinVersion)
	}
	if semver.Compare(Canonical(s.MinVersion), Canonical(s.Version)) > 0 {
		return fmt.Errorf("schema.min_version %s is newer than schema.version %s", s.MinVersion, s.Version)
	}
	return nil
}

func (p *PacketConfig) validate() error {
	if p.MaxChanges <= 0 {
		return fmt.Errorf("packets.max_changes must be positive")
	}
	if p.MaxBytes <= 0 {
		return fmt.Errorf("packets.max_bytes must be positive")
	}
	if p.AckTimeout <= 0 {
		p.AckTimeout = 2 * time.Minute
	}
	return nil
}

func (c *ConflictConfig) validate() error {
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = "server_wins"
	}
	if !validPolicies[c.DefaultPolicy] {
		return fmt.Errorf("invalid conflicts.default_policy: %s", c.DefaultPolicy)
	}
	for entity, policy := range c.Policies {
		if !validPolicies[policy] {
			return fmt.Errorf("invalid conflict policy %q for %s", policy, entity)
		}
	}
	return nil
}

// Validate checks the server configuration and fills derived defaults.
func (c *ServerConfig) Validate() error {
	if c.HTTP.ListenAddr == "" {
		return fmt.Errorf("http.listen_addr is required")
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		return fmt.Errorf("http.tls_cert and http.tls_key must be set together")
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Schema.validate(); err != nil {
		return err
	}
	if err := c.Packets.validate(); err != nil {
		return err
	}
	return c.Conflicts.validate()
}

// Validate checks the desktop configuration and fills derived defaults.
func (c *DesktopConfig) Validate() error {
	if c.Node.ServerURL == "" {
		return fmt.Errorf("node.server_url is required")
	}
	if c.Database.Driver != "sqlite" {
		return fmt.Errorf("desktop nodes only support the sqlite driver")
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Schema.validate(); err != nil {
		return err
	}
	if err := c.Packets.validate(); err != nil {
		return err
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_base must be positive and not exceed sync.backoff_max")
	}
	if c.Sync.MaxRounds <= 0 {
		c.Sync.MaxRounds = 10
	}
	if c.Export.S3.Provider != "" {
		switch c.Export.S3.Provider {
		case "aws", "minio", "r2":
		default:
			return fmt.Errorf("invalid export.s3.provider: %s (valid options: aws, minio, r2)", c.Export.S3.Provider)
		}
		if c.Export.S3.Bucket == "" {
			return fmt.Errorf("export.s3.bucket is required when export.s3.provider is set")
		}
	}
	return c.Conflicts.validate()
}

// Canonical turns "1.2.0" into the "v1.2.0" form expected by x/mod/semver.
func Canonical(version string) string {
	if strings.HasPrefix(version, "v") {
		return version
	}
	return "v" + version
}
