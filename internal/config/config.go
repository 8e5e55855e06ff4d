package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	EtherCAT    EtherCATConfig    `mapstructure:"ethercat"`
	Simulation  SimulationConfig  `mapstructure:"simulation"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Database    DatabaseConfig    `mapstructure:"database"`
}

type EtherCATConfig struct {
	MasterIndex     int           `mapstructure:"master_index"`
	DeviceMap       string        `mapstructure:"device_map"`
	DeviceMapPaths  []string      `mapstructure:"device_map_paths"`
	CyclePeriod     time.Duration `mapstructure:"cycle_period"`
	DiagnosticEvery uint64        `mapstructure:"diagnostic_every"`
	// Pacing is "sleep" (fixed pause after each cycle) or "ticker"
	// (fixed rate).
	Pacing string `mapstructure:"pacing"`
	// Transport selects the fieldbus implementation; only "sim" ships
	// with this repository.
	Transport string `mapstructure:"transport"`
}

type SimulationConfig struct {
	AnalogBase      int32 `mapstructure:"analog_base"`
	AnalogAmplitude int32 `mapstructure:"analog_amplitude"`
	AnalogPeriod    int   `mapstructure:"analog_period"`
	IncompleteEvery int   `mapstructure:"incomplete_every"`
}

type ExchangeConfig struct {
	// CommandSource is "file" (outputs file shared with other processes)
	// or "api" (in-memory, set through the dashboard API).
	CommandSource  string        `mapstructure:"command_source"`
	FileSink       bool          `mapstructure:"file_sink"`
	DataFile       string        `mapstructure:"data_file"`
	DigitalFile    string        `mapstructure:"digital_file"`
	OutputsFile    string        `mapstructure:"outputs_file"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
}

type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig guards the endpoints that change outputs or calibration.
type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	Users          []UserConfig  `mapstructure:"users"`
	// MachineTokenHashes are hex SHA-256 digests of accepted machine tokens.
	MachineTokenHashes []string `mapstructure:"machine_token_hashes"`
}

type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"` // argon2id encoded
	Role         string `mapstructure:"role"`
}

type CalibrationConfig struct {
	OffsetsFile string `mapstructure:"offsets_file"`
	BufferSize  int    `mapstructure:"buffer_size"`
}

type DatabaseConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// URL overrides the individual connection fields when set.
	URL            string `mapstructure:"url"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	RecordEvery    uint64 `mapstructure:"record_every"`
}

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

func setDefaults(v *viper.Viper) {
	v.SetDefault("ethercat.master_index", 0)
	v.SetDefault("ethercat.device_map", "analog")
	v.SetDefault("ethercat.device_map_paths", []string{"configs/devices"})
	v.SetDefault("ethercat.cycle_period", "100ms")
	v.SetDefault("ethercat.diagnostic_every", 10)
	v.SetDefault("ethercat.pacing", "sleep")
	v.SetDefault("ethercat.transport", "sim")

	v.SetDefault("simulation.analog_base", 1000)
	v.SetDefault("simulation.analog_amplitude", 50)
	v.SetDefault("simulation.analog_period", 100)
	v.SetDefault("simulation.incomplete_every", 0)

	v.SetDefault("exchange.command_source", "file")
	v.SetDefault("exchange.file_sink", true)
	v.SetDefault("exchange.data_file", "/tmp/ethercat_data.txt")
	v.SetDefault("exchange.digital_file", "/tmp/ethercat_digital.txt")
	v.SetDefault("exchange.outputs_file", "/tmp/ethercat_outputs.txt")
	v.SetDefault("exchange.publish_timeout", "20ms")
	v.SetDefault("exchange.fetch_timeout", "10ms")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.http_port", 5000)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("calibration.offsets_file", "/tmp/vacuum_offsets.json")
	v.SetDefault("calibration.buffer_size", 10)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "ecatmaster")
	v.SetDefault("database.user", "ecatmaster")
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("database.record_every", 10)
}

// Load reads path (YAML) on top of the defaults. A missing file is not an
// error; every setting can also come from ECAT_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ECAT") // Environment Variables mit Prefix ECAT_
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.EtherCAT.CyclePeriod <= 0 {
		return fmt.Errorf("ethercat.cycle_period must be positive, got %s", c.EtherCAT.CyclePeriod)
	}
	if c.EtherCAT.DiagnosticEvery == 0 {
		return fmt.Errorf("ethercat.diagnostic_every must be at least 1")
	}
	switch c.EtherCAT.Pacing {
	case "sleep", "ticker":
	default:
		return fmt.Errorf("ethercat.pacing: unknown mode %q", c.EtherCAT.Pacing)
	}
	switch c.Exchange.CommandSource {
	case "file", "api":
	default:
		return fmt.Errorf("exchange.command_source: unknown source %q", c.Exchange.CommandSource)
	}
	if c.Exchange.FetchTimeout <= 0 || c.Exchange.FetchTimeout >= c.EtherCAT.CyclePeriod {
		return fmt.Errorf("exchange.fetch_timeout must be positive and shorter than the cycle period")
	}
	if c.Calibration.BufferSize <= 0 {
		return fmt.Errorf("calibration.buffer_size must be positive")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET" // Fallback
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback (MIT WARNING!)
		return devJWTSecret
	}
	return secret
}

// Helper um zu prüfen ob Production-Ready
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
