package elmer

/*------------------------------------------------------------------
 *
 * Name:	config
 *
 * Purpose:	Load and validate the gateway configuration.
 *
 * Description:	One YAML file configures everything: station identity,
 *		TNC attachment, telnet listener, LLM parameters, tool
 *		toggles, rate limits, logging, persistence.  Values not
 *		present in the file fall back to defaults that produce a
 *		runnable (if quiet) station.
 *
 *		Secrets never live in the YAML file.  The Anthropic API
 *		key and the QRZ credentials come from the environment so
 *		a config file can be shared or committed without
 *		leaking them.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type StationConfig struct {
	Callsign       string `yaml:"callsign"`
	Description    string `yaml:"description"`
	WelcomeMessage string `yaml:"welcome_message"`
	Grid           string `yaml:"grid"`
}

type DirewolfConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Timeout int    `yaml:"timeout"` // seconds
	Device  string `yaml:"device"`  // non-empty selects serial KISS
	Baud    int    `yaml:"baud"`
}

type TelnetConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Announce bool   `yaml:"announce"` // DNS-SD _telnet._tcp
}

type RadioConfig struct {
	Enabled bool `yaml:"enabled"`
	PTTConfig   `yaml:",inline"`
}

type ClaudeConfig struct {
	Model        string  `yaml:"model"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt"`
}

type SearchConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxResults int  `yaml:"max_results"`
}

type POTAConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxSpots int  `yaml:"max_spots"`
}

type DXClusterConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxSpots int  `yaml:"max_spots"`
}

type BandConditionsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type RateLimitConfig struct {
	Enabled          bool `yaml:"enabled"`
	QueriesPerHour   int  `yaml:"queries_per_hour"`
	QueriesPerDay    int  `yaml:"queries_per_day"`
	MaxResponseChars int  `yaml:"max_response_chars"`
}

type LoggingConfig struct {
	LogDir string `yaml:"log_dir"`
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SessionConfig struct {
	Timeout            int `yaml:"timeout"` // seconds, 0 = remove on disconnect
	MaxContextMessages int `yaml:"max_context_messages"`
}

type FileTransferConfig struct {
	MaxSize int `yaml:"max_size"` // bytes per file
}

// Config is the whole YAML tree plus the environment-sourced secrets.
type Config struct {
	Station        StationConfig        `yaml:"station"`
	Direwolf       DirewolfConfig       `yaml:"direwolf"`
	Telnet         TelnetConfig         `yaml:"telnet"`
	Radio          RadioConfig          `yaml:"radio"`
	Claude         ClaudeConfig         `yaml:"claude"`
	Search         SearchConfig         `yaml:"search"`
	POTA           POTAConfig           `yaml:"pota"`
	DXCluster      DXClusterConfig      `yaml:"dx_cluster"`
	BandConditions BandConditionsConfig `yaml:"band_conditions"`
	RateLimits     RateLimitConfig      `yaml:"rate_limits"`
	Logging        LoggingConfig        `yaml:"logging"`
	Database       DatabaseConfig       `yaml:"database"`
	Sessions       SessionConfig        `yaml:"sessions"`
	FileTransfer   FileTransferConfig   `yaml:"file_transfer"`

	// From the environment, never the file.
	AnthropicAPIKey string `yaml:"-"`
	QRZAPIKey       string `yaml:"-"`
	QRZUsername     string `yaml:"-"`
	QRZPassword     string `yaml:"-"`
}

// DefaultConfig returns the values used for keys absent from the file.
func DefaultConfig() *Config {
	return &Config{
		Station: StationConfig{
			Callsign:       "N0CALL-10",
			Description:    "Elmer AI Gateway",
			WelcomeMessage: "Welcome to Elmer!",
		},
		Direwolf: DirewolfConfig{
			Host:    "localhost",
			Port:    8001,
			Timeout: 30,
			Baud:    9600,
		},
		Telnet: TelnetConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    8023,
		},
		Radio: RadioConfig{
			Enabled: false,
			PTTConfig: PTTConfig{
				Method: PTT_METHOD_NONE,
			},
		},
		Claude: ClaudeConfig{
			Model:       "claude-3-5-sonnet-20241022",
			MaxTokens:   500,
			Temperature: 0.7,
			SystemPrompt: "You are Claude, an AI assistant accessible via amateur radio packet radio. " +
				"Keep responses concise and clear as they will be transmitted over radio.",
		},
		Search: SearchConfig{
			Enabled:    false,
			MaxResults: 5,
		},
		POTA: POTAConfig{
			Enabled:  false,
			MaxSpots: 10,
		},
		DXCluster: DXClusterConfig{
			Enabled:  false,
			MaxSpots: 15,
		},
		BandConditions: BandConditionsConfig{
			Enabled: true,
		},
		RateLimits: RateLimitConfig{
			Enabled:          true,
			QueriesPerHour:   10,
			QueriesPerDay:    50,
			MaxResponseChars: 1024,
		},
		Logging: LoggingConfig{
			LogDir: "logs",
			Format: "json",
			Level:  "INFO",
		},
		Database: DatabaseConfig{
			Path: "data/sessions.db",
		},
		Sessions: SessionConfig{
			Timeout:            0,
			MaxContextMessages: 20,
		},
		FileTransfer: FileTransferConfig{
			MaxSize: 100 * 1024,
		},
	}
}

// LoadConfig reads path (or $CONFIG_PATH, or config/config.yaml when
// path is empty), layers it over the defaults, and pulls secrets from
// the environment.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	if path == "" {
		path = "config/config.yaml"
	}

	var cfg = DefaultConfig()

	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.QRZAPIKey = os.Getenv("QRZ_API_KEY")
	cfg.QRZUsername = os.Getenv("QRZ_USERNAME")
	cfg.QRZPassword = os.Getenv("QRZ_PASSWORD")

	// LOG_LEVEL in the environment wins over the file.
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations that cannot produce a working station.
func (c *Config) Validate() error {
	if !ValidCallsign(c.Station.Callsign) {
		return fmt.Errorf("config: station.callsign %q is not a valid callsign", c.Station.Callsign)
	}

	if c.Direwolf.Port <= 0 || c.Direwolf.Port > 65535 {
		return fmt.Errorf("config: direwolf.port %d out of range", c.Direwolf.Port)
	}

	if c.Telnet.Enabled && (c.Telnet.Port <= 0 || c.Telnet.Port > 65535) {
		return fmt.Errorf("config: telnet.port %d out of range", c.Telnet.Port)
	}

	if c.Sessions.MaxContextMessages < 2 {
		return fmt.Errorf("config: sessions.max_context_messages must be at least 2")
	}

	if c.Claude.MaxTokens <= 0 {
		return fmt.Errorf("config: claude.max_tokens must be positive")
	}

	if c.FileTransfer.MaxSize <= 0 {
		return fmt.Errorf("config: file_transfer.max_size must be positive")
	}

	return nil
}

// QRZEnabled reports whether any QRZ credentials were supplied.
func (c *Config) QRZEnabled() bool {
	return c.QRZAPIKey != "" || (c.QRZUsername != "" && c.QRZPassword != "")
}

// DirewolfTimeout converts the configured seconds into a Duration.
func (c *Config) DirewolfTimeout() time.Duration {
	return time.Duration(c.Direwolf.Timeout) * time.Second
}

// SessionTimeout converts the configured seconds into a Duration.
// Zero means sessions end when the connection does.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Sessions.Timeout) * time.Second
}
