package config

import (
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Default allow-lists for the named upstreams.
const (
	DefaultDebugPattern     = `^/(addresses|balances|chequebook|reservestate|settlements|transactions|stamps)(/|$)`
	DefaultValidatorPattern = `^/(bytes|chunks|bzz|tags|pins|soc|feeds|pss|stamps)(/|$)`
	DefaultAllowedOrigin    = "https://localhost:3000"
)

// Config application configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`
	Forward  ForwardConfig  `yaml:"forward" mapstructure:"forward"`
	CORS     CORSConfig     `yaml:"cors" mapstructure:"cors"`
	Seed     SeedConfig     `yaml:"seed" mapstructure:"seed"`
	Web      WebConfig      `yaml:"web" mapstructure:"web"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
	Output   OutputConfig   `yaml:"output" mapstructure:"output"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// ServerConfig HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	// MaxBodyBytes limits the size of accepted request bodies (0 = unlimited)
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// UpstreamConfig lists the hosts requests are routed to.
type UpstreamConfig struct {
	GatewayURL       string `yaml:"gateway_url" mapstructure:"gateway_url"`
	DebugURL         string `yaml:"debug_url" mapstructure:"debug_url"`
	DebugEnable      bool   `yaml:"debug_enable" mapstructure:"debug_enable"`
	DebugPattern     string `yaml:"debug_pattern" mapstructure:"debug_pattern"`
	ValidatorURL     string `yaml:"validator_url" mapstructure:"validator_url"`
	ValidatorEnable  bool   `yaml:"validator_enable" mapstructure:"validator_enable"`
	ValidatorPattern string `yaml:"validator_pattern" mapstructure:"validator_pattern"`
}

// ForwardConfig tunes the outbound HTTP client
type ForwardConfig struct {
	// Timeout in seconds; 0 waits on the upstream indefinitely.
	Timeout               int      `yaml:"timeout" mapstructure:"timeout"`
	MaxIdleConns          int      `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int      `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout       int      `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	TLSHandshakeTimeout   int      `yaml:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	TLSInsecureSkipVerify bool     `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
	HeaderBlacklist       []string `yaml:"header_blacklist" mapstructure:"header_blacklist"`
}

// CORSConfig controls the response header rewrite
type CORSConfig struct {
	DefaultOrigin string `yaml:"default_origin" mapstructure:"default_origin"`
}

// SeedConfig controls recording of request/response fixtures
type SeedConfig struct {
	Enable         bool     `yaml:"enable" mapstructure:"enable"`
	Driver         string   `yaml:"driver" mapstructure:"driver"`
	Dir            string   `yaml:"dir" mapstructure:"dir"`
	Format         string   `yaml:"format" mapstructure:"format"`
	Path           string   `yaml:"path" mapstructure:"path"`
	Methods        []string `yaml:"methods" mapstructure:"methods"`
	IncludePattern string   `yaml:"include_pattern" mapstructure:"include_pattern"`
	Replay         bool     `yaml:"replay" mapstructure:"replay"`
}

// WebConfig admin API configuration
type WebConfig struct {
	Enable    bool     `yaml:"enable" mapstructure:"enable"`
	AdminPath string   `yaml:"admin_path" mapstructure:"admin_path"`
	Formats   []string `yaml:"formats" mapstructure:"formats"`
	// MaxExchanges caps the in-memory live traffic log
	MaxExchanges int `yaml:"max_exchanges" mapstructure:"max_exchanges"`
}

// MetricsConfig Prometheus endpoint configuration
type MetricsConfig struct {
	Enable bool   `yaml:"enable" mapstructure:"enable"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// OutputConfig controls CLI output style
type OutputConfig struct {
	Mode    string `yaml:"mode" mapstructure:"mode"`
	Silence bool   `yaml:"silence" mapstructure:"silence"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("SWARMTAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.swarmtap")
		v.AddConfigPath("/etc/swarmtap")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && configPath == "" {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Printf("Config file loaded: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	config.normalize()
	return &config, nil
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3500)
	v.SetDefault("server.max_body_bytes", int64(0))

	v.SetDefault("upstream.gateway_url", "http://localhost:1633")
	v.SetDefault("upstream.debug_url", "http://localhost:1635")
	v.SetDefault("upstream.debug_enable", true)
	v.SetDefault("upstream.debug_pattern", DefaultDebugPattern)
	v.SetDefault("upstream.validator_url", "")
	v.SetDefault("upstream.validator_enable", false)
	v.SetDefault("upstream.validator_pattern", DefaultValidatorPattern)

	v.SetDefault("forward.timeout", 0)
	v.SetDefault("forward.max_idle_conns", 200)
	v.SetDefault("forward.max_idle_conns_per_host", 50)
	v.SetDefault("forward.idle_conn_timeout", 90)
	v.SetDefault("forward.tls_handshake_timeout", 10)
	v.SetDefault("forward.tls_insecure_skip_verify", false)
	v.SetDefault("forward.header_blacklist", []string{})

	v.SetDefault("cors.default_origin", DefaultAllowedOrigin)

	v.SetDefault("seed.enable", false)
	v.SetDefault("seed.driver", "file")
	v.SetDefault("seed.dir", "./seed")
	v.SetDefault("seed.format", "json")
	v.SetDefault("seed.path", "./data/seed.db")
	v.SetDefault("seed.methods", []string{})
	v.SetDefault("seed.include_pattern", "")
	v.SetDefault("seed.replay", false)

	v.SetDefault("web.enable", true)
	v.SetDefault("web.admin_path", "/_swarmtap")
	v.SetDefault("web.formats", []string{"json", "csv"})
	v.SetDefault("web.max_exchanges", 500)

	v.SetDefault("metrics.enable", false)
	v.SetDefault("metrics.path", "/_swarmtap/metrics")

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./swarmtap.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)
}

func (c *Config) normalize() {
	c.Upstream.GatewayURL = strings.TrimRight(strings.TrimSpace(c.Upstream.GatewayURL), "/")
	c.Upstream.DebugURL = strings.TrimRight(strings.TrimSpace(c.Upstream.DebugURL), "/")
	c.Upstream.ValidatorURL = strings.TrimRight(strings.TrimSpace(c.Upstream.ValidatorURL), "/")
	c.Forward.HeaderBlacklist = normalizeHeaderList(c.Forward.HeaderBlacklist)
	c.Seed.Driver = strings.ToLower(strings.TrimSpace(c.Seed.Driver))
	c.Seed.Format = strings.ToLower(strings.TrimSpace(c.Seed.Format))
	for i, f := range c.Web.Formats {
		c.Web.Formats[i] = strings.ToLower(strings.TrimSpace(f))
	}
	for i, m := range c.Seed.Methods {
		c.Seed.Methods[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	c.Output.Mode = strings.ToLower(strings.TrimSpace(c.Output.Mode))
}

// DebugActive reports whether requests may be routed to the debug API.
func (c *Config) DebugActive() bool {
	return c.Upstream.DebugEnable && c.Upstream.DebugURL != ""
}

// ValidatorActive reports whether requests may be routed to the validator.
func (c *Config) ValidatorActive() bool {
	return c.Upstream.ValidatorEnable && c.Upstream.ValidatorURL != ""
}

// Validate validates configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server max body bytes cannot be negative")
	}

	if err := validateURL("upstream.gateway_url", c.Upstream.GatewayURL, true); err != nil {
		return err
	}
	if err := validateURL("upstream.debug_url", c.Upstream.DebugURL, false); err != nil {
		return err
	}
	if err := validateURL("upstream.validator_url", c.Upstream.ValidatorURL, false); err != nil {
		return err
	}
	if _, err := regexp.Compile(c.Upstream.DebugPattern); err != nil {
		return fmt.Errorf("invalid upstream.debug_pattern: %w", err)
	}
	if _, err := regexp.Compile(c.Upstream.ValidatorPattern); err != nil {
		return fmt.Errorf("invalid upstream.validator_pattern: %w", err)
	}

	if c.Forward.Timeout < 0 {
		return fmt.Errorf("forward timeout cannot be negative")
	}

	if c.Seed.Enable || c.Seed.Replay {
		switch c.Seed.Driver {
		case "file":
			if strings.TrimSpace(c.Seed.Dir) == "" {
				return fmt.Errorf("seed dir cannot be empty for file driver")
			}
			switch c.Seed.Format {
			case "", "json", "yaml":
			default:
				return fmt.Errorf("seed format must be json or yaml")
			}
		case "sqlite", "sqlite3":
			if strings.TrimSpace(c.Seed.Path) == "" {
				return fmt.Errorf("seed path cannot be empty for sqlite driver")
			}
		default:
			return fmt.Errorf("seed driver must be file or sqlite")
		}
	}
	if c.Seed.IncludePattern != "" {
		if _, err := regexp.Compile(c.Seed.IncludePattern); err != nil {
			return fmt.Errorf("invalid seed.include_pattern: %w", err)
		}
	}

	if c.Web.Enable {
		if !strings.HasPrefix(c.Web.AdminPath, "/") || len(c.Web.AdminPath) < 2 {
			return fmt.Errorf("web admin path must start with '/' and cannot be the root")
		}
		for _, f := range c.Web.Formats {
			if f != "json" && f != "csv" {
				return fmt.Errorf("unsupported web export format %q", f)
			}
		}
	}
	if c.Metrics.Enable && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with '/'")
	}

	switch c.Output.Mode {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
	}

	return nil
}

func validateURL(key, raw string, required bool) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%s cannot be empty", key)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https", key)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

func normalizeHeaderList(list []string) []string {
	if len(list) == 0 {
		return list
	}
	set := make(map[string]struct{}, len(list))
	result := make([]string, 0, len(list))
	for _, h := range list {
		norm := strings.ToLower(strings.TrimSpace(h))
		if norm == "" {
			continue
		}
		if _, exists := set[norm]; exists {
			continue
		}
		set[norm] = struct{}{}
		result = append(result, norm)
	}
	return result
}
