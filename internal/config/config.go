package config

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
)

const (
	defaultPort          = "8080"
	defaultPoolSize      = 4
	defaultFetchTimeout  = 30000
	defaultProxyEndpoint = "https://api.scrape.do/"
	defaultBodyLimit     = "10mb"
)

// Config holds all process configuration.
type Config struct {
	Server  ServerConfig
	Browser BrowserConfig
	Fetch   FetchConfig
	Proxy   ProxyConfig
	Logging LogConfig
}

type ServerConfig struct {
	Port             string `envconfig:"PORT" default:"8080"`
	RequestBodyLimit string `envconfig:"REQUEST_BODY_LIMIT" default:"10mb"`
}

// BrowserConfig 描述浏览器来源：远程 CDP / browserless，或者本机 Chrome。
type BrowserConfig struct {
	WSEndpoint      string `envconfig:"CHROME_WS_ENDPOINT"`
	BrowserlessURL  string `envconfig:"BROWSERLESS_HTTP_URL"`
	ChromePath      string `envconfig:"CHROME_PATH"`
	Headless        bool   `envconfig:"CHROME_HEADLESS" default:"true"`
	IgnoreTLSErrors bool   `envconfig:"ALLOW_IGNORE_SSL_ERRORS" default:"false"`
	PoolSize        int    `envconfig:"POOL_SIZE" default:"4"`
}

type FetchConfig struct {
	TimeoutMs int `envconfig:"FETCH_TIMEOUT_MS" default:"30000"`
}

type ProxyConfig struct {
	APIKey   string  `envconfig:"SCRAPE_DO_API_KEY"`
	Endpoint string  `envconfig:"SCRAPE_DO_ENDPOINT" default:"https://api.scrape.do/"`
	Retries  int     `envconfig:"SCRAPE_DO_RETRIES" default:"1"`
	RPS      float64 `envconfig:"SCRAPE_DO_RPS" default:"0"`
}

type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             defaultPort,
			RequestBodyLimit: defaultBodyLimit,
		},
		Browser: BrowserConfig{
			Headless: true,
			PoolSize: defaultPoolSize,
		},
		Fetch: FetchConfig{
			TimeoutMs: defaultFetchTimeout,
		},
		Proxy: ProxyConfig{
			Endpoint: defaultProxyEndpoint,
			Retries:  1,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

func (c *Config) validate() error {
	if c.Browser.PoolSize < 1 {
		return fmt.Errorf("POOL_SIZE must be >= 1, got %d", c.Browser.PoolSize)
	}
	if c.Fetch.TimeoutMs < 1 {
		return fmt.Errorf("FETCH_TIMEOUT_MS must be >= 1, got %d", c.Fetch.TimeoutMs)
	}
	if c.Proxy.Retries < 0 {
		return fmt.Errorf("SCRAPE_DO_RETRIES must be >= 0, got %d", c.Proxy.Retries)
	}
	if _, err := c.Server.BodyLimitBytes(); err != nil {
		return err
	}
	return nil
}

func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutMs) * time.Millisecond
}

// BodyLimitBytes parses REQUEST_BODY_LIMIT ("10mb", "512KB", "1048576").
func (s ServerConfig) BodyLimitBytes() (int64, error) {
	n, err := humanize.ParseBytes(s.RequestBodyLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid REQUEST_BODY_LIMIT %q: %w", s.RequestBodyLimit, err)
	}
	return int64(n), nil
}

// RemoteConfigured 是否配置了远程浏览器端点。
func (b BrowserConfig) RemoteConfigured() bool {
	return b.WSEndpoint != "" || b.BrowserlessURL != ""
}

func (p ProxyConfig) Configured() bool {
	return p.APIKey != ""
}
