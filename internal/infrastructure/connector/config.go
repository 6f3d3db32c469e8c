package connector

import (
	"errors"
	"time"

	"github.com/retention/backend/internal/infrastructure/config"
)

// Defaults applied by Config.Validate
const (
	DefaultHTTPTimeout = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultPageSize    = 100
	DefaultRateLimit   = 10.0

	// maxResponseSize bounds a single platform response (10MB)
	maxResponseSize = 10 * 1024 * 1024
)

// ErrConfigMissingBaseURL is returned when a connector has no API base URL
var ErrConfigMissingBaseURL = errors.New("connector: base URL is required")

// Config holds the transport settings of one connector
type Config struct {
	// BaseURL is the platform API root. Stripe and Mailchimp accept an empty
	// value and use the platform default.
	BaseURL string
	// HTTPTimeout bounds a single HTTP request, not the whole run
	HTTPTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// PageSize is the number of records requested per page
	PageSize int
	// RateLimit is the request budget per second; 0 disables limiting
	RateLimit float64
	// ClientID and ClientSecret enable OAuth refresh when the integration
	// carries a refresh_token
	ClientID     string
	ClientSecret string
}

// Validate applies defaults. A negative RateLimit disables limiting.
func (c *Config) Validate() error {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	return nil
}

// requireBaseURL validates a config for connectors without a built-in default
func (c *Config) requireBaseURL() error {
	if c.BaseURL == "" {
		return ErrConfigMissingBaseURL
	}
	return c.Validate()
}

// fromConnectorsConfig builds a connector config from the application config
func fromConnectorsConfig(cfg config.ConnectorsConfig, baseURL, clientID, clientSecret string) Config {
	rl := cfg.RateLimit
	if rl == 0 {
		rl = DefaultRateLimit
	}
	return Config{
		BaseURL:      baseURL,
		HTTPTimeout:  cfg.HTTPTimeout,
		MaxRetries:   cfg.MaxRetries,
		PageSize:     cfg.PageSize,
		RateLimit:    rl,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
}
