// Package config provides configuration loading and validation.
package config

// Config holds the server configuration.
type Config struct {
	// ExternalOrigin is the public origin (scheme + host + port) for this
	// instance, used to register the Telegram webhook.
	// Example: "https://vip.example.com"
	ExternalOrigin string `json:"external_origin"`

	// ListenAddr is the address to listen on.
	// Example: ":8090"
	ListenAddr string `json:"listen_addr"`

	// Telegram holds bot transport settings.
	Telegram TelegramConfig `json:"telegram"`

	// Payments holds payment webhook settings.
	Payments PaymentsConfig `json:"payments"`

	// Sweep holds the membership sweep cadence and external call bounds.
	Sweep SweepConfig `json:"sweep"`

	// Store selects and configures the persistence driver.
	Store StoreConfig `json:"store"`

	// Cache selects and configures the ephemeral state backend.
	Cache CacheConfig `json:"cache"`

	// TLS configuration.
	TLS TLSConfig `json:"tls"`

	// OutboundHTTP configuration for calls to the Telegram API.
	OutboundHTTP OutboundHTTPConfig `json:"outbound_http"`

	// Server holds listener-level settings.
	Server ServerConfig `json:"server"`

	// Logging configuration.
	Logging LoggingConfig `json:"logging"`
}

// TelegramConfig holds bot transport settings.
type TelegramConfig struct {
	// BotToken is the Bot API token. Required outside dev mode.
	BotToken string `json:"bot_token,omitempty"`

	// WebhookSecret is compared against the
	// X-Telegram-Bot-Api-Secret-Token header on inbound updates.
	WebhookSecret string `json:"webhook_secret,omitempty"`

	// APIOrigin overrides the Bot API origin (tests, local bot servers).
	// Default: "https://api.telegram.org"
	APIOrigin string `json:"api_origin"`
}

// PaymentsConfig holds payment webhook settings.
type PaymentsConfig struct {
	// SigningSecret is the shared secret for webhook HMAC verification.
	SigningSecret string `json:"signing_secret,omitempty"`

	// DefaultExtensionDays is used when neither the event nor the creator
	// configuration carries an extension length.
	DefaultExtensionDays int `json:"default_extension_days"`
}

// SweepConfig holds the sweep cadence and external call bounds.
type SweepConfig struct {
	// IntervalSeconds is the sweep cadence. Must not exceed 3600: the
	// reminder windows are one hour wide and each window must be observed
	// at least once before it closes.
	IntervalSeconds int `json:"interval_seconds"`

	// ExternalTimeoutMS bounds each external call (revoke, message send)
	// made during a sweep.
	ExternalTimeoutMS int `json:"external_timeout_ms"`
}

// StoreConfig selects the persistence driver.
type StoreConfig struct {
	// Driver is one of: memory, sqlite
	Driver string `json:"driver"`

	// DataDir is the directory for data files (sqlite db)
	DataDir string `json:"data_dir"`
}

// CacheConfig selects the ephemeral state backend.
type CacheConfig struct {
	// Driver is one of: memory, valkey
	Driver string `json:"driver"`

	// Drivers holds driver-specific options, keyed by driver name.
	Drivers map[string]map[string]any `json:"drivers,omitempty"`
}

// TLSConfig holds TLS-related settings.
type TLSConfig struct {
	// Mode is one of: off, static, selfsigned, acme
	Mode string `json:"mode"`

	// CertFile and KeyFile for static mode
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`

	// SelfSignedDir is where generated dev certificates live.
	SelfSignedDir string `json:"self_signed_dir"`

	// HTTPPort for the plain HTTP listener (ACME challenges, redirects)
	HTTPPort int `json:"http_port"`

	// ACME settings (acme mode only)
	ACME ACMEConfig `json:"acme"`
}

// ACMEConfig holds ACME/Let's Encrypt settings.
type ACMEConfig struct {
	Domain     string `json:"domain"`
	Email      string `json:"email"`
	UseStaging bool   `json:"use_staging"`
	Directory  string `json:"directory"`
	StorageDir string `json:"storage_dir"`
}

// OutboundHTTPConfig holds settings for outbound HTTP requests.
type OutboundHTTPConfig struct {
	// SSRFMode is one of: strict, off
	SSRFMode string `json:"ssrf_mode"`

	// TimeoutMS is the overall request timeout in milliseconds
	TimeoutMS int `json:"timeout_ms"`

	// ConnectTimeoutMS is the connection timeout in milliseconds
	ConnectTimeoutMS int `json:"connect_timeout_ms"`

	// MaxRedirects is the maximum number of redirects to follow
	MaxRedirects int `json:"max_redirects"`

	// MaxResponseBytes is the maximum response body size
	MaxResponseBytes int64 `json:"max_response_bytes"`

	// InsecureSkipVerify disables TLS verification (dev-only)
	InsecureSkipVerify bool `json:"insecure_skip_verify"`
}

// ServerConfig holds listener-level settings.
type ServerConfig struct {
	// TrustedProxies are CIDRs whose X-Forwarded-For headers are honored.
	TrustedProxies []string `json:"trusted_proxies"`

	// Admin holds credentials for the admin API.
	Admin AdminConfig `json:"admin"`
}

// AdminConfig holds admin API credentials.
type AdminConfig struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of: trace, debug, info, warn, error
	Level string `json:"level"`
}

// DefaultConfig returns a Config with production-leaning defaults.
func DefaultConfig() *Config {
	return &Config{
		ExternalOrigin: "https://localhost:8090",
		ListenAddr:     ":8090",
		Telegram: TelegramConfig{
			APIOrigin: "https://api.telegram.org",
		},
		Payments: PaymentsConfig{
			DefaultExtensionDays: 30,
		},
		Sweep: SweepConfig{
			IntervalSeconds:   900,
			ExternalTimeoutMS: 5000,
		},
		Store: StoreConfig{
			Driver:  "sqlite",
			DataDir: ".vipgate",
		},
		Cache: CacheConfig{
			Driver: "memory",
		},
		TLS: TLSConfig{
			Mode:          "off",
			SelfSignedDir: ".vipgate/certs",
			HTTPPort:      8080,
		},
		OutboundHTTP: OutboundHTTPConfig{
			SSRFMode:         "strict",
			TimeoutMS:        10000,
			ConnectTimeoutMS: 2000,
			MaxRedirects:     3,
			MaxResponseBytes: 1048576,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Redacted returns a copy of the config with secrets masked, safe to log.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Telegram.BotToken != "" {
		cp.Telegram.BotToken = "[redacted]"
	}
	if cp.Telegram.WebhookSecret != "" {
		cp.Telegram.WebhookSecret = "[redacted]"
	}
	if cp.Payments.SigningSecret != "" {
		cp.Payments.SigningSecret = "[redacted]"
	}
	if cp.Server.Admin.Password != "" {
		cp.Server.Admin.Password = "[redacted]"
	}
	// Driver option maps may carry passwords (valkey).
	if cp.Cache.Drivers != nil {
		redacted := make(map[string]map[string]any, len(cp.Cache.Drivers))
		for driver, opts := range cp.Cache.Drivers {
			cpOpts := make(map[string]any, len(opts))
			for k, v := range opts {
				if k == "password" {
					cpOpts[k] = "[redacted]"
					continue
				}
				cpOpts[k] = v
			}
			redacted[driver] = cpOpts
		}
		cp.Cache.Drivers = redacted
	}
	return &cp
}
