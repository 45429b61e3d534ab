package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Mode represents the server operating mode.
type Mode string

const (
	ModeProd Mode = "prod"
	ModeDev  Mode = "dev"
)

// ParseMode parses a mode string, returning an error for invalid values.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prod", "":
		return ModeProd, nil
	case "dev":
		return ModeDev, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be one of prod, dev", s)
	}
}

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If provided but file is missing or invalid, loading fails.
	ConfigPath string

	// ModeFlag is the --mode flag value (overrides config file mode).
	ModeFlag string

	// FlagOverrides are CLI flag values that override config file values.
	FlagOverrides FlagOverrides

	// Logger is used for warning messages (e.g., undecoded keys).
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override config file values.
type FlagOverrides struct {
	ListenAddr     *string
	ExternalOrigin *string
	BotToken       *string
	StoreDriver    *string
	DataDir        *string
	CacheDriver    *string
	TLSMode        *string
	SweepInterval  *string // seconds, parsed as int
	AdminUsername  *string
	AdminPassword  *string
	LoggingLevel   *string
}

// fileConfig mirrors Config but with pointer sections to detect presence.
type fileConfig struct {
	Mode string `toml:"mode"`

	ExternalOrigin string `toml:"external_origin"`
	ListenAddr     string `toml:"listen_addr"`

	Telegram     *telegramConfig     `toml:"telegram"`
	Payments     *paymentsConfig     `toml:"payments"`
	Sweep        *sweepConfig        `toml:"sweep"`
	Store        *storeConfig        `toml:"store"`
	Cache        *cacheConfig        `toml:"cache"`
	TLS          *tlsConfig          `toml:"tls"`
	OutboundHTTP *outboundHTTPConfig `toml:"outbound_http"`
	Server       *serverConfig       `toml:"server"`
	Logging      *loggingConfig      `toml:"logging"`
}

type telegramConfig struct {
	BotToken      string `toml:"bot_token"`
	WebhookSecret string `toml:"webhook_secret"`
	APIOrigin     string `toml:"api_origin"`
}

type paymentsConfig struct {
	SigningSecret        string `toml:"signing_secret"`
	DefaultExtensionDays int    `toml:"default_extension_days"`
}

type sweepConfig struct {
	IntervalSeconds   int `toml:"interval_seconds"`
	ExternalTimeoutMS int `toml:"external_timeout_ms"`
}

type storeConfig struct {
	Driver  string `toml:"driver"`
	DataDir string `toml:"data_dir"`
}

type cacheConfig struct {
	Driver  string                    `toml:"driver"`
	Drivers map[string]map[string]any `toml:"drivers"`
}

type tlsConfig struct {
	Mode          string      `toml:"mode"`
	CertFile      string      `toml:"cert_file"`
	KeyFile       string      `toml:"key_file"`
	SelfSignedDir string      `toml:"self_signed_dir"`
	HTTPPort      int         `toml:"http_port"`
	ACME          *acmeConfig `toml:"acme"`
}

type acmeConfig struct {
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	UseStaging bool   `toml:"use_staging"`
	Directory  string `toml:"directory"`
	StorageDir string `toml:"storage_dir"`
}

type outboundHTTPConfig struct {
	SSRFMode           string `toml:"ssrf_mode"`
	TimeoutMS          int    `toml:"timeout_ms"`
	ConnectTimeoutMS   int    `toml:"connect_timeout_ms"`
	MaxRedirects       int    `toml:"max_redirects"`
	MaxResponseBytes   int64  `toml:"max_response_bytes"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type serverConfig struct {
	TrustedProxies []string     `toml:"trusted_proxies"`
	Admin          *adminConfig `toml:"admin"`
}

type adminConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type loggingConfig struct {
	Level string `toml:"level"`
}

// Load loads configuration with the following precedence:
//  1. Determine effective mode: --mode flag > mode in config file > default (prod)
//  2. Start from mode preset defaults
//  3. Overlay TOML config file values
//  4. Overlay CLI flags
//  5. Validate enum fields and cadence bounds
//
// If ConfigPath is provided but the file is missing, unreadable, or invalid
// TOML, Load returns an error (fail fast). Unknown/undecoded TOML keys
// produce a warning but do not fail the load.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Read the file first: the mode key inside it participates in mode
	// resolution.
	var file fileConfig
	var undecoded []toml.Key
	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		meta, err := toml.Decode(string(data), &file)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
		undecoded = meta.Undecoded()
	}

	modeStr := opts.ModeFlag
	if modeStr == "" {
		modeStr = file.Mode
	}
	mode, err := ParseMode(modeStr)
	if err != nil {
		return nil, err
	}

	cfg := presetFor(mode)

	for _, key := range undecoded {
		logger.Warn("unknown config key ignored", "key", key.String())
	}

	applyFile(cfg, &file)
	applyFlags(cfg, &opts.FlagOverrides)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// presetFor returns the defaults for a mode.
func presetFor(mode Mode) *Config {
	cfg := DefaultConfig()
	if mode == ModeDev {
		cfg.ExternalOrigin = "http://localhost:8090"
		cfg.Store.Driver = "memory"
		cfg.Sweep.IntervalSeconds = 60
		cfg.OutboundHTTP.SSRFMode = "off"
		cfg.OutboundHTTP.InsecureSkipVerify = true
		cfg.Logging.Level = "debug"
	}
	return cfg
}

func applyFile(cfg *Config, file *fileConfig) {
	if file.ExternalOrigin != "" {
		cfg.ExternalOrigin = file.ExternalOrigin
	}
	if file.ListenAddr != "" {
		cfg.ListenAddr = file.ListenAddr
	}
	if file.Telegram != nil {
		if file.Telegram.BotToken != "" {
			cfg.Telegram.BotToken = file.Telegram.BotToken
		}
		if file.Telegram.WebhookSecret != "" {
			cfg.Telegram.WebhookSecret = file.Telegram.WebhookSecret
		}
		if file.Telegram.APIOrigin != "" {
			cfg.Telegram.APIOrigin = file.Telegram.APIOrigin
		}
	}
	if file.Payments != nil {
		if file.Payments.SigningSecret != "" {
			cfg.Payments.SigningSecret = file.Payments.SigningSecret
		}
		if file.Payments.DefaultExtensionDays > 0 {
			cfg.Payments.DefaultExtensionDays = file.Payments.DefaultExtensionDays
		}
	}
	if file.Sweep != nil {
		if file.Sweep.IntervalSeconds > 0 {
			cfg.Sweep.IntervalSeconds = file.Sweep.IntervalSeconds
		}
		if file.Sweep.ExternalTimeoutMS > 0 {
			cfg.Sweep.ExternalTimeoutMS = file.Sweep.ExternalTimeoutMS
		}
	}
	if file.Store != nil {
		if file.Store.Driver != "" {
			cfg.Store.Driver = file.Store.Driver
		}
		if file.Store.DataDir != "" {
			cfg.Store.DataDir = file.Store.DataDir
		}
	}
	if file.Cache != nil {
		if file.Cache.Driver != "" {
			cfg.Cache.Driver = file.Cache.Driver
		}
		if file.Cache.Drivers != nil {
			cfg.Cache.Drivers = file.Cache.Drivers
		}
	}
	if file.TLS != nil {
		if file.TLS.Mode != "" {
			cfg.TLS.Mode = file.TLS.Mode
		}
		if file.TLS.CertFile != "" {
			cfg.TLS.CertFile = file.TLS.CertFile
		}
		if file.TLS.KeyFile != "" {
			cfg.TLS.KeyFile = file.TLS.KeyFile
		}
		if file.TLS.SelfSignedDir != "" {
			cfg.TLS.SelfSignedDir = file.TLS.SelfSignedDir
		}
		if file.TLS.HTTPPort > 0 {
			cfg.TLS.HTTPPort = file.TLS.HTTPPort
		}
		if file.TLS.ACME != nil {
			cfg.TLS.ACME = ACMEConfig{
				Domain:     file.TLS.ACME.Domain,
				Email:      file.TLS.ACME.Email,
				UseStaging: file.TLS.ACME.UseStaging,
				Directory:  file.TLS.ACME.Directory,
				StorageDir: file.TLS.ACME.StorageDir,
			}
		}
	}
	if file.OutboundHTTP != nil {
		if file.OutboundHTTP.SSRFMode != "" {
			cfg.OutboundHTTP.SSRFMode = file.OutboundHTTP.SSRFMode
		}
		if file.OutboundHTTP.TimeoutMS > 0 {
			cfg.OutboundHTTP.TimeoutMS = file.OutboundHTTP.TimeoutMS
		}
		if file.OutboundHTTP.ConnectTimeoutMS > 0 {
			cfg.OutboundHTTP.ConnectTimeoutMS = file.OutboundHTTP.ConnectTimeoutMS
		}
		if file.OutboundHTTP.MaxRedirects > 0 {
			cfg.OutboundHTTP.MaxRedirects = file.OutboundHTTP.MaxRedirects
		}
		if file.OutboundHTTP.MaxResponseBytes > 0 {
			cfg.OutboundHTTP.MaxResponseBytes = file.OutboundHTTP.MaxResponseBytes
		}
		if file.OutboundHTTP.InsecureSkipVerify {
			cfg.OutboundHTTP.InsecureSkipVerify = true
		}
	}
	if file.Server != nil {
		if len(file.Server.TrustedProxies) > 0 {
			cfg.Server.TrustedProxies = file.Server.TrustedProxies
		}
		if file.Server.Admin != nil {
			if file.Server.Admin.Username != "" {
				cfg.Server.Admin.Username = file.Server.Admin.Username
			}
			if file.Server.Admin.Password != "" {
				cfg.Server.Admin.Password = file.Server.Admin.Password
			}
		}
	}
	if file.Logging != nil && file.Logging.Level != "" {
		cfg.Logging.Level = file.Logging.Level
	}
}

func applyFlags(cfg *Config, flags *FlagOverrides) {
	if flags == nil {
		return
	}
	setString := func(dst *string, src *string) {
		if src != nil && *src != "" {
			*dst = *src
		}
	}
	setString(&cfg.ListenAddr, flags.ListenAddr)
	setString(&cfg.ExternalOrigin, flags.ExternalOrigin)
	setString(&cfg.Telegram.BotToken, flags.BotToken)
	setString(&cfg.Store.Driver, flags.StoreDriver)
	setString(&cfg.Store.DataDir, flags.DataDir)
	setString(&cfg.Cache.Driver, flags.CacheDriver)
	setString(&cfg.TLS.Mode, flags.TLSMode)
	setString(&cfg.Server.Admin.Username, flags.AdminUsername)
	setString(&cfg.Server.Admin.Password, flags.AdminPassword)
	setString(&cfg.Logging.Level, flags.LoggingLevel)

	if flags.SweepInterval != nil && *flags.SweepInterval != "" {
		var secs int
		if _, err := fmt.Sscanf(*flags.SweepInterval, "%d", &secs); err == nil && secs > 0 {
			cfg.Sweep.IntervalSeconds = secs
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.TLS.Mode {
	case "off", "static", "selfsigned", "acme":
	default:
		return fmt.Errorf("invalid tls.mode %q: must be one of off, static, selfsigned, acme", cfg.TLS.Mode)
	}

	switch cfg.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("invalid store.driver %q: must be one of memory, sqlite", cfg.Store.Driver)
	}

	switch cfg.Cache.Driver {
	case "memory", "valkey":
	default:
		return fmt.Errorf("invalid cache.driver %q: must be one of memory, valkey", cfg.Cache.Driver)
	}

	switch cfg.OutboundHTTP.SSRFMode {
	case "strict", "off":
	default:
		return fmt.Errorf("invalid outbound_http.ssrf_mode %q: must be strict or off", cfg.OutboundHTTP.SSRFMode)
	}

	switch cfg.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q: must be one of trace, debug, info, warn, error", cfg.Logging.Level)
	}

	// Reminder windows are one hour wide; a slower sweep would skip them.
	if cfg.Sweep.IntervalSeconds <= 0 || cfg.Sweep.IntervalSeconds > 3600 {
		return fmt.Errorf("invalid sweep.interval_seconds %d: must be in (0, 3600]", cfg.Sweep.IntervalSeconds)
	}

	return nil
}
