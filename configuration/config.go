// Package configuration loads, validates, and watches the daemon's YAML
// configuration.
package configuration

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/authelia/authelia-sub000/authorization"
	"github.com/authelia/authelia-sub000/notification"
	"github.com/authelia/authelia-sub000/regulation"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete daemon configuration.
type Config struct {
	Server                ServerConfig                `yaml:"server"`
	Log                   LogConfig                   `yaml:"log"`
	Session               SessionConfig               `yaml:"session"`
	AuthenticationBackend AuthenticationBackendConfig `yaml:"authentication_backend"`
	AccessControl         AccessControlConfig         `yaml:"access_control"`
	Regulation            RegulationConfig            `yaml:"regulation"`
	Notifier              NotifierConfig              `yaml:"notifier"`
	Storage               StorageConfig               `yaml:"storage"`
	TOTP                  TOTPConfig                  `yaml:"totp"`
	WebAuthn              WebAuthnConfig              `yaml:"webauthn"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
	// ExternalURL is the public base URL of the login portal, used to build
	// identity verification links and login redirects.
	ExternalURL    string    `yaml:"external_url"`
	TrustedProxies []string  `yaml:"trusted_proxies"`
	TLS            TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SessionConfig struct {
	Name               string   `yaml:"name"`
	Domain             string   `yaml:"domain"`
	Secret             string   `yaml:"secret"`
	Expiration         Duration `yaml:"expiration"`
	RememberMeDuration Duration `yaml:"remember_me_duration"`
	Inactivity         Duration `yaml:"inactivity"`
}

// SecretKey decodes the hex encoded session encryption key.
func (c SessionConfig) SecretKey() ([]byte, error) {
	key, err := hex.DecodeString(c.Secret)
	if err != nil {
		return nil, fmt.Errorf("session.secret must be hex encoded: %w", err)
	}
	return key, nil
}

type AuthenticationBackendConfig struct {
	File FileBackendConfig `yaml:"file"`
}

type FileBackendConfig struct {
	Path string `yaml:"path"`
}

type AccessControlConfig struct {
	DefaultPolicy string `yaml:"default_policy"`
	// InsufficientLevelStatus is the HTTP status returned when a logged-in
	// user has not yet presented enough factors for the resource. 401 sends
	// the user back through the portal, 403 refuses outright.
	InsufficientLevelStatus int             `yaml:"insufficient_level_status"`
	Networks                []NetworkConfig `yaml:"networks"`
	Rules                   []RuleConfig    `yaml:"rules"`
}

type NetworkConfig struct {
	User     string   `yaml:"user"`
	Networks []string `yaml:"networks"`
	Policy   string   `yaml:"policy"`
}

type RuleConfig struct {
	Domain    string   `yaml:"domain"`
	Policy    string   `yaml:"policy"`
	Subjects  []string `yaml:"subjects"`
	Resources []string `yaml:"resources"`
}

type RegulationConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	FindTime   Duration `yaml:"find_time"`
	BanTime    Duration `yaml:"ban_time"`
}

type NotifierConfig struct {
	SMTP       *notification.SMTPConfig `yaml:"smtp"`
	Filesystem *FileNotifierConfig      `yaml:"filesystem"`
}

type FileNotifierConfig struct {
	Path string `yaml:"path"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type TOTPConfig struct {
	Issuer string `yaml:"issuer"`
}

type WebAuthnConfig struct {
	DisplayName string `yaml:"display_name"`
	RPID        string `yaml:"rp_id"`
	Origin      string `yaml:"origin"`
}

// Load reads and parses the configuration file, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults. Secrets and
// site specific values still have to be provided.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address: ":9091",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Session: SessionConfig{
			Name:               "gatekeeper_session",
			Expiration:         Duration(time.Hour),
			RememberMeDuration: Duration(365 * 24 * time.Hour),
			Inactivity:         Duration(5 * time.Minute),
		},
		AccessControl: AccessControlConfig{
			DefaultPolicy:           "deny",
			InsufficientLevelStatus: 401,
		},
		Regulation: RegulationConfig{
			MaxRetries: 3,
			FindTime:   Duration(2 * time.Minute),
			BanTime:    Duration(5 * time.Minute),
		},
		Storage: StorageConfig{
			Path: "/var/lib/authd/db.bolt",
		},
		TOTP: TOTPConfig{
			Issuer: "authd",
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AUTHD_SESSION_SECRET"); v != "" {
		c.Session.Secret = v
	}
	if v := os.Getenv("AUTHD_SMTP_PASSWORD"); v != "" && c.Notifier.SMTP != nil {
		c.Notifier.SMTP.Password = v
	}
	if v := os.Getenv("AUTHD_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("AUTHD_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
}

// Validate checks that the configuration is complete and coherent.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Server.ExternalURL != "" {
		u, err := url.Parse(c.Server.ExternalURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.external_url must be an absolute URL")
		}
	}
	for _, proxy := range c.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(proxy); err != nil {
			if _, err := netip.ParseAddr(proxy); err != nil {
				return fmt.Errorf("server.trusted_proxies entry %q is not an IP or CIDR", proxy)
			}
		}
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text")
	}

	if c.Session.Name == "" {
		return fmt.Errorf("session.name is required")
	}
	if c.Session.Secret != "" {
		key, err := c.Session.SecretKey()
		if err != nil {
			return err
		}
		if len(key) != 32 {
			return fmt.Errorf("session.secret must decode to 32 bytes, got %d", len(key))
		}
	}
	if c.Session.Expiration.Std() <= 0 {
		return fmt.Errorf("session.expiration must be positive")
	}

	if c.AuthenticationBackend.File.Path == "" {
		return fmt.Errorf("authentication_backend.file.path is required")
	}

	if err := c.AccessControl.validate(); err != nil {
		return err
	}

	if c.Regulation.MaxRetries < 0 {
		return fmt.Errorf("regulation.max_retries must not be negative")
	}

	if c.Notifier.SMTP == nil && c.Notifier.Filesystem == nil {
		return fmt.Errorf("a notifier is required: set notifier.smtp or notifier.filesystem")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	return nil
}

func (c *AccessControlConfig) validate() error {
	if _, err := parsePolicy(c.DefaultPolicy); err != nil {
		return fmt.Errorf("access_control.default_policy: %w", err)
	}
	switch c.InsufficientLevelStatus {
	case 401, 403:
	default:
		return fmt.Errorf("access_control.insufficient_level_status must be 401 or 403")
	}
	for i, rule := range c.Rules {
		if rule.Domain == "" {
			return fmt.Errorf("access_control.rules[%d]: domain is required", i)
		}
		if _, err := parsePolicy(rule.Policy); err != nil {
			return fmt.Errorf("access_control.rules[%d]: %w", i, err)
		}
	}
	for i, network := range c.Networks {
		if len(network.Networks) == 0 {
			return fmt.Errorf("access_control.networks[%d]: at least one network is required", i)
		}
		for _, cidr := range network.Networks {
			if _, err := netip.ParsePrefix(cidr); err != nil {
				return fmt.Errorf("access_control.networks[%d]: invalid CIDR %q", i, cidr)
			}
		}
		if network.Policy != "" {
			level, err := parsePolicy(network.Policy)
			if err != nil {
				return fmt.Errorf("access_control.networks[%d]: %w", i, err)
			}
			if level != authorization.Bypass && level != authorization.OneFactor {
				return fmt.Errorf("access_control.networks[%d]: policy must be bypass or one_factor", i)
			}
		}
	}
	return nil
}

// parsePolicy is strict where authorization.ParseLevel is lenient: typos in
// configuration are errors, not silent denies.
func parsePolicy(s string) (authorization.Level, error) {
	switch strings.ToLower(s) {
	case "bypass":
		return authorization.Bypass, nil
	case "one_factor":
		return authorization.OneFactor, nil
	case "two_factor":
		return authorization.TwoFactor, nil
	case "deny":
		return authorization.Deny, nil
	default:
		return authorization.Deny, fmt.Errorf("unknown policy %q", s)
	}
}

// BuildAccessControl compiles the access control section into an authorizer
// rule table.
func (c *AccessControlConfig) BuildAccessControl() ([]authorization.Rule, authorization.Level, []authorization.NetworkWhitelistEntry, error) {
	defaultPolicy, err := parsePolicy(c.DefaultPolicy)
	if err != nil {
		return nil, authorization.Deny, nil, err
	}

	rules := make([]authorization.Rule, 0, len(c.Rules))
	for i, rc := range c.Rules {
		policy, err := parsePolicy(rc.Policy)
		if err != nil {
			return nil, authorization.Deny, nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rule, err := authorization.NewRule(rc.Domain, policy, rc.Subjects, rc.Resources)
		if err != nil {
			return nil, authorization.Deny, nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}

	whitelist := make([]authorization.NetworkWhitelistEntry, 0, len(c.Networks))
	for i, nc := range c.Networks {
		prefixes := make([]netip.Prefix, 0, len(nc.Networks))
		for _, cidr := range nc.Networks {
			prefix, err := netip.ParsePrefix(cidr)
			if err != nil {
				return nil, authorization.Deny, nil, fmt.Errorf("network %d: invalid CIDR %q", i, cidr)
			}
			prefixes = append(prefixes, prefix)
		}
		policy := authorization.OneFactor
		if nc.Policy != "" {
			if policy, err = parsePolicy(nc.Policy); err != nil {
				return nil, authorization.Deny, nil, fmt.Errorf("network %d: %w", i, err)
			}
		}
		whitelist = append(whitelist, authorization.NetworkWhitelistEntry{
			Username: nc.User,
			Networks: prefixes,
			Policy:   policy,
		})
	}
	return rules, defaultPolicy, whitelist, nil
}

// BuildRegulation maps the regulation section onto the regulator config.
func (c RegulationConfig) BuildRegulation() regulation.Config {
	cfg := regulation.DefaultConfig()
	cfg.MaxRetries = c.MaxRetries
	if c.FindTime.Std() > 0 {
		cfg.FindTime = c.FindTime.Std()
	}
	if c.BanTime.Std() > 0 {
		cfg.BanTime = c.BanTime.Std()
	}
	return cfg
}

// SetupLogging configures the global slog logger from the log section.
func SetupLogging(cfg LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// Redact returns a copy of the config with secrets blanked for safe logging.
func (c *Config) Redact() *Config {
	redacted := *c
	if redacted.Session.Secret != "" {
		redacted.Session.Secret = "[REDACTED]"
	}
	if c.Notifier.SMTP != nil {
		smtp := *c.Notifier.SMTP
		if smtp.Password != "" {
			smtp.Password = "[REDACTED]"
		}
		redacted.Notifier.SMTP = &smtp
	}
	return &redacted
}
