// Package config loads service settings from an optional YAML file and
// SWEEPDESK_* environment variables. The environment wins.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	envPrefix = "SWEEPDESK_"
)

// ErrDevAuthInProduction is returned when the insecure dev principal header
// is enabled under the production environment marker.
var ErrDevAuthInProduction = errors.New("config: insecure dev auth cannot be enabled in production")

// Config holds every runtime setting.
type Config struct {
	Environment string `yaml:"environment"`
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`

	PGDSN         string `yaml:"pg_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	TokenSecret string        `yaml:"token_secret"`
	Issuer      string        `yaml:"issuer"`
	AccessTTL   time.Duration `yaml:"access_ttl"`
	RefreshTTL  time.Duration `yaml:"refresh_ttl"`

	ProxySecret string        `yaml:"proxy_secret"`
	ProxyCIDRs  []string      `yaml:"proxy_cidrs"`
	ProxySkew   time.Duration `yaml:"proxy_skew"`

	CapabilityKey string `yaml:"capability_key"`
	CapabilityOrg string `yaml:"capability_org"`
	DefaultOrg    string `yaml:"default_org"`

	// InsecureDevAuth accepts the X-Dev-Principal header. Refused in production.
	InsecureDevAuth bool `yaml:"insecure_dev_auth"`

	LoginLimit  int           `yaml:"login_limit"`
	LoginWindow time.Duration `yaml:"login_window"`

	HTTPRatePerSecond float64 `yaml:"http_rate_per_second"`
	HTTPRateBurst     int     `yaml:"http_rate_burst"`

	AuditQueueSize int    `yaml:"audit_queue_size"`
	CatalogPath    string `yaml:"catalog_path"`

	SessionSweepInterval time.Duration `yaml:"session_sweep_interval"`

	// BootstrapLogin and BootstrapPassword seed one super administrator into
	// the in-memory stores. Ignored when PGDSN is set.
	BootstrapLogin    string `yaml:"bootstrap_login"`
	BootstrapPassword string `yaml:"bootstrap_password"`
}

// Default returns the development defaults.
func Default() Config {
	return Config{
		Environment:       EnvDevelopment,
		HTTPAddr:          ":8080",
		GRPCAddr:          ":9090",
		Issuer:            "sweepdesk",
		AccessTTL:         15 * time.Minute,
		RefreshTTL:        30 * 24 * time.Hour,
		ProxySkew:         30 * time.Second,
		LoginLimit:        5,
		LoginWindow:       15 * time.Minute,
		HTTPRatePerSecond: 20,
		HTTPRateBurst:     40,
		AuditQueueSize:    1024,

		SessionSweepInterval: 10 * time.Minute,
	}
}

// Load reads path (if not empty), then applies environment overrides from
// getenv, then validates. A nil getenv uses os.Getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	str("ENV", &c.Environment)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)
	str("PG_DSN", &c.PGDSN)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	str("TOKEN_SECRET", &c.TokenSecret)
	str("ISSUER", &c.Issuer)
	dur("ACCESS_TTL", &c.AccessTTL)
	dur("REFRESH_TTL", &c.RefreshTTL)
	str("PROXY_SECRET", &c.ProxySecret)
	if v := strings.TrimSpace(getenv(envPrefix + "PROXY_CIDRS")); v != "" {
		c.ProxyCIDRs = splitList(v)
	}
	dur("PROXY_SKEW", &c.ProxySkew)
	str("CAPABILITY_KEY", &c.CapabilityKey)
	str("CAPABILITY_ORG", &c.CapabilityOrg)
	str("DEFAULT_ORG", &c.DefaultOrg)
	if v := strings.TrimSpace(getenv(envPrefix + "INSECURE_DEV_AUTH")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sINSECURE_DEV_AUTH: %w", envPrefix, err))
		}
		c.InsecureDevAuth = b
	}
	num("LOGIN_LIMIT", &c.LoginLimit)
	dur("LOGIN_WINDOW", &c.LoginWindow)
	if v := strings.TrimSpace(getenv(envPrefix + "HTTP_RATE_PER_SECOND")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sHTTP_RATE_PER_SECOND: %w", envPrefix, err))
		}
		c.HTTPRatePerSecond = f
	}
	num("HTTP_RATE_BURST", &c.HTTPRateBurst)
	num("AUDIT_QUEUE_SIZE", &c.AuditQueueSize)
	str("CATALOG_PATH", &c.CatalogPath)
	dur("SESSION_SWEEP_INTERVAL", &c.SessionSweepInterval)
	str("BOOTSTRAP_LOGIN", &c.BootstrapLogin)
	str("BOOTSTRAP_PASSWORD", &c.BootstrapPassword)
	return errors.Join(errs...)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.Environment == "" {
		errs = append(errs, errors.New("config: environment is required"))
	}
	if c.IsProduction() && c.InsecureDevAuth {
		errs = append(errs, ErrDevAuthInProduction)
	}
	if len(c.TokenSecret) < 32 {
		errs = append(errs, errors.New("config: token secret must be at least 32 bytes"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.AccessTTL > c.RefreshTTL {
		errs = append(errs, errors.New("config: access ttl must be positive and not exceed refresh ttl"))
	}
	if (c.CapabilityKey == "") != (c.CapabilityOrg == "") {
		errs = append(errs, errors.New("config: capability key and organization must be set together"))
	}
	if len(c.ProxyCIDRs) > 0 && c.ProxySecret == "" {
		errs = append(errs, errors.New("config: proxy cidrs require a proxy secret"))
	}
	if (c.BootstrapLogin == "") != (c.BootstrapPassword == "") {
		errs = append(errs, errors.New("config: bootstrap login and password must be set together"))
	}
	if c.IsProduction() && c.PGDSN == "" {
		errs = append(errs, errors.New("config: production requires a postgres dsn"))
	}
	if c.IsProduction() && c.RedisAddr == "" {
		errs = append(errs, errors.New("config: production requires redis for login rate limiting"))
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the production marker is set.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvProduction)
}

// ProxyPrefixes parses the trusted proxy allowlist. Bare addresses become
// single-host prefixes.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.ProxyCIDRs))
	for _, raw := range c.ProxyCIDRs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("config: proxy cidr %q: %w", raw, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("config: proxy cidr %q: %w", raw, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
