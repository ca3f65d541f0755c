// Package config loads the caengine settings from a YAML file, an optional
// .env file and CAENGINE_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pkisouverain/caengine/notify"
	"github.com/pkisouverain/caengine/pki"
)

// Storage drivers.
const (
	DriverBbolt    = "bbolt"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CAENGINE_"

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Keys    KeysConfig    `yaml:"keys"`
	CA      CAConfig      `yaml:"ca"`
	CRL     CRLConfig     `yaml:"crl"`
	SMTP    SMTPConfig    `yaml:"smtp"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AdminToken     string   `yaml:"admin_token"`
	TrustedProxies []string `yaml:"trusted_proxies"`
	TLSCert        string   `yaml:"tls_cert"`
	TLSKey         string   `yaml:"tls_key"`
	// AuditWebhookURL receives a JSON POST for every audit event.
	AuditWebhookURL  string `yaml:"audit_webhook_url"`
	AuditWebhookAuth string `yaml:"audit_webhook_auth"`
}

type StorageConfig struct {
	Driver  string `yaml:"driver"`
	DataDir string `yaml:"data_dir"`
	DSN     string `yaml:"dsn"`
}

// KeysConfig locates CA key containers and their password. An empty Dir
// keeps containers in the storage backend.
type KeysConfig struct {
	Dir             string `yaml:"dir"`
	PasswordEnv     string `yaml:"password_env"`
	DefaultPassword string `yaml:"default_password"`
}

type CAConfig struct {
	Organization        string        `yaml:"organization"`
	Country             string        `yaml:"country"`
	KeyAlgorithm        string        `yaml:"key_algorithm"`
	DefaultKeyBits      int           `yaml:"default_key_bits"`
	DefaultValidityDays int           `yaml:"default_validity_days"`
	ClockSkew           time.Duration `yaml:"clock_skew"`
}

// CRLConfig controls CRL lifetime and rotation. A non-zero Interval
// replaces the daily rebuild at Hour.
type CRLConfig struct {
	Validity      time.Duration `yaml:"validity"`
	Interval      time.Duration `yaml:"interval"`
	Hour          int           `yaml:"hour"`
	RetryAttempts uint          `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type SMTPConfig struct {
	Enabled           bool `yaml:"enabled"`
	notify.SMTPConfig `yaml:",inline"`
}

// Default returns the configuration used for anything the file and the
// environment leave unset.
func Default() Config {
	p := pki.DefaultProfile()
	return Config{
		Server: ServerConfig{Addr: ":8443"},
		Storage: StorageConfig{
			Driver:  DriverBbolt,
			DataDir: "./data",
		},
		Keys: KeysConfig{PasswordEnv: "CAENGINE_KEY_PASSWORD"},
		CA: CAConfig{
			Organization:        p.Organization,
			Country:             p.Country,
			KeyAlgorithm:        string(p.KeyAlgorithm),
			DefaultKeyBits:      p.DefaultKeyBits,
			DefaultValidityDays: p.DefaultValidityDays,
			ClockSkew:           p.ClockSkew,
		},
		CRL: CRLConfig{
			Validity:      p.CRLValidity,
			Hour:          2,
			RetryAttempts: p.CRLRetryAttempts,
			RetryDelay:    p.CRLRetryDelay,
		},
		SMTP: SMTPConfig{SMTPConfig: notify.SMTPConfig{Port: 587, TLSMode: notify.TLSModeAuto}},
	}
}

// Load reads path (optional; "" skips the file), then envFile (optional;
// a missing file is ignored), then applies CAENGINE_* overrides and
// validates the result.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &c.Server.Addr)
	str("ADMIN_TOKEN", &c.Server.AdminToken)
	if v, ok := lookup(EnvPrefix + "TRUSTED_PROXIES"); ok {
		c.Server.TrustedProxies = splitList(v)
	}
	str("TLS_CERT", &c.Server.TLSCert)
	str("TLS_KEY", &c.Server.TLSKey)
	str("AUDIT_WEBHOOK_URL", &c.Server.AuditWebhookURL)
	str("AUDIT_WEBHOOK_AUTH", &c.Server.AuditWebhookAuth)

	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("DATA_DIR", &c.Storage.DataDir)
	str("POSTGRES_DSN", &c.Storage.DSN)

	str("KEYS_DIR", &c.Keys.Dir)
	str("KEY_PASSWORD_ENV", &c.Keys.PasswordEnv)
	str("DEFAULT_KEY_PASSWORD", &c.Keys.DefaultPassword)

	str("CA_ORGANIZATION", &c.CA.Organization)
	str("CA_COUNTRY", &c.CA.Country)
	str("CA_KEY_ALGORITHM", &c.CA.KeyAlgorithm)
	num("CA_KEY_BITS", &c.CA.DefaultKeyBits)
	num("CA_VALIDITY_DAYS", &c.CA.DefaultValidityDays)

	dur("CRL_VALIDITY", &c.CRL.Validity)
	dur("CRL_INTERVAL", &c.CRL.Interval)
	num("CRL_HOUR", &c.CRL.Hour)

	if v, ok := lookup(EnvPrefix + "SMTP_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSMTP_ENABLED: %w", EnvPrefix, err))
		} else {
			c.SMTP.Enabled = b
		}
	}
	str("SMTP_HOST", &c.SMTP.Host)
	num("SMTP_PORT", &c.SMTP.Port)
	str("SMTP_FROM", &c.SMTP.From)
	str("SMTP_USERNAME", &c.SMTP.Username)
	str("SMTP_PASSWORD", &c.SMTP.Password)
	str("SMTP_TLS_MODE", &c.SMTP.TLSMode)

	return errors.Join(errs...)
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

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	err := validation.Errors{
		"storage": validation.ValidateStruct(&c.Storage,
			validation.Field(&c.Storage.Driver, validation.Required, validation.In(DriverBbolt, DriverPostgres, DriverMemory)),
			validation.Field(&c.Storage.DataDir, validation.When(c.Storage.Driver == DriverBbolt, validation.Required)),
			validation.Field(&c.Storage.DSN, validation.When(c.Storage.Driver == DriverPostgres, validation.Required)),
		),
		"ca": validation.ValidateStruct(&c.CA,
			validation.Field(&c.CA.KeyAlgorithm, validation.Required,
				validation.In(string(pki.KeyAlgorithmRSA), string(pki.KeyAlgorithmECDSA))),
			validation.Field(&c.CA.Country, validation.Length(2, 2)),
			validation.Field(&c.CA.DefaultValidityDays, validation.Min(0)),
		),
		"crl": validation.ValidateStruct(&c.CRL,
			validation.Field(&c.CRL.Hour, validation.Min(0), validation.Max(23)),
			validation.Field(&c.CRL.Validity, validation.Min(time.Duration(0))),
			validation.Field(&c.CRL.Interval, validation.Min(time.Duration(0))),
		),
		"smtp": validation.ValidateStruct(&c.SMTP,
			validation.Field(&c.SMTP.Host, validation.When(c.SMTP.Enabled, validation.Required)),
			validation.Field(&c.SMTP.From, validation.When(c.SMTP.Enabled, validation.Required)),
			validation.Field(&c.SMTP.TLSMode, validation.In(
				notify.TLSModeAuto, notify.TLSModeStartTLS, notify.TLSModeSSL, notify.TLSModeNone)),
		),
	}.Filter()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Profile converts the CA and CRL sections into an engine profile.
func (c Config) Profile() pki.Profile {
	return pki.Profile{
		Organization:        c.CA.Organization,
		Country:             c.CA.Country,
		KeyAlgorithm:        pki.KeyAlgorithm(strings.ToUpper(c.CA.KeyAlgorithm)),
		DefaultKeyBits:      c.CA.DefaultKeyBits,
		DefaultValidityDays: c.CA.DefaultValidityDays,
		ClockSkew:           c.CA.ClockSkew,
		CRLValidity:         c.CRL.Validity,
		CRLRetryAttempts:    c.CRL.RetryAttempts,
		CRLRetryDelay:       c.CRL.RetryDelay,
	}
}

// Schedule returns the CRL rotation schedule.
func (c Config) Schedule() pki.Schedule {
	if c.CRL.Interval > 0 {
		return pki.Every(c.CRL.Interval)
	}
	return pki.DailyAt{Hour: c.CRL.Hour}
}
