package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the gateway.
// Precedence: CLI flags > env vars > .env file > defaults.
type Config struct {
	SIPPort     int
	SIPTLSPort  int
	TLSCert     string
	TLSKey      string
	SIPHost     string // hostname used in User-Agent and the outbound Contact prefix
	ContactPort int    // port advertised in the outbound Contact header
	SIPTrace    string // off, headers or full

	DBDriver string // sqlite or postgres
	DBDSN    string // postgres DSN, or an explicit sqlite DSN
	DataDir  string // sqlite database directory when DBDSN is empty

	HTTPPort          int
	AdminPasswordHash string // argon2id hash; admin API login is disabled when empty
	JWTSecret         string // hex-encoded 32-byte secret for admin API tokens

	LogLevel  string
	LogFormat string // text or json

	EnvFile string
}

// defaults
const (
	defaultSIPPort     = 5060
	defaultSIPTLSPort  = 5061
	defaultContactPort = 5061
	defaultSIPTrace    = "off"
	defaultDBDriver    = "sqlite"
	defaultDataDir     = "./data"
	defaultHTTPPort    = 8080
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultEnvFile     = ".env"
)

// envPrefix is the prefix for all gateway environment variables.
const envPrefix = "TENANTGW_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > .env file > defaults.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs is Load with an explicit argument list.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("tenantgw", flag.ContinueOnError)

	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.IntVar(&cfg.SIPTLSPort, "sip-tls-port", defaultSIPTLSPort, "SIP TLS listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.SIPHost, "sip-host", "", "hostname for the SIP User-Agent and outbound Contact (defaults to the machine hostname)")
	fs.IntVar(&cfg.ContactPort, "contact-port", defaultContactPort, "port advertised in the Contact header of outbound legs")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", defaultSIPTrace, "sip message tracing (off, headers, full)")
	fs.StringVar(&cfg.DBDriver, "db-driver", defaultDBDriver, "configuration store driver (sqlite, postgres)")
	fs.StringVar(&cfg.DBDSN, "db-dsn", "", "configuration store DSN (required for postgres)")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite configuration store")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "admin HTTP listen port")
	fs.StringVar(&cfg.AdminPasswordHash, "admin-password-hash", "", "argon2id hash of the admin API password (see tenantgw hash-password)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin API tokens (auto-generated if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.EnvFile, "env-file", defaultEnvFile, "optional dotenv file with TENANTGW_ variables")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// The dotenv file never overrides variables already present in the
	// environment, so it slots in below real env vars.
	if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading env file %s: %w", cfg.EnvFile, err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"sip-port":            envPrefix + "SIP_PORT",
		"sip-tls-port":        envPrefix + "SIP_TLS_PORT",
		"tls-cert":            envPrefix + "TLS_CERT",
		"tls-key":             envPrefix + "TLS_KEY",
		"sip-host":            envPrefix + "SIP_HOST",
		"contact-port":        envPrefix + "CONTACT_PORT",
		"sip-trace":           envPrefix + "SIP_TRACE",
		"db-driver":           envPrefix + "DB_DRIVER",
		"db-dsn":              envPrefix + "DB_DSN",
		"data-dir":            envPrefix + "DATA_DIR",
		"http-port":           envPrefix + "HTTP_PORT",
		"admin-password-hash": envPrefix + "ADMIN_PASSWORD_HASH",
		"jwt-secret":          envPrefix + "JWT_SECRET",
		"log-level":           envPrefix + "LOG_LEVEL",
		"log-format":          envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-tls-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPTLSPort = v
			}
		case "tls-cert":
			cfg.TLSCert = val
		case "tls-key":
			cfg.TLSKey = val
		case "sip-host":
			cfg.SIPHost = val
		case "contact-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ContactPort = v
			}
		case "sip-trace":
			cfg.SIPTrace = val
		case "db-driver":
			cfg.DBDriver = val
		case "db-dsn":
			cfg.DBDSN = val
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "admin-password-hash":
			cfg.AdminPasswordHash = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	for name, port := range map[string]int{
		"sip-port":     c.SIPPort,
		"sip-tls-port": c.SIPTLSPort,
		"contact-port": c.ContactPort,
		"http-port":    c.HTTPPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
		}
	}

	c.DBDriver = strings.ToLower(c.DBDriver)
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("db-dsn is required when db-driver is postgres")
		}
	default:
		return fmt.Errorf("db-driver must be one of sqlite, postgres; got %q", c.DBDriver)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validTrace := map[string]bool{"off": true, "headers": true, "full": true}
	if !validTrace[strings.ToLower(c.SIPTrace)] {
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	if c.SIPHost == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "localhost"
		}
		c.SIPHost = hostname
	}

	return nil
}

// TLSEnabled returns true if TLS certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
