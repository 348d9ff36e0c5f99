package main

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	defaultListenAddr  = "localhost:8090"
	defaultIssuer      = "http://localhost:8090"
	defaultLogLevel    = "info"
	defaultEnvironment = "production"
)

type Config struct {
	// Logging level: debug, info, warn, error
	LogLevel string

	// Environment: development or production. Development uses a text log
	// handler and seeds demo data when no database is configured.
	Environment string

	// Address the authorization server listens on
	ListenAddr string

	// Issuer identifier (base URL) advertised in discovery and id_tokens
	Issuer string

	// Database to connect to. Empty selects the in-memory store.
	DatabaseDSN string

	// Symmetric key for signing id_tokens (HS256)
	SigningKey string

	// Trust X-Forwarded-For from the reverse proxy in front of the server
	TrustProxy bool

	// Permit a non-localhost http:// issuer. Development only.
	AllowInsecureHTTP bool

	// Export OpenTelemetry metrics and traces
	TelemetryEnabled bool
}

func NewConfig() *Config {
	return &Config{
		LogLevel:    defaultLogLevel,
		Environment: defaultEnvironment,
		ListenAddr:  defaultListenAddr,
		Issuer:      defaultIssuer,
	}
}

// Load variables from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		c.LoadEnv(func(key string) string {
			return envMap[key]
		})
		return nil
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) {
	setString := func(o *string) func(value string) {
		return func(value string) {
			if value != "" {
				*o = value
			}
		}
	}
	setBool := func(o *bool) func(value string) {
		return func(value string) {
			if parsed, err := strconv.ParseBool(value); err == nil {
				*o = parsed
			}
		}
	}

	envMap := map[string]func(string){
		"RUN_ADDRESS":         setString(&c.ListenAddr),
		"ISSUER":              setString(&c.Issuer),
		"DATABASE_URI":        setString(&c.DatabaseDSN),
		"SIGNING_KEY":         setString(&c.SigningKey),
		"LOG_LEVEL":           setString(&c.LogLevel),
		"ENVIRONMENT":         setString(&c.Environment),
		"TRUST_PROXY":         setBool(&c.TrustProxy),
		"ALLOW_INSECURE_HTTP": setBool(&c.AllowInsecureHTTP),
		"TELEMETRY_ENABLED":   setBool(&c.TelemetryEnabled),
	}

	for key, parseFn := range envMap {
		parseFn(getenv(key))
	}
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("authserver", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.Issuer, "issuer", "i", c.Issuer, "Issuer identifier (base URL)")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string (empty: in-memory store)")
	fs.StringVarP(&c.SigningKey, "signing-key", "s", c.SigningKey, "id_token signing key")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (development, production)")
	fs.BoolVar(&c.TrustProxy, "trust-proxy", c.TrustProxy, "Trust X-Forwarded-For from the reverse proxy")
	fs.BoolVar(&c.AllowInsecureHTTP, "allow-insecure-http", c.AllowInsecureHTTP, "Permit a non-localhost http:// issuer")
	fs.BoolVar(&c.TelemetryEnabled, "telemetry", c.TelemetryEnabled, "Export OpenTelemetry metrics and traces")

	return fs.Parse(args)
}
