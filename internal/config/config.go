// Package config handles loading and validation of relay configuration.
// Supports both development (env vars) and production (Secret Manager) modes.
package config

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"golang.org/x/mod/semver"
)

// supportedSchema is the newest config file schema this build understands.
// Files declaring a newer version are rejected rather than half-read.
const supportedSchema = "v1.1.0"

// Config holds all relay configuration.
// Environment determines whether TLS key material loads from local files
// (development) or Secret Manager (production).
type Config struct {
	// Server settings
	ListenAddr  string
	AdminAddr   string
	Environment string // "development" or "production"
	LogLevel    string // "debug", "info", "warn", "error"

	// GCP settings (required in production)
	GCPProject string
	RelayID    string

	// Protocol routing, in ALPN preference order.
	Protocols       []ProtocolRoute
	DefaultUpstream string

	// TLS key material.
	TLS TLSConfig
}

// ProtocolRoute binds one ALPN token to an upstream address. An empty
// Upstream means the protocol is advertised but served by DefaultUpstream.
type ProtocolRoute struct {
	Protocol string `json:"protocol"`
	Upstream string `json:"upstream,omitempty"`
}

// TLSConfig carries certificate material either as file paths (development)
// or inline PEM (Secret Manager payload).
type TLSConfig struct {
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CertPEM  string `json:"cert_pem,omitempty"`
	KeyPEM   string `json:"key_pem,omitempty"`
}

// Load reads configuration from file, environment, or Secret Manager.
// Priority: CONFIG_FILE (if set) → ENV vars, with TLS material from Secret
// Manager in production. Validates all required fields.
func Load(ctx context.Context) (*Config, error) {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromFile(configPath)
	}

	cfg := &Config{
		ListenAddr:      envOrDefault("LISTEN_ADDR", ":8443"),
		AdminAddr:       envOrDefault("ADMIN_ADDR", ":8080"),
		Environment:     envOrDefault("ENVIRONMENT", "development"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		GCPProject:      os.Getenv("GCP_PROJECT"),
		RelayID:         os.Getenv("RELAY_ID"),
		DefaultUpstream: os.Getenv("DEFAULT_UPSTREAM"),
		TLS: TLSConfig{
			CertFile: os.Getenv("TLS_CERT_FILE"),
			KeyFile:  os.Getenv("TLS_KEY_FILE"),
		},
	}

	// Protocol table from the PROTOCOLS structured-field list.
	if protos := os.Getenv("PROTOCOLS"); protos != "" {
		routes, err := ParseRoutes(protos)
		if err != nil {
			return nil, fmt.Errorf("parsing PROTOCOLS: %w", err)
		}
		cfg.Protocols = routes
	}

	if cfg.Environment == "production" {
		if cfg.GCPProject == "" {
			return nil, fmt.Errorf("GCP_PROJECT required in production environment")
		}
		if cfg.RelayID == "" {
			return nil, fmt.Errorf("RELAY_ID required in production environment")
		}
		if err := cfg.loadFromSecretManager(ctx); err != nil {
			return nil, fmt.Errorf("loading TLS material: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile reads all configuration from a JSON file.
// Used for local development to avoid multiple ENV vars.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig struct {
		SchemaVersion   string          `json:"schema_version"`
		ListenAddr      string          `json:"listen_addr"`
		AdminAddr       string          `json:"admin_addr"`
		Environment     string          `json:"environment"`
		LogLevel        string          `json:"log_level"`
		Protocols       []ProtocolRoute `json:"protocols"`
		DefaultUpstream string          `json:"default_upstream"`
		TLS             TLSConfig       `json:"tls"`
	}

	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validateSchemaVersion(fileConfig.SchemaVersion); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:      withDefault(fileConfig.ListenAddr, ":8443"),
		AdminAddr:       withDefault(fileConfig.AdminAddr, ":8080"),
		Environment:     withDefault(fileConfig.Environment, "development"),
		LogLevel:        withDefault(fileConfig.LogLevel, "info"),
		Protocols:       fileConfig.Protocols,
		DefaultUpstream: fileConfig.DefaultUpstream,
		TLS:             fileConfig.TLS,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateSchemaVersion rejects config files written for a newer relay.
// Same-major older versions are accepted; fields they lack get defaults.
func validateSchemaVersion(version string) error {
	if version == "" {
		return fmt.Errorf("config file missing schema_version")
	}
	v := normalizeVersion(version)
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid schema_version %q", version)
	}
	if semver.Major(v) != semver.Major(supportedSchema) {
		return fmt.Errorf("schema_version %s not supported (want major %s)",
			version, semver.Major(supportedSchema))
	}
	if semver.Compare(v, supportedSchema) > 0 {
		return fmt.Errorf("schema_version %s is newer than supported %s",
			version, supportedSchema)
	}
	return nil
}

// normalizeVersion adds the "v" prefix semver parsing requires.
func normalizeVersion(version string) string {
	if strings.HasPrefix(version, "v") {
		return version
	}
	return "v" + version
}

// withDefault returns val if non-empty, otherwise defaultVal.
func withDefault(val, defaultVal string) string {
	if val != "" {
		return val
	}
	return defaultVal
}

// loadFromSecretManager fetches TLS key material from GCP Secret Manager.
// Secret name format: projects/{project}/secrets/{relay_id}-tls/versions/latest
// The payload is JSON: {"cert_pem": "...", "key_pem": "..."}.
func (c *Config) loadFromSecretManager(ctx context.Context) error {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating secret manager client: %w", err)
	}
	defer client.Close()

	secretName := fmt.Sprintf("projects/%s/secrets/%s-tls/versions/latest",
		c.GCPProject, c.RelayID)

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretName,
	})
	if err != nil {
		return fmt.Errorf("accessing secret %s: %w", secretName, err)
	}

	if err := json.Unmarshal(result.Payload.Data, &c.TLS); err != nil {
		return fmt.Errorf("parsing secret JSON: %w", err)
	}
	return nil
}

// validate checks that all required configuration fields are present.
func (c *Config) validate() error {
	if len(c.Protocols) == 0 && c.DefaultUpstream == "" {
		return fmt.Errorf("at least one protocol route or a default_upstream is required")
	}
	for _, route := range c.Protocols {
		if route.Protocol == "" {
			return fmt.Errorf("protocol route with empty protocol token")
		}
		if route.Upstream == "" && c.DefaultUpstream == "" {
			return fmt.Errorf("protocol %q has no upstream and no default_upstream is set", route.Protocol)
		}
	}

	hasFiles := c.TLS.CertFile != "" && c.TLS.KeyFile != ""
	hasPEM := c.TLS.CertPEM != "" && c.TLS.KeyPEM != ""
	if !hasFiles && !hasPEM {
		return fmt.Errorf("TLS material required: cert_file/key_file or cert_pem/key_pem")
	}
	return nil
}

// Certificate loads the configured TLS certificate.
func (c *Config) Certificate() (tls.Certificate, error) {
	if c.TLS.CertPEM != "" {
		return tls.X509KeyPair([]byte(c.TLS.CertPEM), []byte(c.TLS.KeyPEM))
	}
	return tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
}

// ALPNProtocols returns the advertised protocol tokens in preference order.
func (c *Config) ALPNProtocols() []string {
	out := make([]string, 0, len(c.Protocols))
	for _, route := range c.Protocols {
		out = append(out, route.Protocol)
	}
	return out
}

// Routes returns the protocol→upstream table for routes with explicit
// upstreams.
func (c *Config) Routes() map[string]string {
	out := make(map[string]string, len(c.Protocols))
	for _, route := range c.Protocols {
		if route.Upstream != "" {
			out[route.Protocol] = route.Upstream
		}
	}
	return out
}

// envOrDefault returns the environment variable value or the default if not set.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
