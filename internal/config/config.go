package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full runtime configuration. It is loaded once at startup
// and passed explicitly into each component; nothing reads the environment
// after LoadConfig returns.
type Config struct {
	Environment string

	Server   ServerConfig
	Airtable AirtableConfig
	Session  SessionConfig
	Logging  LoggingConfig

	// EnableDiagnostics mounts the /diagnostics routes. They are never
	// mounted in production regardless of this flag.
	EnableDiagnostics bool
}

// ServerConfig holds HTTP server settings. The TLS block only applies when
// the service terminates TLS itself; behind a platform load balancer
// EnableTLS stays false.
type ServerConfig struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string

	EnableTLS     bool
	TLSPort       int
	TLSDomain     string
	TLSCertFile   string
	TLSKeyFile    string
	AutoCertDir   string
	AutoCertEmail string
}

// AirtableConfig identifies the external record store and its tables.
type AirtableConfig struct {
	APIKey         string
	BaseID         string
	CustomersTable string
	SessionsTable  string
	ExercisesTable string

	// AccessField is the customers column carrying the entitlement flag.
	AccessField string

	// SessionsEmailField, when set, skips the candidate probe and forces
	// the email column name in the sessions table.
	SessionsEmailField string

	Timeout time.Duration
}

// SessionConfig controls token issuance and the single-session policy.
type SessionConfig struct {
	Secret  string
	TTLDays int

	// ActiveWindow, when positive, additionally requires logged_in_at to be
	// within the window for a row to count as active. Zero disables it.
	ActiveWindow time.Duration

	// AdoptLegacy allows a login to take over an active row that has no
	// recorded device id instead of denying with a conflict.
	AdoptLegacy bool

	Redirect string
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig reads .env (if present) and the process environment into a
// Config. Call Validate before using the result.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:           getEnvInt("PORT", 8080),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"https://*"}),
			EnableTLS:      getEnvBool("ENABLE_TLS", false),
			TLSPort:        getEnvInt("TLS_PORT", 8443),
			TLSDomain:      os.Getenv("TLS_DOMAIN"),
			TLSCertFile:    os.Getenv("TLS_CERT_FILE"),
			TLSKeyFile:     os.Getenv("TLS_KEY_FILE"),
			AutoCertDir:    getEnv("AUTOCERT_DIR", ".autocert"),
			AutoCertEmail:  os.Getenv("AUTOCERT_EMAIL"),
		},
		Airtable: AirtableConfig{
			APIKey:             os.Getenv("AIRTABLE_API_KEY"),
			BaseID:             os.Getenv("AIRTABLE_BASE"),
			CustomersTable:     getEnv("TABLE_CUSTOMERS", "CLIENTES"),
			SessionsTable:      getEnv("TABLE_SESSIONS", "SESSIONS"),
			ExercisesTable:     os.Getenv("TABLE_EXERCISES"),
			AccessField:        getEnv("CUSTOMERS_ACCESS_FIELD", "Acceso a Biblioteca"),
			SessionsEmailField: os.Getenv("SESSIONS_EMAIL_FIELD"),
			Timeout:            getEnvDuration("AIRTABLE_TIMEOUT", 10*time.Second),
		},
		Session: SessionConfig{
			Secret:       os.Getenv("SESSION_SECRET"),
			TTLDays:      getEnvInt("SESSION_DAYS", 30),
			ActiveWindow: getEnvDuration("SESSION_ACTIVE_WINDOW", 0),
			AdoptLegacy:  getEnvBool("SESSION_ADOPT_LEGACY", false),
			Redirect:     getEnv("LOGIN_REDIRECT", "/interfaz/"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		EnableDiagnostics: getEnvBool("ENABLE_DIAGNOSTICS", false),
	}
}

// Validate fails fast when a required setting is absent. The server must not
// start with a partial configuration.
func (c *Config) Validate() error {
	var missing []string
	if c.Airtable.APIKey == "" {
		missing = append(missing, "AIRTABLE_API_KEY")
	}
	if c.Airtable.BaseID == "" {
		missing = append(missing, "AIRTABLE_BASE")
	}
	if c.Airtable.CustomersTable == "" {
		missing = append(missing, "TABLE_CUSTOMERS")
	}
	if c.Airtable.SessionsTable == "" {
		missing = append(missing, "TABLE_SESSIONS")
	}
	if c.Session.Secret == "" {
		missing = append(missing, "SESSION_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Session.TTLDays < 0 {
		return fmt.Errorf("SESSION_DAYS must not be negative, got %d", c.Session.TTLDays)
	}
	if c.Server.EnableTLS {
		hasFilePair := c.Server.TLSCertFile != "" && c.Server.TLSKeyFile != ""
		if c.Server.TLSDomain == "" && !hasFilePair {
			return fmt.Errorf("ENABLE_TLS requires TLS_DOMAIN or TLS_CERT_FILE + TLS_KEY_FILE")
		}
	}
	return nil
}

func (c *Config) TLSAddress() string {
	return fmt.Sprintf(":%d", c.Server.TLSPort)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) ServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
