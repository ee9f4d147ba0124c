// Package config loads WebForge configuration from the environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all engine configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Listeners
	Port        int    `envconfig:"PORT" default:"7824"`
	GatewayPort int    `envconfig:"GATEWAY_PORT" default:"7825"`
	Host        string `envconfig:"HOST" default:"0.0.0.0"`

	// Dev server handed to generated projects
	DevPort          int           `envconfig:"DEV_PORT" default:"5173"`
	InstallCmd       string        `envconfig:"INSTALL_CMD" default:"npm install"`
	ServeCmd         string        `envconfig:"SERVE_CMD" default:"npm run dev -- --port {port} --host"`
	BuildProbeCmd    string        `envconfig:"BUILD_PROBE_CMD" default:"npm run build"`
	InstallTimeout   time.Duration `envconfig:"INSTALL_TIMEOUT" default:"300s"`
	ServeReadyTimeout time.Duration `envconfig:"SERVE_READY_TIMEOUT" default:"35s"`
	ServeSettleDelay time.Duration `envconfig:"SERVE_SETTLE_DELAY" default:"8s"`
	HMRSettleDelay   time.Duration `envconfig:"HMR_SETTLE_DELAY" default:"2s"`

	// Models
	OllamaURL   string `envconfig:"OLLAMA_URL" default:"http://localhost:11434"`
	RefineModel string `envconfig:"REFINE_MODEL" default:"llama3.1:8b"`
	BuildModel  string `envconfig:"BUILD_MODEL" default:"qwen2.5-coder:14b"`

	// Pipeline
	MaxFixAttempts    int    `envconfig:"MAX_FIX_ATTEMPTS" default:"3"`
	MaxConcurrentRuns int    `envconfig:"MAX_CONCURRENT_RUNS" default:"2"`
	ProjectsDir       string `envconfig:"PROJECTS_DIR" default:"./production-ready"`
	DataDir           string `envconfig:"DATA_DIR" default:"./data"`

	// Persistence / cache
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`

	// Gateway
	SessionSecret      string `envconfig:"SESSION_SECRET"`
	CancelOnDisconnect bool   `envconfig:"CANCEL_ON_DISCONNECT" default:"false"`

	// Tester
	BrowserTests bool   `envconfig:"BROWSER_TESTS" default:"true"`
	ChromePath   string `envconfig:"CHROME_PATH"`

	// API limits
	RateLimitRPM   int    `envconfig:"RATE_LIMIT_RPM" default:"120"`
	RateLimitBurst int    `envconfig:"RATE_LIMIT_BURST" default:"20"`
	AllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.SessionSecret == "" {
		// Ephemeral secret: resume tokens stop working across restarts,
		// which is acceptable for a local single-user tool.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generating session secret: %w", err)
		}
		cfg.SessionSecret = hex.EncodeToString(buf)
	}
	if cfg.MaxFixAttempts < 1 {
		return nil, fmt.Errorf("MAX_FIX_ATTEMPTS must be >= 1, got %d", cfg.MaxFixAttempts)
	}
	if cfg.MaxConcurrentRuns < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_RUNS must be >= 1, got %d", cfg.MaxConcurrentRuns)
	}
	return &cfg, nil
}

// ServeArgv expands the serve command template for the configured dev port.
func (c *Config) ServeArgv() []string {
	return splitCommand(strings.ReplaceAll(c.ServeCmd, "{port}", fmt.Sprintf("%d", c.DevPort)))
}

// InstallArgv returns the install command as argv.
func (c *Config) InstallArgv() []string {
	return splitCommand(c.InstallCmd)
}

// BuildProbeArgv returns the compile-error probe command as argv.
func (c *Config) BuildProbeArgv() []string {
	return splitCommand(c.BuildProbeCmd)
}

// DevServerURL is the URL generated projects serve on.
func (c *Config) DevServerURL() string {
	return fmt.Sprintf("http://localhost:%d", c.DevPort)
}

// UsePostgres reports whether a PostgreSQL DSN is configured.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Origins returns the allowed browser origins: CORS_ALLOWED_ORIGINS when
// set, local development hosts otherwise.
func (c *Config) Origins() []string {
	if c.AllowedOrigins != "" {
		parts := strings.Split(c.AllowedOrigins, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return []string{
		"http://localhost:3000",
		"http://localhost:5173",
		fmt.Sprintf("http://localhost:%d", c.Port),
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
		fmt.Sprintf("http://127.0.0.1:%d", c.Port),
	}
}

func splitCommand(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
