package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds everything ltiauthd reads from the environment (or an
// optional YAML/env file). Durations accept Go syntax ("30m", "1h").
type Config struct {
	HTTPAddr      string `yaml:"http_addr" env:"HTTP_ADDR" env-default:":8080"`
	PublicBaseURL string `yaml:"public_base_url" env:"PUBLIC_BASE_URL" env-default:"http://localhost:8080"`
	LogLevel      string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	DBDriver string `yaml:"db_driver" env:"DB_DRIVER" env-default:"sqlite"`
	DBDSN    string `yaml:"db_dsn" env:"DB_DSN"`

	// TokenBackend selects the JWT implementation: "golang-jwt" or "jwx".
	TokenBackend       string        `yaml:"token_backend" env:"TOKEN_BACKEND" env-default:"golang-jwt"`
	ClockLeeway        time.Duration `yaml:"clock_leeway" env:"CLOCK_LEEWAY" env-default:"180s"`
	StrictMessages     bool          `yaml:"strict_messages" env:"STRICT_MESSAGES" env-default:"false"`
	GenerateWarnings   bool          `yaml:"generate_warnings" env:"GENERATE_WARNINGS" env-default:"true"`
	DisableKeyAutosave bool          `yaml:"disable_key_autosave" env:"DISABLE_KEY_AUTOSAVE" env-default:"false"`

	ToolName string `yaml:"tool_name" env:"TOOL_NAME" env-default:"edubridge"`
	// ToolBaseURL and ToolLoginURL describe the single registered tool the
	// authorize endpoint serves; empty disables it.
	ToolBaseURL      string   `yaml:"tool_base_url" env:"TOOL_BASE_URL"`
	ToolLoginURL     string   `yaml:"tool_login_url" env:"TOOL_LOGIN_URL"`
	ToolRedirectURIs []string `yaml:"tool_redirect_uris" env:"TOOL_REDIRECT_URIS" env-separator:","`
	// PrivateKeyFile points at a PEM-encoded RSA key. Empty means generate
	// an ephemeral key at startup (dev only: launches signed with it fail
	// verification after a restart).
	PrivateKeyFile string `yaml:"private_key_file" env:"PRIVATE_KEY_FILE"`
	KeyID          string `yaml:"key_id" env:"KEY_ID"`

	NonceTTL       time.Duration `yaml:"nonce_ttl" env:"NONCE_TTL" env-default:"30m"`
	LoginStateTTL  time.Duration `yaml:"login_state_ttl" env:"LOGIN_STATE_TTL" env-default:"10m"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL" env-default:"1h"`

	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS" env-separator:"," env-default:"http://localhost:3000"`
}

// Load reads configuration from path when given, falling back to the
// environment alone when path is empty.
func Load(path string) (*Config, error) {
	var c Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &c)
	} else {
		err = cleanenv.ReadEnv(&c)
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.TokenBackend {
	case "golang-jwt", "jwx":
	default:
		return fmt.Errorf("config: unsupported TOKEN_BACKEND %q", c.TokenBackend)
	}
	return nil
}
