// Package config loads environment-based configuration for the server
// and client binaries.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Server holds configuration for the record server binary.
type Server struct {
	// Address the HTTP API listens on.
	ListenAddr string `env:"MOMENTUM_LISTEN_ADDR" envDefault:":8080"`

	// Path to the bbolt record database. Defaults to
	// ~/.momentum-sync/records.db when empty.
	DBPath string `env:"MOMENTUM_DB_PATH"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Client holds configuration for the sync daemon binary.
type Client struct {
	// Base URL of the record server.
	ServerURL string `env:"MOMENTUM_SERVER_URL" envDefault:"http://localhost:8080"`

	// Account credentials. Login on startup doubles as the initial
	// sync trigger.
	Username string `env:"MOMENTUM_USERNAME"`
	Password string `env:"MOMENTUM_PASSWORD"`

	// Register the account on startup instead of logging in.
	Register bool `env:"MOMENTUM_REGISTER" envDefault:"false"`

	// Path to the bbolt client cache. Defaults to
	// ~/.momentum-sync/cache.db when empty.
	CachePath string `env:"MOMENTUM_CACHE_PATH"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// LoadServer reads server configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Server{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DBPath == "" {
		path, err := defaultDataPath("records.db")
		if err != nil {
			return nil, err
		}

		cfg.DBPath = path
	}

	return cfg, nil
}

// LoadClient reads client configuration from environment variables.
func LoadClient() (*Client, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Client{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.CachePath == "" {
		path, err := defaultDataPath("cache.db")
		if err != nil {
			return nil, err
		}

		cfg.CachePath = path
	}

	return cfg, nil
}

func (c *Client) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("MOMENTUM_SERVER_URL is required")
	}

	if c.Username == "" {
		return fmt.Errorf("MOMENTUM_USERNAME is required")
	}

	if c.Password == "" {
		return fmt.Errorf("MOMENTUM_PASSWORD is required")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Server) IsProduction() bool {
	return c.Environment == "production"
}

func defaultDataPath(file string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".momentum-sync", file), nil
}
