package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// ResponderSettings configures the standalone HTTP-01 responder service.
type ResponderSettings struct {
	ListenAddr      string   `toml:"listen_addr" env:"RESPONDER_LISTEN_ADDR"`
	AdminAddr       string   `toml:"admin_addr" env:"RESPONDER_ADMIN_ADDR"`
	HMACSecret      string   `toml:"hmac_secret" env:"RESPONDER_HMAC_SECRET"`
	TokenTTL        Duration `toml:"token_ttl" env:"RESPONDER_TOKEN_TTL"`
	CleanupInterval Duration `toml:"cleanup_interval" env:"RESPONDER_CLEANUP_INTERVAL"`
	MaxSkew         Duration `toml:"max_skew" env:"RESPONDER_MAX_SKEW"`
}

const (
	defaultListenAddr      = "0.0.0.0:80"
	defaultAdminAddr       = "0.0.0.0:8080"
	defaultTokenTTL        = 5 * time.Minute
	defaultCleanupInterval = 30 * time.Second
	defaultMaxSkew         = time.Minute
)

// LoadResponder reads responder settings from the TOML file at path
// (missing file means defaults only), then applies environment overrides.
func LoadResponder(path string) (*ResponderSettings, error) {
	settings := ResponderSettings{
		ListenAddr:      defaultListenAddr,
		AdminAddr:       defaultAdminAddr,
		TokenTTL:        Duration{defaultTokenTTL},
		CleanupInterval: Duration{defaultCleanupInterval},
		MaxSkew:         Duration{defaultMaxSkew},
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// defaults + env only
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := env.Parse(&settings); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	return &settings, nil
}

func (r *ResponderSettings) Validate() error {
	if strings.TrimSpace(r.HMACSecret) == "" {
		return errors.New("hmac_secret must not be empty")
	}
	if r.TokenTTL.Duration <= 0 {
		return errors.New("token_ttl must be greater than 0")
	}
	if r.CleanupInterval.Duration <= 0 {
		return errors.New("cleanup_interval must be greater than 0")
	}
	if r.MaxSkew.Duration <= 0 {
		return errors.New("max_skew must be greater than 0")
	}
	if _, _, err := net.SplitHostPort(r.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr invalid: %w", err)
	}
	if _, _, err := net.SplitHostPort(r.AdminAddr); err != nil {
		return fmt.Errorf("admin_addr invalid: %w", err)
	}
	return nil
}

// LoadEABFile reads an EAB credential pair from a JSON file. An empty file
// or a file with blank fields yields nil credentials rather than an error,
// so provisioning can pre-create the file before the CA hands out bindings.
func LoadEABFile(path string) (*EAB, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read EAB file %s: %w", path, err)
	}
	if strings.TrimSpace(string(content)) == "" {
		return nil, nil
	}

	var creds EAB
	if err := json.Unmarshal(content, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse EAB file %s: %w", path, err)
	}
	if creds.KID == "" || creds.HMAC == "" {
		return nil, nil
	}
	return &creds, nil
}
