package config

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Credentials authenticate every broker request.
type Credentials struct {
	AccessToken string
	ClientID    string
	Environment string
}

// Headers returns the auth headers expected by the broker API.
func (c Credentials) Headers() map[string]string {
	h := make(map[string]string, 2)
	if c.AccessToken != "" {
		h["access-token"] = c.AccessToken
	}
	if c.ClientID != "" {
		h["client-id"] = c.ClientID
	}
	return h
}

// LoadCredentials reads DHAN_* variables, honoring an optional .env file.
func LoadCredentials(files ...string) (Credentials, error) {
	_ = godotenv.Load(files...) // best-effort
	token := strings.TrimSpace(os.Getenv("DHAN_ACCESS_TOKEN"))
	if token == "" {
		return Credentials{}, errors.New("DHAN_ACCESS_TOKEN not set")
	}
	env := strings.ToLower(strings.TrimSpace(os.Getenv("DHAN_ENV")))
	if env == "" {
		env = "live"
	}
	return Credentials{
		AccessToken: token,
		ClientID:    strings.TrimSpace(os.Getenv("DHAN_CLIENT_ID")),
		Environment: env,
	}, nil
}
