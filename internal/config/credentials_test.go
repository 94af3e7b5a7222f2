package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCredentialsFromEnv(t *testing.T) {
	t.Setenv("DHAN_ACCESS_TOKEN", " token-123 ")
	t.Setenv("DHAN_CLIENT_ID", "1100")
	t.Setenv("DHAN_ENV", "")

	creds, err := LoadCredentials(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	require.Equal(t, "token-123", creds.AccessToken)
	require.Equal(t, "live", creds.Environment)
	require.Equal(t, map[string]string{"access-token": "token-123", "client-id": "1100"}, creds.Headers())
}

func TestLoadCredentialsFromDotEnv(t *testing.T) {
	t.Setenv("DHAN_ACCESS_TOKEN", "")
	os.Unsetenv("DHAN_ACCESS_TOKEN")
	t.Setenv("DHAN_CLIENT_ID", "")
	os.Unsetenv("DHAN_CLIENT_ID")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DHAN_ACCESS_TOKEN=from-file\nDHAN_CLIENT_ID=42\n"), 0o600))

	creds, err := LoadCredentials(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.AccessToken)
	require.Equal(t, "42", creds.ClientID)
}

func TestLoadCredentialsRequiresToken(t *testing.T) {
	t.Setenv("DHAN_ACCESS_TOKEN", "")
	_, err := LoadCredentials(filepath.Join(t.TempDir(), "absent.env"))
	require.Error(t, err)
}
