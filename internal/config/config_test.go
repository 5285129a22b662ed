package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require.NoError(t, Load(filepath.Join(t.TempDir(), "missing.yaml")))
	c := Get()
	require.Equal(t, "sqlite3", c.Database.Driver)
	require.Equal(t, int64(25*1024*1024), c.Import.MaxAttachmentBytes)
	require.False(t, c.Import.UpdateOnly)
	require.Equal(t, "https://oauth2.googleapis.com/token", c.OAuth2.TokenEndpoint)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maildesk.yaml")
	body := []byte(`
database:
  driver: postgres
  dsn: "postgres://maildesk@localhost/maildesk"
import:
  update_only: true
  full_first_message: true
  max_attachment_bytes: 1024
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	require.NoError(t, Load(path))
	c := Get()
	require.Equal(t, "postgres", c.Database.Driver)
	require.True(t, c.Import.UpdateOnly)
	require.True(t, c.Import.FullFirstMessage)
	require.Equal(t, int64(1024), c.Import.MaxAttachmentBytes)
}

func TestValidateRejectsBadDriver(t *testing.T) {
	c := &Config{}
	c.Database.Driver = "oracle"
	c.Import.MaxAttachmentBytes = 1
	require.Error(t, c.Validate())

	c.Database.Driver = "mysql"
	require.NoError(t, c.Validate())

	c.Import.MaxAttachmentBytes = 0
	require.Error(t, c.Validate())
}
