package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, NewConfig(), c)
}

func TestLoadOverridesOnlyPresentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdpmock.yaml")
	data := `
sqlite:
  dsn: /tmp/rules.db
intercept:
  devtoolsURL: http://10.0.0.2:9222
  concurrency: 4
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/rules.db", c.Sqlite.Dsn)
	assert.Equal(t, "cdpmock_", c.Sqlite.Prefix)
	assert.Equal(t, "http://10.0.0.2:9222", c.Intercept.DevToolsURL)
	assert.Equal(t, 4, c.Intercept.Concurrency)
	assert.Equal(t, 30000, c.Intercept.FetchTimeoutMS)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sqlite: [1, 2"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
