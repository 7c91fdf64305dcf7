package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTestEnvUsesTestDatabaseURL(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.test"), []byte("TEST_DATABASE_URL=postgres://test@localhost/reports_test\n"), 0o600))

	t.Chdir(dir)

	t.Setenv("DATABASE_URL", "")
	LoadTestEnv(t)

	assert.Equal(t, "postgres://test@localhost/reports_test", os.Getenv("DATABASE_URL"))
}

func TestLoadTestEnvKeepsExistingURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://ci@db/reports")
	LoadTestEnv(t)
	assert.Equal(t, "postgres://ci@db/reports", os.Getenv("DATABASE_URL"))
}

func TestUniqueTenant(t *testing.T) {
	assert.NotEqual(t, UniqueTenant(t), UniqueTenant(t))
}
