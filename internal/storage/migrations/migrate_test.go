package migrations

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestResolveDirValidation(t *testing.T) {
	_, err := resolveDir("")
	require.Error(t, err)

	_, err = resolveDir(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "not_a_dir.sql")
	require.NoError(t, os.WriteFile(file, []byte("SELECT 1;"), 0o600))
	_, err = resolveDir(file)
	require.ErrorIs(t, err, errNotDirectory)

	dir := t.TempDir()
	resolved, err := resolveDir(dir)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(resolved))
}

func TestFileURL(t *testing.T) {
	require.Equal(t, "file:///var/lib/keel/migrations", fileURL("/var/lib/keel/migrations"))
	require.True(t, strings.HasPrefix(fileURL("relative/path"), "file:///"))
}

func TestRollbackRejectsNonPositiveSteps(t *testing.T) {
	err := Rollback(context.Background(), "postgres://localhost/keel", t.TempDir(), 0, zerolog.Nop())
	require.Error(t, err)
}

func TestApplyEmbeddedRequiresDatabase(t *testing.T) {
	err := ApplyEmbedded(context.Background(), "postgres://127.0.0.1:1/keel?sslmode=disable&connect_timeout=1", zerolog.Nop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "migrations database")
}

func TestApplyRejectsMissingDir(t *testing.T) {
	err := Apply(context.Background(), "postgres://localhost/keel", filepath.Join(t.TempDir(), "missing"), zerolog.Nop())
	require.Error(t, err)
}
