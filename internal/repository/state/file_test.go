package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
)

// TestFileRepository_NotFound verifies Load returns ErrNotFound for a missing marker.
func TestFileRepository_NotFound(t *testing.T) {
	t.Parallel()

	repo := NewFileRepository(filepath.Join(t.TempDir(), "VERSION"))

	_, err := repo.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// TestFileRepository_InvalidFormat rejects markers that are not semantic versions.
func TestFileRepository_InvalidFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "VERSION")
	require.NoError(t, os.WriteFile(path, []byte("latest\n"), 0o600))

	_, err := NewFileRepository(path).Load(context.Background())
	require.ErrorIs(t, err, domain.ErrInvalidFormat)
}

// TestFileRepository_SaveLoad_Roundtrip ensures every well-formed version reads back unchanged.
func TestFileRepository_SaveLoad_Roundtrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "VERSION")
	repo := NewFileRepository(path)

	for _, v := range []string{"1.0.0", "1.1.0", "2.0.0-rc.1", "2.0.0+build.7", "0.0.1-alpha.1+sha.5114f85"} {
		require.NoError(t, repo.Save(context.Background(), v))

		got, err := repo.Load(context.Background())
		require.NoError(t, err)
		require.Equal(t, v, got)
	}

	// No leftovers from the atomic swap.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

// TestFileRepository_SaveRejectsInvalid keeps the old marker on invalid input.
func TestFileRepository_SaveRejectsInvalid(t *testing.T) {
	t.Parallel()

	repo := NewFileRepository(filepath.Join(t.TempDir(), "VERSION"))
	require.NoError(t, repo.Save(context.Background(), "1.2.3"))

	require.ErrorIs(t, repo.Save(context.Background(), "v1.3"), domain.ErrInvalidVersion)

	got, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.2.3", got)
}
