package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
)

func writeArtifact(t *testing.T, body []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "release.tar.gz")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	return path
}

// TestVerifyDownload_RejectsEmpty rejects zero-byte artifacts even without a checksum.
func TestVerifyDownload_RejectsEmpty(t *testing.T) {
	t.Parallel()

	path := writeArtifact(t, nil)

	_, err := VerifyDownload(path, "")
	require.ErrorIs(t, err, ErrEmptyArtifact)

	_, err = VerifyDownload(path, strings.Repeat("0", 64))
	require.ErrorIs(t, err, ErrEmptyArtifact)
}

// TestVerifyDownload_Checksum accepts matching digests in any case and rejects others.
func TestVerifyDownload_Checksum(t *testing.T) {
	t.Parallel()

	body := []byte("release payload")
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	path := writeArtifact(t, body)

	size, err := VerifyDownload(path, strings.ToUpper(digest))
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), size)

	_, err = VerifyDownload(path, digest)
	require.NoError(t, err)

	_, err = VerifyDownload(path, strings.Repeat("a", 64))
	require.ErrorIs(t, err, domain.ErrChecksumMismatch)

	// Absent checksum only checks size.
	_, err = VerifyDownload(path, "")
	require.NoError(t, err)
}

// TestParseChecksum reads sha256sum output format.
func TestParseChecksum(t *testing.T) {
	t.Parallel()

	got, err := ParseChecksum("ABCDEF  n-guard-vpn-v1.1.0.tar.gz\n")
	require.NoError(t, err)
	require.Equal(t, "ABCDEF", got)

	_, err = ParseChecksum(" \n")
	require.ErrorIs(t, err, ErrEmptyChecksum)
}
