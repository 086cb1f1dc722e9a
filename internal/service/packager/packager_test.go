package packager

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/service/archive"
	"github.com/oshokin/appliance-updater/internal/service/integrity"
)

func TestRun_BundlesRelease(t *testing.T) {
	t.Parallel()

	source := filepath.Join(t.TempDir(), "n-guard-vpn")
	files := map[string]string{
		"docker-compose.yml":          "services: {}\n",
		"web-manager/server.js":       "console.log('hi')\n",
		".env":                        "SECRET=1\n",
		".git/HEAD":                   "ref: refs/heads/main\n",
		"wireguard/config/peer1.conf": "[Peer]\n",
		"backups/old.tar.gz":          "old",
	}

	for name, content := range files {
		target := filepath.Join(source, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
		require.NoError(t, os.WriteFile(target, []byte(content), 0o644))
	}

	output := filepath.Join(source, "dist")

	result, err := Run(t.Context(), &Options{Source: source, Version: "1.3.0", OutputDir: output})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(output, "n-guard-vpn-v1.3.0.tar.gz"), result.Archive)
	require.Positive(t, result.Size)

	expected, err := integrity.ReadChecksumFile(result.ChecksumFile)
	require.NoError(t, err)
	require.Equal(t, result.Digest, expected)

	contents, err := os.ReadFile(result.ChecksumFile)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(strings.TrimSpace(string(contents)), "n-guard-vpn-v1.3.0.tar.gz"))

	size, err := integrity.VerifyDownload(result.Archive, expected)
	require.NoError(t, err)
	require.Equal(t, result.Size, size)

	extracted := t.TempDir()
	_, err = archive.Extract(t.Context(), result.Archive, extracted)
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(extracted, "docker-compose.yml"))
	require.FileExists(t, filepath.Join(extracted, "web-manager", "server.js"))
	require.NoFileExists(t, filepath.Join(extracted, ".env"))
	require.NoDirExists(t, filepath.Join(extracted, ".git"))
	require.NoDirExists(t, filepath.Join(extracted, "wireguard", "config"))
	require.NoDirExists(t, filepath.Join(extracted, "backups"))
	require.NoDirExists(t, filepath.Join(extracted, "dist"))
}

func TestRun_RejectsInvalidVersion(t *testing.T) {
	t.Parallel()

	_, err := Run(t.Context(), &Options{Source: t.TempDir(), Version: "1.3", OutputDir: t.TempDir()})
	require.ErrorIs(t, err, domain.ErrInvalidVersion)
}
