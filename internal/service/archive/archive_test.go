package archive

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		target := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
		require.NoError(t, os.WriteFile(target, []byte(content), 0o644))
	}
}

// TestMatcher covers directory, base name and full path patterns.
func TestMatcher(t *testing.T) {
	t.Parallel()

	m := NewMatcher("backups/", "web-manager/node_modules/", "wireguard/config/peer*/*.png", ".env", "*.key")

	tests := []struct {
		rel   string
		isDir bool
		want  bool
	}{
		{rel: "backups", isDir: true, want: true},
		{rel: "backups/old.tar.gz", want: true},
		{rel: "web-manager/node_modules/x/index.js", want: true},
		{rel: "web-manager/server.js", want: false},
		{rel: "wireguard/config/peer1/peer1.png", want: true},
		{rel: "wireguard/config/peer1/peer1.conf", want: false},
		{rel: ".env", want: true},
		{rel: "web-manager/.env", want: true},
		{rel: "certs/server.key", want: true},
		{rel: "docker-compose.yml", want: false},
		{rel: "nested/backups", isDir: true, want: false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, m.Match(tt.rel, tt.isDir), tt.rel)
	}

	var empty *Matcher
	require.False(t, empty.Match("anything", false))
}

// TestCreateExtract_Roundtrip archives a tree with exclusions and restores it elsewhere.
func TestCreateExtract_Roundtrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()

	writeTree(t, root, map[string]string{
		"docker-compose.yml":        "services: {}",
		"VERSION":                   "1.0.0\n",
		"adguard/conf/AdGuard.yaml": "dns: {}",
		"backups/previous.tar.gz":   "old",
		".env":                      "SECRET=1",
	})
	require.NoError(t, os.Symlink("docker-compose.yml", filepath.Join(root, "compose.yml")))

	dst := filepath.Join(root, "backups", "new.tar.gz")
	require.NoError(t, Create(ctx, root, dst, NewMatcher("backups/", ".env")))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	require.Positive(t, info.Size())

	out := t.TempDir()
	files, err := Extract(ctx, dst, out)
	require.NoError(t, err)
	require.Equal(t, 3, files)

	data, err := os.ReadFile(filepath.Join(out, "adguard", "conf", "AdGuard.yaml"))
	require.NoError(t, err)
	require.Equal(t, "dns: {}", string(data))

	link, err := os.Readlink(filepath.Join(out, "compose.yml"))
	require.NoError(t, err)
	require.Equal(t, "docker-compose.yml", link)

	require.NoFileExists(t, filepath.Join(out, ".env"))
	require.NoDirExists(t, filepath.Join(out, "backups"))
}

// TestExtract_RejectsTraversal refuses entries that leave the destination.
func TestExtract_RejectsTraversal(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "evil.tar.gz")

	file, err := os.Create(src)
	require.NoError(t, err)

	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)
	payload := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../../etc/passwd", Mode: 0o644, Size: int64(len(payload)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, file.Close())

	_, err = Extract(context.Background(), src, t.TempDir())
	require.ErrorIs(t, err, ErrUnsafePath)
}

// TestCopyTree_SkipsExcluded keeps user state in the destination untouched.
func TestCopyTree_SkipsExcluded(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()

	writeTree(t, src, map[string]string{
		"docker-compose.yml":       "new",
		"wireguard/config/wg0.conf": "release default",
	})
	writeTree(t, dst, map[string]string{
		"docker-compose.yml":       "old",
		"wireguard/config/wg0.conf": "user peers",
	})

	copied, err := CopyTree(context.Background(), src, dst, NewMatcher("wireguard/config/"))
	require.NoError(t, err)
	require.Equal(t, 1, copied)

	data, err := os.ReadFile(filepath.Join(dst, "docker-compose.yml"))
	require.NoError(t, err)
	require.Equal(t, "new", string(data))

	data, err = os.ReadFile(filepath.Join(dst, "wireguard", "config", "wg0.conf"))
	require.NoError(t, err)
	require.Equal(t, "user peers", string(data))
}

// TestSingleRoot unwraps a single top-level directory.
func TestSingleRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"n-guard-vpn-1.1.0/VERSION": "1.1.0"})

	root, err := SingleRoot(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "n-guard-vpn-1.1.0"), root)

	writeTree(t, dir, map[string]string{"README.md": "x"})

	root, err = SingleRoot(dir)
	require.NoError(t, err)
	require.Equal(t, dir, root)
}
