package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
)

var (
	// ErrEmptyArtifact is returned for zero-byte downloads.
	ErrEmptyArtifact = errors.New("downloaded file is empty")
	// ErrEmptyChecksum is returned when a checksum file holds no digest.
	ErrEmptyChecksum = errors.New("checksum file is empty")
)

// FileDigest returns the lowercase hex SHA-256 digest of a file.
func FileDigest(path string) (string, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err = io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ParseChecksum extracts the digest from sha256sum-style content ("<digest>  <file>").
func ParseChecksum(content string) (string, error) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return "", ErrEmptyChecksum
	}

	return fields[0], nil
}

// ReadChecksumFile reads and parses a checksum file.
func ReadChecksumFile(path string) (string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("read checksum file: %w", err)
	}

	return ParseChecksum(string(data))
}

// VerifyDownload rejects empty artifacts and, when expected is not empty,
// artifacts whose digest does not match it case-insensitively.
// It returns the artifact size.
func VerifyDownload(path, expected string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat artifact: %w", err)
	}

	if info.Size() == 0 {
		return 0, fmt.Errorf("%s: %w", path, ErrEmptyArtifact)
	}

	if expected == "" {
		return info.Size(), nil
	}

	actual, err := FileDigest(path)
	if err != nil {
		return info.Size(), err
	}

	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return info.Size(), fmt.Errorf("expected %s, got %s: %w", expected, actual, domain.ErrChecksumMismatch)
	}

	return info.Size(), nil
}
