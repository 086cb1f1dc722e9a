package state

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	goupdate "github.com/doitdistributed/go-update"

	// Register SHA-256 for the atomic apply checksum.
	_ "crypto/sha256"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
)

// markerFileMode is the permission of the version marker.
const markerFileMode os.FileMode = 0o644

// Repository defines persistence operations for the installed version.
type Repository interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, version string) error
}

// FileRepository persists the installed version in a plain-text file.
type FileRepository struct {
	// path is the filesystem location of the version marker.
	path string
	// mu serialises writers inside this process.
	mu sync.Mutex
}

// NewFileRepository creates a repository reading and writing the marker at path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Path returns the marker location.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the installed version.
// It returns domain.ErrNotFound when no marker exists and domain.ErrInvalidFormat
// when the content is not a strict semantic version.
func (r *FileRepository) Load(_ context.Context) (string, error) {
	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", r.path, domain.ErrNotFound)
		}

		return "", fmt.Errorf("read version marker: %w", err)
	}

	version := strings.TrimSpace(string(contents))
	if !domain.ValidateVersion(version) {
		return "", fmt.Errorf("%q in %s: %w", version, r.path, domain.ErrInvalidFormat)
	}

	return version, nil
}

// Save atomically replaces the marker with the provided version.
func (r *FileRepository) Save(_ context.Context, version string) error {
	if !domain.ValidateVersion(version) {
		return fmt.Errorf("%q: %w", version, domain.ErrInvalidVersion)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}

	// The atomic swap renames the current file aside, so one has to exist.
	created := false

	if _, err := os.Stat(r.path); errors.Is(err, os.ErrNotExist) {
		file, createErr := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY, markerFileMode)
		if createErr != nil {
			return fmt.Errorf("create version marker: %w", createErr)
		}

		_ = file.Close()
		created = true
	}

	content := []byte(version + "\n")
	checksum := crypto.SHA256.New()
	_, _ = checksum.Write(content)

	options := goupdate.Options{
		TargetPath: r.path,
		TargetMode: markerFileMode,
		Checksum:   checksum.Sum(nil),
		Hash:       crypto.SHA256,
	}

	if err := goupdate.Apply(bytes.NewReader(content), options); err != nil {
		if created {
			_ = os.Remove(r.path)
		}

		return fmt.Errorf("write version marker: %w", err)
	}

	oldPath := filepath.Join(filepath.Dir(r.path), "."+filepath.Base(r.path)+".old")
	if _, err := os.Stat(oldPath); err == nil {
		_ = os.Remove(oldPath)
	}

	return nil
}
