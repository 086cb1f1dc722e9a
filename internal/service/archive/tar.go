package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	dirPermissions  = 0o755
	modePermissions = 0o7777
)

var (
	// ErrUnsafePath is returned for entries that would land outside the destination.
	ErrUnsafePath = errors.New("archive entry escapes destination")
	// ErrEmptyArchive is returned when an archive holds no files.
	ErrEmptyArchive = errors.New("archive is empty")
)

// Create writes a tar.gz of the tree under root to dst, skipping entries matched by exclude.
// The archive is written next to dst and renamed into place once complete.
func Create(ctx context.Context, root, dst string, exclude *Matcher) (err error) {
	root = filepath.Clean(root)
	dst = filepath.Clean(dst)
	tmp := dst + ".partial"

	if err = os.MkdirAll(filepath.Dir(dst), dirPermissions); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	defer func() {
		if err != nil {
			_ = file.Close()
			_ = os.Remove(tmp)
		}
	}()

	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(root, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if current == root || current == tmp || current == dst {
			return nil
		}

		rel, relErr := filepath.Rel(root, current)
		if relErr != nil {
			return relErr
		}

		rel = filepath.ToSlash(rel)

		if exclude.Match(rel, entry.IsDir()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		return addEntry(tw, current, rel, entry)
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", root, err)
	}

	if err = tw.Close(); err != nil {
		return fmt.Errorf("finish tar stream: %w", err)
	}

	if err = gz.Close(); err != nil {
		return fmt.Errorf("finish gzip stream: %w", err)
	}

	if err = file.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	if err = os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("move archive into place: %w", err)
	}

	return nil
}

func addEntry(tw *tar.Writer, current, rel string, entry fs.DirEntry) error {
	info, err := entry.Info()
	if err != nil {
		return err
	}

	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(current); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}

	header.Name = rel
	if info.IsDir() {
		header.Name += "/"
	}

	if err = tw.WriteHeader(header); err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	source, err := os.Open(current)
	if err != nil {
		return err
	}

	defer func() {
		_ = source.Close()
	}()

	_, err = io.Copy(tw, source)

	return err
}

// Extract unpacks the tar.gz at src into dst, refusing entries that escape dst.
// It returns the number of regular files written.
func Extract(ctx context.Context, src, dst string) (int, error) {
	file, err := os.Open(filepath.Clean(src))
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return 0, fmt.Errorf("open gzip stream: %w", err)
	}

	defer func() {
		_ = gz.Close()
	}()

	dst = filepath.Clean(dst)
	if err = os.MkdirAll(dst, dirPermissions); err != nil {
		return 0, fmt.Errorf("create destination: %w", err)
	}

	tr := tar.NewReader(gz)
	files := 0

	for {
		if err = ctx.Err(); err != nil {
			return files, err
		}

		header, nextErr := tr.Next()
		if errors.Is(nextErr, io.EOF) {
			break
		}

		if nextErr != nil {
			return files, fmt.Errorf("read archive: %w", nextErr)
		}

		written, entryErr := extractEntry(tr, header, dst)
		if entryErr != nil {
			return files, fmt.Errorf("extract %s: %w", header.Name, entryErr)
		}

		if written {
			files++
		}
	}

	return files, nil
}

func extractEntry(tr *tar.Reader, header *tar.Header, dst string) (bool, error) {
	target, err := safeJoin(dst, header.Name)
	if err != nil {
		return false, err
	}

	if target == dst {
		return false, nil
	}

	mode := fs.FileMode(header.Mode & modePermissions)

	switch header.Typeflag {
	case tar.TypeDir:
		return false, os.MkdirAll(target, dirPermissions)
	case tar.TypeReg:
		if err = os.MkdirAll(filepath.Dir(target), dirPermissions); err != nil {
			return false, err
		}

		return true, writeFile(target, tr, mode)
	case tar.TypeSymlink:
		if err = checkLink(dst, target, header.Linkname); err != nil {
			return false, err
		}

		if err = os.MkdirAll(filepath.Dir(target), dirPermissions); err != nil {
			return false, err
		}

		_ = os.Remove(target)

		return false, os.Symlink(header.Linkname, target)
	default:
		// Devices, fifos and hard links never appear in appliance trees.
		return false, nil
	}
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	// Replace rather than truncate so running binaries and symlinks are not written through.
	_ = os.Remove(target)

	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}

	if _, err = io.Copy(file, r); err != nil {
		_ = file.Close()
		return err
	}

	return file.Close()
}

// safeJoin resolves an archive entry name inside root.
func safeJoin(root, name string) (string, error) {
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%q: %w", name, ErrUnsafePath)
	}

	for segment := range strings.SplitSeq(filepath.ToSlash(name), "/") {
		if segment == ".." {
			return "", fmt.Errorf("%q: %w", name, ErrUnsafePath)
		}
	}

	return filepath.Join(root, filepath.FromSlash(path.Clean("/" + name))), nil
}

func checkLink(root, target, link string) error {
	if filepath.IsAbs(link) {
		return fmt.Errorf("link %q: %w", link, ErrUnsafePath)
	}

	resolved := filepath.Join(filepath.Dir(target), link)
	if !within(root, resolved) {
		return fmt.Errorf("link %q: %w", link, ErrUnsafePath)
	}

	return nil
}

func within(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)

	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
