package archive

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CopyTree copies the tree under src onto dst, skipping entries matched by exclude.
// Existing files are replaced, files only present in dst are left alone.
// It returns the number of regular files copied.
func CopyTree(ctx context.Context, src, dst string, exclude *Matcher) (int, error) {
	src = filepath.Clean(src)
	dst = filepath.Clean(dst)
	copied := 0

	err := filepath.WalkDir(src, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if current == src {
			return os.MkdirAll(dst, dirPermissions)
		}

		rel, err := filepath.Rel(src, current)
		if err != nil {
			return err
		}

		if exclude.Match(filepath.ToSlash(rel), entry.IsDir()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		target := filepath.Join(dst, rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.IsDir():
			return os.MkdirAll(target, dirPermissions)
		case info.Mode()&fs.ModeSymlink != 0:
			link, linkErr := os.Readlink(current)
			if linkErr != nil {
				return linkErr
			}

			if linkErr = checkLink(dst, target, link); linkErr != nil {
				return linkErr
			}

			_ = os.Remove(target)

			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			source, openErr := os.Open(current)
			if openErr != nil {
				return openErr
			}

			defer func() {
				_ = source.Close()
			}()

			if err = writeFile(target, source, info.Mode().Perm()); err != nil {
				return err
			}

			copied++

			return nil
		default:
			return nil
		}
	})
	if err != nil {
		return copied, fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}

	return copied, nil
}

// SingleRoot returns the only top-level directory of dir, or dir itself when
// it holds anything else. Release tarballs usually wrap the tree in one folder.
func SingleRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read extracted tree: %w", err)
	}

	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}

	return dir, nil
}
