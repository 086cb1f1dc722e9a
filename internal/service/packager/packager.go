package packager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/logger"
	"github.com/oshokin/appliance-updater/internal/service/archive"
	"github.com/oshokin/appliance-updater/internal/service/installer"
	"github.com/oshokin/appliance-updater/internal/service/integrity"
)

// assetFileMode is the permission of written release assets.
const assetFileMode os.FileMode = 0o644

// developmentPatterns are never shipped in addition to the preserved runtime state.
var developmentPatterns = []string{
	".git/",
	"*.partial",
	"*.tar.gz",
	"*.sha256",
}

// Options contains inputs for the packager entry point.
type Options struct {
	// Source is the appliance tree to bundle.
	Source string
	// Version is the semantic version of the release.
	Version string
	// OutputDir receives the archive and its checksum file.
	OutputDir string
	// Name prefixes the asset names, the source directory name by default.
	Name string
}

// Result lists the produced release assets.
type Result struct {
	Archive      string
	ChecksumFile string
	Digest       string
	Size         int64
}

// Run writes <name>-v<version>.tar.gz and its .sha256 file into the output directory.
func Run(ctx context.Context, opts *Options) (*Result, error) {
	ctx = logger.WithName(ctx, "packager")

	if !domain.ValidateVersion(opts.Version) {
		return nil, fmt.Errorf("%q: %w", opts.Version, domain.ErrInvalidVersion)
	}

	source, err := filepath.Abs(opts.Source)
	if err != nil {
		return nil, fmt.Errorf("resolve source: %w", err)
	}

	output, err := filepath.Abs(opts.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output directory: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = filepath.Base(source)
	}

	result := &Result{
		Archive: filepath.Join(output, fmt.Sprintf("%s-v%s.tar.gz", name, opts.Version)),
	}
	result.ChecksumFile = result.Archive + ".sha256"

	logger.InfoKV(ctx, "Bundling release", "source", source, "version", opts.Version)

	if err = archive.Create(ctx, source, result.Archive, excludes(source, output)); err != nil {
		return nil, fmt.Errorf("create release archive: %w", err)
	}

	if err = os.Chmod(result.Archive, assetFileMode); err != nil {
		return nil, fmt.Errorf("set archive permissions: %w", err)
	}

	if result.Digest, err = integrity.FileDigest(result.Archive); err != nil {
		return nil, err
	}

	info, err := os.Stat(result.Archive)
	if err != nil {
		return nil, fmt.Errorf("stat release archive: %w", err)
	}

	result.Size = info.Size()

	line := fmt.Sprintf("%s  %s\n", result.Digest, filepath.Base(result.Archive))
	if err = os.WriteFile(result.ChecksumFile, []byte(line), assetFileMode); err != nil {
		return nil, fmt.Errorf("write checksum file: %w", err)
	}

	printNextSteps(ctx, opts.Version, result)

	return result, nil
}

// excludes skips preserved state, development files and an output directory nested in the source.
func excludes(source, output string) *archive.Matcher {
	patterns := append(installer.PreservedPatterns(), developmentPatterns...)

	if rel, err := filepath.Rel(source, output); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		patterns = append(patterns, filepath.ToSlash(rel)+"/")
	}

	return archive.NewMatcher(patterns...)
}

// printNextSteps logs which files to attach to the release.
func printNextSteps(ctx context.Context, version string, result *Result) {
	var builder strings.Builder

	builder.WriteString("Attach the following files to the release tagged v")
	builder.WriteString(version)
	builder.WriteString(":\n")
	builder.WriteString(result.Archive)
	builder.WriteString(",\n")
	builder.WriteString(result.ChecksumFile)

	logger.Info(ctx, builder.String())
}
