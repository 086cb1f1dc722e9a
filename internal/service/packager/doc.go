// Package packager bundles an appliance source tree into a release archive.
//
// The archive leaves out runtime state the installer preserves, and a
// sha256sum-style checksum file is written next to it. Both files are
// uploaded as assets of the release the updater installs.
package packager
