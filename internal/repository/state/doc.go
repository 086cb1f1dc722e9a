// Package state persists the installed-version marker of the appliance.
//
// The FileRepository keeps a single plain-text semantic version in a file and
// replaces it atomically, so readers see either the old or the new version.
package state
