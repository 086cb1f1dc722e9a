// Package release talks to the release host and reads the installed version.
//
// Releases are fetched from the GitHub releases API. Every download URL is
// checked against a trust policy (HTTPS, allowed host, allowed repository)
// before it is used.
package release
