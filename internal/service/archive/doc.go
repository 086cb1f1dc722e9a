// Package archive writes and extracts the gzip-compressed tarballs used for
// backups and release artifacts, and copies release trees onto the appliance.
package archive
