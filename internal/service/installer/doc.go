// Package installer applies a downloaded release to the appliance tree and
// records the new installed version.
package installer
