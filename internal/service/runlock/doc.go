// Package runlock keeps two updater processes from changing the appliance at once.
//
// The lock is a file holding the owner's PID. A lock whose owner is no longer
// running is considered stale and taken over.
package runlock
