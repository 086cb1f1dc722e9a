// Package update contains the core domain types of the appliance updater.
//
// It defines the update run State machine vocabulary, the Snapshot pushed to
// status observers, release and backup descriptors, strict semantic version
// parsing and the sentinel errors shared by every service.
package update
