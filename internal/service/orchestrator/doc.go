// Package orchestrator runs appliance updates end to end.
//
// One run at a time walks validating, backing up, downloading, verifying,
// installing, updating and restarting services and verifying health. Any
// failure after the backup restores it. Observers read snapshots through
// Status or a Subscribe stream.
package orchestrator
