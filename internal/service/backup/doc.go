// Package backup creates, restores, lists and prunes appliance backups.
//
// Two strategies exist. When scripts/backup.sh is shipped with the appliance the
// script strategy runs it and falls back to the in-process archive strategy on
// any failure. Otherwise only the archive strategy is used.
package backup
