// Package broadcast fans status snapshots out to subscribers.
//
// Publishing never blocks: a subscriber whose buffer is full is dropped and its
// channel closed, so one slow reader cannot stall an update run.
package broadcast
