// Package daemon wires the updater components together and runs the long-lived API process.
package daemon
