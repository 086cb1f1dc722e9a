// Package history stores finished update and rollback runs in a local SQLite database.
package history
