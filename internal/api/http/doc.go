// Package http exposes the update orchestrator over a small JSON API built on fiber.
// Status changes are streamed to websocket clients as JSON snapshots.
package http
