// Package health publishes the updater state through the standard grpc.health.v1 service.
package health
