// Package server exposes the reference service over HTTP: the device
// WebSocket endpoint that drives talk sessions, plus health, session,
// configuration, statistics and Prometheus endpoints for monitoring.
package server
