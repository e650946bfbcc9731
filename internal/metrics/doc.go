// Package metrics defines the Prometheus collectors shared by the device
// engine and the reference service.
package metrics
