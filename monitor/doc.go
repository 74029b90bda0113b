// Package monitor exports gateway, processor and handler measurements to
// Prometheus.
package monitor
