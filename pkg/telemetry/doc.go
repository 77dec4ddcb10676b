// Package telemetry wires OpenTelemetry exporters, meters, and Prometheus
// collectors for the boundary governance core.
//
// It centralises trace provider setup, applies service resource attributes,
// and offers enrichment helpers that attach crossing, boundary, and integrity
// metadata to spans so operators can correlate governance decisions with the
// crossings that triggered them.
package telemetry
