// Package server exposes the ordering service over HTTP: the current order,
// recording and streaming controls, bill verification, and the health, stats
// and Prometheus endpoints used for monitoring.
package server
