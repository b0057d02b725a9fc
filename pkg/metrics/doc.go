// Package metrics defines Atelier's Prometheus collectors. All metrics
// are registered at init and served by pkg/api on /metrics.
package metrics
