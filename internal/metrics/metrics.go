// Package metrics is the single prometheus.Registerer every component's
// constructor receives, per SPEC_FULL.md's domain-stack wiring note.
// Grounded on the teacher's src/chainadapter/metrics/prometheus.go
// (one process-wide registry, collectors built per component rather
// than through package-level globals).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry wraps a prometheus registry so components can be constructed
// with an explicit dependency instead of reaching for the default
// global registry.
type Registry struct {
	*prometheus.Registry
}

// New constructs a fresh, empty registry.
func New() *Registry {
	return &Registry{Registry: prometheus.NewRegistry()}
}
