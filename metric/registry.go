// Package metric manages Prometheus metric registration and the
// bridge's core instrument set.
package metric

import (
	stderrors "errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
)

// Registry wraps a dedicated Prometheus registry so components
// register their metrics under one roof without colliding with the
// default global registry.
type Registry struct {
	prom       *prometheus.Registry
	mu         sync.Mutex
	registered map[string]prometheus.Collector
}

// NewRegistry creates a Registry preloaded with Go runtime and
// process collectors.
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		prom:       prom,
		registered: make(map[string]prometheus.Collector),
	}
}

// Prometheus exposes the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Register adds a named collector. Registering the same name twice is
// a programmer error.
func (r *Registry) Register(name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registered[name]; exists {
		return errors.Newf(errors.CodeInternal, "metric %s already registered", name)
	}
	if err := r.prom.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapCode(errors.CodeInternal, err, "Registry", "Register", "prometheus conflict")
		}
		return errors.WrapCode(errors.CodeInternal, err, "Registry", "Register", "register collector")
	}
	r.registered[name] = c
	return nil
}

// MustRegister panics on registration failure; for init-time wiring.
func (r *Registry) MustRegister(name string, c prometheus.Collector) {
	if err := r.Register(name, c); err != nil {
		panic(err)
	}
}

// Unregister removes a named collector.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.registered[name]
	if !exists {
		return false
	}
	delete(r.registered, name)
	return r.prom.Unregister(c)
}

// Handler serves the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}
