package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
)

// NewRegistry returns the process registry with the Go runtime and process
// collectors attached.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideBusiness(reg *prometheus.Registry) (*Business, error) {
	return NewBusiness(reg)
}

var Module = fx.Options(
	fx.Provide(NewRegistry, provideBusiness),
)
