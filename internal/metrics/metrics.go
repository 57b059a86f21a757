// Prometheus bridge.
//
// Every metric passed to EmitMetric is mirrored into a fundflow_<name> collector
// labelled with component, exchange and instrument:
//
//	counters   -> CounterVec (value added)
//	gauges     -> GaugeVec (value set)
//	histograms -> HistogramVec (value observed)
//
// go_* and process_* collectors are registered alongside.
package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundflow/logger"
)

var promLabels = []string{"component", "exchange", "instrument"}

// PrometheusBridge exports emitted metrics through a prometheus registry.
type PrometheusBridge struct {
	registry *prometheus.Registry
	id       MetricHandlerID

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusBridge creates a registry with the runtime collectors and starts
// mirroring emitted metrics into it until Close is called.
func NewPrometheusBridge() *PrometheusBridge {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b := &PrometheusBridge{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	b.id = RegisterMetricHandler(b.observe)
	return b
}

// Handler serves the registry in the Prometheus exposition format.
func (b *PrometheusBridge) Handler() http.Handler {
	return promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})
}

func (b *PrometheusBridge) Registry() *prometheus.Registry {
	return b.registry
}

func (b *PrometheusBridge) Close() {
	UnregisterMetricHandler(b.id)
}

func (b *PrometheusBridge) observe(m Metric) {
	value, ok := toFloat64(m.Value)
	if !ok {
		return
	}
	name := promName(m.Name)
	labels := prometheus.Labels{
		"component":  m.Component,
		"exchange":   stringField(m.Fields, "exchange"),
		"instrument": stringField(m.Fields, "instrument"),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch m.Type {
	case TypeGauge:
		vec, ok := b.gauges[name]
		if !ok {
			vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: "fundflow gauge " + m.Name}, promLabels)
			if !b.register(name, vec) {
				return
			}
			b.gauges[name] = vec
		}
		vec.With(labels).Set(value)
	case TypeHistogram:
		vec, ok := b.histograms[name]
		if !ok {
			vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: "fundflow histogram " + m.Name}, promLabels)
			if !b.register(name, vec) {
				return
			}
			b.histograms[name] = vec
		}
		vec.With(labels).Observe(value)
	default:
		if value < 0 {
			return
		}
		vec, ok := b.counters[name]
		if !ok {
			vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name + "_total", Help: "fundflow counter " + m.Name}, promLabels)
			if !b.register(name, vec) {
				return
			}
			b.counters[name] = vec
		}
		vec.With(labels).Add(value)
	}
}

// register fails when the same name was already used with another metric type.
func (b *PrometheusBridge) register(name string, c prometheus.Collector) bool {
	if err := b.registry.Register(c); err != nil {
		logger.GetLogger().WithComponent("prometheus").WithField("metric", name).WithError(err).Debug("metric not registered")
		return false
	}
	return true
}

func promName(name string) string {
	var sb strings.Builder
	sb.WriteString("fundflow_")
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func stringField(fields logger.Fields, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}
