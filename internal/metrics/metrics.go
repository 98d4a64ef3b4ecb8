package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PoolStats is the read side of the context pool.
type PoolStats interface {
	Capacity() int
	InUse() int
}

// Metrics holds the worker's prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	FetchesTotal  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	Fallbacks     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "html_fetch_requests_total",
				Help: "Total number of fetch requests by outcome",
			},
			[]string{"outcome"},
		),
		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "html_fetch_duration_seconds",
				Help:    "Fetch duration in seconds by outcome",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"outcome"},
		),
		Fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "html_fetch_antibot_fallbacks_total",
				Help: "Scraping proxy escalations by result",
			},
			[]string{"result"},
		),
	}
}

// WatchPool exposes pool capacity and usage as gauges read at scrape time.
func (m *Metrics) WatchPool(p PoolStats) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "html_fetch_pool_capacity",
		Help: "Number of browser context slots",
	}, func() float64 { return float64(p.Capacity()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "html_fetch_pool_in_use",
		Help: "Number of browser context slots currently in use",
	}, func() float64 { return float64(p.InUse()) })
}

func (m *Metrics) ObserveFetch(outcome string, d time.Duration) {
	m.FetchesTotal.WithLabelValues(outcome).Inc()
	m.FetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveFallback(result string) {
	m.Fallbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
