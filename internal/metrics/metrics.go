// Package metrics exports the sender's Prometheus instrumentation:
// dispatch throughput, offset-map depth, index-map head position,
// repair traffic and address-pool occupancy, plus the host gauges
// internal/sysmon feeds.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry holds every collector a sender child registers. Each
// Registry owns its own prometheus.Registry so tests can build as many
// as they like without duplicate-registration panics.
type Registry struct {
	reg *prometheus.Registry

	ProductsPublished prometheus.Counter
	BytesPublished    prometheus.Counter
	ProductsReleased  prometheus.Counter
	StoreSuspends     prometheus.Counter

	OffsetMapDepth prometheus.Gauge
	IndexMapNext   prometheus.Gauge

	RepairSessions prometheus.Gauge
	RepairRequests *prometheus.CounterVec
	MissedServed   prometheus.Counter
	BacklogServed  prometheus.Counter
	NoSuchProduct  prometheus.Counter

	PoolReserved prometheus.Gauge
	PoolFree     prometheus.Gauge

	HostCPUPercent  prometheus.Gauge
	HostMemoryBytes prometheus.Gauge
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		reg: reg,
		ProductsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcastup_products_published_total",
			Help: "Products the dispatch loop has handed to the multicast transport",
		}),
		BytesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcastup_bytes_published_total",
			Help: "Payload bytes published to multicast",
		}),
		ProductsReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcastup_products_released_total",
			Help: "Products released back to the store after their retention window",
		}),
		StoreSuspends: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcastup_store_suspends_total",
			Help: "Times the dispatch loop's store wait elapsed with nothing to send",
		}),
		OffsetMapDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcastup_offset_map_depth",
			Help: "In-flight products pinned in the store awaiting the transport's done callback",
		}),
		IndexMapNext: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcastup_index_map_next",
			Help: "Next product index the index map will accept",
		}),
		RepairSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcastup_repair_sessions",
			Help: "Currently attached downstream repair sessions",
		}),
		RepairRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcastup_repair_requests_total",
			Help: "Repair requests received, by request type",
		}, []string{"type"}),
		MissedServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcastup_missed_products_served_total",
			Help: "missed_product notifications emitted to receivers",
		}),
		BacklogServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcastup_backlog_products_served_total",
			Help: "backlog_product notifications emitted to receivers",
		}),
		NoSuchProduct: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcastup_no_such_product_total",
			Help: "no_such_product notifications emitted for indices no longer retrievable",
		}),
		PoolReserved: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcastup_addrpool_reserved",
			Help: "Reserved addresses in the sender's FMTP address pool",
		}),
		PoolFree: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcastup_addrpool_free",
			Help: "Free addresses in the sender's FMTP address pool",
		}),
		HostCPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcastup_host_cpu_percent",
			Help: "Host CPU utilization sampled by the system monitor",
		}),
		HostMemoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcastup_host_memory_used_bytes",
			Help: "Host memory in use sampled by the system monitor",
		}),
	}
}

// Handler exposes this Registry's collectors over HTTP.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve runs a /metrics HTTP endpoint on addr until ctx is cancelled.
// Failures to bind are logged, not fatal: a sender without metrics is
// degraded, not broken.
func (r *Registry) Serve(ctx context.Context, addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics: http endpoint starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn().Err(err).Str("addr", addr).Msg("metrics: http endpoint failed")
	}
}
