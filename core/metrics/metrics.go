// Package metrics holds the Prometheus collectors of the telemetry pipeline
package metrics

import (
	"cmp"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relabs-tech/telemetry/core/logger"
)

var (
	AcceptedReadings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_accepted_readings_total",
			Help: "Total number of readings durably accepted by the gateway",
		},
		[]string{"qos"},
	)

	RejectedPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_rejected_publishes_total",
			Help: "Total number of rejected publishes by reason class",
		},
		[]string{"reason"},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_auth_failures_total",
			Help: "Total number of failed authentications by transport",
		},
		[]string{"transport"},
	)

	RawPayloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_raw_payloads_total",
			Help: "Total number of payloads stored raw because they could not be decoded",
		},
	)

	FlaggedPayloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_flagged_payloads_total",
			Help: "Total number of payloads stored with a schema violation",
		},
	)

	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_store_retries_total",
			Help: "Total number of retried reading store appends",
		},
	)

	StoreFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_store_failures_total",
			Help: "Total number of appends that failed after all retries",
		},
	)

	AppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_append_duration_seconds",
			Help:    "Duration of reading store appends including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	DroppedRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_dropped_records_total",
			Help: "Total number of records dropped from full session queues",
		},
	)

	DeliveredRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_delivered_records_total",
			Help: "Total number of records enqueued to subscribed sessions",
		},
	)

	Sessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_sessions",
			Help: "Number of live sessions by transport",
		},
		[]string{"transport"},
	)

	Subscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_subscriptions",
			Help: "Number of active fan-out subscriptions",
		},
	)

	ForwardErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_forward_errors_total",
			Help: "Total number of records that could not be forwarded by sink",
		},
		[]string{"sink"},
	)
)

// ServerOpts configures the metrics server
type ServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // defaults to 5 seconds
	ReadHeaderTimeout time.Duration // defaults to 3 seconds
}

func defaultServerOptions() ServerOpts {
	return ServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartServer starts a Prometheus metrics server. The server shuts down gracefully when
// ctx is canceled; wg is done once it has.
func StartServer(ctx context.Context, wg *sync.WaitGroup, opts *ServerOpts) {
	effectiveOpts := defaultServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	rlog := logger.Default().WithField("component", "metrics")
	wg.Add(1)
	go func() {
		defer wg.Done()
		rlog.Infoln("starting metrics server on", effectiveOpts.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			rlog.WithError(err).Errorln("metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			rlog.WithError(err).Errorln("error shutting down metrics server")
		}
	}()
}
