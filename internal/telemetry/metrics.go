package telemetry

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"kafkabridge/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kbridge",
		Name:      "events_enqueued_total",
		Help:      "Events handed to the host loop, by kind.",
	}, []string{"kind"})

	EventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kbridge",
		Name:      "events_dispatched_total",
		Help:      "Events whose callback ran, by kind.",
	}, []string{"kind"})

	// EventsDropped counts events discarded at dispatch time (reason: stale, no_callback, sampled).
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kbridge",
		Name:      "events_dropped_total",
		Help:      "Events discarded instead of dispatched, by reason.",
	}, []string{"reason"})

	EventsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kbridge",
		Name:      "events_purged_total",
		Help:      "Queued events removed when their consumer stopped.",
	})

	CallbackErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kbridge",
		Name:      "callback_errors_total",
		Help:      "Host callbacks that returned an error or panicked.",
	})

	RunningConsumers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kbridge",
		Name:      "running_consumers",
		Help:      "Partitions and queues currently bound to a consumer.",
	})

	PollTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kbridge",
		Name:      "poll_ticks_total",
		Help:      "Poll/dispatch passes run by the host loop.",
	})

	DrainErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kbridge",
		Name:      "drain_errors_total",
		Help:      "Engine errors while draining running consumers.",
	})
)

// Register adds the bridge metrics to reg, or to the default registerer.
func Register(regs ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer = prometheus.DefaultRegisterer
		if len(regs) > 0 && regs[0] != nil {
			reg = regs[0]
		}
		reg.MustRegister(
			EventsEnqueued,
			EventsDispatched,
			EventsDropped,
			EventsPurged,
			CallbackErrors,
			RunningConsumers,
			PollTicks,
			DrainErrors,
		)
	})
}

// Expose serves /metrics on port in the background.
func Expose(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics server", "err", err)
		}
	}()
	return srv
}
