// Package metrics publishes operational counters for the rescue loop.
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

var CyclesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "rescuewatcher",
		Name:      "cycles_total",
		Help:      "Evaluation cycles executed",
	},
)

var FetchErrorsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "rescuewatcher",
		Name:      "fetch_errors_total",
		Help:      "Snapshot fetch failures (retried next cycle)",
	},
)

var VerdictChangesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "rescuewatcher",
		Name:      "verdict_changes_total",
		Help:      "Verdict level changes observed",
	},
	[]string{"level"},
)

var RescuesTriggeredTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "rescuewatcher",
		Name:      "rescues_triggered_total",
		Help:      "Rescue actions created",
	},
)

var ActionsResolvedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "rescuewatcher",
		Name:      "actions_resolved_total",
		Help:      "Rescue actions resolved by terminal status",
	},
	[]string{"status"},
)

var AlertsDispatchedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "rescuewatcher",
		Name:      "alerts_dispatched_total",
		Help:      "Alerts handed to the dispatcher",
	},
)

// Serve exposes /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	log := logger.With().Str("component", "metrics").Logger()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics listener started")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics listener failed")
	}
}
