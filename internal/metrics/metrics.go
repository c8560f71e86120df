package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BetsPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundbet_bets_placed_total",
		Help: "Bets admitted by the gate.",
	})
	BetsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundbet_bets_rejected_total",
		Help: "Bets rejected by the gate, by reason.",
	}, []string{"reason"})
	BetsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundbet_bets_settled_total",
		Help: "Bets resolved with a payout record.",
	})
	RoundsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundbet_rounds_settled_total",
		Help: "Rounds that reached the settled state.",
	})
	SettlementRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundbet_settlement_retries_total",
		Help: "Payout attempts retried after transient storage faults.",
	})
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundbet_settlement_failures_total",
		Help: "Bets flagged settlement_failed after exhausting retries.",
	})
)

type HealthFunc func(ctx context.Context) error

// StartServer serves /metrics and /healthz on a side port, detached from the
// public API listener.
func StartServer(port string, healthFn HealthFunc) *http.Server {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()

		if err := healthFn(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("unhealthy: %v", err)))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	go func() {
		_ = srv.ListenAndServe()
	}()

	return srv
}
