package metrics

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/freundallein/corrector/chassis/logging"
)

var (
	// TasksInflight - correction tasks currently holding the semaphore
	TasksInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "corrector_tasks_inflight",
		Help: "Correction tasks currently running.",
	})
	// TaskOutcomes - settled deliveries by outcome
	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corrector_task_outcomes_total",
		Help: "Correction tasks by outcome.",
	}, []string{"outcome"})
	// RPCCallSeconds - checker call latency
	RPCCallSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corrector_rpc_call_seconds",
		Help:    "Checker call duration.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1200},
	}, []string{"procedure"})
	// Retries - messages sent to the retry queue
	Retries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corrector_retries_total",
		Help: "Messages republished to the retry queue.",
	})
	// DeadLetters - messages sent to the dead-letter queue
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corrector_dead_letters_total",
		Help: "Messages republished to the dead-letter queue.",
	}, []string{"reason"})
	// CheckerRequests - requests answered by the mock checker
	CheckerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checker_requests_total",
		Help: "Checker requests by language and result.",
	}, []string{"language", "result"})
	// RelayForwarded - dead letters shipped to SQS
	RelayForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_forwarded_total",
		Help: "Dead-lettered messages forwarded to SQS.",
	})
	// SupervisorRejected - stale submissions rejected
	SupervisorRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_rejected_total",
		Help: "Submissions rejected after staying in CORRECTING too long.",
	})
)

// Router serves /metrics and /healthz.
func Router() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return router
}

// Serve starts the metrics server; the returned func shuts it down.
func Serve(addr string) func(ctx context.Context) {
	srv := &http.Server{
		Addr:    addr,
		Handler: Router(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithFields(log.Fields{
				"event": "metrics_listen_failed",
			}).Error(err)
		}
	}()
	return func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			log.WithFields(log.Fields{
				"event": "metrics_shutdown_failed",
			}).Error(err)
		}
	}
}
