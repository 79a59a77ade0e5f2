package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"EgoMarket/internal/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "egomarket"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	escrowOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_operations_total",
		Help:      "Escrow pipeline runs by operation and outcome code.",
	}, []string{"operation", "outcome"})

	escrowSteps = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "escrow_step_duration_seconds",
		Help:      "Duration of escrow pipeline steps.",
		Buckets:   []float64{0.01, 0.05, 0.25, 1, 5, 30, 60, 300, 600},
	}, []string{"operation", "step"})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_transitions_total",
		Help:      "Task lifecycle transitions by action and target status.",
	}, []string{"action", "to"})

	detectorDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detector_decisions_total",
		Help:      "Anti-gaming decisions by response action.",
	}, []string{"action"})

	suspensions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_suspensions_total",
		Help:      "Agent suspensions created by the detector.",
	})

	mintJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mint_jobs_total",
		Help:      "Reputation token mint jobs by final status.",
	}, []string{"status"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		escrowOperations, escrowSteps,
		transitions, detectorDecisions, suspensions, mintJobs,
	)
}

// Registry exposes the collector registry, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveEscrowOperation counts a finished escrow pipeline run. outcome is
// "ok" or the error code.
func ObserveEscrowOperation(op, outcome string) {
	escrowOperations.WithLabelValues(op, outcome).Inc()
}

// ObserveEscrowStep records the duration of one pipeline step.
func ObserveEscrowStep(op, step string, duration time.Duration) {
	escrowSteps.WithLabelValues(op, step).Observe(duration.Seconds())
}

// Subscribe counts lifecycle, detector and mint events emitted on bus.
func Subscribe(bus *events.Bus) {
	if bus == nil {
		return
	}
	bus.OnEvent(func(_ context.Context, e events.Event) {
		switch e.Kind {
		case events.KindTaskTransition:
			transitions.WithLabelValues(label(e.Data, "action"), label(e.Data, "to")).Inc()
		case events.KindDetectorDecision:
			detectorDecisions.WithLabelValues(label(e.Data, "action")).Inc()
		case events.KindAgentSuspended:
			suspensions.Inc()
		case events.KindMintFinished:
			mintJobs.WithLabelValues(label(e.Data, "status")).Inc()
		}
	})
}

func label(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
