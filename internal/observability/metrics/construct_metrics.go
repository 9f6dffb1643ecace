package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ConstructCollector exposes exchange and construction phase activity as
// Prometheus metrics. It satisfies both comm.Observer and construct.Observer.
type ConstructCollector struct {
	rounds      *prometheus.CounterVec
	frames      *prometheus.CounterVec
	frameBytes  *prometheus.CounterVec
	phaseTime   *prometheus.HistogramVec
	phaseErrors *prometheus.CounterVec
}

// NewConstructCollector creates a collector registered on the provided registry (default if nil).
func NewConstructCollector(reg prometheus.Registerer, namespace string) *ConstructCollector {
	if namespace == "" {
		namespace = "distmesh"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	builder := promauto.With(reg)
	return &ConstructCollector{
		rounds: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comm_rounds_total",
			Help:      "Exchange rounds sent by each rank.",
		}, []string{"rank"}),
		frames: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comm_frames_total",
			Help:      "Frames handed to the transport, empty completion frames included.",
		}, []string{"rank"}),
		frameBytes: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comm_frame_bytes_total",
			Help:      "Payload bytes handed to the transport.",
		}, []string{"rank"}),
		phaseTime: builder.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "construct_phase_duration_seconds",
			Help:      "Wall time of each construction phase.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"phase"}),
		phaseErrors: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "construct_phase_failures_total",
			Help:      "Construction phases that returned an error.",
		}, []string{"phase"}),
	}
}

func (c *ConstructCollector) ObserveRound(rank int) {
	c.rounds.WithLabelValues(strconv.Itoa(rank)).Inc()
}

func (c *ConstructCollector) ObserveFrame(rank int, bytes int) {
	label := strconv.Itoa(rank)
	c.frames.WithLabelValues(label).Inc()
	c.frameBytes.WithLabelValues(label).Add(float64(bytes))
}

func (c *ConstructCollector) ObservePhase(_ int, phase string, took time.Duration, err error) {
	c.phaseTime.WithLabelValues(phase).Observe(took.Seconds())
	if err != nil {
		c.phaseErrors.WithLabelValues(phase).Inc()
	}
}

// StartServer serves metrics from gatherer on addr until the context is canceled.
func StartServer(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	if addr == "" {
		return fmt.Errorf("metrics address is empty")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.String("address", addr), zap.Error(err))
		}
	}()

	return nil
}
