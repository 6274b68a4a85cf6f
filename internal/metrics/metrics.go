// Package metrics exposes Prometheus collectors for the relay and the agent.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rtunnel"

// Role label values.
const (
	RoleRelay = "relay"
	RoleAgent = "agent"
)

// Direction label values, relative to the local process.
const (
	DirIn  = "in"
	DirOut = "out"
)

var (
	ControlSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "control_sessions",
		Help:      "Authorized control sessions currently running.",
	}, []string{"role"})

	ControlRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_rejected_total",
		Help:      "Control connections refused before a session was started.",
	}, []string{"reason"})

	ControlClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_closed_total",
		Help:      "Control sessions torn down, by cause.",
	}, []string{"role", "reason"})

	CircuitsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuits_active",
		Help:      "Circuits currently registered.",
	}, []string{"role"})

	CircuitsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuits_opened_total",
		Help:      "Circuits registered since start.",
	}, []string{"role"})

	Packets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_total",
		Help:      "Packets on the control connection.",
	}, []string{"role", "direction", "action"})

	ControlBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_bytes_total",
		Help:      "Bytes on the control connection, framing included.",
	}, []string{"role", "direction"})

	PingRTT = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ping_rtt_seconds",
		Help:      "Round-trip time of PING/PONG exchanges.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"role"})

	ForwardThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forward_throttled_total",
		Help:      "Public connections dropped by the accept rate limit.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_reconnects_total",
		Help:      "Reconnect attempts made by the agent.",
	})
)

// Handler returns the HTTP handler serving /metrics and /healthz.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Serve runs the metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
