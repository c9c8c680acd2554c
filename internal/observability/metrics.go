// Package observability — metrics.go
//
// Prometheus metrics for the sidecar daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9092 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: the configured metrics_addr, loopback by default, since the
// metrics surface itself can leak operational signal about secret
// usage. The address is not checked to be a loopback one.
//
// Metric naming convention: capseal_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not
// the default global registry) to avoid collisions with other
// instrumented libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the daemon and
// implements internal/handler.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Grants ───────────────────────────────────────────────────────────

	GrantsAuthorizedTotal prometheus.Counter
	GrantsRedeemedTotal   prometheus.Counter
	GrantsRedeemFailedTotal prometheus.Counter

	// ─── Tickets ──────────────────────────────────────────────────────────

	TicketsIssuedTotal       prometheus.Counter
	TicketsConsumedTotal     prometheus.Counter
	TicketsConsumeFailedTotal prometheus.Counter

	// ─── Seals ────────────────────────────────────────────────────────────

	SealsComputedTotal prometheus.Counter
	// SealsVerifiedTotal is labeled by result (valid, invalid).
	SealsVerifiedTotal *prometheus.CounterVec

	// FramesNotRegisteredTotal counts compute_seal/verify_seal requests
	// rejected because the frame was never redeemed.
	FramesNotRegisteredTotal prometheus.Counter

	// ─── Authentication & connections ────────────────────────────────────

	AuthFailuresTotal       prometheus.Counter
	RequestsServedTotal     prometheus.Counter
	ConnectionsAcceptedTotal prometheus.Counter
	ConnectionsRejectedTotal *prometheus.CounterVec

	// ─── Process ──────────────────────────────────────────────────────────

	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all sidecar daemon Prometheus
// metrics on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		GrantsAuthorizedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capseal", Subsystem: "grants", Name: "authorized_total",
			Help: "Total AuthorizeConstruct requests that minted a grant.",
		}),
		GrantsRedeemedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capseal", Subsystem: "grants", Name: "redeemed_total",
			Help: "Total successful grant redemptions.",
		}),
		GrantsRedeemFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capseal", Subsystem: "grants", Name: "redeem_failed_total",
			Help: "Total redemption attempts that failed (not found or expired).",
		}),

		TicketsIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capseal", Subsystem: "tickets", Name: "issued_total",
			Help: "Total construction tickets issued on redemption.",
		}),
		TicketsConsumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capseal", Subsystem: "tickets", Name: "consumed_total",
			Help: "Total construction tickets successfully consumed.",
		}),
		TicketsConsumeFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capseal", Subsystem: "tickets", Name: "consume_failed_total",
			Help: "Total consume attempts that failed (never issued or already consumed).",
		}),

		SealsComputedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capseal", Subsystem: "seals", Name: "computed_total",
			Help: "Total seals computed (via redemption or compute_seal).",
		}),
		SealsVerifiedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capseal", Subsystem: "seals", Name: "verified_total",
			Help: "Total verify_seal requests, by result.",
		}, []string{"result"}),
		FramesNotRegisteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capseal", Subsystem: "frames", Name: "not_registered_total",
			Help: "Total seal operations rejected because the frame was never redeemed.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capseal", Subsystem: "auth", Name: "failures_total",
			Help: "Total requests rejected for HMAC verification failure.",
		}),
		RequestsServedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capseal", Subsystem: "requests", Name: "served_total",
			Help: "Total requests that passed authentication and were dispatched.",
		}),
		ConnectionsAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capseal", Subsystem: "connections", Name: "accepted_total",
			Help: "Total connections accepted from the authorized peer UID.",
		}),
		ConnectionsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capseal", Subsystem: "connections", Name: "rejected_total",
			Help: "Total connections rejected, by reason.",
		}, []string{"reason"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capseal", Subsystem: "process", Name: "uptime_seconds",
			Help: "Seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.GrantsAuthorizedTotal,
		m.GrantsRedeemedTotal,
		m.GrantsRedeemFailedTotal,
		m.TicketsIssuedTotal,
		m.TicketsConsumedTotal,
		m.TicketsConsumeFailedTotal,
		m.SealsComputedTotal,
		m.SealsVerifiedTotal,
		m.FramesNotRegisteredTotal,
		m.AuthFailuresTotal,
		m.RequestsServedTotal,
		m.ConnectionsAcceptedTotal,
		m.ConnectionsRejectedTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ─── internal/handler.Metrics implementation ───────────────────────────────

func (m *Metrics) GrantAuthorized()     { m.GrantsAuthorizedTotal.Inc() }
func (m *Metrics) GrantRedeemed()       { m.GrantsRedeemedTotal.Inc() }
func (m *Metrics) GrantRedeemFailed()   { m.GrantsRedeemFailedTotal.Inc() }
func (m *Metrics) TicketIssued()        { m.TicketsIssuedTotal.Inc() }
func (m *Metrics) TicketConsumed()      { m.TicketsConsumedTotal.Inc() }
func (m *Metrics) TicketConsumeFailed() { m.TicketsConsumeFailedTotal.Inc() }
func (m *Metrics) SealComputed()        { m.SealsComputedTotal.Inc() }
func (m *Metrics) FrameNotRegistered()  { m.FramesNotRegisteredTotal.Inc() }
func (m *Metrics) AuthFailure()         { m.AuthFailuresTotal.Inc() }
func (m *Metrics) RequestServed()       { m.RequestsServedTotal.Inc() }

func (m *Metrics) SealVerified(valid bool) {
	if valid {
		m.SealsVerifiedTotal.WithLabelValues("valid").Inc()
		return
	}
	m.SealsVerifiedTotal.WithLabelValues("invalid").Inc()
}

// ConnectionAccepted records a connection that passed peer-UID
// authentication.
func (m *Metrics) ConnectionAccepted() { m.ConnectionsAcceptedTotal.Inc() }

// ConnectionRejected records a connection refused for the given
// reason (e.g. "uid_mismatch", "max_inflight").
func (m *Metrics) ConnectionRejected(reason string) {
	m.ConnectionsRejectedTotal.WithLabelValues(reason).Inc()
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
