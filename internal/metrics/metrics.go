// Package metrics exposes Prometheus collectors for a capture pipeline.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one pipeline. A nil *Metrics records nothing.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec
	SnapshotRows     *prometheus.CounterVec
	State            prometheus.Gauge
	CommitFailures   prometheus.Counter
	TailerReconnects prometheus.Counter
	LastEventTime    prometheus.Gauge
	BatchErrors      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer, server string) *Metrics {
	labels := prometheus.Labels{"server": server}
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "capture_events_total",
			Help:        "Change events emitted, by operation",
			ConstLabels: labels,
		}, []string{"op"}),
		SnapshotRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "capture_snapshot_rows_total",
			Help:        "Rows read by the initial snapshot, by table",
			ConstLabels: labels,
		}, []string{"table"}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "capture_pipeline_state",
			Help:        "Pipeline state: 0 idle, 1 snapshotting, 2 streaming, 3 stopped, 4 failed",
			ConstLabels: labels,
		}),
		CommitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "capture_offset_commit_failures_total",
			Help:        "Offset commits that failed after retries",
			ConstLabels: labels,
		}),
		TailerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "capture_tailer_reconnects_total",
			Help:        "Times the change log tailer was restarted after a disconnect",
			ConstLabels: labels,
		}),
		LastEventTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "capture_last_event_timestamp_seconds",
			Help:        "Source commit time of the last emitted change",
			ConstLabels: labels,
		}),
		BatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "capture_batch_errors_total",
			Help:        "Non-fatal per-table errors reported in batches, by error code",
			ConstLabels: labels,
		}, []string{"code"}),
	}
	if reg != nil {
		m.EventsTotal = register(reg, m.EventsTotal)
		m.SnapshotRows = register(reg, m.SnapshotRows)
		m.State = register(reg, m.State)
		m.CommitFailures = register(reg, m.CommitFailures)
		m.TailerReconnects = register(reg, m.TailerReconnects)
		m.LastEventTime = register(reg, m.LastEventTime)
		m.BatchErrors = register(reg, m.BatchErrors)
	}
	return m
}

// register reuses the collector of an earlier pipeline for the same server, so a
// restarted pipeline keeps counting
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) Event(op string, ts time.Time) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(op).Inc()
	if !ts.IsZero() {
		m.LastEventTime.Set(float64(ts.UnixMilli()) / 1000)
	}
}

func (m *Metrics) SnapshotRow(table string, n int) {
	if m == nil {
		return
	}
	m.SnapshotRows.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.State.Set(float64(state))
}

func (m *Metrics) CommitFailed() {
	if m == nil {
		return
	}
	m.CommitFailures.Inc()
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.TailerReconnects.Inc()
}

func (m *Metrics) BatchError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "UNKNOWN"
	}
	m.BatchErrors.WithLabelValues(code).Inc()
}

// Serve exposes gatherer on addr under /metrics until ctx is done
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger hclog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Prometheus metrics available", "addr", addr, "path", "/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
