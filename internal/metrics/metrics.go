// Package metrics exposes the trading loop's Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/models"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	TicksTotal    *prometheus.CounterVec
	TickDuration  prometheus.Histogram
	OrdersTotal   *prometheus.CounterVec
	Signal        *prometheus.GaugeVec
	Leverage      *prometheus.GaugeVec
	TargetAmount  *prometheus.GaugeVec
	BalanceUSD    prometheus.Gauge
	LastTickEpoch prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quantpilot_ticks_total", Help: "Trading ticks by result"},
			[]string{"result"},
		),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quantpilot_tick_duration_seconds",
			Help:    "Wall time of one trading tick",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quantpilot_orders_total", Help: "Orders submitted"},
			[]string{"symbol", "side", "result"},
		),
		Signal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "quantpilot_signal", Help: "Aggregated signal per strategy instance"},
			[]string{"strategy"},
		),
		Leverage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "quantpilot_leverage", Help: "Portfolio leverage by kind"},
			[]string{"kind"},
		),
		TargetAmount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "quantpilot_target_amount", Help: "Capped target amount per symbol"},
			[]string{"symbol"},
		),
		BalanceUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantpilot_balance_usd", Help: "Account value in USD",
		}),
		LastTickEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantpilot_last_tick_timestamp_seconds", Help: "Unix time of the last successful tick",
		}),
	}
	m.Registry.MustRegister(m.TicksTotal, m.TickDuration, m.OrdersTotal, m.Signal,
		m.Leverage, m.TargetAmount, m.BalanceUSD, m.LastTickEpoch)
	return m
}

// ObserveTick records a finished tick.
func (m *Metrics) ObserveTick(start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	} else {
		m.LastTickEpoch.Set(float64(time.Now().Unix()))
	}
	m.TicksTotal.WithLabelValues(result).Inc()
	m.TickDuration.Observe(time.Since(start).Seconds())
}

// ObserveSignals replaces the per-strategy signal gauges.
func (m *Metrics) ObserveSignals(signals models.Signals) {
	m.Signal.Reset()
	for k, v := range signals {
		m.Signal.WithLabelValues(k.String()).Set(v)
	}
}

// ObserveLeverage sets the real and reference leverage gauges.
func (m *Metrics) ObserveLeverage(realLev, ref float64) {
	m.Leverage.WithLabelValues("real").Set(realLev)
	m.Leverage.WithLabelValues("reference").Set(ref)
}

// ObserveTargets replaces the per-symbol target gauges.
func (m *Metrics) ObserveTargets(targets models.Amounts) {
	m.TargetAmount.Reset()
	for s, v := range targets {
		m.TargetAmount.WithLabelValues(s).Set(v)
	}
}

// ObserveOrders counts order outcomes.
func (m *Metrics) ObserveOrders(outcomes []models.OrderOutcome) {
	for _, o := range outcomes {
		result := "ok"
		if !o.Succeeded() {
			result = "error"
		}
		m.OrdersTotal.WithLabelValues(o.Symbol, o.Side, result).Inc()
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("Serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv
}
