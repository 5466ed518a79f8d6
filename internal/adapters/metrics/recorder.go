package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"futuresExecBot/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exports engine activity to Prometheus. It implements
// ports.Notifier so it can sit in the notifier fan-out.
type Recorder struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	exits         *prometheus.CounterVec
	activeOrders  prometheus.Gauge
	openPositions *prometheus.GaugeVec
	realizedPnL   prometheus.Gauge
	gains         prometheus.Counter
	losses        prometheus.Counter
	reconcileRuns *prometheus.CounterVec
	manual        *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	timeToFill    *prometheus.HistogramVec
	slippage      *prometheus.HistogramVec

	mu      sync.Mutex
	working map[string]placement
}

// placement is what a fill is measured against.
type placement struct {
	at    time.Time
	price float64 // limit, or the mark price when a market order was sent
	side  domain.OrderSide
}

// NewRecorder creates a recorder on its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_events_total",
			Help: "Lifecycle events emitted by the engine",
		}, []string{"type", "symbol"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_order_rejections_total",
			Help: "Entry requests refused before submission, by reason",
		}, []string{"reason", "symbol"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_exits_total",
			Help: "Position exits split by reason and side",
		}, []string{"reason", "side"}),
		activeOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_active_monitors",
			Help: "Working orders currently watched by a monitor",
		}),
		openPositions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exec_open_position_qty",
			Help: "Open position quantity per symbol",
		}, []string{"symbol"}),
		realizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_realized_pnl",
			Help: "Net realized PnL since start",
		}),
		gains: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_realized_gain_total",
			Help: "Realized PnL of winning closes",
		}),
		losses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_realized_loss_total",
			Help: "Realized PnL of losing closes, as a positive amount",
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_reconcile_runs_total",
			Help: "Reconciliation passes by outcome",
		}, []string{"outcome"}),
		manual: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_manual_interventions_total",
			Help: "Orders escalated for manual intervention, by failed operation",
		}, []string{"op"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_order_outcomes_total",
			Help: "Finished orders by how much of them filled",
		}, []string{"intent", "outcome"}),
		timeToFill: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exec_time_to_fill_seconds",
			Help:    "Time from placement to complete fill",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"intent"}),
		slippage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exec_slippage_bps",
			Help:    "Fill price against the limit or mark price at placement, positive is adverse",
			Buckets: []float64{-50, -20, -10, -5, -1, 0, 1, 5, 10, 20, 50, 100},
		}, []string{"intent"}),
		working: make(map[string]placement),
	}
	r.registry.MustRegister(r.events, r.rejections, r.exits, r.activeOrders, r.openPositions,
		r.realizedPnL, r.gains, r.losses, r.reconcileRuns, r.manual, r.outcomes, r.timeToFill, r.slippage)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Notify counts the event and updates the derived series.
func (r *Recorder) Notify(ctx context.Context, e domain.Event) {
	r.events.WithLabelValues(string(e.Type), e.Symbol).Inc()
	switch e.Type {
	case domain.EventOrderRejected:
		r.rejections.WithLabelValues(e.Reason, e.Symbol).Inc()
	case domain.EventOrderPlaced:
		side, _ := e.Details["side"].(string)
		r.mu.Lock()
		r.working[e.OrderID] = placement{at: eventTime(e), price: e.Price, side: domain.OrderSide(side)}
		r.mu.Unlock()
	case domain.EventOrderPartiallyFilled:
		r.observeFill(e, false)
	case domain.EventOrderFilled:
		r.observeFill(e, true)
		r.outcomes.WithLabelValues(intentOf(e), "filled").Inc()
	case domain.EventOrderCancelled:
		r.forget(e.OrderID)
		outcome := "unfilled"
		if filled, _ := e.Details["filledQty"].(float64); filled > domain.FillEpsilon {
			outcome = "partial"
		}
		r.outcomes.WithLabelValues(intentOf(e), outcome).Inc()
	case domain.EventPositionOpened:
		r.openPositions.WithLabelValues(e.Symbol).Set(e.Quantity)
	case domain.EventPositionClosed:
		r.openPositions.WithLabelValues(e.Symbol).Set(0)
		side, _ := e.Details["side"].(string)
		r.exits.WithLabelValues(e.Reason, side).Inc()
		if pnl, ok := e.Details["pnl"].(float64); ok {
			r.realizedPnL.Add(pnl)
			if pnl < 0 {
				r.losses.Add(-pnl)
			} else {
				r.gains.Add(pnl)
			}
		}
	case domain.EventReconciliationCompleted:
		outcome := "ok"
		if n, ok := e.Details["errors"].(int); ok && n > 0 {
			outcome = "partial"
		}
		r.reconcileRuns.WithLabelValues(outcome).Inc()
	case domain.EventManualInterventionRequired:
		op, _ := e.Details["op"].(string)
		if op == "" {
			op = "unknown"
		}
		r.manual.WithLabelValues(op).Inc()
		r.forget(e.OrderID)
	}
}

// observeFill records slippage of the increment and, for the last one, the
// time since placement. Orders placed before the recorder started are skipped.
func (r *Recorder) observeFill(e domain.Event, complete bool) {
	r.mu.Lock()
	p, ok := r.working[e.OrderID]
	if complete {
		delete(r.working, e.OrderID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	intent := intentOf(e)
	if p.price > 0 && e.Price > 0 {
		bps := (e.Price - p.price) / p.price * 1e4
		if p.side == domain.Sell {
			bps = -bps
		}
		r.slippage.WithLabelValues(intent).Observe(bps)
	}
	if complete {
		r.timeToFill.WithLabelValues(intent).Observe(eventTime(e).Sub(p.at).Seconds())
	}
}

func (r *Recorder) forget(orderID string) {
	r.mu.Lock()
	delete(r.working, orderID)
	r.mu.Unlock()
}

func intentOf(e domain.Event) string {
	if intent, ok := e.Details["intent"].(string); ok && intent != "" {
		return intent
	}
	return "unknown"
}

func eventTime(e domain.Event) time.Time {
	if e.Time.IsZero() {
		return time.Now()
	}
	return e.Time
}

// SetActiveMonitors records how many monitors are running.
func (r *Recorder) SetActiveMonitors(n int) {
	r.activeOrders.Set(float64(n))
}
