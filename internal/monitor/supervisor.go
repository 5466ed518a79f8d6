package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

type handle struct {
	m      *monitor
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns the monitor goroutines, at most one per order.
type Supervisor struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	monitors map[string]*handle
	closed   bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor creates a supervisor. Monitors run under its own context so
// they outlive the requests that spawned them.
func NewSupervisor(cfg Config, deps Deps) *Supervisor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	if cfg.TimeoutAction == "" {
		cfg.TimeoutAction = ActionCancel
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:      cfg,
		deps:     deps,
		monitors: make(map[string]*handle),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Spawn starts monitoring orderID. It returns false if the order is already
// monitored or the supervisor is shut down.
func (s *Supervisor) Spawn(orderID, symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.monitors[orderID]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	h := &handle{
		m: &monitor{
			id:         orderID,
			symbol:     symbol,
			cfg:        s.cfg,
			deps:       &s.deps,
			directives: make(chan Directive, 4),
			wake:       make(chan struct{}, 1),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.monitors[orderID] = h
	s.wg.Add(1)
	go s.supervise(ctx, h)
	s.reportActiveLocked()
	return true
}

func (s *Supervisor) supervise(ctx context.Context, h *handle) {
	defer s.wg.Done()
	defer func() {
		h.cancel()
		s.mu.Lock()
		if s.monitors[h.m.id] == h {
			delete(s.monitors, h.m.id)
		}
		s.reportActiveLocked()
		s.mu.Unlock()
		close(h.done)
	}()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("order monitor panic: %v: %w", r, ports.ErrManualIntervention)
			s.deps.Logger.Error(ctx, err, "Order monitor crashed", map[string]interface{}{"orderID": h.m.id, "symbol": h.m.symbol})
			s.deps.Notifier.Notify(ctx, domain.Event{
				Type:    domain.EventManualInterventionRequired,
				Symbol:  h.m.symbol,
				OrderID: h.m.id,
				Reason:  err.Error(),
				Time:    s.deps.Now(),
				Details: map[string]interface{}{"op": "monitor"},
			})
			if s.deps.OnManual != nil {
				s.deps.OnManual(ctx, nil, err)
			}
		}
	}()
	h.m.run(ctx)
}

func (s *Supervisor) reportActiveLocked() {
	if s.deps.OnActiveChange != nil {
		s.deps.OnActiveChange(len(s.monitors))
	}
}

// Signal delivers a directive to the monitor of orderID. It returns false if
// no monitor runs for it or its directive queue is full.
func (s *Supervisor) Signal(orderID string, d Directive) bool {
	s.mu.Lock()
	h, ok := s.monitors[orderID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case h.m.directives <- d:
		return true
	default:
		return false
	}
}

// Sync asks the monitor of orderID to poll the exchange now, e.g. after a
// pushed order update. Requests made while one is queued collapse. It
// returns false if no monitor runs for the order.
func (s *Supervisor) Sync(orderID string) bool {
	s.mu.Lock()
	h, ok := s.monitors[orderID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case h.m.wake <- struct{}{}:
	default:
	}
	return true
}

// IsMonitoring reports whether a monitor runs for orderID.
func (s *Supervisor) IsMonitoring(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.monitors[orderID]
	return ok
}

// Active lists the monitored order ids, sorted.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.monitors))
	for id := range s.monitors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until the monitor of orderID exits or timeout passes. It
// reports whether no monitor is left running for the order.
func (s *Supervisor) Wait(orderID string, timeout time.Duration) bool {
	s.mu.Lock()
	h, ok := s.monitors[orderID]
	s.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Shutdown stops every monitor and waits up to timeout for them to exit.
// Orders stay in the store in whatever state they reached and are picked up
// again by reconciliation on the next start.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.closed = true
	n := len(s.monitors)
	s.mu.Unlock()

	s.deps.Logger.Info(context.Background(), "Stopping order monitors", map[string]interface{}{"active": n})
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("order monitors did not stop within %s: %w", timeout, ports.ErrTimeout)
	}
}
