package notify

import (
	"context"
	"sync"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

// LogNotifier writes every event to the logger. Manual intervention is logged
// at error level so it stands out.
type LogNotifier struct {
	logger ports.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger ports.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements ports.Notifier.
func (n *LogNotifier) Notify(ctx context.Context, e domain.Event) {
	fields := map[string]interface{}{"event": e.Type, "symbol": e.Symbol}
	if e.OrderID != "" {
		fields["orderID"] = e.OrderID
	}
	if e.PositionID != 0 {
		fields["positionID"] = e.PositionID
	}
	if e.State != "" {
		fields["state"] = e.State
	}
	if e.Price != 0 {
		fields["price"] = e.Price
	}
	if e.Quantity != 0 {
		fields["quantity"] = e.Quantity
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	for k, v := range e.Details {
		fields[k] = v
	}
	switch e.Type {
	case domain.EventManualInterventionRequired:
		n.logger.Error(ctx, ports.ErrManualIntervention, "Manual intervention required", fields)
	case domain.EventOrderRejected:
		n.logger.Warn(ctx, "Order rejected", fields)
	default:
		n.logger.Info(ctx, "Lifecycle event", fields)
	}
}

// ChannelNotifier publishes events on a buffered channel. When the buffer is
// full the event is dropped and counted rather than blocking the engine.
type ChannelNotifier struct {
	ch      chan domain.Event
	mu      sync.Mutex
	dropped int
}

// NewChannelNotifier creates a ChannelNotifier with the given buffer size.
func NewChannelNotifier(buffer int) *ChannelNotifier {
	return &ChannelNotifier{ch: make(chan domain.Event, buffer)}
}

// Events returns the receive side.
func (n *ChannelNotifier) Events() <-chan domain.Event {
	return n.ch
}

// Dropped reports how many events did not fit the buffer.
func (n *ChannelNotifier) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Notify implements ports.Notifier.
func (n *ChannelNotifier) Notify(ctx context.Context, e domain.Event) {
	select {
	case n.ch <- e:
	default:
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
	}
}

// Multi fans an event out to several notifiers in order.
type Multi []ports.Notifier

// Notify implements ports.Notifier.
func (m Multi) Notify(ctx context.Context, e domain.Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}
