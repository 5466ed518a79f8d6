package domain

import "time"

// EventType names a lifecycle event emitted by the engine.
type EventType string

const (
	EventOrderPlaced                EventType = "OrderPlaced"
	EventOrderRejected              EventType = "OrderRejected"
	EventOrderFilled                EventType = "OrderFilled"
	EventOrderPartiallyFilled       EventType = "OrderPartiallyFilled"
	EventOrderCancelled             EventType = "OrderCancelled"
	EventOrderConverted             EventType = "OrderConverted"
	EventPositionOpened             EventType = "PositionOpened"
	EventPositionClosed             EventType = "PositionClosed"
	EventStopLossUpdated            EventType = "StopLossUpdated"
	EventManualInterventionRequired EventType = "ManualInterventionRequired"
	EventReconciliationCompleted    EventType = "ReconciliationCompleted"
)

// Event is a data-only record of something that happened to an order or position.
type Event struct {
	Type       EventType
	Symbol     string
	OrderID    string
	PositionID int64
	State      string
	Price      float64
	Quantity   float64
	Reason     string
	Time       time.Time
	Details    map[string]interface{}
}
