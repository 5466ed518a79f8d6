package notify

import (
	"context"
	"errors"
	"testing"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logCall struct {
	level  string
	msg    string
	err    error
	fields map[string]interface{}
}

type recordingLogger struct {
	calls []logCall
}

func (l *recordingLogger) add(level, msg string, err error, fields []map[string]interface{}) {
	c := logCall{level: level, msg: msg, err: err}
	if len(fields) > 0 {
		c.fields = fields[0]
	}
	l.calls = append(l.calls, c)
}

func (l *recordingLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.add("debug", msg, nil, fields)
}
func (l *recordingLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.add("info", msg, nil, fields)
}
func (l *recordingLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.add("warn", msg, nil, fields)
}
func (l *recordingLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	l.add("error", msg, err, fields)
}

func TestLogNotifier_Levels(t *testing.T) {
	l := &recordingLogger{}
	n := NewLogNotifier(l)
	ctx := context.Background()

	n.Notify(ctx, domain.Event{Type: domain.EventOrderFilled, Symbol: "BTCUSDT", OrderID: "o1", Price: 50050, Quantity: 0.2})
	n.Notify(ctx, domain.Event{Type: domain.EventOrderRejected, Symbol: "BTCUSDT", Reason: "INSUFFICIENT_MARGIN"})
	n.Notify(ctx, domain.Event{Type: domain.EventManualInterventionRequired, Symbol: "BTCUSDT", OrderID: "o2",
		State: "PLACED", Details: map[string]interface{}{"op": "cancel"}})

	require.Len(t, l.calls, 3)
	assert.Equal(t, "info", l.calls[0].level)
	assert.Equal(t, "o1", l.calls[0].fields["orderID"])
	assert.Equal(t, 50050.0, l.calls[0].fields["price"])
	assert.Equal(t, "warn", l.calls[1].level)
	assert.Equal(t, "error", l.calls[2].level)
	assert.True(t, errors.Is(l.calls[2].err, ports.ErrManualIntervention))
	assert.Equal(t, "cancel", l.calls[2].fields["op"])
	assert.Equal(t, "PLACED", l.calls[2].fields["state"])
}

func TestChannelNotifier_DropsWhenFull(t *testing.T) {
	n := NewChannelNotifier(1)
	ctx := context.Background()
	n.Notify(ctx, domain.Event{Type: domain.EventOrderPlaced})
	n.Notify(ctx, domain.Event{Type: domain.EventOrderFilled})

	assert.Equal(t, 1, n.Dropped())
	e := <-n.Events()
	assert.Equal(t, domain.EventOrderPlaced, e.Type)
}

func TestMulti(t *testing.T) {
	a, b := NewChannelNotifier(2), NewChannelNotifier(2)
	m := Multi{a, nil, b}
	m.Notify(context.Background(), domain.Event{Type: domain.EventPositionOpened})
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}
