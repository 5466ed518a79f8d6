package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"Error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestStdLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, LevelWarn)
	ctx := context.Background()

	l.Debug(ctx, "hidden")
	l.Info(ctx, "hidden too")
	assert.Empty(t, buf.String())

	l.Error(ctx, errors.New("boom"), "failed")
	assert.Contains(t, buf.String(), "[ERROR] failed | error: boom")
}

func TestStdLogger_FieldsSortedAndMerged(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, LevelDebug).With(map[string]interface{}{"component": "monitor"})
	ctx := ContextWithFields(context.Background(), map[string]interface{}{"orderID": "o1"})

	l.Info(ctx, "tick", map[string]interface{}{"price": 100.5, "b": 1}, map[string]interface{}{"a": 2})
	assert.Contains(t, buf.String(), "[INFO] tick | a=2 b=1 component=monitor orderID=o1 price=100.5")
}
