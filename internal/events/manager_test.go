package events

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_NotifiesSubscribers(t *testing.T) {
	m := NewManager(zerolog.Nop())

	var received []Event
	m.Subscribe(func(e Event) { received = append(received, e) })

	m.Emit(CycleStarted, "scheduler", map[string]interface{}{"index_code": "SYI"})

	require.Len(t, received, 1)
	assert.Equal(t, CycleStarted, received[0].Type)
	assert.Equal(t, "scheduler", received[0].Module)
	assert.Equal(t, "SYI", received[0].Data["index_code"])
}

func TestEmitError_EmbedsErrorAndContext(t *testing.T) {
	m := NewManager(zerolog.Nop())

	var received Event
	m.Subscribe(func(e Event) { received = e })

	m.EmitError(AdapterFailed, "adapters", errors.New("boom"), map[string]interface{}{"source_id": "binance"})

	assert.Equal(t, "boom", received.Data["error"])
	assert.Equal(t, "binance", received.Data["source_id"])
}

func TestEmitRegimeAlert_MapsAlertTypeToEventType(t *testing.T) {
	m := NewManager(zerolog.Nop())

	var received []Event
	m.Subscribe(func(e Event) { received = append(received, e) })

	m.EmitRegimeAlert("regime", "OVERRIDE_PEG", "CRITICAL", "peg stress detected")
	m.EmitRegimeAlert("regime", "", "", "")

	require.Len(t, received, 1)
	assert.Equal(t, RegimeOverridePeg, received[0].Type)
	assert.Equal(t, "CRITICAL", received[0].Data["level"])
}

func TestSubscribe_MultipleSubscribersAllNotified(t *testing.T) {
	m := NewManager(zerolog.Nop())

	var a, b int
	m.Subscribe(func(e Event) { a++ })
	m.Subscribe(func(e Event) { b++ })

	m.Emit(CycleCompleted, "scheduler", nil)

	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}
