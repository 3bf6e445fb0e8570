// Package events is the alert/event bus: every pipeline cycle, adapter
// failure, sanitization rejection, and risk-regime alert (spec §4.6) passes
// through here on its way to the structured log and any registered
// subscriber (e.g. a future notification sink).
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies the kind of event emitted.
type EventType string

const (
	CycleStarted    EventType = "CYCLE_STARTED"
	CycleCompleted  EventType = "CYCLE_COMPLETED"
	CycleFailed     EventType = "CYCLE_FAILED"
	AdapterFailed   EventType = "ADAPTER_FAILED"
	SampleRejected  EventType = "SAMPLE_REJECTED"
	InsufficientSet EventType = "INSUFFICIENT_CONSTITUENTS"
	StoreConflict   EventType = "STORE_CONFLICT"

	// Risk-regime alerts, one per §4.6 alert type.
	RegimeEarlyWarning  EventType = "REGIME_EARLY_WARNING"
	RegimeFlipConfirmed EventType = "REGIME_FLIP_CONFIRMED"
	RegimeOverridePeg   EventType = "REGIME_OVERRIDE_PEG"
	RegimeInvalidation  EventType = "REGIME_INVALIDATION"
)

// Event is a single emitted occurrence.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber receives every emitted event. Implementations must not block;
// Manager invokes subscribers synchronously on the emitting goroutine.
type Subscriber func(Event)

// Manager logs every event and fans it out to registered subscribers.
type Manager struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs []Subscriber
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log.With().Str("service", "events").Logger()}
}

// Subscribe registers a callback invoked for every future event.
func (m *Manager) Subscribe(s Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, s)
}

// Emit logs the event and notifies subscribers.
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}

	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("event emitted")

	m.mu.RLock()
	subs := make([]Subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.RUnlock()

	for _, s := range subs {
		s(event)
	}
}

// EmitError emits a failure event, embedding the error text and any extra
// context (source ID, symbol, cycle ID, ...).
func (m *Manager) EmitError(eventType EventType, module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{"error": err.Error()}
	for k, v := range context {
		data[k] = v
	}
	m.Emit(eventType, module, data)
}

// regimeEventType maps a domain alert type to its event, returning ok=false
// for an absent alert (the common case: most evaluations emit none).
func regimeEventType(alertType string) (EventType, bool) {
	switch alertType {
	case "EARLY_WARNING":
		return RegimeEarlyWarning, true
	case "FLIP_CONFIRMED":
		return RegimeFlipConfirmed, true
	case "OVERRIDE_PEG":
		return RegimeOverridePeg, true
	case "INVALIDATION":
		return RegimeInvalidation, true
	default:
		return "", false
	}
}

// EmitRegimeAlert emits the event corresponding to a regime alert type, if
// any (an empty alertType means the evaluation produced no alert).
func (m *Manager) EmitRegimeAlert(module, alertType, level, message string) {
	et, ok := regimeEventType(alertType)
	if !ok {
		return
	}
	m.Emit(et, module, map[string]interface{}{
		"level":   level,
		"message": message,
	})
}
