package domain

import (
	"time"
)

type EventType string

const (
	PassStarted    EventType = "PassStarted"
	PassProgress   EventType = "PassProgress"
	RecordAdded    EventType = "RecordAdded"
	ArchiveFailed  EventType = "ArchiveFailed"
	BatchCommitted EventType = "BatchCommitted"
	PassCompleted  EventType = "PassCompleted"
	PassFailed     EventType = "PassFailed"
)

// AllEventTypes lists every event type, for subscribers that want everything.
var AllEventTypes = []EventType{
	PassStarted, PassProgress, RecordAdded, ArchiveFailed,
	BatchCommitted, PassCompleted, PassFailed,
}

// Event is a pass lifecycle notification. AggregateID is the pass ID.
type Event struct {
	ID            int64                  `json:"id"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	EventType     EventType              `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	CreatedAt     time.Time              `json:"created_at"`
}

// AggregatePass is the aggregate type of every scanner event.
const AggregatePass = "pass"

// NewPassEvent builds an event for the pass passID.
func NewPassEvent(eventType EventType, passID string, data map[string]interface{}) Event {
	return Event{
		AggregateType: AggregatePass,
		AggregateID:   passID,
		EventType:     eventType,
		EventData:     data,
	}
}

// =============================================================================
// Type-safe event data accessors
// =============================================================================

// GetString safely extracts a string field from EventData.
func (e *Event) GetString(key string) (string, bool) {
	if e.EventData == nil {
		return "", false
	}
	v, ok := e.EventData[key].(string)
	return v, ok
}

// GetStringOr extracts a string field or returns the default value.
func (e *Event) GetStringOr(key, defaultVal string) string {
	if v, ok := e.GetString(key); ok {
		return v
	}
	return defaultVal
}

// GetInt64 safely extracts an integer field from EventData.
// Handles int, int64 and float64 (JSON unmarshaling produces float64).
func (e *Event) GetInt64(key string) (int64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetInt64Or extracts an int64 field or returns the default value.
func (e *Event) GetInt64Or(key string, defaultVal int64) int64 {
	if v, ok := e.GetInt64(key); ok {
		return v
	}
	return defaultVal
}

// GetFloat64 safely extracts a float64 field from EventData.
func (e *Event) GetFloat64(key string) (float64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// =============================================================================
// Typed event data structures
// =============================================================================

// PassSummary is the data carried by PassCompleted and PassFailed.
type PassSummary struct {
	Candidates     int64   `json:"candidates"`
	Added          int64   `json:"added"`
	AlreadyPresent int64   `json:"already_present"`
	Failed         int64   `json:"failed"`
	Committed      int64   `json:"committed"`
	Batches        int64   `json:"batches"`
	DurationSecs   float64 `json:"duration_seconds"`
	Error          string  `json:"error,omitempty"`
}

// ParsePassSummary extracts the summary of a PassCompleted or PassFailed event.
func (e *Event) ParsePassSummary() (PassSummary, bool) {
	if e.EventType != PassCompleted && e.EventType != PassFailed {
		return PassSummary{}, false
	}
	duration, _ := e.GetFloat64("duration_seconds")
	return PassSummary{
		Candidates:     e.GetInt64Or("candidates", 0),
		Added:          e.GetInt64Or("added", 0),
		AlreadyPresent: e.GetInt64Or("already_present", 0),
		Failed:         e.GetInt64Or("failed", 0),
		Committed:      e.GetInt64Or("committed", 0),
		Batches:        e.GetInt64Or("batches", 0),
		DurationSecs:   duration,
		Error:          e.GetStringOr("error", ""),
	}, true
}

// ProgressData is the data carried by PassProgress.
type ProgressData struct {
	Done  int64 `json:"done"`
	Total int64 `json:"total"`
}

// Fraction returns Done/Total, or 1 when there is nothing to do.
func (p ProgressData) Fraction() float64 {
	if p.Total <= 0 {
		return 1
	}
	return float64(p.Done) / float64(p.Total)
}

// ParseProgressData extracts progress counters from a PassProgress event.
func (e *Event) ParseProgressData() (ProgressData, bool) {
	done, ok := e.GetInt64("done")
	if !ok {
		return ProgressData{}, false
	}
	return ProgressData{Done: done, Total: e.GetInt64Or("total", 0)}, true
}
