package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Detection run events
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"

	// Anomaly decisions
	EventAnomalyActive     EventType = "anomaly.active"
	EventAnomalySuppressed EventType = "anomaly.suppressed"

	// Model cache events
	EventCacheInvalidated EventType = "model_cache.invalidated"
	EventCachePruned      EventType = "model_cache.pruned"

	// Configuration events
	EventConfigLoaded  EventType = "config.loaded"
	EventConfigChanged EventType = "config.changed"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess    Result = "success"
	ResultFailure    Result = "failure"
	ResultSuppressed Result = "suppressed"
)

// Event represents a single audit event
type Event struct {
	// Core fields
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Subject
	Entity    string `json:"entity,omitempty"`
	Field     string `json:"field,omitempty"`
	PeriodKey string `json:"period_key,omitempty"`

	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultSuccess,
		Metadata:  make(map[string]interface{}),
	}
}

// WithCorrelationID sets the correlation ID, normally the report ID.
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithSubject sets the entity and field the event concerns.
func (e *Event) WithSubject(entity, field string) *Event {
	e.Entity = entity
	e.Field = field
	return e
}

func (e *Event) WithPeriod(periodKey string) *Event {
	e.PeriodKey = periodKey
	return e
}

func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError records err and marks the event failed. Nil is ignored.
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
		e.Result = ResultFailure
	}
	return e
}

func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
