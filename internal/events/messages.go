package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType says what happened to a record
type EventType string

const (
	// EventCreated follows a successful create
	EventCreated EventType = "created"
	// EventEdited follows a successful edit
	EventEdited EventType = "edited"
	// EventDuplicated follows a successful duplicate; RecordID is the copy
	EventDuplicated EventType = "duplicated"
	// EventDeleted follows a successful delete
	EventDeleted EventType = "deleted"
)

// Subject names
const (
	SubjectPrefix = "fm.records."
	SubjectAll    = "fm.records.*"
	SubjectDLQ    = "fm.dlq.records"
)

// ErrInvalidEvent is returned for events missing a required field
var ErrInvalidEvent = errors.New("invalid record event")

// RecordEvent announces a change to one record
type RecordEvent struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	Database string    `json:"database"`
	Layout   string    `json:"layout"`
	RecordID string    `json:"recordId"`
	ModID    string    `json:"modId,omitempty"`
	At       time.Time `json:"at"`
	Source   string    `json:"source,omitempty"`
}

// NewRecordEvent creates an event with a fresh id
func NewRecordEvent(t EventType, database, layout, recordID, modID string) *RecordEvent {
	return &RecordEvent{
		ID:       uuid.NewString(),
		Type:     t,
		Database: database,
		Layout:   layout,
		RecordID: recordID,
		ModID:    modID,
		At:       time.Now().UTC(),
	}
}

// Subject returns the subject the event is published on
func (e *RecordEvent) Subject() string {
	return SubjectPrefix + string(e.Type)
}

// Validate checks the required fields
func (e *RecordEvent) Validate() error {
	switch e.Type {
	case EventCreated, EventEdited, EventDuplicated, EventDeleted:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.ID == "" || e.Database == "" || e.Layout == "" || e.RecordID == "" {
		return fmt.Errorf("%w: id, database, layout and recordId are required", ErrInvalidEvent)
	}
	return nil
}

// Marshal converts the event to JSON bytes
func (e *RecordEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalRecordEvent decodes and validates an event
func UnmarshalRecordEvent(data []byte) (*RecordEvent, error) {
	var e RecordEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeadLetter wraps an event that could not be processed
type DeadLetter struct {
	Original        []byte    `json:"original"`
	OriginalSubject string    `json:"originalSubject"`
	Error           string    `json:"error"`
	FailedAt        time.Time `json:"failedAt"`
	Deliveries      int       `json:"deliveries"`
}

// Marshal converts the dead letter to JSON bytes
func (d *DeadLetter) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalDeadLetter decodes a dead letter
func UnmarshalDeadLetter(data []byte) (*DeadLetter, error) {
	var d DeadLetter
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
