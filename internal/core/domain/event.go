package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EventType defines the type of real-time event.
type EventType string

const (
	EventJobQueued      EventType = "JobQueued"
	EventJobStarted     EventType = "JobStarted"
	EventJobProgress    EventType = "JobProgress"
	EventJobCompleted   EventType = "JobCompleted"
	EventJobFailed      EventType = "JobFailed"
	EventContentUpdated EventType = "ContentUpdated"
	EventQueueStatus    EventType = "QueueStatus"
)

// EventTypes lists every known event type. Used for validating webhook filters.
var EventTypes = []EventType{
	EventJobQueued,
	EventJobStarted,
	EventJobProgress,
	EventJobCompleted,
	EventJobFailed,
	EventContentUpdated,
	EventQueueStatus,
}

// KnownEventType reports whether t names one of the event variants.
func KnownEventType(t EventType) bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ErrorCategory is the coarse failure classification carried by JobFailed
// events. Raw error strings never cross the event boundary.
type ErrorCategory string

const (
	ErrorCategoryStorage    ErrorCategory = "storage"
	ErrorCategoryInference  ErrorCategory = "inference"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryCanceled   ErrorCategory = "canceled"
	ErrorCategoryUnknown    ErrorCategory = "unknown"
)

// MaxContentTitleLen caps the title carried by ContentUpdated events.
const MaxContentTitleLen = 100

// Event is one member of the closed set of bus event variants. Variants are
// small value types carrying identifiers and scalars only, so copying an
// event during fan-out is cheap and every subscriber sees an immutable value.
//
// The JSON form carries a "type" discriminator with the variant name, e.g.
// {"type":"JobStarted","job_id":"...","job_kind":"embedding"}.
type Event interface {
	json.Marshaler

	// Type returns the discriminator tag for this variant.
	Type() EventType

	sealed()
}

// JobQueued signals a job was added to the processing queue.
type JobQueued struct {
	JobID   uuid.UUID `json:"job_id"`
	JobKind string    `json:"job_kind"`
}

// JobStarted signals a job began processing.
type JobStarted struct {
	JobID   uuid.UUID `json:"job_id"`
	JobKind string    `json:"job_kind"`
}

// JobProgress reports incremental progress for a running job.
// Percent is always within 0..100.
type JobProgress struct {
	JobID   uuid.UUID `json:"job_id"`
	Percent int       `json:"percent"`
	Message string    `json:"message,omitempty"`
}

// JobCompleted signals a job finished successfully.
type JobCompleted struct {
	JobID   uuid.UUID `json:"job_id"`
	JobKind string    `json:"job_kind"`
}

// JobFailed signals a job failed with a coarse error category.
type JobFailed struct {
	JobID         uuid.UUID     `json:"job_id"`
	JobKind       string        `json:"job_kind"`
	ErrorCategory ErrorCategory `json:"error_category"`
}

// ContentUpdated signals a content item was created or modified.
type ContentUpdated struct {
	ContentID uuid.UUID `json:"content_id"`
	Title     string    `json:"title"`
}

// QueueStatus is a periodic snapshot of the job queue depth.
type QueueStatus struct {
	Pending int64 `json:"pending"`
	Active  int64 `json:"active"`
}

func (JobQueued) Type() EventType      { return EventJobQueued }
func (JobStarted) Type() EventType     { return EventJobStarted }
func (JobProgress) Type() EventType    { return EventJobProgress }
func (JobCompleted) Type() EventType   { return EventJobCompleted }
func (JobFailed) Type() EventType      { return EventJobFailed }
func (ContentUpdated) Type() EventType { return EventContentUpdated }
func (QueueStatus) Type() EventType    { return EventQueueStatus }

func (JobQueued) sealed()      {}
func (JobStarted) sealed()     {}
func (JobProgress) sealed()    {}
func (JobCompleted) sealed()   {}
func (JobFailed) sealed()      {}
func (ContentUpdated) sealed() {}
func (QueueStatus) sealed()    {}

func (e JobQueued) MarshalJSON() ([]byte, error) {
	type plain JobQueued
	return marshalTagged(e.Type(), plain(e))
}

func (e JobStarted) MarshalJSON() ([]byte, error) {
	type plain JobStarted
	return marshalTagged(e.Type(), plain(e))
}

func (e JobProgress) MarshalJSON() ([]byte, error) {
	type plain JobProgress
	return marshalTagged(e.Type(), plain(e))
}

func (e JobCompleted) MarshalJSON() ([]byte, error) {
	type plain JobCompleted
	return marshalTagged(e.Type(), plain(e))
}

func (e JobFailed) MarshalJSON() ([]byte, error) {
	type plain JobFailed
	return marshalTagged(e.Type(), plain(e))
}

func (e ContentUpdated) MarshalJSON() ([]byte, error) {
	type plain ContentUpdated
	return marshalTagged(e.Type(), plain(e))
}

func (e QueueStatus) MarshalJSON() ([]byte, error) {
	type plain QueueStatus
	return marshalTagged(e.Type(), plain(e))
}

// marshalTagged serializes v and splices the "type" discriminator in as the
// first object member.
func marshalTagged(t EventType, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(t)+11)
	out = append(out, `{"type":"`...)
	out = append(out, t...)
	if len(body) <= 2 { // variant with no fields
		out = append(out, `"}`...)
		return out, nil
	}
	out = append(out, `",`...)
	out = append(out, body[1:]...)
	return out, nil
}

// TruncateTitle shortens a content title to MaxContentTitleLen runes.
func TruncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= MaxContentTitleLen {
		return title
	}
	return string(runes[:MaxContentTitleLen])
}
