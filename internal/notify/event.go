// Package notify delivers job lifecycle webhooks.
//
// A job request may carry a callback URL; terminal states and captcha
// challenges are then pushed to it so remote integrations do not have to
// poll. Delivery is best-effort: bounded buffer, bounded retries, per-host
// circuit breakers.
package notify

import "time"

// Event types pushed to callbacks.
const (
	EventCompleted       = "job.completed"
	EventFailed          = "job.failed"
	EventCaptchaRequired = "job.captcha_required"
)

// Event is the JSON body POSTed to a callback URL.
type Event struct {
	Type   string         `json:"type"`
	JobID  string         `json:"job_id"`
	Action string         `json:"action"`
	Status string         `json:"status"`
	Time   time.Time      `json:"time"`
	Data   map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(eventType, jobID, action, status string, data map[string]any) *Event {
	return &Event{
		Type:   eventType,
		JobID:  jobID,
		Action: action,
		Status: status,
		Time:   time.Now().UTC(),
		Data:   data,
	}
}

// Delivery pairs an event with its destination.
type Delivery struct {
	Event      *Event
	URL        string
	SigningKey string // HMAC key, empty = unsigned
}
