// Package audit records authorization decisions.
package audit

import "time"

// Event is one authorization decision taken by the guard.
type Event struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Resource    string    `json:"resource"`
	Verb        string    `json:"verb"`
	Action      string    `json:"action"`
	Path        string    `json:"path"`
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason"`
	Code        string    `json:"code,omitempty"` // permission code of the allowing rule
	CreatedAt   time.Time `json:"created_at"`
}

// Recorder accepts decision events. Implementations must not block the
// request path.
type Recorder interface {
	Record(e Event)
}

// Discard is a Recorder that drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Event) {}
