package pipeline

import "time"

// Event is emitted on every BuildJob state change.
type Event struct {
	RequestID     string    `json:"requestId"`
	Role          Role      `json:"role"`
	Ref           string    `json:"ref"`
	State         State     `json:"state"`
	PreviousState State     `json:"previousState"`
	Kind          ErrorKind `json:"errorKind,omitempty"`
	Error         string    `json:"error,omitempty"`
	Time          time.Time `json:"time"`
}

// Observer receives events. It is called synchronously from the job's
// goroutine and must not block.
type Observer func(Event)

// Observers fans an event out to several observers, skipping nils.
func Observers(obs ...Observer) Observer {
	return func(ev Event) {
		for _, o := range obs {
			if o != nil {
				o(ev)
			}
		}
	}
}
