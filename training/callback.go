// Package training drives the staged fine-tuning loop of the hybrid model.
package training

import "fmt"

// Decision is a callback's verdict after each micro-batch or eval batch.
type Decision int

const (
	Continue Decision = iota
	Stop
)

// Event is the payload delivered to the run callback. Presence flags tell the
// consumer which optional fields carry a value, since zero is meaningful for
// progress and loss.
type Event struct {
	Log         string  `json:"log,omitempty"`
	Epoch       string  `json:"epoch,omitempty"`
	Progress    float64 `json:"progress,omitempty"`
	Loss        float64 `json:"loss,omitempty"`
	ETCSeconds  float64 `json:"etc,omitempty"`
	Error       string  `json:"error,omitempty"`
	Status      string  `json:"status,omitempty"`
	Done        bool    `json:"done,omitempty"`
	HasProgress bool    `json:"-"`
	HasLoss     bool    `json:"-"`
	HasETC      bool    `json:"-"`
}

// Callback receives events synchronously on the control goroutine. Its return
// value is the sole cancellation signal. A nil Callback always continues.
type Callback func(Event) Decision

// logSink receives informational events; it never cancels.
type logSink interface {
	emit(Event)
}

// cancelCheck reports whether the run should stop after a progress event.
type cancelCheck interface {
	check(Event) Decision
}

// callbackAdapter composes the external single-callback contract into the
// controller's separate logging and cancellation collaborators.
type callbackAdapter struct {
	cb Callback
}

func (a callbackAdapter) emit(e Event) {
	if a.cb != nil {
		a.cb(e)
	}
}

func (a callbackAdapter) check(e Event) Decision {
	if a.cb == nil {
		return Continue
	}
	return a.cb(e)
}

func logEvent(sink logSink, format string, args ...interface{}) {
	sink.emit(Event{Log: fmt.Sprintf(format, args...)})
}
