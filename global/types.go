package global

import (
	"fmt"
	"time"
)

type StackError struct {
	Code    int
	Details string
}

func NewError(code int, details string) error {
	return &StackError{Code: code, Details: details}
}

func (se *StackError) Error() string {
	return fmt.Sprintf("Code: %d - Details: %s", se.Code, se.Details)
}

// =============================================
type SipTimer struct {
	DoneCh chan any
	Tmr    *time.Timer
}

// =============================================
// Events pushed to the webserver for the UI.

type EventKind string

const (
	EvRegistration EventKind = "registration"
	EvCallState    EventKind = "callState"
	EvIceResult    EventKind = "iceResult"
	EvNatChange    EventKind = "natChange"
)

type Event struct {
	Kind    EventKind `json:"kind"`
	CallID  string    `json:"callId,omitempty"`
	Detail  string    `json:"detail"`
	Instant time.Time `json:"instant"`
}

// EventSink receives stack events; the webserver installs one to push
// them over the websocket.
type EventSink func(Event)

var eventSink EventSink

func SetEventSink(sink EventSink) {
	eventSink = sink
}

func Notify(kind EventKind, callID, detail string) {
	if eventSink != nil {
		eventSink(Event{Kind: kind, CallID: callID, Detail: detail, Instant: time.Now().UTC()})
	}
}
