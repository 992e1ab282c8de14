package protocol

import (
	"encoding/json"
)

// Actions emitted by the server on a live channel.
const (
	ActionOpened      = "opened"
	ActionJoined      = "joined"
	ActionLeft        = "left"
	ActionSession     = "session"
	ActionSessionAck  = "sessionAck"
	ActionSessionFail = "sessionFail"
)

// CloseCodePoisoned is the WebSocket close code sent to a poisoned channel.
const CloseCodePoisoned = 4000

// CloseReasonPoisoned accompanies CloseCodePoisoned.
const CloseReasonPoisoned = "poisoned"

// Envelope is a control message sent from a dispatcher to its members.
type Envelope struct {
	Action string `json:"action"`

	// Kind is "batch" or "group"; ID the batch or group result id.
	Kind string `json:"kind,omitempty"`
	ID   int64  `json:"id,omitempty"`

	// Member is the study result the event is about.
	Member int64 `json:"member,omitempty"`

	Active  []int64 `json:"active,omitempty"`
	History []int64 `json:"history,omitempty"`

	SessionData    json.RawMessage `json:"sessionData,omitempty"`
	SessionVersion *int64          `json:"sessionVersion,omitempty"`
}

// Inbound holds the fields a dispatcher inspects on messages sent by members.
// Everything else in the frame is forwarded untouched.
type Inbound struct {
	Action         string          `json:"action,omitempty"`
	Recipient      int64           `json:"recipient,omitempty"`
	SessionVersion int64           `json:"sessionVersion,omitempty"`
	SessionData    json.RawMessage `json:"sessionData,omitempty"`
}

// ParseInbound extracts the routing fields of a member frame. Frames that are
// not JSON objects are returned with ok=false and are relayed verbatim.
func ParseInbound(frame []byte) (Inbound, bool) {
	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return Inbound{}, false
	}
	return in, true
}

// Marshal renders an envelope. Envelopes only hold marshalable fields so the
// error is dropped.
func (e Envelope) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Version returns a pointer for Envelope.SessionVersion.
func Version(v int64) *int64 {
	return &v
}
