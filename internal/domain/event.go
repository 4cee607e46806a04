package domain

import "time"

// EventType identifies the kind of signaling event.
type EventType string

const (
	EventOffer          EventType = "Offer"
	EventAnswer         EventType = "Answer"
	EventIceCandidate   EventType = "IceCandidate"
	EventStartVideoCall EventType = "StartVideoCall"
	EventStartAudioCall EventType = "StartAudioCall"
	EventEndCall        EventType = "EndCall"
)

// IsStartCall reports whether the event is a call invitation.
func (t EventType) IsStartCall() bool {
	return t == EventStartVideoCall || t == EventStartAudioCall
}

// EventFreshness bounds how old a mailbox event may be before it is
// treated as a replay of a previous call and ignored.
const EventFreshness = 60 * time.Second

// Event is the signaling message written to the recipient's mailbox.
// Data carries a serialized SDP or ICE candidate, opaque to the store.
// Sender is stamped by the signal adapter, never by the caller.
type Event struct {
	Type      EventType `json:"type"`
	Sender    string    `json:"sender,omitempty"`
	Target    string    `json:"target"`
	Data      string    `json:"data,omitempty"`
	Timestamp int64     `json:"timeStamp"`
}

// NewEvent fills the timestamp; the adapter fills the sender on send.
func NewEvent(t EventType, target, data string) Event {
	return Event{
		Type:      t,
		Target:    target,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Valid reports whether the event is fresh enough to act on. The mailbox
// keeps its last value until overwritten or cleared, so a listener that
// re-attaches may observe an event from a finished call.
func (e Event) Valid() bool {
	return time.Since(time.UnixMilli(e.Timestamp)) < EventFreshness
}
