package model

import "encoding/json"

// Kind identifies which Event variant a value holds.
type Kind string

const (
	KindMessage            Kind = "message"
	KindTypingStart        Kind = "typing_start"
	KindTypingStop         Kind = "typing_stop"
	KindPresence           Kind = "presence"
	KindUpdateMessage      Kind = "update_message"
	KindHeartbeat          Kind = "heartbeat"
	KindUpdateMessageFlags Kind = "update_message_flags"
	KindUnsupported        Kind = "unsupported"
)

// Message types understood by the classifier.
const (
	MessageTypeStream  = "stream"
	MessageTypePrivate = "private"
)

// Event is one decoded record from the chat event feed.
//
// The concrete types below are the only implementations; a type switch over
// them is exhaustive.
type Event interface {
	Kind() Kind
	// RawType is the event's "type" label as sent by the server.
	RawType() string
	// Raw is the undecoded payload the event was built from.
	Raw() json.RawMessage
}

// Envelope carries the fields every variant shares.
type Envelope struct {
	Type    string
	Payload json.RawMessage
}

func (e Envelope) RawType() string      { return e.Type }
func (e Envelope) Raw() json.RawMessage { return e.Payload }

// Message is a new stream or private message.
type Message struct {
	Envelope
	SenderEmail      string
	SenderFullName   string
	Content          string
	MessageType      string
	DisplayRecipient string
	Subject          string
}

func (Message) Kind() Kind { return KindMessage }

// TypingStart is a typing notification with op "start".
type TypingStart struct {
	Envelope
	SenderEmail string
}

func (TypingStart) Kind() Kind { return KindTypingStart }

// TypingStop is a typing notification with any op other than "start".
type TypingStop struct {
	Envelope
	SenderEmail string
}

func (TypingStop) Kind() Kind { return KindTypingStop }

// Presence is a user presence change for a single client session.
type Presence struct {
	Envelope
	SenderEmail string
	Status      string
	Client      string
}

func (Presence) Kind() Kind { return KindPresence }

// UpdateMessage is an edit of an existing message.
type UpdateMessage struct {
	Envelope
	SenderEmail string
}

func (UpdateMessage) Kind() Kind { return KindUpdateMessage }

// Heartbeat is the server's keep-alive event.
type Heartbeat struct {
	Envelope
}

func (Heartbeat) Kind() Kind { return KindHeartbeat }

// UpdateMessageFlags reports read/starred flag changes.
type UpdateMessageFlags struct {
	Envelope
}

func (UpdateMessageFlags) Kind() Kind { return KindUpdateMessageFlags }

// Unsupported is any event the classifier has no dedicated rule for,
// including known kinds whose payload is missing required fields.
// SenderEmail is kept whenever the payload names a sender.
type Unsupported struct {
	Envelope
	SenderEmail string
}

func (Unsupported) Kind() Kind { return KindUnsupported }
