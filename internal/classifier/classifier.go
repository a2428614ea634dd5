// Package classifier maps chat events to push notifications.
//
// Classification is pure: it reads the event and nothing else.
package classifier

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/pretty"

	"zulip-gotify-relay-go/internal/model"
)

// Decision is the outcome of classifying one event.
type Decision struct {
	Notification model.Notification
	// Send is false when the event warrants no notification.
	Send bool
	// Reason says why nothing is sent.
	Reason string
	// Diagnostic is set when the event was understood but its content was
	// not, e.g. a message of an unknown type.
	Diagnostic string
}

func send(title, message string) Decision {
	return Decision{Notification: model.Notification{Title: title, Message: message}, Send: true}
}

// Classify decides what notification, if any, an event produces.
func Classify(ev model.Event) Decision {
	switch e := ev.(type) {
	case model.Message:
		switch e.MessageType {
		case model.MessageTypeStream:
			return send(fmt.Sprintf("%s sent a message to #%s > %s", e.SenderFullName, e.DisplayRecipient, e.Subject), e.Content)
		case model.MessageTypePrivate:
			return send(fmt.Sprintf("%s sent a private message", e.SenderFullName), e.Content)
		default:
			return Decision{
				Reason:     "unknown message type",
				Diagnostic: fmt.Sprintf("Unknown message type: %s", e.MessageType),
			}
		}
	case model.TypingStart:
		return send("Typing...", fmt.Sprintf("%s started typing", e.SenderEmail))
	case model.TypingStop:
		return Decision{Reason: "typing stopped"}
	case model.Presence:
		return send(fmt.Sprintf("User is %s", e.Status), fmt.Sprintf("%s is %s on %s", e.SenderEmail, e.Status, e.Client))
	case model.Heartbeat:
		return Decision{Reason: "heartbeat"}
	case model.UpdateMessageFlags:
		return Decision{Reason: "message flags update"}
	case model.UpdateMessage, model.Unsupported:
		return send(title(ev.RawType()), Render(ev.Raw()))
	}
	return Decision{Reason: fmt.Sprintf("unhandled event kind %q", ev.Kind())}
}

// SenderOf returns the address of the account that caused the event, or an
// empty string when the event has no sender.
func SenderOf(ev model.Event) string {
	switch e := ev.(type) {
	case model.Message:
		return e.SenderEmail
	case model.TypingStart:
		return e.SenderEmail
	case model.TypingStop:
		return e.SenderEmail
	case model.Presence:
		return e.SenderEmail
	case model.UpdateMessage:
		return e.SenderEmail
	case model.Unsupported:
		return e.SenderEmail
	}
	return ""
}

// Render returns a stable single-line rendering of a payload: compact JSON
// with object keys sorted. Invalid JSON is returned verbatim.
func Render(raw json.RawMessage) string {
	if !json.Valid(raw) {
		return string(raw)
	}
	sorted := pretty.PrettyOptions(raw, &pretty.Options{SortKeys: true})
	return string(pretty.Ugly(sorted))
}

func title(rawType string) string {
	if rawType == "" {
		return "unknown"
	}
	return rawType
}
