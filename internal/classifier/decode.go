package classifier

import (
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"

	"zulip-gotify-relay-go/internal/model"
)

// Decode turns a raw event payload into its Event variant. Payloads that do
// not carry the fields their declared type needs decode as model.Unsupported,
// so Decode never fails.
func Decode(raw json.RawMessage) model.Event {
	root := gjson.ParseBytes(raw)
	env := model.Envelope{Payload: raw}
	if !gjson.ValidBytes(raw) || !root.IsObject() {
		return model.Unsupported{Envelope: env}
	}
	env.Type = root.Get("type").String()

	var ev model.Event
	switch env.Type {
	case "message":
		ev = decodeMessage(env, root.Get("message"))
	case "typing":
		ev = decodeTyping(env, root)
	case "presence":
		ev = decodePresence(env, root)
	case "update_message":
		if sender, ok := str(root.Get("sender")); ok {
			ev = model.UpdateMessage{Envelope: env, SenderEmail: sender}
		}
	case "heartbeat":
		ev = model.Heartbeat{Envelope: env}
	case "update_message_flags":
		ev = model.UpdateMessageFlags{Envelope: env}
	}

	if ev == nil {
		return model.Unsupported{Envelope: env, SenderEmail: fallbackSender(root)}
	}
	return ev
}

// senderPaths are the places the known event kinds carry their sender.
var senderPaths = []string{"message.sender_email", "sender.email", "email", "sender"}

// fallbackSender finds a sender address in a payload that failed to decode, so
// malformed events from the suppressed identity are still recognised.
func fallbackSender(root gjson.Result) string {
	for _, p := range senderPaths {
		if s, ok := str(root.Get(p)); ok && s != "" {
			return s
		}
	}
	return ""
}

func decodeMessage(env model.Envelope, msg gjson.Result) model.Event {
	if !msg.IsObject() {
		return nil
	}

	m := model.Message{Envelope: env}
	var ok bool
	if m.SenderEmail, ok = str(msg.Get("sender_email")); !ok {
		return nil
	}
	if m.SenderFullName, ok = str(msg.Get("sender_full_name")); !ok {
		return nil
	}
	if m.Content, ok = str(msg.Get("content")); !ok {
		return nil
	}
	if m.MessageType, ok = str(msg.Get("type")); !ok {
		return nil
	}

	// Only stream titles use the recipient and topic; for private messages
	// display_recipient is a list of users.
	if m.MessageType == model.MessageTypeStream {
		if m.DisplayRecipient, ok = str(msg.Get("display_recipient")); !ok {
			return nil
		}
		if m.Subject, ok = str(msg.Get("subject")); !ok {
			return nil
		}
	} else {
		m.Subject = msg.Get("subject").String()
	}
	return m
}

func decodeTyping(env model.Envelope, root gjson.Result) model.Event {
	sender, ok := str(root.Get("sender.email"))
	if !ok {
		return nil
	}
	if root.Get("op").String() == "start" {
		return model.TypingStart{Envelope: env, SenderEmail: sender}
	}
	return model.TypingStop{Envelope: env, SenderEmail: sender}
}

// decodePresence keeps the client session whose key sorts first, so the
// same payload always yields the same record.
func decodePresence(env model.Envelope, root gjson.Result) model.Event {
	sender, ok := str(root.Get("email"))
	if !ok {
		return nil
	}
	sessions := root.Get("presence")
	if !sessions.IsObject() {
		return nil
	}

	byClient := sessions.Map()
	if len(byClient) == 0 {
		return nil
	}
	keys := make([]string, 0, len(byClient))
	for k := range byClient {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	record := byClient[keys[0]]
	status, ok := str(record.Get("status"))
	if !ok {
		return nil
	}
	client, ok := str(record.Get("client"))
	if !ok {
		client = keys[0]
	}
	return model.Presence{Envelope: env, SenderEmail: sender, Status: status, Client: client}
}

func str(r gjson.Result) (string, bool) {
	if r.Type != gjson.String {
		return "", false
	}
	return r.Str, true
}
