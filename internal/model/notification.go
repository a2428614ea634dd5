package model

import "time"

// Notification is the title/message pair sent to the push sink.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Key is the dedup key for a notification. Two notifications with the same
// key are the same notification.
type Key struct {
	Title   string
	Message string
}

// Key returns the notification's dedup key.
func (n Notification) Key() Key {
	return Key{Title: n.Title, Message: n.Message}
}

// Delivery describes a notification accepted by the sink.
type Delivery struct {
	ID          int64     `json:"id,omitempty"`
	DeliveredAt time.Time `json:"delivered_at"`
}
