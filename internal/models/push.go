package models

import "time"

// Keys holds the device public key material needed to encrypt a push message.
type Keys struct {
	P256dh string `json:"p256dh" validate:"required"`
	Auth   string `json:"auth" validate:"required"`
}

type Subscription struct {
	Endpoint  string    `json:"endpoint"`
	Keys      Keys      `json:"keys"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NotificationPayload is what the service worker renders. ID doubles as the
// notification tag so a redelivery replaces instead of stacking.
type NotificationPayload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	Badge string `json:"badge"`
}

// PushMessage is the envelope sent over the push transport.
type PushMessage struct {
	Data NotificationPayload `json:"data"`
}
