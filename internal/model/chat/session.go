package chat

import "time"

// Session captures a transient anonymous conversation. Sessions hold no
// durable state; everything lives in memory for the lifetime of the process.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}
