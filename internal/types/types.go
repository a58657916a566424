package types

import (
	"time"
)

// Identity is the caller as asserted by a verified bearer token.
type Identity struct {
	UserId string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

type Room struct {
	Id        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	Id        string    `json:"id"`
	RoomId    string    `json:"roomId"`
	SeqId     int       `json:"seqId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
