package database

import "time"

type Room struct {
	ExternalId string
	Name       string
	CreatedBy  string
	SeqId      int
	CreatedAt  time.Time
}

type Message struct {
	Id        string
	RoomId    string
	SeqId     int
	Sender    string
	Content   string
	CreatedAt time.Time
}

type CreateRoomParams struct {
	ExternalId string
	Name       string
	CreatedBy  string
	CreatedAt  time.Time
}

type CreateMessageParams struct {
	Id      string
	RoomId  string
	Sender  string
	Content string
}

var clock = time.Now

// Now returns the current time truncated the way every backend stores it.
func Now() time.Time {
	return clock().UTC().Round(time.Millisecond)
}

// messageTime is Now held at last, the createdAt of the room's previous
// message, so createdAt never decreases within a room when the wall clock
// steps back.
func messageTime(last time.Time) time.Time {
	now := Now()
	if now.Before(last) {
		return last
	}
	return now
}
