package database

import "errors"

// ErrNotFound is returned when a room lookup or an append targets a room
// that does not exist.
var ErrNotFound = errors.New("database: record not found")

type RoomRepository interface {
	CreateRoom(params CreateRoomParams) (Room, error)
	GetRoomByExternalId(externalId string) (Room, error)
	ListRooms() ([]Room, error)
}

type MessageRepository interface {
	// CreateMessage assigns the next per-room sequence id and the creation
	// time. Appends to the same room are serialized by the implementation.
	CreateMessage(params CreateMessageParams) (Message, error)
	// GetMessages returns the messages of a room with a sequence id greater
	// than afterSeqId, oldest first.
	GetMessages(roomExternalId string, afterSeqId int) ([]Message, error)
}

type ForumRepository interface {
	RoomRepository
	MessageRepository
	Ping() error
	Close() error
}
