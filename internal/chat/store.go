package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/npezzotti/alumni-forum/internal/database"
	"github.com/npezzotti/alumni-forum/internal/types"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const MaxContentLength = 4000

// MessageStore is the append-only message log of every room.
type MessageStore struct {
	log   *logrus.Logger
	repo  database.MessageRepository
	rooms *Registry
}

func NewMessageStore(logger *logrus.Logger, repo database.MessageRepository, rooms *Registry) *MessageStore {
	return &MessageStore{
		log:   logger,
		repo:  repo,
		rooms: rooms,
	}
}

// AppendMessage validates and persists a message. The returned message
// carries the id, sequence id and creation time assigned by the store.
func (s *MessageStore) AppendMessage(roomId, sender, content string) (types.Message, error) {
	if err := ValidateMessage(sender, content); err != nil {
		return types.Message{}, err
	}

	if _, err := s.rooms.GetRoom(roomId); err != nil {
		return types.Message{}, err
	}

	dbMsg, err := s.repo.CreateMessage(database.CreateMessageParams{
		Id:      uuid.NewString(),
		RoomId:  roomId,
		Sender:  strings.TrimSpace(sender),
		Content: content,
	})
	if err != nil {
		return types.Message{}, storeError("append message", err)
	}

	s.log.WithFields(logrus.Fields{
		"room_id": roomId,
		"seq_id":  dbMsg.SeqId,
	}).Debug("message appended")

	return toMessage(dbMsg), nil
}

// ListMessages returns the full backlog of a room, oldest first.
func (s *MessageStore) ListMessages(roomId string) ([]types.Message, error) {
	return s.ListMessagesAfter(roomId, 0)
}

// ListMessagesAfter returns the messages of a room whose sequence id is
// greater than afterSeqId, oldest first.
func (s *MessageStore) ListMessagesAfter(roomId string, afterSeqId int) ([]types.Message, error) {
	if _, err := s.rooms.GetRoom(roomId); err != nil {
		return nil, err
	}

	dbMessages, err := s.repo.GetMessages(roomId, afterSeqId)
	if err != nil {
		return nil, storeError("list messages", err)
	}

	return lo.Map(dbMessages, func(m database.Message, _ int) types.Message {
		return toMessage(m)
	}), nil
}

// ValidateMessage rejects messages that must never reach the store.
func ValidateMessage(sender, content string) error {
	if strings.TrimSpace(sender) == "" {
		return invalidInput("sender cannot be empty")
	}
	if strings.TrimSpace(content) == "" {
		return invalidInput("message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return invalidInput("message content exceeds %d characters", MaxContentLength)
	}
	return nil
}

func toMessage(m database.Message) types.Message {
	return types.Message{
		Id:        m.Id,
		RoomId:    m.RoomId,
		SeqId:     m.SeqId,
		Sender:    m.Sender,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}
