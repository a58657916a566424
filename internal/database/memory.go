package database

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

type memoryRoom struct {
	room          Room
	order         int
	messages      []Message
	lastMessageAt time.Time
}

// MemoryForumRepository keeps everything in process memory. Reads return
// copies, so callers never observe a partially appended message.
type MemoryForumRepository struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
	next  int
}

func NewMemoryForumRepository() *MemoryForumRepository {
	return &MemoryForumRepository{
		rooms: make(map[string]*memoryRoom),
	}
}

func (m *MemoryForumRepository) Ping() error  { return nil }
func (m *MemoryForumRepository) Close() error { return nil }

func (m *MemoryForumRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[params.ExternalId]; ok {
		return Room{}, fmt.Errorf("room %q already exists", params.ExternalId)
	}

	room := Room{
		ExternalId: params.ExternalId,
		Name:       params.Name,
		CreatedBy:  params.CreatedBy,
		CreatedAt:  params.CreatedAt,
	}
	m.next++
	m.rooms[room.ExternalId] = &memoryRoom{room: room, order: m.next}

	return room, nil
}

func (m *MemoryForumRepository) GetRoomByExternalId(externalId string) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[externalId]
	if !ok {
		return Room{}, ErrNotFound
	}
	return r.room, nil
}

func (m *MemoryForumRepository) ListRooms() ([]Room, error) {
	m.mu.RLock()
	entries := make([]*memoryRoom, 0, len(m.rooms))
	for _, r := range m.rooms {
		entries = append(entries, r)
	}
	m.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *memoryRoom) int {
		if c := b.room.CreatedAt.Compare(a.room.CreatedAt); c != 0 {
			return c
		}
		return b.order - a.order
	})

	rooms := make([]Room, len(entries))
	for i, e := range entries {
		rooms[i] = e.room
	}
	return rooms, nil
}

func (m *MemoryForumRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[params.RoomId]
	if !ok {
		return Message{}, ErrNotFound
	}

	r.room.SeqId++
	msg := Message{
		Id:        params.Id,
		RoomId:    params.RoomId,
		SeqId:     r.room.SeqId,
		Sender:    params.Sender,
		Content:   params.Content,
		CreatedAt: messageTime(r.lastMessageAt),
	}
	r.messages = append(r.messages, msg)
	r.lastMessageAt = msg.CreatedAt

	return msg, nil
}

func (m *MemoryForumRepository) GetMessages(roomExternalId string, afterSeqId int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomExternalId]
	if !ok {
		return nil, ErrNotFound
	}

	// sequence ids start at 1 and have no holes
	start := max(afterSeqId, 0)
	if start >= len(r.messages) {
		return []Message{}, nil
	}

	return slices.Clone(r.messages[start:]), nil
}
