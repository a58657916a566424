package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const (
	roomKeyPrefix    = "room:"
	messageKeyPrefix = "msg:"
	roomCounterKey   = "meta:room-counter"
)

// badgerRoom is the stored form of a room. Order records insertion order so
// rooms created within the same millisecond still list newest first.
type badgerRoom struct {
	ExternalId string    `json:"external_id"`
	Name       string    `json:"name"`
	CreatedBy  string    `json:"created_by"`
	SeqId      int       `json:"seq_id"`
	Order      uint64    `json:"order"`
	CreatedAt  time.Time `json:"created_at"`

	// createdAt of the newest message
	LastMessageAt time.Time `json:"last_message_at"`
}

type badgerMessage struct {
	Id        string    `json:"id"`
	RoomId    string    `json:"room_id"`
	SeqId     int       `json:"seq_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// BadgerForumRepository stores rooms and messages in an embedded badger
// database. Messages are keyed "msg:{room}:{seq}" with a zero padded
// sequence so a prefix scan returns them in append order.
type BadgerForumRepository struct {
	db *badger.DB
	// writes go through one lock to avoid transaction conflicts on the room
	// sequence counter
	writeLock sync.Mutex
}

// NewBadgerForumRepository opens the database at path. An empty path opens
// an in-memory database.
func NewBadgerForumRepository(path string, logger *logrus.Logger) (*BadgerForumRepository, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	if logger != nil {
		opts = opts.WithLogger(logger.WithField("component", "badger"))
	} else {
		opts = opts.WithLoggingLevel(badger.ERROR)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &BadgerForumRepository{db: db}, nil
}

func roomKey(externalId string) []byte {
	return []byte(roomKeyPrefix + externalId)
}

func messagePrefix(roomExternalId string) []byte {
	return []byte(messageKeyPrefix + roomExternalId + ":")
}

func messageKey(roomExternalId string, seqId int) []byte {
	return fmt.Appendf(messagePrefix(roomExternalId), "%010d", seqId)
}

func (b *BadgerForumRepository) Ping() error {
	if b.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

func (b *BadgerForumRepository) Close() error {
	return b.db.Close()
}

func (b *BadgerForumRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	stored := badgerRoom{
		ExternalId: params.ExternalId,
		Name:       params.Name,
		CreatedBy:  params.CreatedBy,
		CreatedAt:  params.CreatedAt,
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(roomKey(params.ExternalId)); err == nil {
			return fmt.Errorf("room %q already exists", params.ExternalId)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		order, err := nextCounter(txn, []byte(roomCounterKey))
		if err != nil {
			return err
		}
		stored.Order = order

		return setJson(txn, roomKey(stored.ExternalId), stored)
	})
	if err != nil {
		return Room{}, err
	}

	return stored.toRoom(), nil
}

func (b *BadgerForumRepository) GetRoomByExternalId(externalId string) (Room, error) {
	var stored badgerRoom
	err := b.db.View(func(txn *badger.Txn) error {
		return getJson(txn, roomKey(externalId), &stored)
	})
	if err != nil {
		return Room{}, err
	}

	return stored.toRoom(), nil
}

func (b *BadgerForumRepository) ListRooms() ([]Room, error) {
	var stored []badgerRoom
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(roomKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r badgerRoom
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				return err
			}
			stored = append(stored, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(stored, func(a, b badgerRoom) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.Order > b.Order {
			return -1
		}
		return 1
	})

	rooms := make([]Room, len(stored))
	for i, r := range stored {
		rooms[i] = r.toRoom()
	}
	return rooms, nil
}

func (b *BadgerForumRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	var stored badgerMessage
	err := b.db.Update(func(txn *badger.Txn) error {
		var room badgerRoom
		if err := getJson(txn, roomKey(params.RoomId), &room); err != nil {
			return err
		}

		room.SeqId++
		stored = badgerMessage{
			Id:        params.Id,
			RoomId:    params.RoomId,
			SeqId:     room.SeqId,
			Sender:    params.Sender,
			Content:   params.Content,
			CreatedAt: messageTime(room.LastMessageAt),
		}
		room.LastMessageAt = stored.CreatedAt

		if err := setJson(txn, roomKey(room.ExternalId), room); err != nil {
			return err
		}
		return setJson(txn, messageKey(room.ExternalId, stored.SeqId), stored)
	})
	if err != nil {
		return Message{}, err
	}

	return stored.toMessage(), nil
}

func (b *BadgerForumRepository) GetMessages(roomExternalId string, afterSeqId int) ([]Message, error) {
	messages := make([]Message, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(roomKey(roomExternalId)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := messagePrefix(roomExternalId)
		for it.Seek(messageKey(roomExternalId, max(afterSeqId, 0)+1)); it.ValidForPrefix(prefix); it.Next() {
			var m badgerMessage
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return err
			}
			messages = append(messages, m.toMessage())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}

func nextCounter(txn *badger.Txn, key []byte) (uint64, error) {
	var n uint64
	item, err := txn.Get(key)
	switch {
	case err == nil:
		err = item.Value(func(val []byte) error {
			var perr error
			n, perr = strconv.ParseUint(string(val), 10, 64)
			return perr
		})
		if err != nil {
			return 0, err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, err
	}

	n++
	return n, txn.Set(key, strconv.AppendUint(nil, n, 10))
}

func getJson(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}

	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJson(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (r badgerRoom) toRoom() Room {
	return Room{
		ExternalId: r.ExternalId,
		Name:       r.Name,
		CreatedBy:  r.CreatedBy,
		SeqId:      r.SeqId,
		CreatedAt:  r.CreatedAt,
	}
}

func (m badgerMessage) toMessage() Message {
	return Message{
		Id:        m.Id,
		RoomId:    m.RoomId,
		SeqId:     m.SeqId,
		Sender:    m.Sender,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}
