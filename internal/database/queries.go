package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (db *PgForumRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	row := db.conn.QueryRow(
		"INSERT INTO rooms (external_id, name, created_by, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING external_id, name, created_by, seq_id, created_at",
		params.ExternalId,
		params.Name,
		params.CreatedBy,
		params.CreatedAt,
	)

	var room Room
	err := row.Scan(
		&room.ExternalId,
		&room.Name,
		&room.CreatedBy,
		&room.SeqId,
		&room.CreatedAt,
	)

	return room, err
}

func (db *PgForumRepository) GetRoomByExternalId(externalId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT external_id, name, created_by, seq_id, created_at FROM rooms "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var room Room
	err := row.Scan(
		&room.ExternalId,
		&room.Name,
		&room.CreatedBy,
		&room.SeqId,
		&room.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}

	return room, err
}

func (db *PgForumRepository) ListRooms() ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT external_id, name, created_by, seq_id, created_at FROM rooms " +
			"ORDER BY created_at DESC, id DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ExternalId, &room.Name, &room.CreatedBy, &room.SeqId, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

// CreateMessage bumps the room's sequence counter and inserts the message in
// one transaction. The UPDATE takes a row lock on the room, so concurrent
// appends to the same room commit one at a time and in sequence order. The
// message time never goes below the room's last message time.
func (db *PgForumRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		roomId    int
		seqId     int
		createdAt time.Time
	)
	err = tx.QueryRow(
		"UPDATE rooms SET seq_id = seq_id + 1, "+
			"last_message_at = GREATEST($2, last_message_at) "+
			"WHERE external_id = $1 RETURNING id, seq_id, last_message_at",
		params.RoomId,
		Now(),
	).Scan(&roomId, &seqId, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("update room seq: %w", err)
	}

	msg := Message{
		Id:        params.Id,
		RoomId:    params.RoomId,
		SeqId:     seqId,
		Sender:    params.Sender,
		Content:   params.Content,
		CreatedAt: createdAt.UTC(),
	}

	_, err = tx.Exec(
		"INSERT INTO messages (external_id, room_id, seq_id, sender, content, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6)",
		msg.Id,
		roomId,
		msg.SeqId,
		msg.Sender,
		msg.Content,
		msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit: %w", err)
	}

	return msg, nil
}

func (db *PgForumRepository) GetMessages(roomExternalId string, afterSeqId int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT m.external_id, r.external_id, m.seq_id, m.sender, m.content, m.created_at "+
			"FROM messages m JOIN rooms r ON r.id = m.room_id "+
			"WHERE r.external_id = $1 AND m.seq_id > $2 ORDER BY m.seq_id ASC",
		roomExternalId,
		afterSeqId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Id, &msg.RoomId, &msg.SeqId, &msg.Sender, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
