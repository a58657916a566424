package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/alumni-forum/internal/database"
	"github.com/npezzotti/alumni-forum/internal/types"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
)

const MaxRoomNameLength = 100

// Registry creates and looks up rooms. It is the only place that decides
// whether a room exists.
type Registry struct {
	log     *logrus.Logger
	repo    database.RoomRepository
	newId   func() (string, error)
	nowFunc func() time.Time
}

func NewRegistry(logger *logrus.Logger, repo database.RoomRepository) *Registry {
	return &Registry{
		log:     logger,
		repo:    repo,
		newId:   shortid.Generate,
		nowFunc: database.Now,
	}
}

func (r *Registry) CreateRoom(name string, creator types.Identity) (types.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Room{}, invalidInput("room name cannot be empty")
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return types.Room{}, invalidInput("room name exceeds %d characters", MaxRoomNameLength)
	}

	id, err := r.newId()
	if err != nil {
		return types.Room{}, &StoreError{Op: "generate room id", Err: err}
	}

	dbRoom, err := r.repo.CreateRoom(database.CreateRoomParams{
		ExternalId: id,
		Name:       name,
		CreatedBy:  creator.UserId,
		CreatedAt:  r.nowFunc(),
	})
	if err != nil {
		return types.Room{}, storeError("create room", err)
	}

	r.log.WithFields(logrus.Fields{
		"room_id":    dbRoom.ExternalId,
		"created_by": creator.UserId,
	}).Info("room created")

	return toRoom(dbRoom), nil
}

// ListRooms returns all rooms, newest first.
func (r *Registry) ListRooms() ([]types.Room, error) {
	dbRooms, err := r.repo.ListRooms()
	if err != nil {
		return nil, storeError("list rooms", err)
	}

	return lo.Map(dbRooms, func(room database.Room, _ int) types.Room {
		return toRoom(room)
	}), nil
}

func (r *Registry) GetRoom(id string) (types.Room, error) {
	if id == "" {
		return types.Room{}, ErrNotFound
	}

	dbRoom, err := r.repo.GetRoomByExternalId(id)
	if err != nil {
		return types.Room{}, storeError("get room", err)
	}

	return toRoom(dbRoom), nil
}

func toRoom(room database.Room) types.Room {
	return types.Room{
		Id:        room.ExternalId,
		Name:      room.Name,
		CreatedBy: room.CreatedBy,
		CreatedAt: room.CreatedAt,
	}
}
