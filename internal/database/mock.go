package database

import (
	"github.com/stretchr/testify/mock"
)

type MockForumRepository struct {
	mock.Mock
}

func (m *MockForumRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockForumRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockForumRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockForumRepository) GetRoomByExternalId(externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockForumRepository) ListRooms() ([]Room, error) {
	args := m.Called()
	if rooms, ok := args.Get(0).([]Room); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockForumRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockForumRepository) GetMessages(roomExternalId string, afterSeqId int) ([]Message, error) {
	args := m.Called(roomExternalId, afterSeqId)
	if messages, ok := args.Get(0).([]Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}
