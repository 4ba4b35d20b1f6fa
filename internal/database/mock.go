package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockRepository) GetUserById(ctx context.Context, id int) (User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockRepository) DeactivateUser(ctx context.Context, id int) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRepository) CreateSession(ctx context.Context, sess Session) error {
	args := m.Called(ctx, sess)
	return args.Error(0)
}

func (m *MockRepository) GetSession(ctx context.Context, token string) (Session, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(Session), args.Error(1)
}

func (m *MockRepository) DeleteSession(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockRepository) TouchSession(ctx context.Context, token string, at time.Time) error {
	args := m.Called(ctx, token, at)
	return args.Error(0)
}

func (m *MockRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Room), args.Error(1)
}

func (m *MockRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	args := m.Called(ctx, externalId)
	return args.Get(0).(Room), args.Error(1)
}

func (m *MockRepository) GetRoomById(ctx context.Context, id int) (Room, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Room), args.Error(1)
}

func (m *MockRepository) DeleteRoom(ctx context.Context, id int) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRepository) CreateMembership(ctx context.Context, roomId, userId int, level string) (Membership, error) {
	args := m.Called(ctx, roomId, userId, level)
	return args.Get(0).(Membership), args.Error(1)
}

func (m *MockRepository) MembershipExists(ctx context.Context, roomId, userId int) (bool, error) {
	args := m.Called(ctx, roomId, userId)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) DeleteMembership(ctx context.Context, roomId, userId int) error {
	args := m.Called(ctx, roomId, userId)
	return args.Error(0)
}

func (m *MockRepository) ListRoomsForUser(ctx context.Context, userId int) ([]Room, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).([]Room), args.Error(1)
}

func (m *MockRepository) UpdateMembershipConnections(ctx context.Context, roomId, userId, count int, connectedAt time.Time) error {
	args := m.Called(ctx, roomId, userId, count, connectedAt)
	return args.Error(0)
}

func (m *MockRepository) UpdateLastRead(ctx context.Context, roomId, userId int, messageId int64) error {
	args := m.Called(ctx, roomId, userId, messageId)
	return args.Error(0)
}

func (m *MockRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, bool, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Bool(1), args.Error(2)
}

func (m *MockRepository) MessagesAfter(ctx context.Context, roomId int, afterId int64, limit int) ([]Message, error) {
	args := m.Called(ctx, roomId, afterId, limit)
	return args.Get(0).([]Message), args.Error(1)
}

func (m *MockRepository) MessagesBefore(ctx context.Context, roomId int, beforeId int64, limit int) ([]Message, error) {
	args := m.Called(ctx, roomId, beforeId, limit)
	return args.Get(0).([]Message), args.Error(1)
}
