package database

import (
	"context"
	"time"
)

// Repository is the narrow storage capability surface the services depend
// on. The production Store routes mutations through the single Writer; the
// mock in mock.go is the in-memory test double.
type Repository interface {
	Ping() error

	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserById(ctx context.Context, id int) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	DeactivateUser(ctx context.Context, id int) error

	CreateSession(ctx context.Context, sess Session) error
	GetSession(ctx context.Context, token string) (Session, error)
	DeleteSession(ctx context.Context, token string) error
	TouchSession(ctx context.Context, token string, at time.Time) error

	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	GetRoomByExternalId(ctx context.Context, externalId string) (Room, error)
	GetRoomById(ctx context.Context, id int) (Room, error)
	DeleteRoom(ctx context.Context, id int) error

	CreateMembership(ctx context.Context, roomId, userId int, level string) (Membership, error)
	MembershipExists(ctx context.Context, roomId, userId int) (bool, error)
	DeleteMembership(ctx context.Context, roomId, userId int) error
	ListRoomsForUser(ctx context.Context, userId int) ([]Room, error)
	UpdateMembershipConnections(ctx context.Context, roomId, userId, count int, connectedAt time.Time) error
	UpdateLastRead(ctx context.Context, roomId, userId int, messageId int64) error

	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, bool, error)
	MessagesAfter(ctx context.Context, roomId int, afterId int64, limit int) ([]Message, error)
	MessagesBefore(ctx context.Context, roomId int, beforeId int64, limit int) ([]Message, error)
}
