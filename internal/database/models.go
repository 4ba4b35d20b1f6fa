package database

import "time"

type User struct {
	Id           int
	Name         string
	EmailAddress string
	PasswordHash string
	Active       bool
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Session struct {
	Token        string
	UserId       int
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActiveAt time.Time
}

type Room struct {
	Id            int
	ExternalId    string
	Name          string
	Type          string
	CreatorId     int
	CreatedAt     time.Time
	LastMessageAt time.Time
}

type Membership struct {
	RoomId            int
	UserId            int
	Level             string
	ConnectionCount   int
	ConnectedAt       time.Time
	LastReadMessageId int64
	CreatedAt         time.Time
}

type Message struct {
	Id              int64
	RoomId          int
	CreatorId       int
	Content         string
	ClientMessageId string
	CreatedAt       time.Time
}

type CreateUserParams struct {
	Name         string
	EmailAddress string
	PasswordHash string
	Role         string
}

type CreateRoomParams struct {
	ExternalId string
	Name       string
	Type       string
	CreatorId  int
}

type CreateMessageParams struct {
	RoomId          int
	CreatorId       int
	Content         string
	ClientMessageId string
	CreatedAt       time.Time
}
