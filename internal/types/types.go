package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Name         string    `json:"name"`
	EmailAddress string    `json:"email_address,omitempty"`
	Active       bool      `json:"active"`
	Role         string    `json:"role,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Session struct {
	Token        string    `json:"-"`
	UserId       int       `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

type RoomType string

const (
	RoomOpen   RoomType = "open"
	RoomClosed RoomType = "closed"
	RoomDirect RoomType = "direct"
)

// Membership levels.
const (
	LevelOwner  = "owner"
	LevelMember = "member"
)

type Room struct {
	Id            int       `json:"id"`
	ExternalId    string    `json:"external_id"`
	Name          string    `json:"name"`
	Type          RoomType  `json:"type"`
	CreatorId     int       `json:"creator_id"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

type Membership struct {
	RoomId            int       `json:"room_id"`
	UserId            int       `json:"user_id"`
	Level             string    `json:"level"`
	ConnectionCount   int       `json:"connection_count"`
	ConnectedAt       time.Time `json:"connected_at,omitempty"`
	LastReadMessageId int64     `json:"last_read_message_id"`
	CreatedAt         time.Time `json:"created_at,omitempty"`
}

type Message struct {
	Id              int64     `json:"id"`
	RoomId          int       `json:"room_id"`
	CreatorId       int       `json:"creator_id"`
	Content         string    `json:"content"`
	ClientMessageId string    `json:"client_message_id"`
	CreatedAt       time.Time `json:"created_at"`
}
