package server

import (
	"net/http"
	"time"

	"chatcore/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join      *Join      `json:"join,omitempty"`
	Leave     *Leave     `json:"leave,omitempty"`
	Publish   *Publish   `json:"publish,omitempty"`
	Read      *Read      `json:"read,omitempty"`
	Typing    *Typing    `json:"typing,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
	UserId    int        `json:"-"`
	client    *Client
}

// Join attaches a connection to a room. A client reconnecting after a drop
// sets LastSeenMessageId to the newest message id it has, and the room
// replays everything after it before attaching the connection.
type Join struct {
	RoomId            string `json:"room_id"`
	LastSeenMessageId int64  `json:"last_seen_message_id,omitempty"`
}

type Leave struct {
	RoomId      string `json:"room_id"`
	Unsubscribe bool   `json:"unsubscribe,omitempty"`
}

type Publish struct {
	RoomId          string `json:"room_id"`
	Content         string `json:"content"`
	ClientMessageId string `json:"client_message_id"`
}

type Read struct {
	RoomId    string `json:"room_id"`
	MessageId int64  `json:"message_id"`
}

type Typing struct {
	RoomId string `json:"room_id"`
}

type Heartbeat struct{}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	History      *History       `json:"history,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	SkipClient   *Client        `json:"-"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// History carries the ordered replay sent on join. Complete is false when
// the client fell further behind than the replay window; it should fetch
// the rest over the messages endpoint.
type History struct {
	RoomId   string          `json:"room_id"`
	Messages []types.Message `json:"messages"`
	Complete bool            `json:"complete"`
}

type Notification struct {
	Presence         *Presence         `json:"presence,omitempty"`
	MembershipChange *MembershipChange `json:"membership_change,omitempty"`
	Typing           *TypingEvent      `json:"typing,omitempty"`
	RoomDeleted      *RoomDeleted      `json:"room_deleted,omitempty"`
}

type Presence struct {
	Present bool   `json:"present"`
	UserId  int    `json:"user_id"`
	RoomId  string `json:"room_id"`
}

type MembershipChange struct {
	RoomId string     `json:"room_id"`
	Joined bool       `json:"joined"`
	User   types.User `json:"user"`
}

type TypingEvent struct {
	RoomId string `json:"room_id"`
	UserId int    `json:"user_id"`
}

type RoomDeleted struct {
	RoomId string `json:"room_id"`
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "room not found")
}

func ErrNotMember(id int) *ServerMessage {
	return errResponse(id, http.StatusForbidden, "not a member of this room")
}

func ErrBadRequest(id int, reason string) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, reason)
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := errResponse(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func errResponse(id, code int, reason string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        reason,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
