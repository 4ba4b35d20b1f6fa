package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"

	"chatcore/internal/types"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Client is one websocket connection. A user may hold several at once
// (tabs, devices); each gets its own connection id for presence tracking.
type Client struct {
	connId     string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *zap.SugaredLogger
	user       types.User
	send       chan *ServerMessage
	rooms      map[string]*Room
	roomsLock  sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, logger *zap.SugaredLogger) *Client {
	return &Client{
		connId:     shortid.MustGenerate(),
		conn:       conn,
		chatServer: cs,
		log:        logger,
		user:       user,
		send:       make(chan *ServerMessage, cs.cfg.SendBufferSize),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	// pings go out well inside the liveness window so a healthy
	// connection always answers before its deadline
	ticker := time.NewTicker(c.chatServer.cfg.Heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Errorw("serialize message", "error", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	liveness := 2 * c.chatServer.cfg.Heartbeat
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(liveness))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(liveness))
		c.heartbeatRooms()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Debugw("read connection", "connId", c.connId, "error", err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(liveness))

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.UserId = c.user.Id
		msg.Timestamp = Now()

		switch {
		case msg.Join != nil:
			c.joinRoom(&msg)
		case msg.Leave != nil:
			c.leaveRoom(&msg)
		case msg.Publish != nil:
			c.forwardToRoom(&msg, msg.Publish.RoomId)
		case msg.Read != nil:
			c.forwardToRoom(&msg, msg.Read.RoomId)
		case msg.Typing != nil:
			c.forwardToRoom(&msg, msg.Typing.RoomId)
		case msg.Heartbeat != nil:
			c.heartbeatRooms()
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

// queueMessage enqueues an outbound frame, evicting the oldest queued
// frames when the buffer is full. A slow consumer loses its backlog head
// rather than stalling the room.
func (c *Client) queueMessage(msg *ServerMessage) {
	for {
		select {
		case c.send <- msg:
			return
		default:
		}

		select {
		case <-c.send:
			c.log.Warnw("send buffer full, dropping oldest frame",
				"connId", c.connId, "user", c.user.Name)
		default:
		}
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Debugw("write message", "connId", c.connId, "error", err)
		}
		return false
	}

	return true
}

func (c *Client) cleanup() {
	select {
	case c.chatServer.deRegisterChan <- c:
	case <-c.chatServer.done:
	}
	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	for _, room := range c.rooms {
		leave := &ClientMessage{
			Leave:  &Leave{RoomId: room.externalId},
			UserId: c.user.Id,
			client: c,
		}
		select {
		case room.leaveChan <- leave:
		case <-room.done:
		}
	}
}

func (c *Client) heartbeatRooms() {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	for _, room := range c.rooms {
		c.chatServer.presence.Heartbeat(room.id, c.user.Id, c.connId)
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	select {
	case c.chatServer.joinChan <- msg:
	default:
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	r := c.getRoom(msg.Leave.RoomId)
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	select {
	case r.leaveChan <- msg:
	default:
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) forwardToRoom(msg *ClientMessage, roomId string) {
	r := c.getRoom(roomId)
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	select {
	case r.clientMsgChan <- msg:
	default:
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	c.rooms[r.externalId] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	return c.rooms[id]
}
