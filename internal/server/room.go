package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/database"
	"chatcore/internal/message"
	"chatcore/internal/stats"
	"chatcore/internal/types"
)

const (
	idleRoomTimeout = 30 * time.Second
	dbTimeout       = 5 * time.Second
)

type exitReq struct {
	deleted bool
}

// Room serializes all activity for one chat room on a single goroutine.
// Join, leave, publish, read and typing all pass through its loop, which is
// what makes replay-then-attach atomic: no broadcast can slip in between a
// reconnecting client's history query and its registration.
type Room struct {
	id         int
	externalId string
	name       string
	roomType   string
	cs         *ChatServer

	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	presenceChan  chan *Presence

	clients    map[*Client]struct{}
	userMap    map[int]map[*Client]struct{}
	clientLock sync.RWMutex

	log *zap.SugaredLogger
	// killTimer unloads the room once the last connection detaches
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(cs *ChatServer, dbRoom database.Room) *Room {
	return &Room{
		id:            dbRoom.Id,
		externalId:    dbRoom.ExternalId,
		name:          dbRoom.Name,
		roomType:      dbRoom.Type,
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		presenceChan:  make(chan *Presence, 64),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		log:           cs.log,
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Debugw("starting room", "room", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			switch {
			case msg.Publish != nil:
				r.handlePublish(msg)
			case msg.Read != nil:
				r.handleRead(msg)
			case msg.Typing != nil:
				r.handleTyping(msg)
			}
		case p := <-r.presenceChan:
			r.broadcast(&ServerMessage{
				Notification: &Notification{Presence: p},
			})
		case <-r.killTimer.C:
			if r.handleRoomTimeout() {
				return
			}
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	r.killTimer.Stop()
	c := join.client

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	isMember, err := r.cs.db.MembershipExists(ctx, r.id, c.user.Id)
	if err != nil {
		r.log.Errorw("check membership", "room", r.externalId, "error", err)
		c.queueMessage(ErrInternalError(join.Id))
		r.resetTimerIfEmpty()
		return
	}

	if !isMember {
		// open rooms admit anyone on first join, closed and direct
		// rooms require an existing membership
		if r.roomType != string(types.RoomOpen) {
			c.queueMessage(ErrNotMember(join.Id))
			r.resetTimerIfEmpty()
			return
		}

		if _, err := r.cs.db.CreateMembership(ctx, r.id, c.user.Id, types.LevelMember); err != nil {
			r.log.Errorw("create membership", "room", r.externalId, "error", err)
			c.queueMessage(ErrInternalError(join.Id))
			r.resetTimerIfEmpty()
			return
		}

		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				MembershipChange: &MembershipChange{
					RoomId: r.externalId,
					Joined: true,
					User: types.User{
						Id:   c.user.Id,
						Name: c.user.Name,
					},
				},
			},
		})
	}

	history, err := r.loadHistory(ctx, join.Join.LastSeenMessageId)
	if err != nil {
		r.log.Errorw("load history", "room", r.externalId, "error", err)
		c.queueMessage(ErrInternalError(join.Id))
		r.resetTimerIfEmpty()
		return
	}

	c.queueMessage(NoErrOK(join.Id, map[string]any{
		"room_id": r.externalId,
		"name":    r.name,
		"type":    r.roomType,
	}))
	c.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		History:     history,
	})

	r.addClient(c)
	r.cs.presence.Connect(r.id, c.user.Id, c.connId)
}

// loadHistory builds the replay for a joining connection. A reconnect
// carries the last message id the client saw and receives everything after
// it in id order; a fresh join receives the newest window instead. When the
// gap exceeds the replay window the history is marked incomplete and holds
// only the newest messages.
func (r *Room) loadHistory(ctx context.Context, lastSeen int64) (*History, error) {
	window := r.cs.cfg.ReplayWindow

	if lastSeen > 0 {
		msgs, err := r.cs.messages.After(ctx, r.id, lastSeen, window+1)
		if err != nil {
			return nil, err
		}

		complete := true
		if len(msgs) > window {
			complete = false
			msgs = msgs[len(msgs)-window:]
		}
		return &History{
			RoomId:   r.externalId,
			Messages: msgs,
			Complete: complete,
		}, nil
	}

	msgs, err := r.cs.messages.Before(ctx, r.id, 0, window)
	if err != nil {
		return nil, err
	}
	// Before returns newest first, replay is always ascending
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return &History{
		RoomId:   r.externalId,
		Messages: msgs,
		Complete: true,
	}, nil
}

func (r *Room) handlePublish(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	stored, created, err := r.cs.messages.Create(ctx, message.CreateInput{
		RoomId:          r.id,
		CreatorId:       msg.UserId,
		Content:         msg.Publish.Content,
		ClientMessageId: msg.Publish.ClientMessageId,
	})
	if err != nil {
		msg.client.queueMessage(publishError(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, map[string]any{
		"message_id": stored.Id,
		"duplicate":  !created,
	}))

	if !created {
		// a retry of a message that already went out, the canonical
		// copy was broadcast on first delivery
		r.cs.stats.Incr(stats.DuplicateDeliveries)
		return
	}
	r.cs.stats.Incr(stats.MessagesCreated)

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: stored.CreatedAt},
		Message:     &stored,
	})
}

func publishError(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, message.ErrNotMember):
		return ErrNotMember(id)
	case errors.Is(err, message.ErrInvalidContent), errors.Is(err, message.ErrMissingClientId):
		return ErrBadRequest(id, err.Error())
	case errors.Is(err, database.ErrBackpressure):
		return ErrServiceUnavailable(id)
	default:
		return ErrInternalError(id)
	}
}

func (r *Room) handleRead(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	if err := r.cs.db.UpdateLastRead(ctx, r.id, msg.UserId, msg.Read.MessageId); err != nil {
		r.log.Errorw("update last read", "room", r.externalId, "error", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))
}

func (r *Room) handleTyping(msg *ClientMessage) {
	// ephemeral, never persisted or acked
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Typing: &TypingEvent{
				RoomId: r.externalId,
				UserId: msg.UserId,
			},
		},
		SkipClient: msg.client,
	})
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	if leaveMsg.Leave != nil && leaveMsg.Leave.Unsubscribe {
		ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		defer cancel()

		if err := r.cs.db.DeleteMembership(ctx, r.id, leaveMsg.UserId); err != nil {
			r.log.Errorw("delete membership", "room", r.externalId, "error", err)
			leaveMsg.client.queueMessage(ErrInternalError(leaveMsg.Id))
			return
		}

		r.removeAllClientsForUser(leaveMsg.UserId)
		leaveMsg.client.queueMessage(NoErrOK(leaveMsg.Id, nil))

		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				MembershipChange: &MembershipChange{
					RoomId: r.externalId,
					Joined: false,
					User: types.User{
						Id:   leaveMsg.UserId,
						Name: leaveMsg.client.user.Name,
					},
				},
			},
		})
		return
	}

	r.removeClient(leaveMsg.client)
	if leaveMsg.Id != 0 {
		leaveMsg.client.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}
}

// handleRoomTimeout asks the server to unload an idle room. It reports true
// when the room exited instead, which happens if an unload or delete for
// this room is already in flight.
func (r *Room) handleRoomTimeout() bool {
	if len(r.clients) > 0 {
		return false
	}

	r.log.Debugw("room idle, unloading", "room", r.externalId)
	select {
	case r.cs.unloadRoomChan <- r.externalId:
	case e := <-r.exit:
		r.handleRoomExit(e)
		return true
	case <-r.cs.stop:
	}
	return false
}

func (r *Room) handleRoomExit(e exitReq) {
	if e.deleted {
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				RoomDeleted: &RoomDeleted{RoomId: r.externalId},
			},
		})
	}

	// joins that raced the unload get an explicit retry signal instead
	// of silence
drain:
	for {
		select {
		case join := <-r.joinChan:
			join.client.queueMessage(ErrServiceUnavailable(join.Id))
		default:
			break drain
		}
	}

	r.clientLock.Lock()
	for c := range r.clients {
		r.cs.presence.Disconnect(r.id, c.user.Id, c.connId)
		c.delRoom(r.externalId)
	}
	r.clientLock.Unlock()

	close(r.done)
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	r.cs.presence.Disconnect(r.id, c.user.Id, c.connId)

	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) removeAllClientsForUser(userId int) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if userClients, ok := r.userMap[userId]; ok {
		for client := range userClients {
			delete(r.clients, client)
			client.delRoom(r.externalId)
			r.cs.presence.Disconnect(r.id, userId, client.connId)
		}
		delete(r.userMap, userId)
	}

	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) resetTimerIfEmpty() {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) broadcast(msg *ServerMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = Now()
	}

	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}
		client.queueMessage(msg)
	}
}
