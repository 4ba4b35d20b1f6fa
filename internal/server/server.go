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
)

// PresenceTracker receives connection lifecycle events for every attached
// room. The tracker decides which of them turn into presence broadcasts.
type PresenceTracker interface {
	Connect(roomId, userId int, connId string)
	Disconnect(roomId, userId int, connId string)
	Heartbeat(roomId, userId int, connId string)
}

type Config struct {
	// Heartbeat is the interval clients are expected to send heartbeats
	// at. Read deadlines are derived from it.
	Heartbeat time.Duration
	// ReplayWindow caps how many messages a reconnecting client is
	// replayed before being told to resync over HTTP.
	ReplayWindow int
	// SendBufferSize bounds each connection's outbound queue.
	SendBufferSize int
}

type ChatServer struct {
	log      *zap.SugaredLogger
	db       database.Repository
	messages *message.Service
	presence PresenceTracker
	stats    stats.Provider
	cfg      Config

	clients     map[*Client]struct{}
	clientsLock sync.Mutex

	joinChan       chan *ClientMessage
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	unloadRoomChan chan string
	RmRoomChan     chan string

	rooms     map[string]*Room
	roomsById map[int]*Room
	roomsLock sync.RWMutex

	stop chan struct{}
	done chan struct{}
}

func NewChatServer(logger *zap.SugaredLogger, db database.Repository, messages *message.Service, statsProvider stats.Provider, cfg Config) *ChatServer {
	return &ChatServer{
		log:            logger,
		db:             db,
		messages:       messages,
		stats:          statsProvider,
		cfg:            cfg,
		clients:        make(map[*Client]struct{}),
		joinChan:       make(chan *ClientMessage, 256),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		unloadRoomChan: make(chan string),
		RmRoomChan:     make(chan string),
		rooms:          make(map[string]*Room),
		roomsById:      make(map[int]*Room),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// SetPresence must be called before Run. It is separate from the
// constructor because the tracker needs the server as its notifier.
func (cs *ChatServer) SetPresence(p PresenceTracker) {
	cs.presence = p
}

func (cs *ChatServer) Run() {
	for {
		select {
		case joinMsg := <-cs.joinChan:
			cs.handleJoinRequest(joinMsg)
		case client := <-cs.RegisterChan:
			cs.log.Debugw("adding connection", "user", client.user.Name, "connId", client.connId)
			cs.addClient(client)
			cs.stats.Incr(stats.ActiveConnections)
		case client := <-cs.deRegisterChan:
			cs.log.Debugw("removing connection", "user", client.user.Name, "connId", client.connId)
			cs.removeClient(client)
			cs.stats.Decr(stats.ActiveConnections)
		case externalId := <-cs.unloadRoomChan:
			if r := cs.getRoom(externalId); r != nil {
				cs.unloadRoom(externalId)
				r.exit <- exitReq{}
				<-r.done
			}
		case externalId := <-cs.RmRoomChan:
			if r := cs.getRoom(externalId); r != nil {
				cs.unloadRoom(externalId)
				r.exit <- exitReq{deleted: true}
				<-r.done
			}
		case <-cs.stop:
			cs.roomsLock.Lock()
			for _, r := range cs.rooms {
				close(r.exit)
				<-r.done
			}
			cs.rooms = make(map[string]*Room)
			cs.roomsById = make(map[int]*Room)
			cs.roomsLock.Unlock()

			close(cs.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoinRequest(joinMsg *ClientMessage) {
	if room := cs.getRoom(joinMsg.Join.RoomId); room != nil {
		select {
		case room.joinChan <- joinMsg:
		default:
			cs.log.Warnw("join channel full", "room", room.externalId)
			joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dbRoom, err := cs.db.GetRoomByExternalId(ctx, joinMsg.Join.RoomId)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			cs.log.Errorw("load room", "room", joinMsg.Join.RoomId, "error", err)
		}
		joinMsg.client.queueMessage(ErrRoomNotFound(joinMsg.Id))
		return
	}

	room := newRoom(cs, dbRoom)
	cs.addRoom(room)
	cs.stats.Incr(stats.LoadedRooms)

	room.joinChan <- joinMsg
	go room.start()
}

// PresenceChanged implements the tracker's notifier. It runs on the tracker
// goroutine, so the broadcast is handed to the room's own loop.
func (cs *ChatServer) PresenceChanged(roomId, userId int, present bool) {
	cs.roomsLock.RLock()
	room := cs.roomsById[roomId]
	cs.roomsLock.RUnlock()
	if room == nil {
		return
	}

	p := &Presence{
		Present: present,
		UserId:  userId,
		RoomId:  room.externalId,
	}
	select {
	case room.presenceChan <- p:
	case <-room.done:
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	delete(cs.clients, c)
}

func (cs *ChatServer) getRoom(externalId string) *Room {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()
	return cs.rooms[externalId]
}

func (cs *ChatServer) addRoom(r *Room) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()
	cs.rooms[r.externalId] = r
	cs.roomsById[r.id] = r
}

func (cs *ChatServer) unloadRoom(externalId string) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if r, ok := cs.rooms[externalId]; ok {
		cs.log.Debugw("unloading room", "room", externalId)
		delete(cs.rooms, externalId)
		delete(cs.roomsById, r.id)
		cs.stats.Decr(stats.LoadedRooms)
	}
}

func (cs *ChatServer) Shutdown() {
	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	close(cs.stop)
	<-cs.done
}
