package presence

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/database"
)

type EventKind int

const (
	Connect EventKind = iota
	Disconnect
	Heartbeat
)

type Event struct {
	RoomId int
	UserId int
	ConnId string
	Kind   EventKind
}

// Notifier receives presence edges, i.e. transitions between zero and
// non-zero live connections for a (room, user) pair. Additional tabs or
// devices for an already-present user produce no notification.
type Notifier interface {
	PresenceChanged(roomId, userId int, present bool)
}

// Tracker owns all presence state behind a single goroutine. Connections
// register on attach, deregister on detach and refresh a per-connection
// heartbeat timestamp while alive; connections whose heartbeat goes silent
// for longer than the liveness cutoff are swept out as if they had
// disconnected.
type Tracker struct {
	log      *zap.SugaredLogger
	db       database.Repository
	notifier Notifier

	heartbeat time.Duration

	events chan Event
	stop   chan struct{}
	done   chan struct{}

	// conns is only touched by the run goroutine.
	conns map[int]map[int]map[string]time.Time

	// entries mirrors the tracked connection total for the stats gauge.
	entries atomic.Int64
}

func NewTracker(logger *zap.SugaredLogger, db database.Repository, notifier Notifier, heartbeat time.Duration) *Tracker {
	return &Tracker{
		log:       logger,
		db:        db,
		notifier:  notifier,
		heartbeat: heartbeat,
		events:    make(chan Event, 256),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		conns:     make(map[int]map[int]map[string]time.Time),
	}
}

func (t *Tracker) Connect(roomId, userId int, connId string) {
	t.events <- Event{RoomId: roomId, UserId: userId, ConnId: connId, Kind: Connect}
}

func (t *Tracker) Disconnect(roomId, userId int, connId string) {
	t.events <- Event{RoomId: roomId, UserId: userId, ConnId: connId, Kind: Disconnect}
}

func (t *Tracker) Heartbeat(roomId, userId int, connId string) {
	t.events <- Event{RoomId: roomId, UserId: userId, ConnId: connId, Kind: Heartbeat}
}

func (t *Tracker) Run() {
	// sweeping at half the heartbeat interval bounds how long a silent
	// connection can linger past the cutoff
	ticker := time.NewTicker(t.heartbeat / 2)
	defer ticker.Stop()

	for {
		select {
		case ev := <-t.events:
			t.handle(ev, time.Now())
		case now := <-ticker.C:
			t.sweep(now)
		case <-t.stop:
			close(t.done)
			return
		}
	}
}

func (t *Tracker) Stop() {
	close(t.stop)
	<-t.done
}

// Entries reports how many live connections are currently tracked.
func (t *Tracker) Entries() int64 {
	return t.entries.Load()
}

func (t *Tracker) handle(ev Event, now time.Time) {
	switch ev.Kind {
	case Connect:
		room := t.conns[ev.RoomId]
		if room == nil {
			room = make(map[int]map[string]time.Time)
			t.conns[ev.RoomId] = room
		}
		user := room[ev.UserId]
		if user == nil {
			user = make(map[string]time.Time)
			room[ev.UserId] = user
		}
		_, known := user[ev.ConnId]
		user[ev.ConnId] = now
		if known {
			return
		}
		t.entries.Add(1)
		if len(user) == 1 {
			t.notifier.PresenceChanged(ev.RoomId, ev.UserId, true)
		}
		t.persist(ev.RoomId, ev.UserId, len(user), now)
	case Disconnect:
		t.drop(ev.RoomId, ev.UserId, ev.ConnId, now)
	case Heartbeat:
		if user := t.conns[ev.RoomId][ev.UserId]; user != nil {
			if _, ok := user[ev.ConnId]; ok {
				user[ev.ConnId] = now
			}
		}
	}
}

func (t *Tracker) drop(roomId, userId int, connId string, now time.Time) {
	room := t.conns[roomId]
	if room == nil {
		return
	}
	user := room[userId]
	if user == nil {
		return
	}
	if _, ok := user[connId]; !ok {
		return
	}

	delete(user, connId)
	t.entries.Add(-1)
	if len(user) == 0 {
		delete(room, userId)
		if len(room) == 0 {
			delete(t.conns, roomId)
		}
		t.notifier.PresenceChanged(roomId, userId, false)
	}
	t.persist(roomId, userId, len(user), now)
}

// sweep expires connections that missed two consecutive heartbeats.
func (t *Tracker) sweep(now time.Time) {
	cutoff := now.Add(-2 * t.heartbeat)

	type stale struct {
		roomId, userId int
		connId         string
	}
	var expired []stale

	for roomId, room := range t.conns {
		for userId, user := range room {
			for connId, last := range user {
				if last.Before(cutoff) {
					expired = append(expired, stale{roomId, userId, connId})
				}
			}
		}
	}

	for _, s := range expired {
		t.log.Debugw("sweeping stale connection",
			"roomId", s.roomId, "userId", s.userId, "connId", s.connId)
		t.drop(s.roomId, s.userId, s.connId, now)
	}
}

func (t *Tracker) persist(roomId, userId, count int, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := t.db.UpdateMembershipConnections(ctx, roomId, userId, count, now.UTC()); err != nil {
		t.log.Warnw("persist connection count",
			"roomId", roomId, "userId", userId, "error", err)
	}
}
