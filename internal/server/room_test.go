package server

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcore/internal/database"
	"chatcore/internal/types"
)

func newTestRoom(cs *ChatServer, roomType string) *Room {
	r := newRoom(cs, database.Room{Id: 1, ExternalId: "test-room", Type: roomType})
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()
	return r
}

func Test_handleJoin(t *testing.T) {
	t.Run("existing member joins and gets history", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("MembershipExists", mock.Anything, 1, 1).Return(true, nil).Once()
		db.On("MessagesBefore", mock.Anything, 1, int64(0), 5).Return([]database.Message{
			{Id: 3, RoomId: 1, Content: "three"},
			{Id: 2, RoomId: 1, Content: "two"},
			{Id: 1, RoomId: 1, Content: "one"},
		}, nil).Once()

		cs, presence := newTestChatServer(t, db)
		room := newTestRoom(cs, "open")
		c := newTestClient(types.User{Id: 1, Name: "testuser"}, cs)

		room.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Join:        &Join{RoomId: room.externalId},
			UserId:      c.user.Id,
			client:      c,
		})

		assert.Contains(t, room.clients, c)
		assert.Contains(t, c.rooms, room.externalId)
		assert.Equal(t, []string{"connect:1:1:conn-1"}, presence.all())

		select {
		case msg := <-c.send:
			require.NotNil(t, msg.Response)
			assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
		default:
			t.Fatal("expected join response")
		}

		select {
		case msg := <-c.send:
			require.NotNil(t, msg.History)
			assert.True(t, msg.History.Complete)
			require.Len(t, msg.History.Messages, 3)
			// fresh-join backlog is replayed oldest first
			assert.Equal(t, int64(1), msg.History.Messages[0].Id)
			assert.Equal(t, int64(3), msg.History.Messages[2].Id)
		default:
			t.Fatal("expected history frame")
		}
	})

	t.Run("open room admits a non-member", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("MembershipExists", mock.Anything, 1, 2).Return(false, nil).Once()
		db.On("CreateMembership", mock.Anything, 1, 2, types.LevelMember).
			Return(database.Membership{RoomId: 1, UserId: 2, Level: types.LevelMember}, nil).Once()
		db.On("MessagesBefore", mock.Anything, 1, int64(0), 5).Return([]database.Message{}, nil).Once()

		cs, _ := newTestChatServer(t, db)
		room := newTestRoom(cs, "open")

		existing := newTestClient(types.User{Id: 1, Name: "resident"}, cs)
		room.addClient(existing)

		c := newTestClient(types.User{Id: 2, Name: "newcomer"}, cs)
		room.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Join:        &Join{RoomId: room.externalId},
			UserId:      c.user.Id,
			client:      c,
		})

		assert.Contains(t, room.clients, c)

		select {
		case msg := <-existing.send:
			require.NotNil(t, msg.Notification)
			require.NotNil(t, msg.Notification.MembershipChange)
			assert.True(t, msg.Notification.MembershipChange.Joined)
			assert.Equal(t, 2, msg.Notification.MembershipChange.User.Id)
		default:
			t.Fatal("expected membership change broadcast to existing client")
		}
	})

	t.Run("closed room rejects a non-member", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("MembershipExists", mock.Anything, 1, 2).Return(false, nil).Once()

		cs, presence := newTestChatServer(t, db)
		room := newTestRoom(cs, "closed")
		c := newTestClient(types.User{Id: 2, Name: "outsider"}, cs)

		room.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Join:        &Join{RoomId: room.externalId},
			UserId:      c.user.Id,
			client:      c,
		})

		assert.NotContains(t, room.clients, c)
		assert.Empty(t, presence.all())
		db.AssertNotCalled(t, "CreateMembership", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

		select {
		case msg := <-c.send:
			require.NotNil(t, msg.Response)
			assert.Equal(t, http.StatusForbidden, msg.Response.ResponseCode)
		default:
			t.Fatal("expected forbidden response")
		}
	})

	t.Run("reconnect replays messages after last seen", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("MembershipExists", mock.Anything, 1, 1).Return(true, nil).Once()
		db.On("MessagesAfter", mock.Anything, 1, int64(10), 6).Return([]database.Message{
			{Id: 11, RoomId: 1, Content: "a"},
			{Id: 12, RoomId: 1, Content: "b"},
		}, nil).Once()

		cs, _ := newTestChatServer(t, db)
		room := newTestRoom(cs, "open")
		c := newTestClient(types.User{Id: 1, Name: "testuser"}, cs)

		room.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Join:        &Join{RoomId: room.externalId, LastSeenMessageId: 10},
			UserId:      c.user.Id,
			client:      c,
		})

		<-c.send // join response

		select {
		case msg := <-c.send:
			require.NotNil(t, msg.History)
			assert.True(t, msg.History.Complete)
			require.Len(t, msg.History.Messages, 2)
			assert.Equal(t, int64(11), msg.History.Messages[0].Id)
			assert.Equal(t, int64(12), msg.History.Messages[1].Id)
		default:
			t.Fatal("expected history frame")
		}
	})

	t.Run("reconnect beyond the replay window is truncated", func(t *testing.T) {
		backlog := make([]database.Message, 6)
		for i := range backlog {
			backlog[i] = database.Message{Id: int64(11 + i), RoomId: 1}
		}

		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("MembershipExists", mock.Anything, 1, 1).Return(true, nil).Once()
		db.On("MessagesAfter", mock.Anything, 1, int64(10), 6).Return(backlog, nil).Once()

		cs, _ := newTestChatServer(t, db)
		room := newTestRoom(cs, "open")
		c := newTestClient(types.User{Id: 1, Name: "testuser"}, cs)

		room.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Join:        &Join{RoomId: room.externalId, LastSeenMessageId: 10},
			UserId:      c.user.Id,
			client:      c,
		})

		<-c.send // join response

		select {
		case msg := <-c.send:
			require.NotNil(t, msg.History)
			assert.False(t, msg.History.Complete, "history past the window must be marked incomplete")
			require.Len(t, msg.History.Messages, 5)
			assert.Equal(t, int64(12), msg.History.Messages[0].Id, "truncation keeps the newest messages")
			assert.Equal(t, int64(16), msg.History.Messages[4].Id)
		default:
			t.Fatal("expected history frame")
		}
	})
}

func Test_handlePublish(t *testing.T) {
	publishMsg := func(c *Client, clientMsgId string) *ClientMessage {
		return &ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Publish: &Publish{
				RoomId:          "test-room",
				Content:         "hello",
				ClientMessageId: clientMsgId,
			},
			UserId: c.user.Id,
			client: c,
		}
	}

	t.Run("stores, acks and broadcasts", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("MembershipExists", mock.Anything, 1, 1).Return(true, nil).Once()
		db.On("CreateMessage", mock.Anything, mock.AnythingOfType("database.CreateMessageParams")).
			Return(database.Message{Id: 42, RoomId: 1, CreatorId: 1, Content: "hello", ClientMessageId: "c1", CreatedAt: Now()}, true, nil).Once()

		cs, _ := newTestChatServer(t, db)
		room := newTestRoom(cs, "open")

		sender := newTestClient(types.User{Id: 1, Name: "sender"}, cs)
		other := newTestClient(types.User{Id: 2, Name: "other"}, cs)
		room.addClient(sender)
		room.addClient(other)

		room.handlePublish(publishMsg(sender, "c1"))

		select {
		case msg := <-sender.send:
			require.NotNil(t, msg.Response)
			assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
			assert.EqualValues(t, 42, msg.Response.Data["message_id"])
			assert.Equal(t, false, msg.Response.Data["duplicate"])
		default:
			t.Fatal("expected publish ack")
		}

		for _, c := range []*Client{sender, other} {
			select {
			case msg := <-c.send:
				require.NotNil(t, msg.Message)
				assert.Equal(t, int64(42), msg.Message.Id)
				assert.Equal(t, "hello", msg.Message.Content)
			default:
				t.Fatalf("expected broadcast to %s", c.user.Name)
			}
		}
	})

	t.Run("duplicate delivery acks without broadcasting", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("MembershipExists", mock.Anything, 1, 1).Return(true, nil).Once()
		db.On("CreateMessage", mock.Anything, mock.AnythingOfType("database.CreateMessageParams")).
			Return(database.Message{Id: 42, RoomId: 1, CreatorId: 1, Content: "hello", ClientMessageId: "c1", CreatedAt: Now()}, false, nil).Once()

		cs, _ := newTestChatServer(t, db)
		room := newTestRoom(cs, "open")

		sender := newTestClient(types.User{Id: 1, Name: "sender"}, cs)
		other := newTestClient(types.User{Id: 2, Name: "other"}, cs)
		room.addClient(sender)
		room.addClient(other)

		room.handlePublish(publishMsg(sender, "c1"))

		select {
		case msg := <-sender.send:
			require.NotNil(t, msg.Response)
			assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
			assert.EqualValues(t, 42, msg.Response.Data["message_id"])
			assert.Equal(t, true, msg.Response.Data["duplicate"])
		default:
			t.Fatal("expected publish ack")
		}

		assert.Len(t, other.send, 0, "retried delivery must not be broadcast a second time")
	})

	t.Run("non-member is rejected", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("MembershipExists", mock.Anything, 1, 1).Return(false, nil).Once()

		cs, _ := newTestChatServer(t, db)
		room := newTestRoom(cs, "open")
		sender := newTestClient(types.User{Id: 1, Name: "sender"}, cs)

		room.handlePublish(publishMsg(sender, "c1"))

		select {
		case msg := <-sender.send:
			require.NotNil(t, msg.Response)
			assert.Equal(t, http.StatusForbidden, msg.Response.ResponseCode)
		default:
			t.Fatal("expected forbidden response")
		}
	})

	t.Run("backpressure maps to service unavailable", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("MembershipExists", mock.Anything, 1, 1).Return(true, nil).Once()
		db.On("CreateMessage", mock.Anything, mock.AnythingOfType("database.CreateMessageParams")).
			Return(database.Message{}, false, database.ErrBackpressure).Once()

		cs, _ := newTestChatServer(t, db)
		room := newTestRoom(cs, "open")
		sender := newTestClient(types.User{Id: 1, Name: "sender"}, cs)

		room.handlePublish(publishMsg(sender, "c1"))

		select {
		case msg := <-sender.send:
			require.NotNil(t, msg.Response)
			assert.Equal(t, http.StatusServiceUnavailable, msg.Response.ResponseCode)
		default:
			t.Fatal("expected service unavailable response")
		}
	})
}

func Test_handleRead(t *testing.T) {
	readMsg := func(c *Client) *ClientMessage {
		return &ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Read:        &Read{RoomId: "test-room", MessageId: 42},
			UserId:      c.user.Id,
			client:      c,
		}
	}

	t.Run("success", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("UpdateLastRead", mock.Anything, 1, 1, int64(42)).Return(nil).Once()

		cs, _ := newTestChatServer(t, db)
		room := newTestRoom(cs, "open")
		c := newTestClient(types.User{Id: 1, Name: "testuser"}, cs)

		room.handleRead(readMsg(c))

		select {
		case msg := <-c.send:
			require.NotNil(t, msg.Response)
			assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
		default:
			t.Fatal("expected read ack")
		}
	})

	t.Run("database error", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("UpdateLastRead", mock.Anything, 1, 1, int64(42)).Return(errors.New("db error")).Once()

		cs, _ := newTestChatServer(t, db)
		room := newTestRoom(cs, "open")
		c := newTestClient(types.User{Id: 1, Name: "testuser"}, cs)

		room.handleRead(readMsg(c))

		select {
		case msg := <-c.send:
			require.NotNil(t, msg.Response)
			assert.Equal(t, http.StatusInternalServerError, msg.Response.ResponseCode)
		default:
			t.Fatal("expected error response")
		}
	})
}

func Test_handleTyping(t *testing.T) {
	cs, _ := newTestChatServer(t, &database.MockRepository{})
	room := newTestRoom(cs, "open")

	sender := newTestClient(types.User{Id: 1, Name: "sender"}, cs)
	other := newTestClient(types.User{Id: 2, Name: "other"}, cs)
	room.addClient(sender)
	room.addClient(other)

	room.handleTyping(&ClientMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Typing:      &Typing{RoomId: room.externalId},
		UserId:      sender.user.Id,
		client:      sender,
	})

	select {
	case msg := <-other.send:
		require.NotNil(t, msg.Notification)
		require.NotNil(t, msg.Notification.Typing)
		assert.Equal(t, sender.user.Id, msg.Notification.Typing.UserId)
	default:
		t.Fatal("expected typing notification")
	}

	assert.Len(t, sender.send, 0, "typing must not echo back to the sender")
}

func Test_handleLeave(t *testing.T) {
	t.Run("detach keeps membership", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		cs, presence := newTestChatServer(t, db)
		room := newTestRoom(cs, "open")
		c := newTestClient(types.User{Id: 1, Name: "testuser"}, cs)
		room.addClient(c)

		room.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Leave:       &Leave{RoomId: room.externalId},
			UserId:      c.user.Id,
			client:      c,
		})

		assert.NotContains(t, room.clients, c)
		assert.Equal(t, []string{"disconnect:1:1:conn-1"}, presence.all())
		db.AssertNotCalled(t, "DeleteMembership", mock.Anything, mock.Anything, mock.Anything)
		assert.True(t, room.killTimer.Stop(), "expected kill timer to start once the room empties")
	})

	t.Run("unsubscribe removes membership and all connections", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("DeleteMembership", mock.Anything, 1, 1).Return(nil).Once()

		cs, _ := newTestChatServer(t, db)
		room := newTestRoom(cs, "open")

		tab1 := newTestClient(types.User{Id: 1, Name: "testuser"}, cs)
		tab2 := newTestClient(types.User{Id: 1, Name: "testuser"}, cs)
		other := newTestClient(types.User{Id: 2, Name: "other"}, cs)
		room.addClient(tab1)
		room.addClient(tab2)
		room.addClient(other)

		room.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Leave:       &Leave{RoomId: room.externalId, Unsubscribe: true},
			UserId:      tab1.user.Id,
			client:      tab1,
		})

		assert.NotContains(t, room.clients, tab1)
		assert.NotContains(t, room.clients, tab2)
		assert.Contains(t, room.clients, other)
		assert.NotContains(t, room.userMap, 1)

		// drain the OK response, then expect the membership change
		<-tab1.send
		select {
		case msg := <-other.send:
			require.NotNil(t, msg.Notification)
			require.NotNil(t, msg.Notification.MembershipChange)
			assert.False(t, msg.Notification.MembershipChange.Joined)
		default:
			t.Fatal("expected membership change broadcast")
		}
	})
}

func Test_handleRoomExit(t *testing.T) {
	t.Run("queued joins are answered before the room dies", func(t *testing.T) {
		cs, _ := newTestChatServer(t, &database.MockRepository{})
		room := newTestRoom(cs, "open")
		c := newTestClient(types.User{Id: 1, Name: "testuser"}, cs)

		room.joinChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: 9, Timestamp: Now()},
			Join:        &Join{RoomId: room.externalId},
			UserId:      c.user.Id,
			client:      c,
		}

		room.handleRoomExit(exitReq{})

		select {
		case msg := <-c.send:
			require.NotNil(t, msg.Response)
			assert.Equal(t, http.StatusServiceUnavailable, msg.Response.ResponseCode)
			assert.Equal(t, 9, msg.Id)
		default:
			t.Fatal("expected queued join to be answered")
		}

		select {
		case <-room.done:
		default:
			t.Fatal("expected room done channel to be closed")
		}
	})

	t.Run("deletion notifies attached clients and detaches them", func(t *testing.T) {
		cs, presence := newTestChatServer(t, &database.MockRepository{})
		room := newTestRoom(cs, "open")
		c := newTestClient(types.User{Id: 1, Name: "testuser"}, cs)
		room.addClient(c)

		room.handleRoomExit(exitReq{deleted: true})

		select {
		case msg := <-c.send:
			require.NotNil(t, msg.Notification)
			require.NotNil(t, msg.Notification.RoomDeleted)
			assert.Equal(t, room.externalId, msg.Notification.RoomDeleted.RoomId)
		default:
			t.Fatal("expected room deleted notification")
		}

		assert.NotContains(t, c.rooms, room.externalId)
		assert.Equal(t, []string{"disconnect:1:1:conn-1"}, presence.all())
	})
}

func Test_broadcast(t *testing.T) {
	cs, _ := newTestChatServer(t, &database.MockRepository{})
	room := newTestRoom(cs, "open")

	c1 := newTestClient(types.User{Id: 1, Name: "user1"}, cs)
	c2 := newTestClient(types.User{Id: 2, Name: "user2"}, cs)
	room.addClient(c1)
	room.addClient(c2)

	t.Run("delivers to every client", func(t *testing.T) {
		msg := &ServerMessage{}
		room.broadcast(msg)

		for _, c := range []*Client{c1, c2} {
			select {
			case got := <-c.send:
				assert.Equal(t, msg, got)
			default:
				t.Errorf("expected %s to receive broadcast", c.user.Name)
			}
		}
	})

	t.Run("skips the excluded client", func(t *testing.T) {
		msg := &ServerMessage{SkipClient: c1}
		room.broadcast(msg)

		select {
		case <-c1.send:
			t.Error("expected skipped client to receive nothing")
		default:
		}

		select {
		case got := <-c2.send:
			assert.Equal(t, msg, got)
		default:
			t.Error("expected c2 to receive broadcast")
		}
	})
}
