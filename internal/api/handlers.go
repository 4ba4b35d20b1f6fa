package api

import (
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"
	"github.com/valyala/fastjson"

	"chatcore/internal/auth"
	"chatcore/internal/database"
	"chatcore/internal/server"
	"chatcore/internal/types"
)

const (
	maxBodySize     = 64 * 1024
	defaultPageSize = 50
	maxPageSize     = 200
)

var parserPool fastjson.ParserPool

// parseBody reads and parses a JSON request body with a pooled parser. The
// returned release func must be called once the values have been copied out.
func parseBody(r *http.Request) (*fastjson.Value, func(), error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, nil, err
	}

	p := parserPool.Get()
	v, err := p.ParseBytes(body)
	if err != nil {
		parserPool.Put(p)
		return nil, nil, err
	}

	return v, func() { parserPool.Put(p) }, nil
}

func (s *App) register(w http.ResponseWriter, r *http.Request) {
	v, release, err := parseBody(r)
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	name := string(v.GetStringBytes("name"))
	email := string(v.GetStringBytes("email"))
	password := string(v.GetStringBytes("password"))
	release()

	user, err := s.auth.Register(r.Context(), name, email, password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			s.writeError(w, NewBadRequestError())
		case errors.Is(err, auth.ErrEmailTaken):
			s.writeError(w, NewConflictError("email address already registered"))
		case errors.Is(err, database.ErrBackpressure):
			s.writeError(w, NewServiceUnavailableError())
		default:
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	s.writeJson(w, http.StatusCreated, user)
}

func (s *App) login(w http.ResponseWriter, r *http.Request) {
	v, release, err := parseBody(r)
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	email := string(v.GetStringBytes("email"))
	password := string(v.GetStringBytes("password"))
	release()

	if email == "" || password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	user, sess, err := s.auth.Login(r.Context(), email, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.writeError(w, NewUnauthorizedError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, sessionCookie(sess.Token, s.sessionTTL))
	s.writeJson(w, http.StatusOK, user)
}

func (s *App) logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if err := s.auth.Logout(r.Context(), cookie.Value); err != nil {
			s.log.Warnw("revoke session", "error", err)
		}
	}

	http.SetCookie(w, expiredSessionCookie())
	w.WriteHeader(http.StatusNoContent)
}

func (s *App) session(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	s.writeJson(w, http.StatusOK, user)
}

func (s *App) createRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	v, release, err := parseBody(r)
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	name := string(v.GetStringBytes("name"))
	roomType := string(v.GetStringBytes("type"))
	release()

	if roomType == "" {
		roomType = string(types.RoomOpen)
	}
	if name == "" || !validRoomType(roomType) {
		s.writeError(w, NewBadRequestError())
		return
	}

	externalId, err := shortid.Generate()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	room, err := s.db.CreateRoom(r.Context(), database.CreateRoomParams{
		ExternalId: externalId,
		Name:       name,
		Type:       roomType,
		CreatorId:  user.Id,
	})
	if err != nil {
		s.writeError(w, storageError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, toTypesRoom(room))
}

func (s *App) getRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	externalId := r.URL.Query().Get("id")
	if externalId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	room, err := s.db.GetRoomByExternalId(r.Context(), externalId)
	if err != nil {
		s.writeError(w, storageError(err))
		return
	}

	// non-open rooms are invisible to non-members
	if room.Type != string(types.RoomOpen) {
		isMember, err := s.db.MembershipExists(r.Context(), room.Id, user.Id)
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}
		if !isMember {
			s.writeError(w, NewNotFoundError())
			return
		}
	}

	s.writeJson(w, http.StatusOK, toTypesRoom(room))
}

func (s *App) deleteRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	externalId := r.URL.Query().Get("id")
	if externalId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	room, err := s.db.GetRoomByExternalId(r.Context(), externalId)
	if err != nil {
		s.writeError(w, storageError(err))
		return
	}

	if room.CreatorId != user.Id {
		s.writeError(w, NewForbiddenError())
		return
	}

	if err := s.db.DeleteRoom(r.Context(), room.Id); err != nil {
		s.writeError(w, storageError(err))
		return
	}

	// evict the live room so attached clients get the deletion notice
	s.cs.RmRoomChan <- room.ExternalId

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *App) listMemberships(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	rooms, err := s.db.ListRoomsForUser(r.Context(), user.Id)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	result := make([]types.Room, len(rooms))
	for i, room := range rooms {
		result[i] = toTypesRoom(room)
	}

	s.writeJson(w, http.StatusOK, result)
}

func (s *App) getMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	externalId := r.URL.Query().Get("room_id")
	if externalId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	room, err := s.db.GetRoomByExternalId(r.Context(), externalId)
	if err != nil {
		s.writeError(w, storageError(err))
		return
	}

	isMember, err := s.db.MembershipExists(r.Context(), room.Id, user.Id)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}
	if !isMember {
		s.writeError(w, NewForbiddenError())
		return
	}

	before, ok := queryInt64(r, "before")
	if !ok {
		s.writeError(w, NewBadRequestError())
		return
	}
	after, ok := queryInt64(r, "after")
	if !ok {
		s.writeError(w, NewBadRequestError())
		return
	}
	limit, ok := queryInt64(r, "limit")
	if !ok || limit < 0 || limit > maxPageSize {
		s.writeError(w, NewBadRequestError())
		return
	}
	if limit == 0 {
		limit = defaultPageSize
	}

	var messages []types.Message
	if after > 0 {
		messages, err = s.messages.After(r.Context(), room.Id, after, int(limit))
	} else {
		messages, err = s.messages.Before(r.Context(), room.Id, before, int(limit))
	}
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorw("upgrade connection", "error", err)
		return
	}

	client := server.NewClient(user, conn, s.cs, s.log)
	s.cs.RegisterChan <- client
	go client.Write()
	go client.Read()
}

func validRoomType(t string) bool {
	switch types.RoomType(t) {
	case types.RoomOpen, types.RoomClosed, types.RoomDirect:
		return true
	}
	return false
}

func queryInt64(r *http.Request, key string) (int64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func storageError(err error) *ApiError {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, database.ErrAlreadyExists):
		return NewConflictError("already exists")
	case errors.Is(err, database.ErrBackpressure):
		return NewServiceUnavailableError()
	default:
		return NewInternalServerError(err)
	}
}

func toTypesRoom(room database.Room) types.Room {
	return types.Room{
		Id:            room.Id,
		ExternalId:    room.ExternalId,
		Name:          room.Name,
		Type:          types.RoomType(room.Type),
		CreatorId:     room.CreatorId,
		CreatedAt:     room.CreatedAt,
		LastMessageAt: room.LastMessageAt,
	}
}
