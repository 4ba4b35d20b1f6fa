package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toNullMillis(value time.Time) sql.NullInt64 {
	if value.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) time.Time {
	if !value.Valid {
		return time.Time{}
	}
	return fromMillis(value.Int64)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	now := time.Now().UTC()
	role := params.Role
	if role == "" {
		role = "member"
	}

	var u User
	err := s.writer.Submit(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"INSERT INTO users (name, email, password_hash, active, role, created_at, updated_at) "+
				"VALUES (?, ?, ?, 1, ?, ?, ?)",
			params.Name,
			params.EmailAddress,
			params.PasswordHash,
			role,
			toMillis(now),
			toMillis(now),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("user %q: %w", params.EmailAddress, ErrAlreadyExists)
			}
			return err
		}

		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		u = User{
			Id:           int(id),
			Name:         params.Name,
			EmailAddress: params.EmailAddress,
			PasswordHash: params.PasswordHash,
			Active:       true,
			Role:         role,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return nil
	})

	return u, err
}

func (s *Store) GetUserById(ctx context.Context, id int) (User, error) {
	row := s.readDB.QueryRowContext(ctx,
		"SELECT id, name, email, password_hash, active, role, created_at, updated_at "+
			"FROM users WHERE id = ? LIMIT 1",
		id,
	)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.readDB.QueryRowContext(ctx,
		"SELECT id, name, email, password_hash, active, role, created_at, updated_at "+
			"FROM users WHERE email = ? LIMIT 1",
		email,
	)
	return scanUser(row)
}

func scanUser(row *sql.Row) (User, error) {
	var (
		u                    User
		createdAt, updatedAt int64
	)
	err := row.Scan(&u.Id, &u.Name, &u.EmailAddress, &u.PasswordHash, &u.Active, &u.Role, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}

	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

// DeactivateUser soft-deletes a user; rows are never removed.
func (s *Store) DeactivateUser(ctx context.Context, id int) error {
	return s.writer.Submit(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE users SET active = 0, updated_at = ? WHERE id = ?",
			toMillis(time.Now().UTC()),
			id,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	return s.writer.Submit(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO sessions (token, user_id, created_at, expires_at, last_active_at) "+
				"VALUES (?, ?, ?, ?, ?)",
			sess.Token,
			sess.UserId,
			toMillis(sess.CreatedAt),
			toMillis(sess.ExpiresAt),
			toMillis(sess.LastActiveAt),
		)
		return err
	})
}

func (s *Store) GetSession(ctx context.Context, token string) (Session, error) {
	row := s.readDB.QueryRowContext(ctx,
		"SELECT token, user_id, created_at, expires_at, last_active_at "+
			"FROM sessions WHERE token = ? LIMIT 1",
		token,
	)

	var (
		sess                               Session
		createdAt, expiresAt, lastActiveAt int64
	)
	err := row.Scan(&sess.Token, &sess.UserId, &createdAt, &expiresAt, &lastActiveAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}

	sess.CreatedAt = fromMillis(createdAt)
	sess.ExpiresAt = fromMillis(expiresAt)
	sess.LastActiveAt = fromMillis(lastActiveAt)
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	return s.writer.Submit(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM sessions WHERE token = ?", token)
		return err
	})
}

func (s *Store) TouchSession(ctx context.Context, token string, at time.Time) error {
	return s.writer.Submit(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE sessions SET last_active_at = ? WHERE token = ?",
			toMillis(at),
			token,
		)
		return err
	})
}

func (s *Store) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	now := time.Now().UTC()

	var room Room
	err := s.writer.Submit(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"INSERT INTO rooms (external_id, name, type, creator_id, created_at) VALUES (?, ?, ?, ?, ?)",
			params.ExternalId,
			params.Name,
			params.Type,
			params.CreatorId,
			toMillis(now),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("room %q: %w", params.ExternalId, ErrAlreadyExists)
			}
			return err
		}

		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		// the creator is always a member of their own room
		_, err = tx.Exec(
			"INSERT INTO memberships (room_id, user_id, level, created_at) VALUES (?, ?, 'owner', ?)",
			id,
			params.CreatorId,
			toMillis(now),
		)
		if err != nil {
			return err
		}

		room = Room{
			Id:         int(id),
			ExternalId: params.ExternalId,
			Name:       params.Name,
			Type:       params.Type,
			CreatorId:  params.CreatorId,
			CreatedAt:  now,
		}
		return nil
	})

	return room, err
}

func (s *Store) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	row := s.readDB.QueryRowContext(ctx,
		"SELECT id, external_id, name, type, creator_id, created_at, last_message_at "+
			"FROM rooms WHERE external_id = ? LIMIT 1",
		externalId,
	)
	return scanRoom(row)
}

func (s *Store) GetRoomById(ctx context.Context, id int) (Room, error) {
	row := s.readDB.QueryRowContext(ctx,
		"SELECT id, external_id, name, type, creator_id, created_at, last_message_at "+
			"FROM rooms WHERE id = ? LIMIT 1",
		id,
	)
	return scanRoom(row)
}

func scanRoom(row *sql.Row) (Room, error) {
	var (
		room          Room
		createdAt     int64
		lastMessageAt sql.NullInt64
	)
	err := row.Scan(&room.Id, &room.ExternalId, &room.Name, &room.Type, &room.CreatorId, &createdAt, &lastMessageAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, err
	}

	room.CreatedAt = fromMillis(createdAt)
	room.LastMessageAt = fromNullMillis(lastMessageAt)
	return room, nil
}

// DeleteRoom removes a room with its memberships and messages in one
// transaction.
func (s *Store) DeleteRoom(ctx context.Context, id int) error {
	return s.writer.Submit(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM messages WHERE room_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM memberships WHERE room_id = ?", id); err != nil {
			return err
		}

		res, err := tx.Exec("DELETE FROM rooms WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CreateMembership grants a user access to a room. Granting an existing
// membership is a no-op returning the current row.
func (s *Store) CreateMembership(ctx context.Context, roomId, userId int, level string) (Membership, error) {
	now := time.Now().UTC()
	if level == "" {
		level = "member"
	}

	var m Membership
	err := s.writer.Submit(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO memberships (room_id, user_id, level, created_at) VALUES (?, ?, ?, ?) "+
				"ON CONFLICT (room_id, user_id) DO NOTHING",
			roomId,
			userId,
			level,
			toMillis(now),
		)
		if err != nil {
			return err
		}

		row := tx.QueryRow(
			"SELECT room_id, user_id, level, connection_count, connected_at, last_read_message_id, created_at "+
				"FROM memberships WHERE room_id = ? AND user_id = ? LIMIT 1",
			roomId,
			userId,
		)

		var (
			createdAt   int64
			connectedAt sql.NullInt64
		)
		if err := row.Scan(&m.RoomId, &m.UserId, &m.Level, &m.ConnectionCount, &connectedAt, &m.LastReadMessageId, &createdAt); err != nil {
			return err
		}
		m.ConnectedAt = fromNullMillis(connectedAt)
		m.CreatedAt = fromMillis(createdAt)
		return nil
	})

	return m, err
}

func (s *Store) MembershipExists(ctx context.Context, roomId, userId int) (bool, error) {
	row := s.readDB.QueryRowContext(ctx,
		"SELECT 1 FROM memberships WHERE room_id = ? AND user_id = ? LIMIT 1",
		roomId,
		userId,
	)

	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteMembership revokes access; the row is removed entirely.
func (s *Store) DeleteMembership(ctx context.Context, roomId, userId int) error {
	return s.writer.Submit(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"DELETE FROM memberships WHERE room_id = ? AND user_id = ?",
			roomId,
			userId,
		)
		return err
	})
}

func (s *Store) ListRoomsForUser(ctx context.Context, userId int) ([]Room, error) {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT r.id, r.external_id, r.name, r.type, r.creator_id, r.created_at, r.last_message_at "+
			"FROM memberships m JOIN rooms r ON r.id = m.room_id WHERE m.user_id = ? ORDER BY r.last_message_at DESC",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Room
	for rows.Next() {
		var (
			room          Room
			createdAt     int64
			lastMessageAt sql.NullInt64
		)
		if err := rows.Scan(&room.Id, &room.ExternalId, &room.Name, &room.Type, &room.CreatorId, &createdAt, &lastMessageAt); err != nil {
			return nil, err
		}
		room.CreatedAt = fromMillis(createdAt)
		room.LastMessageAt = fromNullMillis(lastMessageAt)
		result = append(result, room)
	}
	return result, rows.Err()
}

// UpdateMembershipConnections reconciles the persisted connection count with
// the presence tracker's in-memory state. connectedAt is cleared when the
// count drops to zero.
func (s *Store) UpdateMembershipConnections(ctx context.Context, roomId, userId, count int, connectedAt time.Time) error {
	if count < 0 {
		count = 0
	}
	return s.writer.Submit(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE memberships SET connection_count = ?, connected_at = ? WHERE room_id = ? AND user_id = ?",
			count,
			toNullMillis(connectedAt),
			roomId,
			userId,
		)
		return err
	})
}

func (s *Store) UpdateLastRead(ctx context.Context, roomId, userId int, messageId int64) error {
	return s.writer.Submit(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE memberships SET last_read_message_id = ? WHERE room_id = ? AND user_id = ? AND last_read_message_id < ?",
			messageId,
			roomId,
			userId,
			messageId,
		)
		return err
	})
}

// CreateMessage inserts a message keyed on (room_id, client_message_id). If
// that pair already exists the insert is a no-op and the canonical row is
// returned with created=false; duplicate submission is never an error. On a
// real insert the room's last_message_at is bumped in the same transaction.
func (s *Store) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, bool, error) {
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var (
		msg     Message
		created bool
	)
	err := s.writer.Submit(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"INSERT INTO messages (room_id, creator_id, content, client_message_id, created_at) "+
				"VALUES (?, ?, ?, ?, ?) ON CONFLICT (room_id, client_message_id) DO NOTHING",
			params.RoomId,
			params.CreatorId,
			params.Content,
			params.ClientMessageId,
			toMillis(createdAt),
		)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if n == 0 {
			// a retry of an already-committed submission: return the
			// canonical row untouched
			row := tx.QueryRow(
				"SELECT id, room_id, creator_id, content, client_message_id, created_at "+
					"FROM messages WHERE room_id = ? AND client_message_id = ? LIMIT 1",
				params.RoomId,
				params.ClientMessageId,
			)
			var storedAt int64
			if err := row.Scan(&msg.Id, &msg.RoomId, &msg.CreatorId, &msg.Content, &msg.ClientMessageId, &storedAt); err != nil {
				return err
			}
			msg.CreatedAt = fromMillis(storedAt)
			created = false
			return nil
		}

		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(
			"UPDATE rooms SET last_message_at = ? WHERE id = ?",
			toMillis(createdAt),
			params.RoomId,
		); err != nil {
			return err
		}

		msg = Message{
			Id:              id,
			RoomId:          params.RoomId,
			CreatorId:       params.CreatorId,
			Content:         params.Content,
			ClientMessageId: params.ClientMessageId,
			CreatedAt:       createdAt,
		}
		created = true
		return nil
	})

	return msg, created, err
}

// MessagesAfter returns up to limit messages in roomId with id strictly
// greater than afterId, in ascending id order. Under the single writer,
// id order is commit order.
func (s *Store) MessagesAfter(ctx context.Context, roomId int, afterId int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.readDB.QueryContext(ctx,
		"SELECT id, room_id, creator_id, content, client_message_id, created_at "+
			"FROM messages WHERE room_id = ? AND id > ? ORDER BY id ASC LIMIT ?",
		roomId,
		afterId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows, limit)
}

// MessagesBefore returns up to limit messages with id strictly less than
// beforeId in descending id order, for paginated history. beforeId <= 0
// means "from the latest".
func (s *Store) MessagesBefore(ctx context.Context, roomId int, beforeId int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	if beforeId <= 0 {
		beforeId = 1<<63 - 1
	}

	rows, err := s.readDB.QueryContext(ctx,
		"SELECT id, room_id, creator_id, content, client_message_id, created_at "+
			"FROM messages WHERE room_id = ? AND id < ? ORDER BY id DESC LIMIT ?",
		roomId,
		beforeId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows, limit)
}

func scanMessages(rows *sql.Rows, limit int) ([]Message, error) {
	messages := make([]Message, 0, limit)
	for rows.Next() {
		var (
			msg       Message
			createdAt int64
		)
		if err := rows.Scan(&msg.Id, &msg.RoomId, &msg.CreatorId, &msg.Content, &msg.ClientMessageId, &createdAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = fromMillis(createdAt)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
