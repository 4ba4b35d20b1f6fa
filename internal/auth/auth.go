package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"chatcore/internal/database"
	"chatcore/internal/types"
)

var (
	ErrInvalidToken       = errors.New("invalid session token")
	ErrExpiredToken       = errors.New("session token expired")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email address already registered")
	ErrInvalidInput       = errors.New("name, email and password are required")
)

const (
	// tokenBytes yields 256 bits of entropy; RawURLEncoding expands it to a
	// 43-character URL-safe token.
	tokenBytes = 32

	// touchInterval throttles last_active_at writes so validation doesn't
	// hit the writer on every request.
	touchInterval = time.Minute
)

// dummyHash keeps Login timing comparable whether or not the email exists.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

type Service struct {
	log *zap.SugaredLogger
	db  database.Repository
	ttl time.Duration
}

func NewService(logger *zap.SugaredLogger, db database.Repository, sessionTTL time.Duration) *Service {
	return &Service{
		log: logger,
		db:  db,
		ttl: sessionTTL,
	}
}

func (s *Service) Register(ctx context.Context, name, email, password string) (types.User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" || password == "" {
		return types.User{}, ErrInvalidInput
	}

	hash, err := HashPassword(password)
	if err != nil {
		return types.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.db.CreateUser(ctx, database.CreateUserParams{
		Name:         name,
		EmailAddress: email,
		PasswordHash: hash,
	})
	if err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return types.User{}, ErrEmailTaken
		}
		return types.User{}, err
	}

	return toTypesUser(user), nil
}

// Login verifies credentials and issues a session. Any failure is reported
// as ErrInvalidCredentials without revealing whether the email or the
// password was wrong.
func (s *Service) Login(ctx context.Context, email, password string) (types.User, types.Session, error) {
	user, err := s.db.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// burn comparable time so a missing account is
			// indistinguishable from a wrong password
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return types.User{}, types.Session{}, ErrInvalidCredentials
		}
		return types.User{}, types.Session{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return types.User{}, types.Session{}, ErrInvalidCredentials
	}

	if !user.Active {
		return types.User{}, types.Session{}, ErrInvalidCredentials
	}

	sess, err := s.CreateSession(ctx, user.Id)
	if err != nil {
		return types.User{}, types.Session{}, err
	}

	return toTypesUser(user), sess, nil
}

// CreateSession generates an opaque token with 256 bits of cryptographically
// secure randomness and persists it through the writer.
func (s *Service) CreateSession(ctx context.Context, userId int) (types.Session, error) {
	token, err := NewToken()
	if err != nil {
		return types.Session{}, fmt.Errorf("generate session token: %w", err)
	}

	now := time.Now().UTC()
	sess := database.Session{
		Token:        token,
		UserId:       userId,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
		LastActiveAt: now,
	}

	if err := s.db.CreateSession(ctx, sess); err != nil {
		return types.Session{}, err
	}

	return toTypesSession(sess), nil
}

// ValidateSession resolves a token to its user. Expired sessions fail with
// ErrExpiredToken and are lazily purged; unknown tokens and deactivated
// users fail with ErrInvalidToken.
func (s *Service) ValidateSession(ctx context.Context, token string) (types.User, types.Session, error) {
	if token == "" {
		return types.User{}, types.Session{}, ErrInvalidToken
	}

	sess, err := s.db.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.User{}, types.Session{}, ErrInvalidToken
		}
		return types.User{}, types.Session{}, err
	}

	now := time.Now().UTC()
	if now.After(sess.ExpiresAt) {
		if err := s.db.DeleteSession(ctx, token); err != nil {
			s.log.Warnw("purge expired session", "error", err)
		}
		return types.User{}, types.Session{}, ErrExpiredToken
	}

	user, err := s.db.GetUserById(ctx, sess.UserId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.User{}, types.Session{}, ErrInvalidToken
		}
		return types.User{}, types.Session{}, err
	}
	if !user.Active {
		return types.User{}, types.Session{}, ErrInvalidToken
	}

	if now.Sub(sess.LastActiveAt) > touchInterval {
		if err := s.db.TouchSession(ctx, token, now); err != nil {
			s.log.Warnw("touch session", "error", err)
		}
		sess.LastActiveAt = now
	}

	return toTypesUser(user), toTypesSession(sess), nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.db.DeleteSession(ctx, token)
}

// NewToken returns a URL-safe opaque token carrying tokenBytes of entropy.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashPassword produces a bcrypt hash at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

func toTypesUser(u database.User) types.User {
	return types.User{
		Id:           u.Id,
		Name:         u.Name,
		EmailAddress: u.EmailAddress,
		Active:       u.Active,
		Role:         u.Role,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func toTypesSession(s database.Session) types.Session {
	return types.Session{
		Token:        s.Token,
		UserId:       s.UserId,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
		LastActiveAt: s.LastActiveAt,
	}
}
