package message

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"chatcore/internal/database"
	"chatcore/internal/types"
)

var (
	ErrNotMember       = errors.New("user is not a member of the room")
	ErrInvalidContent  = errors.New("message content is empty or too long")
	ErrMissingClientId = errors.New("client message id is required")
)

const (
	// maxContentLength bounds message bodies in runes, not bytes, so
	// multi-byte scripts get the same budget as ASCII.
	maxContentLength = 10000

	maxClientIdLength = 128
)

// Service validates, sanitizes and persists chat messages. Persistence is
// idempotent on (room, client message id): retried sends return the
// canonical stored row and report created=false.
type Service struct {
	log    *zap.SugaredLogger
	db     database.Repository
	policy *bluemonday.Policy
}

func NewService(logger *zap.SugaredLogger, db database.Repository) *Service {
	return &Service{
		log:    logger,
		db:     db,
		policy: contentPolicy(),
	}
}

// contentPolicy permits basic inline formatting and absolute http(s)/mailto
// links; everything else, scripts and event handlers included, is stripped.
func contentPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "i", "em", "strong", "code", "pre", "br")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.RequireNoFollowOnLinks(true)
	return p
}

type CreateInput struct {
	RoomId          int
	CreatorId       int
	Content         string
	ClientMessageId string
}

// Create stores a message on behalf of a room member. The returned bool is
// true when this call inserted the row and false when an earlier delivery
// of the same client message id already had.
func (s *Service) Create(ctx context.Context, input CreateInput) (types.Message, bool, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" || utf8.RuneCountInString(content) > maxContentLength {
		return types.Message{}, false, ErrInvalidContent
	}

	clientId := strings.TrimSpace(input.ClientMessageId)
	if clientId == "" || len(clientId) > maxClientIdLength {
		return types.Message{}, false, ErrMissingClientId
	}

	ok, err := s.db.MembershipExists(ctx, input.RoomId, input.CreatorId)
	if err != nil {
		return types.Message{}, false, err
	}
	if !ok {
		return types.Message{}, false, ErrNotMember
	}

	msg, created, err := s.db.CreateMessage(ctx, database.CreateMessageParams{
		RoomId:          input.RoomId,
		CreatorId:       input.CreatorId,
		Content:         s.policy.Sanitize(content),
		ClientMessageId: clientId,
	})
	if err != nil {
		return types.Message{}, false, err
	}
	if !created {
		s.log.Debugw("duplicate message delivery",
			"roomId", input.RoomId, "clientMessageId", clientId)
	}

	return toTypesMessage(msg), created, nil
}

// After returns up to limit messages with ids strictly greater than afterId
// in ascending id order. It backs replay on reconnect.
func (s *Service) After(ctx context.Context, roomId int, afterId int64, limit int) ([]types.Message, error) {
	rows, err := s.db.MessagesAfter(ctx, roomId, afterId, limit)
	if err != nil {
		return nil, err
	}
	return toTypesMessages(rows), nil
}

// Before returns up to limit messages with ids strictly less than beforeId
// in descending id order, for backwards history pagination. A beforeId of
// zero or less starts from the newest message.
func (s *Service) Before(ctx context.Context, roomId int, beforeId int64, limit int) ([]types.Message, error) {
	rows, err := s.db.MessagesBefore(ctx, roomId, beforeId, limit)
	if err != nil {
		return nil, err
	}
	return toTypesMessages(rows), nil
}

func toTypesMessage(m database.Message) types.Message {
	return types.Message{
		Id:              m.Id,
		RoomId:          m.RoomId,
		CreatorId:       m.CreatorId,
		Content:         m.Content,
		ClientMessageId: m.ClientMessageId,
		CreatedAt:       m.CreatedAt,
	}
}

func toTypesMessages(rows []database.Message) []types.Message {
	out := make([]types.Message, len(rows))
	for i, m := range rows {
		out[i] = toTypesMessage(m)
	}
	return out
}
