package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
	"github.com/practicehub/syncstore/internal/core/validation"
)

// MessageService implements one-to-one conversations.
type MessageService struct {
	coord   *Coordinator
	session *Session
	logger  zerolog.Logger
	now     func() time.Time
}

func NewMessageService(coord *Coordinator, session *Session, logger zerolog.Logger) *MessageService {
	return &MessageService{coord: coord, session: session, logger: logger, now: time.Now}
}

// Conversations lists the signed-in identity's conversations, most recently
// active first.
func (s *MessageService) Conversations(ctx context.Context, refresh bool) ([]*domain.Conversation, error) {
	me, err := signedIn(s.session)
	if err != nil {
		return nil, err
	}
	rows, err := s.coord.Query(ctx, domain.KindConversation, domain.Where(domain.AttrParticipant, me.ID), QueryOptions{Force: refresh})
	if err != nil {
		return nil, err
	}
	return typed[*domain.Conversation](rows), nil
}

// Open returns the conversation with other, creating it when the pair has
// none yet. A concurrent creation elsewhere surfaces as a conflict, after
// which the existing row is fetched instead.
func (s *MessageService) Open(ctx context.Context, otherID string) (*domain.Conversation, error) {
	me, err := signedIn(s.session)
	if err != nil {
		return nil, err
	}
	if otherID == "" || otherID == me.ID {
		return nil, fmt.Errorf("open conversation: %w", domain.Validationf("a conversation needs another participant"))
	}
	if me.Role == domain.RoleCounterparty {
		if err := s.requireOperator(ctx, otherID); err != nil {
			return nil, fmt.Errorf("open conversation: %w", err)
		}
	}

	if c, err := s.find(ctx, me.ID, otherID, false); err != nil || c != nil {
		return c, err
	}

	res, err := s.coord.Create(ctx, domain.NewConversation(me.ID, otherID, s.now()))
	if errors.Is(err, domain.ErrConflict) {
		s.logger.Debug().Str("other", otherID).Msg("conversation already exists, refetching")
		c, ferr := s.find(ctx, me.ID, otherID, true)
		if ferr != nil {
			return nil, ferr
		}
		if c != nil {
			return c, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return res.Entity.(*domain.Conversation), nil
}

func (s *MessageService) find(ctx context.Context, me, other string, refresh bool) (*domain.Conversation, error) {
	rows, err := s.coord.Query(ctx, domain.KindConversation, domain.Where(domain.AttrParticipant, me), QueryOptions{Force: refresh})
	if err != nil {
		return nil, err
	}
	for _, c := range typed[*domain.Conversation](rows) {
		if c.Has(other) {
			return c, nil
		}
	}
	return nil, nil
}

func (s *MessageService) requireOperator(ctx context.Context, id string) error {
	rows, err := s.coord.Query(ctx, domain.KindIdentity, domain.Where(domain.AttrID, id), QueryOptions{})
	if err != nil {
		return err
	}
	for _, r := range typed[*domain.Identity](rows) {
		if r.ID == id {
			if r.Role != domain.RoleOperator {
				return fmt.Errorf("%w: counterparties can only message the operator", domain.ErrForbidden)
			}
			return nil
		}
	}
	return fmt.Errorf("identity %s: %w", id, domain.ErrNotFound)
}

// conversation resolves a conversation the signed-in identity takes part in.
func (s *MessageService) conversation(ctx context.Context, me *domain.Identity, id string) (*domain.Conversation, error) {
	var conv *domain.Conversation
	if e, ok := s.coord.Cache().Get(domain.KindConversation, id); ok {
		conv = e.(*domain.Conversation)
	} else {
		rows, err := s.coord.Query(ctx, domain.KindConversation, domain.Where(domain.AttrParticipant, me.ID), QueryOptions{})
		if err != nil {
			return nil, err
		}
		for _, c := range typed[*domain.Conversation](rows) {
			if c.ID == id {
				conv = c
			}
		}
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	if !conv.Has(me.ID) {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrForbidden)
	}
	return conv, nil
}

// Messages lists a conversation's messages, oldest first.
func (s *MessageService) Messages(ctx context.Context, conversationID string, refresh bool) ([]*domain.Message, error) {
	me, err := signedIn(s.session)
	if err != nil {
		return nil, err
	}
	if _, err := s.conversation(ctx, me, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.coord.Query(ctx, domain.KindMessage, domain.Where(domain.AttrConversationID, conversationID), QueryOptions{Force: refresh})
	if err != nil {
		return nil, err
	}
	return typed[*domain.Message](rows), nil
}

// Send posts a message and moves the conversation's last activity forward.
// A failure to bump the conversation is logged; the message stays sent.
func (s *MessageService) Send(ctx context.Context, in ports.SendMessageInput, opts ...MutationOption) (*domain.Message, error) {
	me, err := signedIn(s.session)
	if err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	conv, err := s.conversation(ctx, me, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	msg := &domain.Message{
		ConversationID: conv.ID,
		SenderID:       me.ID,
		ReceiverID:     conv.Other(me.ID),
		Content:        in.Content,
		CreatedAt:      s.now().UTC(),
	}
	if err := msg.CheckIntegrity(conv); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	res, err := s.coord.Create(ctx, msg, opts...)
	if err != nil {
		return nil, err
	}
	sent := res.Entity.(*domain.Message)

	_, err = s.coord.Patch(ctx, domain.KindConversation, conv.ID, func(cur domain.Entity) (domain.Patch, error) {
		if !sent.CreatedAt.After(cur.(*domain.Conversation).LastMessageAt) {
			return nil, nil
		}
		return domain.Patch{domain.FieldLastMessageAt: sent.CreatedAt}, nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("id", conv.ID).Msg("failed to bump conversation activity")
	}
	return sent, nil
}

// MarkRead flags a received message as read. Only the receiver may do so.
func (s *MessageService) MarkRead(ctx context.Context, id string, opts ...MutationOption) error {
	me, err := signedIn(s.session)
	if err != nil {
		return err
	}
	_, err = s.coord.Patch(ctx, domain.KindMessage, id, func(cur domain.Entity) (domain.Patch, error) {
		m := cur.(*domain.Message)
		if m.ReceiverID != me.ID {
			return nil, fmt.Errorf("%w: only the receiver marks a message read", domain.ErrForbidden)
		}
		if m.IsRead {
			return nil, nil
		}
		return domain.Patch{domain.FieldIsRead: true}, nil
	}, opts...)
	return err
}

// MarkConversationRead marks every unread message the signed-in identity
// received in the conversation. It stops at the first failure.
func (s *MessageService) MarkConversationRead(ctx context.Context, conversationID string) error {
	msgs, err := s.Messages(ctx, conversationID, false)
	if err != nil {
		return err
	}
	me := s.session.Identity()
	for _, m := range msgs {
		if m.ReceiverID == me.ID && !m.IsRead {
			if err := s.MarkRead(ctx, m.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnreadCount counts messages addressed to the signed-in identity that are
// still unread.
func (s *MessageService) UnreadCount(ctx context.Context) (int, error) {
	me, err := signedIn(s.session)
	if err != nil {
		return 0, err
	}
	rows, err := s.coord.Query(ctx, domain.KindMessage, domain.Where(domain.AttrReceiverID, me.ID), QueryOptions{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range typed[*domain.Message](rows) {
		if !m.IsRead {
			n++
		}
	}
	return n, nil
}
