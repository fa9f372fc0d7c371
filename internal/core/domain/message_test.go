package domain

import (
	"errors"
	"testing"
	"time"
)

func TestNewConversation_NormalisesOrder(t *testing.T) {
	a := NewConversation("zed", "amy", t0)
	b := NewConversation("amy", "zed", t0)
	if a.ParticipantA != "amy" || a.PairKey != b.PairKey {
		t.Errorf("pair not normalised: %+v / %+v", a, b)
	}
	if err := NewConversation("x", "x", t0).Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for self conversation, got: %v", err)
	}
}

func TestMessage_CheckIntegrity(t *testing.T) {
	conv := NewConversation("op", "c1", t0)
	conv.ID = "conv1"

	ok := &Message{ConversationID: "conv1", SenderID: "c1", ReceiverID: "op", Content: "hi"}
	if err := ok.CheckIntegrity(conv); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	cases := map[string]*Message{
		"outsider sender":   {ConversationID: "conv1", SenderID: "c2", ReceiverID: "op"},
		"outsider receiver": {ConversationID: "conv1", SenderID: "op", ReceiverID: "c2"},
		"self message":      {ConversationID: "conv1", SenderID: "op", ReceiverID: "op"},
		"other thread":      {ConversationID: "conv2", SenderID: "op", ReceiverID: "c1"},
	}
	for name, m := range cases {
		if err := m.CheckIntegrity(conv); !errors.Is(err, ErrIntegrity) {
			t.Errorf("%s: expected ErrIntegrity, got: %v", name, err)
		}
	}
}

func TestConversation_LastMessageAtMonotonic(t *testing.T) {
	conv := NewConversation("op", "c1", t0)
	next, err := conv.Apply(Patch{FieldLastMessageAt: t0.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !next.(*Conversation).LastMessageAt.Equal(t0) {
		t.Errorf("last_message_at moved backwards")
	}
}

func TestMessage_CannotUnread(t *testing.T) {
	m := &Message{ID: "m1", IsRead: true}
	if _, err := m.Apply(Patch{FieldIsRead: false}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got: %v", err)
	}
}
