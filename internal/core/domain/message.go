package domain

import (
	"strings"
	"time"
)

// Conversation is a symmetric channel between exactly two identities.
type Conversation struct {
	ID            string    `json:"id" bson:"_id"`
	ClientRef     string    `json:"client_ref,omitempty" bson:"client_ref,omitempty"`
	ParticipantA  string    `json:"participant_a" bson:"participant_a"`
	ParticipantB  string    `json:"participant_b" bson:"participant_b"`
	PairKey       string    `json:"pair_key" bson:"pair_key"`
	LastMessageAt time.Time `json:"last_message_at" bson:"last_message_at"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
}

// NewConversation builds a conversation between a and b. Participant order
// is normalised so the same pair always produces the same row.
func NewConversation(a, b string, now time.Time) *Conversation {
	if b < a {
		a, b = b, a
	}
	return &Conversation{
		ParticipantA:  a,
		ParticipantB:  b,
		PairKey:       PairKey(a, b),
		LastMessageAt: now.UTC(),
		CreatedAt:     now.UTC(),
	}
}

// PairKey identifies an unordered participant pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func (c *Conversation) EntityID() string  { return c.ID }
func (c *Conversation) EntityKind() Kind  { return KindConversation }
func (c *Conversation) Reference() string { return c.ClientRef }

func (c *Conversation) AssignRef(ref string) { c.ID, c.ClientRef = ref, ref }
func (c *Conversation) SortTime() time.Time  { return c.LastMessageAt }

func (c *Conversation) Attributes() map[string][]string {
	return map[string][]string{
		AttrID:          {c.ID},
		AttrParticipant: {c.ParticipantA, c.ParticipantB},
	}
}

// Has reports whether id takes part in the conversation.
func (c *Conversation) Has(id string) bool {
	return id != "" && (c.ParticipantA == id || c.ParticipantB == id)
}

// Other returns the participant that is not id.
func (c *Conversation) Other(id string) string {
	if c.ParticipantA == id {
		return c.ParticipantB
	}
	return c.ParticipantA
}

func (c *Conversation) Validate() error {
	if c.ParticipantA == "" || c.ParticipantB == "" {
		return Validationf("conversation needs two participants")
	}
	if c.ParticipantA == c.ParticipantB {
		return Validationf("conversation participants must differ")
	}
	if c.PairKey != "" && c.PairKey != PairKey(c.ParticipantA, c.ParticipantB) {
		return Validationf("conversation pair key does not match its participants")
	}
	return nil
}

func (c *Conversation) Clone() Entity {
	cp := *c
	return &cp
}

func (c *Conversation) Apply(p Patch) (Entity, error) {
	cp := *c
	for _, f := range p.Fields() {
		switch f {
		case FieldLastMessageAt:
			t, err := patchTime(p, f)
			if err != nil {
				return nil, err
			}
			if t.After(cp.LastMessageAt) {
				cp.LastMessageAt = t
			}
		default:
			return nil, unknownField(KindConversation, f)
		}
	}
	return &cp, nil
}

// Message is immutable after creation except for its read flag.
type Message struct {
	ID             string    `json:"id" bson:"_id"`
	ClientRef      string    `json:"client_ref,omitempty" bson:"client_ref,omitempty"`
	ConversationID string    `json:"conversation_id" bson:"conversation_id"`
	SenderID       string    `json:"sender_id" bson:"sender_id"`
	ReceiverID     string    `json:"receiver_id" bson:"receiver_id"`
	Content        string    `json:"content" bson:"content"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
	IsRead         bool      `json:"is_read" bson:"is_read"`

	Sender *Identity `json:"sender,omitempty" bson:"-"`
}

func (m *Message) EntityID() string  { return m.ID }
func (m *Message) EntityKind() Kind  { return KindMessage }
func (m *Message) Reference() string { return m.ClientRef }

func (m *Message) AssignRef(ref string) { m.ID, m.ClientRef = ref, ref }
func (m *Message) SortTime() time.Time  { return m.CreatedAt }

func (m *Message) Attributes() map[string][]string {
	return map[string][]string{
		AttrID:             {m.ID},
		AttrConversationID: {m.ConversationID},
		AttrSenderID:       {m.SenderID},
		AttrReceiverID:     {m.ReceiverID},
	}
}

func (m *Message) Validate() error {
	if m.ConversationID == "" {
		return Validationf("message conversation is required")
	}
	if m.SenderID == "" || m.ReceiverID == "" {
		return Validationf("message sender and receiver are required")
	}
	if strings.TrimSpace(m.Content) == "" {
		return Validationf("message content is empty")
	}
	return nil
}

// CheckIntegrity verifies the message's sender and receiver are exactly the
// conversation's two participants.
func (m *Message) CheckIntegrity(c *Conversation) error {
	if m.ConversationID != c.ID {
		return ErrIntegrity
	}
	if m.SenderID == m.ReceiverID || !c.Has(m.SenderID) || !c.Has(m.ReceiverID) {
		return ErrIntegrity
	}
	return nil
}

func (m *Message) Clone() Entity {
	c := *m
	if m.Sender != nil {
		s := *m.Sender
		c.Sender = &s
	}
	return &c
}

func (m *Message) Apply(p Patch) (Entity, error) {
	c := m.Clone().(*Message)
	for _, f := range p.Fields() {
		switch f {
		case FieldIsRead:
			v, err := patchBool(p, f)
			if err != nil {
				return nil, err
			}
			if m.IsRead && !v {
				return nil, Validationf("a read message cannot be marked unread")
			}
			c.IsRead = v
		default:
			return nil, unknownField(KindMessage, f)
		}
	}
	return c, nil
}
