package domain

import (
	"strings"
	"time"
)

// Role is the generalised role of an identity.
type Role string

const (
	// RoleOperator is the practice owner (the doctor).
	RoleOperator Role = "operator"
	// RoleCounterparty is a client of the practice.
	RoleCounterparty Role = "counterparty"
)

func (r Role) Valid() bool {
	return r == RoleOperator || r == RoleCounterparty
}

// Identity models an authenticated actor and their profile.
type Identity struct {
	ID          string    `json:"id" bson:"_id"`
	Role        Role      `json:"role" bson:"role"`
	DisplayName string    `json:"display_name" bson:"display_name"`
	Email       string    `json:"email,omitempty" bson:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updated_at"`
}

func (i *Identity) EntityID() string    { return i.ID }
func (i *Identity) EntityKind() Kind    { return KindIdentity }
func (i *Identity) Reference() string   { return "" }
func (i *Identity) SortTime() time.Time { return i.CreatedAt }

func (i *Identity) Attributes() map[string][]string {
	return map[string][]string{
		AttrID:   {i.ID},
		AttrRole: {string(i.Role)},
	}
}

func (i *Identity) Validate() error {
	if i.ID == "" {
		return Validationf("identity id is required")
	}
	if !i.Role.Valid() {
		return Validationf("identity role %q is invalid", i.Role)
	}
	if strings.TrimSpace(i.DisplayName) == "" {
		return Validationf("display name is required")
	}
	return nil
}

func (i *Identity) Clone() Entity {
	c := *i
	return &c
}

func (i *Identity) Apply(p Patch) (Entity, error) {
	c := *i
	for _, f := range p.Fields() {
		switch f {
		case FieldDisplayName:
			v, err := patchString(p, f)
			if err != nil {
				return nil, err
			}
			c.DisplayName = v
		default:
			return nil, unknownField(KindIdentity, f)
		}
	}
	return &c, nil
}

// Session is an authenticated identity together with its bearer credentials.
type Session struct {
	Identity  Identity  `json:"identity"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session credentials have lapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
