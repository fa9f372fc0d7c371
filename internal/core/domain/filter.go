package domain

import (
	"sort"
	"strings"
	"time"
)

// Indexed attribute names usable in filters.
const (
	AttrID             = "id"
	AttrOwnerID        = "owner_id"
	AttrStatus         = "status"
	AttrTypeID         = "type_id"
	AttrTemplateID     = "template_id"
	AttrKind           = "kind"
	AttrRole           = "role"
	AttrParticipant    = "participant"
	AttrConversationID = "conversation_id"
	AttrSenderID       = "sender_id"
	AttrReceiverID     = "receiver_id"
)

// Relation names the single related entity a query may join.
type Relation string

const (
	RelNone     Relation = ""
	RelOwner    Relation = "owner"
	RelType     Relation = "type"
	RelTemplate Relation = "template"
	RelSender   Relation = "sender"
)

// Filter selects rows of one kind. The zero value matches everything.
// Filter values are immutable; builder methods return modified copies.
type Filter struct {
	eq      map[string]string
	in      map[string][]string
	since   time.Time
	until   time.Time
	include Relation
}

// Where is shorthand for Filter{}.Eq(attr, value).
func Where(attr, value string) Filter {
	return Filter{}.Eq(attr, value)
}

// Eq requires attr to equal value.
func (f Filter) Eq(attr, value string) Filter {
	out := f.copy()
	if out.eq == nil {
		out.eq = make(map[string]string)
	}
	out.eq[attr] = value
	return out
}

// In requires attr to be one of values.
func (f Filter) In(attr string, values ...string) Filter {
	out := f.copy()
	if out.in == nil {
		out.in = make(map[string][]string)
	}
	vs := append([]string(nil), values...)
	sort.Strings(vs)
	out.in[attr] = vs
	return out
}

// Between restricts the kind's ordering time to [since, until]. A zero bound is open.
func (f Filter) Between(since, until time.Time) Filter {
	out := f.copy()
	out.since, out.until = since, until
	return out
}

// Include asks the gateway to resolve one related entity.
func (f Filter) Include(rel Relation) Filter {
	out := f.copy()
	out.include = rel
	return out
}

func (f Filter) Equals() map[string]string {
	out := make(map[string]string, len(f.eq))
	for k, v := range f.eq {
		out[k] = v
	}
	return out
}

func (f Filter) InSets() map[string][]string {
	out := make(map[string][]string, len(f.in))
	for k, v := range f.in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (f Filter) Range() (since, until time.Time) { return f.since, f.until }

func (f Filter) Relation() Relation { return f.include }

// Value returns the equality constraint on attr, if any.
func (f Filter) Value(attr string) (string, bool) {
	v, ok := f.eq[attr]
	return v, ok
}

// IsZero reports whether the filter has no constraints.
func (f Filter) IsZero() bool {
	return len(f.eq) == 0 && len(f.in) == 0 && f.since.IsZero() && f.until.IsZero()
}

// Matches evaluates the filter against e. Include is ignored.
func (f Filter) Matches(e Entity) bool {
	attrs := e.Attributes()
	for attr, want := range f.eq {
		if !contains(attrs[attr], want) {
			return false
		}
	}
	for attr, set := range f.in {
		hit := false
		for _, want := range set {
			if contains(attrs[attr], want) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	t := e.SortTime()
	if !f.since.IsZero() && t.Before(f.since) {
		return false
	}
	if !f.until.IsZero() && t.After(f.until) {
		return false
	}
	return true
}

// Key is a canonical string for the filter, used to remember loaded queries.
func (f Filter) Key() string {
	var parts []string
	for k, v := range f.eq {
		parts = append(parts, k+"="+v)
	}
	for k, vs := range f.in {
		parts = append(parts, k+" in ("+strings.Join(vs, ",")+")")
	}
	sort.Strings(parts)
	if !f.since.IsZero() {
		parts = append(parts, "since="+f.since.UTC().Format(time.RFC3339Nano))
	}
	if !f.until.IsZero() {
		parts = append(parts, "until="+f.until.UTC().Format(time.RFC3339Nano))
	}
	if f.include != RelNone {
		parts = append(parts, "include="+string(f.include))
	}
	return strings.Join(parts, "&")
}

func (f Filter) copy() Filter {
	out := Filter{since: f.since, until: f.until, include: f.include}
	if f.eq != nil {
		out.eq = f.Equals()
	}
	if f.in != nil {
		out.in = f.InSets()
	}
	return out
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
