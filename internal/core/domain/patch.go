package domain

import (
	"sort"
	"time"
)

// Patchable field names. They double as the backend column names.
const (
	FieldStatus        = "status"
	FieldNotes         = "notes"
	FieldOperatorNotes = "operator_notes"
	FieldStartTime     = "start_time"
	FieldEndTime       = "end_time"
	FieldSubmission    = "submission"
	FieldIsRead        = "is_read"
	FieldLastMessageAt = "last_message_at"
	FieldDisplayName   = "display_name"
	FieldTitle         = "title"
	FieldDescription   = "description"
	FieldContent       = "content"
	FieldDueDate       = "due_date"
)

// Patch is a partial update: field name to new value.
type Patch map[string]any

// Fields returns the patched field names in sorted order.
func (p Patch) Fields() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (p Patch) Clone() Patch {
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func patchString(p Patch, field string) (string, error) {
	v, ok := p[field].(string)
	if !ok {
		return "", Validationf("%s must be a string", field)
	}
	return v, nil
}

func patchTime(p Patch, field string) (time.Time, error) {
	switch v := p[field].(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, Validationf("%s must be an RFC3339 time", field)
		}
		return t.UTC(), nil
	default:
		return time.Time{}, Validationf("%s must be a time", field)
	}
}

func patchBool(p Patch, field string) (bool, error) {
	v, ok := p[field].(bool)
	if !ok {
		return false, Validationf("%s must be a boolean", field)
	}
	return v, nil
}

func unknownField(kind Kind, field string) error {
	return Validationf("%s: field %q is not patchable", kind, field)
}
