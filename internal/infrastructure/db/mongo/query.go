package mongo

import (
	"sort"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/practicehub/syncstore/internal/core/domain"
)

const collectionAppointmentTypes = "appointment_types"

var collections = map[domain.Kind]string{
	domain.KindIdentity:     "identities",
	domain.KindAppointment:  "appointments",
	domain.KindTask:         "tasks",
	domain.KindTemplate:     "task_templates",
	domain.KindConversation: "conversations",
	domain.KindMessage:      "messages",
}

// timeFields is the field each kind's list ordering and date range use.
var timeFields = map[domain.Kind]string{
	domain.KindIdentity:     "created_at",
	domain.KindAppointment:  "start_time",
	domain.KindTask:         "due_date",
	domain.KindTemplate:     "created_at",
	domain.KindConversation: "last_message_at",
	domain.KindMessage:      "created_at",
}

// sortOrder mirrors domain.SortEntities so server pages come back in list order.
func sortOrder(kind domain.Kind) bson.D {
	if kind == domain.KindIdentity {
		return bson.D{{Key: "display_name", Value: 1}, {Key: "_id", Value: 1}}
	}
	dir := 1
	if kind == domain.KindConversation || kind == domain.KindTemplate {
		dir = -1
	}
	return bson.D{{Key: timeFields[kind], Value: dir}, {Key: "_id", Value: 1}}
}

func field(attr string) string {
	if attr == domain.AttrID {
		return "_id"
	}
	return attr
}

// values widens a task status constraint so rows still carrying the legacy
// "overdue" value match pending.
func values(kind domain.Kind, attr string, vs []string) []string {
	if kind != domain.KindTask || attr != domain.AttrStatus {
		return vs
	}
	out := append([]string(nil), vs...)
	for _, v := range vs {
		if domain.TaskStatus(v) == domain.TaskPending {
			out = append(out, "overdue")
		}
	}
	return out
}

func clause(kind domain.Kind, attr string, vs []string) bson.M {
	vs = values(kind, attr, vs)
	var match any = vs[0]
	if len(vs) > 1 {
		match = bson.M{"$in": vs}
	}
	if attr == domain.AttrParticipant {
		return bson.M{"$or": bson.A{
			bson.M{"participant_a": match},
			bson.M{"participant_b": match},
		}}
	}
	return bson.M{field(attr): match}
}

// filterDoc translates a domain filter into a query document.
func filterDoc(kind domain.Kind, f domain.Filter) bson.M {
	var and bson.A
	eq := f.Equals()
	for _, attr := range sortedKeys(eq) {
		and = append(and, clause(kind, attr, []string{eq[attr]}))
	}
	in := f.InSets()
	for _, attr := range sortedKeys(in) {
		vs := in[attr]
		if len(vs) == 0 {
			// An empty set matches nothing.
			and = append(and, bson.M{"_id": bson.M{"$in": bson.A{}}})
			continue
		}
		and = append(and, clause(kind, attr, vs))
	}
	since, until := f.Range()
	if !since.IsZero() || !until.IsZero() {
		r := bson.M{}
		if !since.IsZero() {
			r["$gte"] = since.UTC()
		}
		if !until.IsZero() {
			r["$lte"] = until.UTC()
		}
		and = append(and, bson.M{timeFields[kind]: r})
	}
	switch len(and) {
	case 0:
		return bson.M{}
	case 1:
		return and[0].(bson.M)
	}
	return bson.M{"$and": and}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
