package mongo

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// revField numbers the writes of a stored row. Rows written before it
// existed read as revision 0.
const revField = "_rev"

func revisionOf(raw bson.Raw) int64 {
	v, err := raw.LookupErr(revField)
	if err != nil {
		return 0
	}
	if n, ok := v.AsInt64OK(); ok {
		return n
	}
	if n, ok := v.Int32OK(); ok {
		return int64(n)
	}
	return 0
}

// atRevision matches row id only while it is still at rev.
func atRevision(id string, rev int64) bson.M {
	if rev == 0 {
		return bson.M{"_id": id, revField: bson.M{"$in": bson.A{nil, int64(0)}}}
	}
	return bson.M{"_id": id, revField: rev}
}

// withRevision encodes row as a document carrying rev.
func withRevision(row any, rev int64) (bson.D, error) {
	raw, err := bson.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	out := doc[:0]
	for _, e := range doc {
		if e.Key != revField {
			out = append(out, e)
		}
	}
	return append(out, bson.E{Key: revField, Value: rev}), nil
}
