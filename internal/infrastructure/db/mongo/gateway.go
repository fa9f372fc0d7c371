package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
)

// Subscriber is the realtime half of the backend.
type Subscriber interface {
	Subscribe(ctx context.Context, kind domain.Kind, filter domain.Filter, l ports.Listener) (ports.Unsubscribe, error)
}

// Gateway implements ports.Gateway on MongoDB. Every call presents the
// session token to the verifier; counterparties only ever see their own rows.
// Committed writes are published as change events.
type Gateway struct {
	db        *mongo.Database
	tokens    ports.TokenSource
	verifier  ports.TokenVerifier
	publisher ports.ChangePublisher
	realtime  Subscriber
	logger    zerolog.Logger
	now       func() time.Time
}

var _ ports.Gateway = (*Gateway)(nil)

// GatewayOptions carries the optional collaborators of a Gateway. A nil
// Verifier disables token checks; a nil Publisher disables change events.
type GatewayOptions struct {
	Tokens    ports.TokenSource
	Verifier  ports.TokenVerifier
	Publisher ports.ChangePublisher
	Realtime  Subscriber
}

func NewGateway(db *mongo.Database, opts GatewayOptions, logger zerolog.Logger) *Gateway {
	return &Gateway{
		db:        db,
		tokens:    opts.Tokens,
		verifier:  opts.Verifier,
		publisher: opts.Publisher,
		realtime:  opts.Realtime,
		logger:    logger,
		now:       time.Now,
	}
}

func (g *Gateway) col(kind domain.Kind) (*mongo.Collection, error) {
	name, ok := collections[kind]
	if !ok {
		return nil, domain.Validationf("unknown kind %q", kind)
	}
	return g.db.Collection(name), nil
}

func (g *Gateway) Fetch(ctx context.Context, kind domain.Kind, filter domain.Filter) ([]domain.Entity, error) {
	p, err := g.authorize(ctx)
	if err != nil {
		return nil, err
	}
	col, err := g.col(kind)
	if err != nil {
		return nil, err
	}
	doc, err := scope(kind, filterDoc(kind, filter), p)
	if err != nil {
		return nil, err
	}

	cur, err := col.Find(ctx, doc, options.Find().SetSort(sortOrder(kind)))
	if err != nil {
		return nil, mapErr("fetch "+string(kind), err)
	}
	defer cur.Close(ctx)

	var rows []domain.Entity
	for cur.Next(ctx) {
		row, err := decode(kind, cur)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if err := cur.Err(); err != nil {
		return nil, mapErr("fetch "+string(kind), err)
	}
	if rel := filter.Relation(); rel != domain.RelNone && len(rows) > 0 {
		if err := g.join(ctx, rel, rows); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// Create inserts e under a server id. A row already stored under the same
// client reference is returned instead of inserting again.
func (g *Gateway) Create(ctx context.Context, kind domain.Kind, e domain.Entity) (domain.Entity, error) {
	if _, err := g.authorize(ctx); err != nil {
		return nil, err
	}
	col, err := g.col(kind)
	if err != nil {
		return nil, err
	}
	row, ok := e.Clone().(domain.Creatable)
	if !ok || e.EntityKind() != kind {
		return nil, domain.Validationf("%s rows cannot be created through the gateway", kind)
	}
	if err := row.Validate(); err != nil {
		return nil, err
	}

	ref := row.Reference()
	if ref != "" {
		if existing, err := g.findOne(ctx, kind, col, bson.M{"client_ref": ref}); err == nil {
			return existing, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if c, ok := row.(*domain.Conversation); ok {
		c.PairKey = domain.PairKey(c.ParticipantA, c.ParticipantB)
	}
	domain.AssignServerID(row, uuid.NewString())
	domain.StampCreated(row, g.now().UTC())

	if _, err := col.InsertOne(ctx, row); err != nil {
		if mongo.IsDuplicateKeyError(err) && ref != "" {
			// Lost a race with a replay of the same create.
			if existing, ferr := g.findOne(ctx, kind, col, bson.M{"client_ref": ref}); ferr == nil {
				return existing, nil
			}
		}
		return nil, mapErr("create "+string(kind), err)
	}
	g.publish(ctx, domain.EventInsert, kind, row.EntityID(), row)
	return row.Clone(), nil
}

// Update applies patch to the stored row, validating the result like a
// server-side check constraint would.
func (g *Gateway) Update(ctx context.Context, kind domain.Kind, id string, patch domain.Patch) (domain.Entity, error) {
	if _, err := g.authorize(ctx); err != nil {
		return nil, err
	}
	col, err := g.col(kind)
	if err != nil {
		return nil, err
	}
	found := col.FindOne(ctx, bson.M{"_id": id})
	if err := found.Err(); err != nil {
		return nil, mapErr("update "+string(kind), err)
	}
	raw, err := found.Raw()
	if err != nil {
		return nil, mapErr("update "+string(kind), err)
	}
	rev := revisionOf(raw)
	cur, err := decode(kind, found)
	if err != nil {
		return nil, err
	}
	next, err := cur.Apply(patch)
	if err != nil {
		return nil, err
	}
	if i, ok := next.(*domain.Identity); ok {
		i.UpdatedAt = g.now().UTC()
	}
	doc, err := withRevision(next, rev+1)
	if err != nil {
		return nil, err
	}
	// The write only lands if nobody else wrote the row since it was read.
	res, err := col.ReplaceOne(ctx, atRevision(id, rev), doc)
	if err != nil {
		return nil, mapErr("update "+string(kind), err)
	}
	if res.MatchedCount == 0 {
		n, cerr := col.CountDocuments(ctx, bson.M{"_id": id})
		if cerr != nil {
			return nil, mapErr("update "+string(kind), cerr)
		}
		if n == 0 {
			return nil, fmt.Errorf("update %s %s: %w", kind, id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("update %s %s: %w: written concurrently", kind, id, domain.ErrConflict)
	}
	g.publish(ctx, domain.EventUpdate, kind, id, next)
	return next.Clone(), nil
}

// Remove deletes a row. Removing a missing row succeeds.
func (g *Gateway) Remove(ctx context.Context, kind domain.Kind, id string) error {
	if _, err := g.authorize(ctx); err != nil {
		return err
	}
	col, err := g.col(kind)
	if err != nil {
		return err
	}
	res, err := col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mapErr("remove "+string(kind), err)
	}
	if res.DeletedCount > 0 {
		g.publish(ctx, domain.EventDelete, kind, id, nil)
	}
	return nil
}

func (g *Gateway) Subscribe(ctx context.Context, kind domain.Kind, filter domain.Filter, l ports.Listener) (ports.Unsubscribe, error) {
	if _, err := g.authorize(ctx); err != nil {
		return nil, err
	}
	if g.realtime == nil {
		return nil, fmt.Errorf("subscribe %s: %w: realtime channel not configured", kind, domain.ErrNetwork)
	}
	return g.realtime.Subscribe(ctx, kind, filter, l)
}

// EnsureIndexes creates the unique and lookup indexes the gateway relies on.
func (g *Gateway) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	byRef := mongo.IndexModel{
		Keys:    bson.D{{Key: "client_ref", Value: 1}},
		Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"client_ref": bson.M{"$type": "string"}}),
	}
	indexes := map[domain.Kind][]mongo.IndexModel{
		domain.KindAppointment: {byRef, {Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "start_time", Value: 1}}}},
		domain.KindTask:        {byRef, {Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "due_date", Value: 1}}}},
		domain.KindTemplate:    {byRef},
		domain.KindConversation: {
			byRef,
			{Keys: bson.D{{Key: "pair_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		domain.KindMessage:  {byRef, {Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}}}},
		domain.KindIdentity: {{Keys: bson.D{{Key: "role", Value: 1}}}},
	}
	for kind, models := range indexes {
		col, _ := g.col(kind)
		if _, err := col.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("ensure %s indexes: %w", kind, err)
		}
	}
	return nil
}

func (g *Gateway) authorize(ctx context.Context) (*ports.Principal, error) {
	if g.verifier == nil {
		return nil, nil
	}
	token := ""
	if g.tokens != nil {
		token = g.tokens.Token()
	}
	if token == "" {
		return nil, fmt.Errorf("%w: no session token", domain.ErrAuthorization)
	}
	return g.verifier.Verify(ctx, token)
}

func (g *Gateway) findOne(ctx context.Context, kind domain.Kind, col *mongo.Collection, filter bson.M) (domain.Entity, error) {
	res := col.FindOne(ctx, filter)
	if err := res.Err(); err != nil {
		return nil, mapErr("find "+string(kind), err)
	}
	return decode(kind, res)
}

type decoder interface {
	Decode(v interface{}) error
}

func decode(kind domain.Kind, d decoder) (domain.Entity, error) {
	row, err := domain.NewEntity(kind)
	if err != nil {
		return nil, err
	}
	if err := d.Decode(row); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return domain.Normalize(row), nil
}

func (g *Gateway) publish(ctx context.Context, typ domain.EventType, kind domain.Kind, id string, row domain.Entity) {
	if g.publisher == nil {
		return
	}
	ev := domain.ChangeEvent{
		EventID:   uuid.NewString(),
		Type:      typ,
		Kind:      kind,
		ID:        id,
		Timestamp: g.now().UTC(),
	}
	if row != nil {
		ev.Row = row.Clone()
	}
	// The write is already committed; a lost event is recovered by the
	// subscribers' reconnect refresh.
	if err := g.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		g.logger.Warn().Err(err).Str("kind", string(kind)).Str("id", id).Msg("publish change event")
	}
}

// scope restricts a counterparty's query to rows they take part in.
func scope(kind domain.Kind, doc bson.M, p *ports.Principal) (bson.M, error) {
	if p == nil || p.Role == domain.RoleOperator {
		return doc, nil
	}
	var own bson.M
	switch kind {
	case domain.KindAppointment, domain.KindTask:
		own = bson.M{"owner_id": p.IdentityID}
	case domain.KindConversation:
		own = clause(kind, domain.AttrParticipant, []string{p.IdentityID})
	case domain.KindMessage:
		own = bson.M{"$or": bson.A{bson.M{"sender_id": p.IdentityID}, bson.M{"receiver_id": p.IdentityID}}}
	case domain.KindTemplate:
		return nil, fmt.Errorf("%w: templates are operator only", domain.ErrAuthorization)
	default:
		return doc, nil
	}
	if len(doc) == 0 {
		return own, nil
	}
	return bson.M{"$and": bson.A{doc, own}}, nil
}
