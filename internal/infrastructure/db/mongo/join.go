package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/practicehub/syncstore/internal/core/domain"
)

// join resolves one relation for rows with a single $in lookup.
func (g *Gateway) join(ctx context.Context, rel domain.Relation, rows []domain.Entity) error {
	keys := foreignKeys(rel, rows)
	if len(keys) == 0 {
		return nil
	}
	switch rel {
	case domain.RelOwner, domain.RelSender:
		byID := map[string]*domain.Identity{}
		if err := g.lookup(ctx, collections[domain.KindIdentity], keys, func(d decoder) (string, error) {
			var i domain.Identity
			err := d.Decode(&i)
			byID[i.ID] = &i
			return i.ID, err
		}); err != nil {
			return err
		}
		attachIdentities(rel, rows, byID)
	case domain.RelType:
		byID := map[string]*domain.AppointmentType{}
		if err := g.lookup(ctx, collectionAppointmentTypes, keys, func(d decoder) (string, error) {
			var t domain.AppointmentType
			err := d.Decode(&t)
			byID[t.ID] = &t
			return t.ID, err
		}); err != nil {
			return err
		}
		for _, r := range rows {
			if a, ok := r.(*domain.Appointment); ok {
				if t, ok := byID[a.TypeID]; ok {
					cp := *t
					a.Type = &cp
				}
			}
		}
	case domain.RelTemplate:
		byID := map[string]*domain.TaskTemplate{}
		if err := g.lookup(ctx, collections[domain.KindTemplate], keys, func(d decoder) (string, error) {
			var t domain.TaskTemplate
			err := d.Decode(&t)
			byID[t.ID] = &t
			return t.ID, err
		}); err != nil {
			return err
		}
		for _, r := range rows {
			if task, ok := r.(*domain.Task); ok {
				if t, ok := byID[task.TemplateID]; ok {
					task.Template = t.Clone().(*domain.TaskTemplate)
				}
			}
		}
	}
	return nil
}

func (g *Gateway) lookup(ctx context.Context, collection string, ids []string, each func(decoder) (string, error)) error {
	cur, err := g.db.Collection(collection).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return mapErr("join "+collection, err)
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		if _, err := each(cur); err != nil {
			return mapErr("join "+collection, err)
		}
	}
	return mapErr("join "+collection, cur.Err())
}

// foreignKeys collects the distinct ids rel points at.
func foreignKeys(rel domain.Relation, rows []domain.Entity) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, r := range rows {
		switch e := r.(type) {
		case *domain.Appointment:
			switch rel {
			case domain.RelOwner:
				add(e.OwnerID)
			case domain.RelType:
				add(e.TypeID)
			}
		case *domain.Task:
			switch rel {
			case domain.RelOwner:
				add(e.OwnerID)
			case domain.RelTemplate:
				add(e.TemplateID)
			}
		case *domain.Message:
			if rel == domain.RelSender {
				add(e.SenderID)
			}
		}
	}
	return out
}

func attachIdentities(rel domain.Relation, rows []domain.Entity, byID map[string]*domain.Identity) {
	get := func(id string) *domain.Identity {
		if i, ok := byID[id]; ok {
			cp := *i
			return &cp
		}
		return nil
	}
	for _, r := range rows {
		switch e := r.(type) {
		case *domain.Appointment:
			e.Owner = get(e.OwnerID)
		case *domain.Task:
			e.Owner = get(e.OwnerID)
		case *domain.Message:
			if rel == domain.RelSender {
				e.Sender = get(e.SenderID)
			}
		}
	}
}
