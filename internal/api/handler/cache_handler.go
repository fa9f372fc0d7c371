package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/practicehub/syncstore/internal/app"
	"github.com/practicehub/syncstore/internal/core/cache"
	"github.com/practicehub/syncstore/internal/core/domain"
)

// Inspector is the part of the client the inspection API reads.
type Inspector interface {
	Cache() *cache.Cache
	Refresh(ctx context.Context, kind domain.Kind, filter domain.Filter) error
	Status() app.Status
}

// CacheHandler exposes the client's cache for debugging.
type CacheHandler struct {
	client Inspector
}

func NewCacheHandler(client Inspector) *CacheHandler {
	return &CacheHandler{client: client}
}

type cacheQuery struct {
	Kind           string `param:"kind" validate:"required,oneof=identity appointment task task_template conversation message"`
	ID             string `query:"id"`
	OwnerID        string `query:"owner_id"`
	Status         string `query:"status"`
	Participant    string `query:"participant"`
	ConversationID string `query:"conversation_id"`
}

func (q cacheQuery) filter() domain.Filter {
	f := domain.Filter{}
	for attr, v := range map[string]string{
		domain.AttrID:             q.ID,
		domain.AttrOwnerID:        q.OwnerID,
		domain.AttrStatus:         q.Status,
		domain.AttrParticipant:    q.Participant,
		domain.AttrConversationID: q.ConversationID,
	} {
		if v != "" {
			f = f.Eq(attr, v)
		}
	}
	return f
}

type cacheResponse struct {
	Kind  domain.Kind     `json:"kind"`
	Stale bool            `json:"stale"`
	Count int             `json:"count"`
	Rows  []domain.Entity `json:"rows"`
}

func bindCacheQuery(c echo.Context) (cacheQuery, error) {
	var q cacheQuery
	b := &echo.DefaultBinder{}
	if err := b.BindPathParams(c, &q); err != nil {
		return q, echo.NewHTTPError(http.StatusBadRequest, "invalid path")
	}
	if err := b.BindQueryParams(c, &q); err != nil {
		return q, echo.NewHTTPError(http.StatusBadRequest, "invalid query")
	}
	if err := c.Validate(&q); err != nil {
		return q, err
	}
	return q, nil
}

// List handles GET /v1/cache/:kind. Query parameters narrow the rows by
// attribute; nothing is fetched from the backend.
func (h *CacheHandler) List(c echo.Context) error {
	q, err := bindCacheQuery(c)
	if err != nil {
		return err
	}
	kind := domain.Kind(q.Kind)
	store := h.client.Cache()
	rows := store.List(kind, q.filter())
	return c.JSON(http.StatusOK, cacheResponse{
		Kind:  kind,
		Stale: store.IsStale(kind),
		Count: len(rows),
		Rows:  rows,
	})
}

// Refresh handles POST /v1/cache/:kind/refresh by forcing one fetch.
func (h *CacheHandler) Refresh(c echo.Context) error {
	q, err := bindCacheQuery(c)
	if err != nil {
		return err
	}
	if err := h.client.Refresh(c.Request().Context(), domain.Kind(q.Kind), q.filter()); err != nil {
		return err
	}
	return h.List(c)
}

type sessionResponse struct {
	Caller string     `json:"caller"`
	Agent  app.Status `json:"agent"`
}

// Session handles GET /v1/session: who is calling and who the agent is
// signed in as.
func (h *CacheHandler) Session(c echo.Context) error {
	p, err := ctxPrincipal(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessionResponse{Caller: p.IdentityID, Agent: h.client.Status()})
}
