package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/practicehub/syncstore/internal/core/ports"
)

// PrincipalKey is the context key the Auth middleware stores the verified
// principal under.
const PrincipalKey = "principal"

// ctxPrincipal returns the principal injected by the Auth middleware. Its
// absence means the route was mounted without authentication.
func ctxPrincipal(c echo.Context) (*ports.Principal, error) {
	p, _ := c.Get(PrincipalKey).(*ports.Principal)
	if p == nil || p.IdentityID == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "missing authentication claims")
	}
	return p, nil
}
