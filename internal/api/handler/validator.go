package handler

import (
	"github.com/practicehub/syncstore/internal/core/validation"
)

// echoValidator lets Echo call c.Validate(req) with the same field messages
// the use-case services produce.
type echoValidator struct{}

// NewValidator returns an echoValidator ready to be assigned to echo.Echo.Validator.
func NewValidator() *echoValidator {
	return &echoValidator{}
}

// Validate satisfies the echo.Validator interface.
func (echoValidator) Validate(i any) error {
	return validation.Struct(i)
}
