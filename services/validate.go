// services/validate.go
package services

import (
	"github.com/go-playground/validator/v10"
)

// Shared validator instance for request structs across all services.
var validate = validator.New()
