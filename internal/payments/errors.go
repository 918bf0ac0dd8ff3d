package payments

import (
	"errors"

	"payment-switch/internal/models"
)

var (
	// ErrValidation rejects malformed requests before anything is created.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is shared with the stores so lookups can be matched with errors.Is.
	ErrNotFound         = models.ErrNotFound
	ErrAuthorization    = errors.New("user cannot perform this transaction")
	ErrRefundNotAllowed = errors.New("refund not allowed")
	// ErrTransient marks plugin and rail faults that the job queue retries.
	ErrTransient = errors.New("transient processing failure")
)
