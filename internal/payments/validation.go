package payments

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"payment-switch/internal/models"
	"payment-switch/internal/plugin"
)

func (o *Orchestrator) validatePayment(req PaymentRequest) error {
	if err := o.validateAmount(req.Amount); err != nil {
		return err
	}
	if err := o.validateCurrency(req.Currency); err != nil {
		return err
	}
	switch req.Type {
	case "", models.TxnPayment, models.TxnTransfer:
	default:
		return fmt.Errorf("%w: unsupported transaction type %q", ErrValidation, req.Type)
	}
	if req.UserID == "" && req.Email == "" && req.Phone == "" {
		return fmt.Errorf("%w: user identification required (userId, userEmail or userPhone)", ErrValidation)
	}
	return nil
}

func (o *Orchestrator) validateAmount(amount float64) error {
	switch {
	case amount <= 0:
		return fmt.Errorf("%w: invalid amount", ErrValidation)
	case amount < o.settings.MinAmount:
		return fmt.Errorf("%w: amount below minimum %v", ErrValidation, o.settings.MinAmount)
	case amount > o.settings.MaxAmount:
		return fmt.Errorf("%w: amount above maximum %v", ErrValidation, o.settings.MaxAmount)
	}
	return nil
}

func (o *Orchestrator) validateCurrency(currency string) error {
	if currency == "" {
		return fmt.Errorf("%w: currency is required", ErrValidation)
	}
	if !slices.Contains(o.settings.SupportedCurrencies, currency) {
		return fmt.Errorf("%w: unsupported currency %s", ErrValidation, currency)
	}
	return nil
}

func validateOffline(operation string, req OfflineRequest) error {
	if !plugin.ValidTokenOperation(operation) {
		return fmt.Errorf("%w: invalid offline payment operation %q", ErrValidation, operation)
	}
	switch operation {
	case plugin.OpGenerateToken:
		if req.Amount <= 0 {
			return fmt.Errorf("%w: amount is required to generate a token", ErrValidation)
		}
		if req.UserID == "" && req.Email == "" && req.Phone == "" {
			return fmt.Errorf("%w: user identification required to generate a token", ErrValidation)
		}
	default:
		if req.Token == "" {
			return fmt.Errorf("%w: token is required for %s", ErrValidation, operation)
		}
	}
	return nil
}

// resolveUser tries id, then email, then phone. The first match wins.
func (o *Orchestrator) resolveUser(ctx context.Context, id, email, phone string) (models.User, error) {
	lookups := []struct {
		key  string
		find func(context.Context, string) (models.User, error)
	}{
		{id, o.users.FindUserByID},
		{email, o.users.FindUserByEmail},
		{phone, o.users.FindUserByPhone},
	}
	for _, l := range lookups {
		if l.key == "" {
			continue
		}
		u, err := l.find(ctx, l.key)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return models.User{}, fmt.Errorf("resolve user: %w", err)
		}
	}
	return models.User{}, fmt.Errorf("user: %w", ErrNotFound)
}
