package models

import "time"

type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserClosed    UserStatus = "closed"
)

// BalanceOp is the direction of a wallet balance change.
type BalanceOp string

const (
	BalanceAdd      BalanceOp = "add"
	BalanceSubtract BalanceOp = "subtract"
)

// User is a wallet holder able to initiate transactions.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	Name          string     `json:"name,omitempty"`
	Status        UserStatus `json:"status"`
	WalletBalance float64    `json:"wallet_balance"`
	DailyLimit    float64    `json:"daily_limit"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CanTransact reports whether the user may move amount right now.
func (u User) CanTransact(amount float64) bool {
	return u.Status == UserActive && amount <= u.DailyLimit && amount <= u.WalletBalance
}

// ApplyBalance returns the balance after op, or ErrInsufficientFunds.
func (u User) ApplyBalance(amount float64, op BalanceOp) (float64, error) {
	switch op {
	case BalanceAdd:
		return RoundAmount(u.WalletBalance + amount), nil
	case BalanceSubtract:
		if amount > u.WalletBalance {
			return u.WalletBalance, ErrInsufficientFunds
		}
		return RoundAmount(u.WalletBalance - amount), nil
	}
	return u.WalletBalance, ErrInsufficientFunds
}
