package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceAlert asks for one email to Email once the product price is at or
// below TargetPrice. It is removed after that notification attempt.
type PriceAlert struct {
	ID          uuid.UUID       `json:"id"`
	ProductID   uuid.UUID       `json:"product_id"`
	UserID      *uuid.UUID      `json:"user_id,omitempty"`
	Email       string          `json:"email"`
	TargetPrice decimal.Decimal `json:"target_price"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Triggered reports whether price has reached the alert's target.
func (a *PriceAlert) Triggered(price decimal.Decimal) bool {
	return a.TargetPrice.GreaterThanOrEqual(price)
}
