package listing

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusPaused Status = "PAUSED"
	StatusClosed Status = "CLOSED"
)

// Listing is the subset of marketplace listing data a negotiation needs.
type Listing struct {
	ID        string
	SellerID  string
	Title     string
	Currency  string
	UnitPrice decimal.Decimal
	Quantity  *decimal.Decimal
	Status    Status
	CreatedAt time.Time
}
