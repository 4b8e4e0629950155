package negotiation

import (
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/auth"
	"tradeflow/contract"
	"tradeflow/dispute"
	"tradeflow/escrow"
	"tradeflow/money"
)

// Negotiation mirrors the negotiations table.
type Negotiation struct {
	ID             string           `json:"id"`
	ListingID      string           `json:"listingId"`
	BuyerID        string           `json:"buyerId"`
	SellerID       string           `json:"sellerId"`
	Status         Status           `json:"status"`
	Currency       string           `json:"currency"`
	AgreedPrice    *decimal.Decimal `json:"agreedPrice,omitempty"`
	AgreedQuantity *decimal.Decimal `json:"agreedQuantity,omitempty"`
	ExpiresAt      *time.Time       `json:"expiresAt,omitempty"`
	Notes          string           `json:"notes"`
	PremiumTier    string           `json:"premiumTier"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Participant reports whether userID is the buyer or the seller.
func (n Negotiation) Participant(userID string) bool {
	return userID != "" && (userID == n.BuyerID || userID == n.SellerID)
}

// RoleOf returns the signing role of userID.
func (n Negotiation) RoleOf(userID string) (contract.Role, bool) {
	switch userID {
	case n.BuyerID:
		return contract.RoleBuyer, true
	case n.SellerID:
		return contract.RoleSeller, true
	}
	return "", false
}

// Signers maps signing roles to user ids.
func (n Negotiation) Signers() map[contract.Role]string {
	return map[contract.Role]string{
		contract.RoleBuyer:  n.BuyerID,
		contract.RoleSeller: n.SellerID,
	}
}

// ExpectedAmount is the agreed total, or zero before agreement.
func (n Negotiation) ExpectedAmount() decimal.Decimal {
	if n.AgreedPrice == nil {
		return decimal.Zero
	}
	return money.Total(*n.AgreedPrice, n.AgreedQuantity)
}

func (n Negotiation) expiredAt(now time.Time) bool {
	return !n.Status.Terminal() && n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}

// authorize applies the buyer/seller/admin access rule.
func authorize(n Negotiation, actor auth.Actor) error {
	if actor.IsAdmin || n.Participant(actor.UserID) {
		return nil
	}
	return ErrForbidden
}

type OfferType string

const (
	OfferInitial OfferType = "INITIAL"
	OfferCounter OfferType = "COUNTER"
	OfferFinal   OfferType = "FINAL"
)

// Offer is immutable once written; the newest one is the "last offer".
type Offer struct {
	ID            string           `json:"id"`
	NegotiationID string           `json:"negotiationId"`
	SenderID      string           `json:"senderId"`
	Price         decimal.Decimal  `json:"price"`
	Quantity      *decimal.Decimal `json:"quantity,omitempty"`
	Message       string           `json:"message"`
	Type          OfferType        `json:"type"`
	CreatedAt     time.Time        `json:"createdAt"`
}

type HistoryEntry struct {
	Status    Status    `json:"status"`
	Note      string    `json:"note"`
	ActorID   *string   `json:"actorId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type FulfilmentOrder struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	Carrier           string     `json:"carrier"`
	TrackingReference string     `json:"trackingReference"`
	ScheduledFor      *time.Time `json:"scheduledFor,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// Snapshot is the full read model returned by every action.
type Snapshot struct {
	Negotiation
	Offers           []Offer            `json:"offers"`
	StatusHistory    []HistoryEntry     `json:"statusHistory"`
	EscrowAccount    *escrow.Account    `json:"escrowAccount"`
	Contract         *contract.Contract `json:"contract"`
	Disputes         []dispute.Record   `json:"disputes"`
	FulfilmentOrders []FulfilmentOrder  `json:"fulfilmentOrders"`
}

// Result is what an action hands back to the transport.
type Result struct {
	Negotiation Snapshot `json:"negotiation"`
	Message     string   `json:"message"`
}

// ListFilter scopes List.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}
