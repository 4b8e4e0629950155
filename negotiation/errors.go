package negotiation

import (
	"net/http"

	"tradeflow/apperror"
)

var (
	ErrNotFound  = apperror.New(http.StatusNotFound, "NEGOTIATION_NOT_FOUND", "negotiation not found")
	ErrForbidden = apperror.New(http.StatusForbidden, "NEGOTIATION_FORBIDDEN", "not a participant in this negotiation")
	ErrExpired   = apperror.New(http.StatusConflict, "NEGOTIATION_EXPIRED", "negotiation has expired")

	ErrInvalidState   = apperror.New(http.StatusConflict, "NEGOTIATION_INVALID_STATE", "action is not allowed in the current negotiation status")
	ErrSelfAcceptance = apperror.New(http.StatusForbidden, "NEGOTIATION_SELF_ACCEPTANCE", "you cannot accept your own offer")
	ErrNoOffer        = apperror.New(http.StatusConflict, "NEGOTIATION_NO_OFFER", "there is no offer to accept")
	ErrSelfDealing    = apperror.New(http.StatusBadRequest, "NEGOTIATION_SELF_DEALING", "buyer and seller must be different users")
	ErrAdminOnly      = apperror.New(http.StatusForbidden, "NEGOTIATION_ADMIN_ONLY", "action requires an administrator")

	ErrListingNotFound = apperror.New(http.StatusNotFound, "LISTING_NOT_FOUND", "listing not found")
	ErrListingClosed   = apperror.New(http.StatusConflict, "LISTING_NOT_OPEN", "listing is not open for negotiation")

	ErrHoldExceedsFunds = apperror.New(http.StatusBadRequest, "DISPUTE_HOLD_EXCEEDS_FUNDS", "hold amount exceeds available escrow funds")

	// ErrSnapshotMissing means the negotiation vanished inside its own
	// transaction. It is a defect, never a user error.
	ErrSnapshotMissing = apperror.New(http.StatusInternalServerError, "SNAPSHOT_MISSING", "negotiation snapshot could not be loaded")
)
