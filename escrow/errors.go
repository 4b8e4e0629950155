package escrow

import (
	"errors"
	"net/http"

	"tradeflow/apperror"
)

var (
	ErrFundFailed         = apperror.New(http.StatusInternalServerError, "ESCROW_FUND_FAILED", "escrow funding failed")
	ErrReleaseFailed      = apperror.New(http.StatusInternalServerError, "ESCROW_RELEASE_FAILED", "escrow release failed")
	ErrRefundFailed       = apperror.New(http.StatusInternalServerError, "ESCROW_REFUND_FAILED", "escrow refund failed")
	ErrAccountSetupFailed = apperror.New(http.StatusInternalServerError, "ESCROW_ACCOUNT_SETUP_FAILED", "escrow account setup failed")

	ErrReleaseExceedsFunds = apperror.New(http.StatusBadRequest, "ESCROW_RELEASE_EXCEEDS_FUNDS", "release amount exceeds available escrow funds")
	ErrRefundExceedsFunds  = apperror.New(http.StatusBadRequest, "ESCROW_REFUND_EXCEEDS_FUNDS", "refund amount exceeds available escrow funds")
	ErrInvalidAmount       = apperror.New(http.StatusBadRequest, "ESCROW_INVALID_AMOUNT", "amount must be greater than zero in whole cents")

	ErrProviderReferenceMissing = apperror.New(http.StatusConflict, "ESCROW_PROVIDER_REFERENCE_MISSING", "escrow account has no provider reference")
	ErrAccountClosed            = apperror.New(http.StatusConflict, "ESCROW_ACCOUNT_CLOSED", "escrow account is closed")
	ErrAccountDisputed          = apperror.New(http.StatusConflict, "ESCROW_ACCOUNT_DISPUTED", "escrow account is under dispute")
	ErrAccountNotFound          = apperror.New(http.StatusNotFound, "ESCROW_ACCOUNT_NOT_FOUND", "escrow account not found")

	// ErrDuplicateReference signals the (account, reference) unique guard fired.
	ErrDuplicateReference = errors.New("escrow: duplicate transaction reference")
)
