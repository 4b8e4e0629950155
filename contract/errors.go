package contract

import (
	"errors"
	"net/http"

	"tradeflow/apperror"
)

var (
	ErrContractNotFound = apperror.New(http.StatusNotFound, "CONTRACT_NOT_FOUND", "contract not found")
	ErrRevisionNotFound = apperror.New(http.StatusNotFound, "CONTRACT_REVISION_NOT_FOUND", "contract revision not found")
	ErrCommentNotFound  = apperror.New(http.StatusNotFound, "CONTRACT_COMMENT_NOT_FOUND", "revision comment not found")

	ErrAlreadySigned          = apperror.New(http.StatusConflict, "CONTRACT_ALREADY_SIGNED", "contract is already signed")
	ErrRoleAlreadySigned      = apperror.New(http.StatusConflict, "CONTRACT_ROLE_ALREADY_SIGNED", "this party has already signed")
	ErrCommentAlreadyResolved = apperror.New(http.StatusConflict, "CONTRACT_COMMENT_ALREADY_RESOLVED", "comment is already resolved")

	ErrEsignFailed = apperror.New(http.StatusInternalServerError, "ESIGN_FAILED", "e-signature provider call failed")

	// ErrVersionConflict signals a concurrent revision took the next version.
	ErrVersionConflict = errors.New("contract: revision version conflict")
)
