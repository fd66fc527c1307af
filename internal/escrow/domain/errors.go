package domain

import "errors"

var (
	ErrNotFound              = errors.New("escrow_not_found")
	ErrTaskNotFound          = errors.New("task_not_found")
	ErrBidNotFound           = errors.New("bid_not_found")
	ErrConflict              = errors.New("escrow_conflict")
	ErrStaleTaskState        = errors.New("stale_task_state")
	ErrInvalidTransition     = errors.New("invalid_escrow_transition")
	ErrPaymentNotVerified    = errors.New("payment_not_verified")
	ErrAmountMismatch        = errors.New("escrow_amount_mismatch")
	ErrSubmissionNotApproved = errors.New("submission_not_approved")
	ErrNotTaskCreator        = errors.New("not_task_creator")
	ErrReleaseInProgress     = errors.New("release_in_progress")
	ErrInvalidRequest        = errors.New("invalid_escrow_request")
)
