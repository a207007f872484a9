package domain

import recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"

var (
	ErrItemNotFound              = &recdomain.Error{Kind: recdomain.KindNotFound, Code: "flex_item_not_found", Message: "flex review item not found"}
	ErrSuggestedMatchNotFound    = &recdomain.Error{Kind: recdomain.KindNotFound, Code: "suggested_match_not_found", Message: "no suggested match for this item"}
	ErrItemNotOpen               = &recdomain.Error{Kind: recdomain.KindConflict, Code: "flex_item_not_open", Message: "flex review item is already closed"}
	ErrNotChargeback             = &recdomain.Error{Kind: recdomain.KindConflict, Code: "flex_item_not_chargeback", Message: "only chargeback items can be approved"}
	ErrSuggestedMatchExceedsLine = &recdomain.Error{Kind: recdomain.KindConflict, Code: "suggested_match_exceeds_line", Message: "the line no longer has room for the suggested match"}
	ErrChargebackMustBeApproved  = &recdomain.Error{Kind: recdomain.KindConflict, Code: "chargeback_must_be_approved", Message: "chargeback items must be approved"}
	ErrInvalidResolution         = &recdomain.Error{Kind: recdomain.KindValidation, Code: "invalid_resolution", Message: "status must be RESOLVED or REJECTED"}
	ErrEmptyBatch                = &recdomain.Error{Kind: recdomain.KindValidation, Code: "empty_batch", Message: "at least one item id is required"}
	ErrAssigneeNotPermitted      = &recdomain.Error{Kind: recdomain.KindPermissionDenied, Code: "assignee_not_permitted", Message: "assignee cannot manage reconciliation"}
	ErrDigestInProgress          = &recdomain.Error{Kind: recdomain.KindConflict, Code: "digest_in_progress", Message: "a digest for this tenant is already running"}
)
