package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable classification callers map to transport status codes.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindNotFound         ErrorKind = "not_found"
	KindConflict         ErrorKind = "conflict"
	KindPermissionDenied ErrorKind = "permission_denied"
)

// Error is returned by every reconciliation operation that fails for a
// business reason. errors.Is matches on Kind against the kind sentinels and
// on Kind+Code against named errors.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	if other.Kind != e.Kind {
		return false
	}
	return other.Code == "" || other.Code == e.Code
}

func newError(kind ErrorKind, code, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Validation(code, format string, args ...any) error {
	return newError(KindValidation, code, format, args...)
}

func Conflict(code, format string, args ...any) error {
	return newError(KindConflict, code, format, args...)
}

func PermissionDenied(code, format string, args ...any) error {
	return newError(KindPermissionDenied, code, format, args...)
}

// KindOf returns the kind of a reconciliation error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Kind sentinels. They match any error of the same kind.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
)

var (
	ErrInvalidTenant         = &Error{Kind: KindValidation, Code: "invalid_tenant", Message: "tenant is required"}
	ErrEmptySelection        = &Error{Kind: KindValidation, Code: "empty_selection", Message: "at least one line and one schedule are required"}
	ErrMatchTypeMismatch     = &Error{Kind: KindValidation, Code: "match_type_mismatch", Message: "match type does not fit the selection"}
	ErrAllocationOutOfRange  = &Error{Kind: KindValidation, Code: "allocation_out_of_range", Message: "allocation exceeds remaining capacity"}
	ErrAllocationOutsidePair = &Error{Kind: KindValidation, Code: "allocation_outside_selection", Message: "allocation references a pair outside the selection"}
	ErrLineIgnored           = &Error{Kind: KindValidation, Code: "line_ignored", Message: "ignored lines cannot be matched"}
	ErrMixedDeposits         = &Error{Kind: KindValidation, Code: "mixed_deposits", Message: "all lines must belong to one deposit"}
	ErrInvalidSettings       = &Error{Kind: KindValidation, Code: "invalid_settings"}

	ErrDepositNotFound    = &Error{Kind: KindNotFound, Code: "deposit_not_found", Message: "deposit not found"}
	ErrLineNotFound       = &Error{Kind: KindNotFound, Code: "line_not_found", Message: "deposit line item not found"}
	ErrScheduleNotFound   = &Error{Kind: KindNotFound, Code: "schedule_not_found", Message: "revenue schedule not found"}
	ErrMatchGroupNotFound = &Error{Kind: KindNotFound, Code: "match_group_not_found", Message: "match group not found"}

	ErrLineReconciled      = &Error{Kind: KindConflict, Code: "line_reconciled", Message: "line item is reconciled"}
	ErrMatchReconciled     = &Error{Kind: KindConflict, Code: "match_reconciled", Message: "match is reconciled"}
	ErrDepositFinalized    = &Error{Kind: KindConflict, Code: "deposit_finalized", Message: "deposit is already finalized"}
	ErrDepositNotFinalized = &Error{Kind: KindConflict, Code: "deposit_not_finalized", Message: "deposit is already in review"}
	ErrDepositHasOpenLines = &Error{Kind: KindConflict, Code: "deposit_has_open_lines", Message: "deposit has unmatched lines"}
	ErrDepositLocked       = &Error{Kind: KindConflict, Code: "deposit_locked", Message: "reconciled or completed deposits cannot be deleted"}
	ErrMatchGroupNotActive = &Error{Kind: KindConflict, Code: "match_group_not_active", Message: "match group is already undone"}
)
