package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures for callers and transports.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindNoHealthyRoute     Kind = "NO_HEALTHY_ROUTE"
	KindBankDeclined       Kind = "BANK_DECLINED"
	KindTimeout            Kind = "TIMEOUT"
	KindReversalFailure    Kind = "REVERSAL_FAILURE"
	KindSettlementMismatch Kind = "SETTLEMENT_MISMATCH"
	KindConflict           Kind = "CONFLICT"
	KindNotFound           Kind = "NOT_FOUND"
	KindInternal           Kind = "INTERNAL"
)

var (
	ErrInvalidSignature    = &Error{Kind: KindValidation, Code: "INVALID_SIGNATURE", Message: "signature verification failed"}
	ErrIdempotencyMismatch = &Error{Kind: KindValidation, Code: "IDEMPOTENCY_MISMATCH", Message: "dedupe key reused with a different request"}
	ErrUnknownVPA          = &Error{Kind: KindValidation, Code: "UNKNOWN_VPA", Message: "vpa is not registered"}
	ErrUnknownBank         = &Error{Kind: KindValidation, Code: "UNKNOWN_BANK", Message: "bank is not registered"}
	ErrNoHealthyRoute      = &Error{Kind: KindNoHealthyRoute, Code: CodeNoHealthyRoute, Message: "no healthy route"}
	ErrNotFound            = &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: "not found"}
	ErrVersionConflict     = &Error{Kind: KindConflict, Code: "VERSION_CONFLICT", Message: "stale version"}
	ErrDuplicateDedupeKey  = &Error{Kind: KindConflict, Code: "DUPLICATE_DEDUPE_KEY", Message: "dedupe key already used"}
	ErrInvalidTransition   = &Error{Kind: KindInternal, Code: "INVALID_TRANSITION", Message: "transition not allowed"}
	ErrBatchNotClosed      = &Error{Kind: KindConflict, Code: "BATCH_NOT_CLOSED", Message: "batch is not accepting reports"}
	ErrSettlementBusy      = &Error{Kind: KindConflict, Code: "SETTLEMENT_BUSY", Message: "settlement window is being formed elsewhere"}
	ErrWindowOpen          = &Error{Kind: KindValidation, Code: "WINDOW_OPEN", Message: "settlement window has not ended"}
)

// Error is the switch error type. Is matches on Kind and Code so wrapped
// copies carrying a transaction ID still satisfy errors.Is against sentinels.
type Error struct {
	Kind          Kind
	Code          string
	Message       string
	TransactionID string
	Err           error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.TransactionID != "" {
		msg = fmt.Sprintf("%s (transaction %s)", msg, e.TransactionID)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// WithTransaction returns a copy of e bound to a transaction ID.
func (e *Error) WithTransaction(id string) *Error {
	c := *e
	c.TransactionID = id
	return &c
}

// Validation builds a validation error with a custom message.
func Validation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// KindOf extracts the Kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
