package ledger

import (
	"errors"
	"fmt"
)

// Errors surfaced to callers of the payment and reward operations.
var (
	ErrInvalidIdentifier       = errors.New("invalid identifier")
	ErrUsernameNotFound        = errors.New("username not found")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrRateLimitExceeded       = errors.New("rate limit exceeded")
	ErrPaymentNetwork          = errors.New("payment network error")
	ErrUnbalancedTransaction   = errors.New("unbalanced transaction")
	ErrSelfPayment             = errors.New("cannot pay yourself")
	ErrAccountNotFound         = errors.New("account not found")
	ErrInvalidInvoice          = errors.New("invalid invoice")
	ErrUnknownReward           = errors.New("unknown reward")
	ErrPaymentAlreadyInitiated = errors.New("payment already initiated")
)

// Domain-level errors raised by the ledger engine and its stores.
var (
	ErrInvalidTransaction          = errors.New("invalid transaction")
	ErrCurrencyMismatch            = errors.New("currency mismatch")
	ErrAccountNotLocked            = errors.New("account not locked by session")
	ErrAccountExists               = errors.New("account already exists")
	ErrRewardAlreadyGranted        = errors.New("reward already granted")
	ErrPendingPaymentExists        = errors.New("pending payment already exists")
	ErrUnknownPendingPayment       = errors.New("unknown pending payment")
	ErrPendingPaymentClosed        = errors.New("pending payment already resolved")
	ErrInvalidAccountID            = errors.New("invalid account id")
	ErrInvalidUserID               = errors.New("invalid user id")
	ErrInvalidTransactionID        = errors.New("invalid transaction id")
	ErrInvalidEntryID              = errors.New("invalid entry id")
	ErrInvalidEntryType            = errors.New("invalid entry type")
	ErrInvalidRewardID             = errors.New("invalid reward id")
	ErrInvalidPaymentReference     = errors.New("invalid payment reference")
	ErrInvalidPendingPaymentStatus = errors.New("invalid pending payment status")
	ErrInvalidCurrency             = errors.New("invalid currency")
	ErrInvalidMemo                 = errors.New("invalid memo")
	ErrInvalidMetadataJSON         = errors.New("invalid metadata json")
	ErrInvalidListLimit            = errors.New("invalid list limit")
	ErrInvalidServiceConfig        = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// ErrorDescription is the caller-facing form of an error.
type ErrorDescription struct {
	Code    string
	Message string
}

var errorDescriptions = []struct {
	target      error
	description ErrorDescription
}{
	{ErrInvalidIdentifier, ErrorDescription{Code: "invalid_identifier", Message: "The wallet id or username is not valid."}},
	{ErrUsernameNotFound, ErrorDescription{Code: "username_not_found", Message: "No wallet is registered under that username."}},
	{ErrAccountNotFound, ErrorDescription{Code: "account_not_found", Message: "The wallet does not exist."}},
	{ErrInvalidAmount, ErrorDescription{Code: "invalid_amount", Message: "Amount must be a positive whole number of sats."}},
	{ErrInsufficientFunds, ErrorDescription{Code: "insufficient_funds", Message: "Balance is too low for this payment."}},
	{ErrRateLimitExceeded, ErrorDescription{Code: "rate_limit_exceeded", Message: "Too many attempts, try again later."}},
	{ErrSelfPayment, ErrorDescription{Code: "self_payment", Message: "You cannot pay yourself."}},
	{ErrInvalidInvoice, ErrorDescription{Code: "invalid_invoice", Message: "The Lightning invoice is malformed or expired."}},
	{ErrInvalidMemo, ErrorDescription{Code: "invalid_memo", Message: "The memo is too long."}},
	{ErrUnknownReward, ErrorDescription{Code: "unknown_reward", Message: "The reward does not exist."}},
	{ErrPaymentAlreadyInitiated, ErrorDescription{Code: "payment_already_initiated", Message: "This invoice is already being paid."}},
	{ErrPaymentNetwork, ErrorDescription{Code: "payment_network", Message: "The Lightning network rejected or could not route the payment."}},
	{ErrUnbalancedTransaction, ErrorDescription{Code: "internal", Message: "Internal ledger error, no funds were moved."}},
}

// Describe maps an error to a stable code and a message safe to show users.
func Describe(err error) ErrorDescription {
	for _, candidate := range errorDescriptions {
		if errors.Is(err, candidate.target) {
			return candidate.description
		}
	}
	return ErrorDescription{Code: "internal", Message: "Internal error, no funds were moved."}
}
