package billing

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the billing services.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidEntryType     = errors.New("invalid entry type")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrPlanNotFound         = errors.New("pricing plan not found")
	ErrPlanInactive         = errors.New("pricing plan inactive")
	ErrPurchaseNotFound     = errors.New("purchase not found")
	ErrEntryNotFound        = errors.New("ledger entry not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAlreadyProcessed     = errors.New("already processed")
	ErrUpstreamProvider     = errors.New("upstream provider error")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrInvalidBalance       = errors.New("invalid balance")
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
