package billing

import (
	"context"
	"fmt"
	"time"
)

// Ledger is the only component allowed to change a balance. Every mutation
// writes the new balance and a matching ledger entry in one transaction.
type Ledger struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
}

// LedgerOption configures a Ledger instance.
type LedgerOption func(*Ledger)

// WithLedgerLogger wires a logger that receives callbacks for every operation.
func WithLedgerLogger(logger OperationLogger) LedgerOption {
	return func(ledger *Ledger) {
		ledger.logger = logger
	}
}

// NewLedger wires a Ledger.
func NewLedger(store Store, now func() time.Time, options ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	ledger := &Ledger{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(ledger)
		}
	}
	return ledger, nil
}

// ApplyInput describes one balance mutation.
type ApplyInput struct {
	UserID           string
	Type             EntryType
	Amount           Credits
	Description      string
	SessionID        *string
	PaymentMethod    PaymentMethod
	PaymentReference *string
	MetadataJSON     string
}

// ApplyResult carries the written entry and the balance after it.
type ApplyResult struct {
	Entry      LedgerEntry
	NewBalance Credits
}

// Balance returns the user's current balance, creating it at zero on first access.
func (ledger *Ledger) Balance(ctx context.Context, userID string) (Credits, error) {
	balance, err := ledger.store.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return balance.Amount, nil
}

// Apply serializes one mutation against the user's balance. Deductions are
// rejected with ErrInsufficientFunds rather than driving the balance negative.
func (ledger *Ledger) Apply(ctx context.Context, input ApplyInput) (ApplyResult, error) {
	var result ApplyResult
	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		var err error
		result, err = ledger.applyTx(ctx, txStore, input)
		return err
	})
	logOperation(ctx, ledger.logger, OperationLog{
		Operation: operationName(input.Type),
		UserID:    input.UserID,
		EntryType: input.Type,
		Amount:    input.Amount,
		Error:     operationError,
	})
	if operationError != nil {
		return ApplyResult{}, operationError
	}
	return result, nil
}

// applyTx performs the mutation against an already-open transaction so the
// purchase state machine can fold a grant into its own atomic transition.
func (ledger *Ledger) applyTx(ctx context.Context, txStore Store, input ApplyInput) (ApplyResult, error) {
	if input.UserID == "" {
		return ApplyResult{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if input.Amount <= 0 {
		return ApplyResult{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}

	balance, err := txStore.LockBalance(ctx, input.UserID)
	if err != nil {
		return ApplyResult{}, err
	}

	var signed Credits
	switch input.Type {
	case EntryDeduction:
		if balance.Amount < input.Amount {
			return ApplyResult{}, ErrInsufficientFunds
		}
		signed = -input.Amount
	case EntryPurchase, EntryBonus, EntrySubscriptionBonus:
		signed = input.Amount
	default:
		return ApplyResult{}, fmt.Errorf("%w: %q", ErrInvalidEntryType, input.Type)
	}

	balanceAfter := balance.Amount + signed
	if balanceAfter < 0 {
		return ApplyResult{}, WrapError("ledger", "balance", "negative_after", ErrInvalidBalance)
	}
	if err := txStore.UpdateBalanceAmount(ctx, balance.BalanceID, balanceAfter); err != nil {
		return ApplyResult{}, err
	}

	method := input.PaymentMethod
	if method == "" {
		method = MethodInternal
	}
	entry, err := txStore.InsertEntry(ctx, LedgerEntry{
		UserID:           input.UserID,
		BalanceID:        balance.BalanceID,
		Type:             input.Type,
		Amount:           signed,
		BalanceBefore:    balance.Amount,
		BalanceAfter:     balanceAfter,
		Description:      input.Description,
		PaymentStatus:    PaymentCompleted,
		PaymentMethod:    method,
		PaymentReference: input.PaymentReference,
		SessionID:        input.SessionID,
		MetadataJSON:     input.MetadataJSON,
		CreatedAt:        ledger.nowFn().UTC(),
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{Entry: entry, NewBalance: balanceAfter}, nil
}

// CreatePendingTopup records a purchase-type entry awaiting external
// confirmation. The balance is untouched until a reconciler completes it.
func (ledger *Ledger) CreatePendingTopup(ctx context.Context, userID string, amount Credits, method PaymentMethod, reference string, description string) (LedgerEntry, error) {
	if userID == "" {
		return LedgerEntry{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if amount <= 0 {
		return LedgerEntry{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	var created LedgerEntry
	err := ledger.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		balance, err := txStore.GetOrCreateBalance(ctx, userID)
		if err != nil {
			return err
		}
		created, err = txStore.InsertEntry(ctx, LedgerEntry{
			UserID:           userID,
			BalanceID:        balance.BalanceID,
			Type:             EntryPurchase,
			Amount:           amount,
			Description:      description,
			PaymentStatus:    PaymentPending,
			PaymentMethod:    method,
			PaymentReference: &reference,
			CreatedAt:        ledger.nowFn().UTC(),
		})
		return err
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	return created, nil
}

// completePendingEntryTx flips a pending entry to completed and credits the
// balance, recording the before/after snapshot as of completion time.
func (ledger *Ledger) completePendingEntryTx(ctx context.Context, txStore Store, entry LedgerEntry) (Credits, error) {
	balance, err := txStore.LockBalance(ctx, entry.UserID)
	if err != nil {
		return 0, err
	}
	balanceAfter := balance.Amount + entry.Amount
	if balanceAfter < 0 {
		return 0, WrapError("ledger", "balance", "negative_after", ErrInvalidBalance)
	}
	if err := txStore.CompletePendingEntry(ctx, entry.EntryID, balance.Amount, balanceAfter); err != nil {
		return 0, err
	}
	if err := txStore.UpdateBalanceAmount(ctx, balance.BalanceID, balanceAfter); err != nil {
		return 0, err
	}
	return balanceAfter, nil
}

// ListEntries lists ledger entries for a user before a cutoff time.
func (ledger *Ledger) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	return ledger.store.ListEntries(ctx, userID, beforeUnixUTC, limit)
}

func operationName(entryType EntryType) string {
	switch entryType {
	case EntryDeduction:
		return operationDeduct
	case EntryBonus:
		return operationBonus
	default:
		return operationGrant
	}
}
