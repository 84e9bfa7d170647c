package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider names as recorded on webhook audit rows.
const (
	ProviderMidtrans = "midtrans"
	ProviderXendit   = "xendit"
)

const purchaseOrderPrefix = "PURCHASE-"

// ReconcileOutcome summarizes what a webhook delivery did.
type ReconcileOutcome string

const (
	OutcomeCompleted        ReconcileOutcome = "completed"
	OutcomeFailed           ReconcileOutcome = "failed"
	OutcomeReferenceUpdated ReconcileOutcome = "reference_updated"
	OutcomeIgnored          ReconcileOutcome = "ignored"
)

// MidtransEvent is a verified Midtrans payment notification. Signature
// verification happens at the transport layer before this is built.
type MidtransEvent struct {
	OrderID           string
	TransactionID     string
	TransactionStatus string
	FraudStatus       string
	PaymentType       string
	PayloadJSON       string
}

// XenditEvent is a verified Xendit invoice callback.
type XenditEvent struct {
	InvoiceID   string
	ExternalID  string
	Status      string
	PayloadJSON string
}

// Reconciler maps external provider events onto purchase and legacy
// transaction state transitions. Every handler is idempotent: replaying a
// delivery after the first effective one is a no-op, never an error, because
// providers retry on anything but a success-class response.
type Reconciler struct {
	store     Store
	purchases *PurchaseService
	ledger    *Ledger
	nowFn     func() time.Time
	logger    OperationLogger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger wires a logger that receives callbacks for every event.
func WithReconcilerLogger(logger OperationLogger) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.logger = logger
	}
}

// NewReconciler wires a Reconciler.
func NewReconciler(store Store, purchases *PurchaseService, ledger *Ledger, now func() time.Time, options ...ReconcilerOption) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if purchases == nil {
		return nil, fmt.Errorf("%w: purchase service dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	reconciler := &Reconciler{store: store, purchases: purchases, ledger: ledger, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// HandleMidtrans processes one Midtrans notification. Order ids in the
// PURCHASE-{id}-{timestamp} format belong to the purchase-plan flow; anything
// else falls through to the legacy credit-transaction path.
func (reconciler *Reconciler) HandleMidtrans(ctx context.Context, event MidtransEvent) (ReconcileOutcome, error) {
	audit := reconciler.recordEvent(ctx, WebhookEvent{
		Provider:        ProviderMidtrans,
		ProviderEventID: event.TransactionID + ":" + event.TransactionStatus,
		EventType:       event.TransactionStatus,
		PayloadJSON:     event.PayloadJSON,
		SignatureValid:  true,
	})

	var outcome ReconcileOutcome
	var err error
	if purchaseID, ok := parsePurchaseOrderID(event.OrderID); ok {
		outcome, err = reconciler.reconcilePurchase(ctx, purchaseID, midtransDisposition(event), event.TransactionID)
	} else {
		outcome, err = reconciler.reconcileLegacy(ctx, event)
	}
	reconciler.finishEvent(ctx, audit, outcome, err)
	return outcome, err
}

// HandleXendit processes one Xendit invoice callback. The invoice id the
// provider generated is matched against the stored payment reference, with a
// fallback on the external id we handed to the provider at creation time.
func (reconciler *Reconciler) HandleXendit(ctx context.Context, event XenditEvent) (ReconcileOutcome, error) {
	audit := reconciler.recordEvent(ctx, WebhookEvent{
		Provider:        ProviderXendit,
		ProviderEventID: event.InvoiceID + ":" + event.Status,
		EventType:       event.Status,
		PayloadJSON:     event.PayloadJSON,
		SignatureValid:  true,
	})

	purchaseID, found, err := reconciler.resolveXenditPurchase(ctx, event)
	if err != nil {
		reconciler.finishEvent(ctx, audit, OutcomeIgnored, err)
		return OutcomeIgnored, err
	}
	if !found {
		reconciler.finishEvent(ctx, audit, OutcomeIgnored, nil)
		return OutcomeIgnored, nil
	}

	var outcome ReconcileOutcome
	switch event.Status {
	case "PAID", "SETTLED":
		outcome, err = reconciler.applyTransition(ctx, purchaseID, transitionComplete)
	case "EXPIRED":
		outcome, err = reconciler.applyTransition(ctx, purchaseID, transitionFail)
	default:
		outcome = OutcomeIgnored
	}
	reconciler.finishEvent(ctx, audit, outcome, err)
	return outcome, err
}

type transition int

const (
	transitionNone transition = iota
	transitionComplete
	transitionFail
	transitionReference
)

// midtransDisposition maps the provider's transaction/fraud status pair onto
// an internal transition.
func midtransDisposition(event MidtransEvent) transition {
	switch event.TransactionStatus {
	case "settlement":
		return transitionComplete
	case "capture":
		if event.FraudStatus == "accept" {
			return transitionComplete
		}
		return transitionNone
	case "deny", "cancel", "expire":
		return transitionFail
	case "pending":
		return transitionReference
	default:
		return transitionNone
	}
}

func (reconciler *Reconciler) reconcilePurchase(ctx context.Context, purchaseID string, disposition transition, transactionID string) (ReconcileOutcome, error) {
	switch disposition {
	case transitionComplete:
		return reconciler.applyTransition(ctx, purchaseID, transitionComplete)
	case transitionFail:
		return reconciler.applyTransition(ctx, purchaseID, transitionFail)
	case transitionReference:
		err := reconciler.purchases.UpdateReference(ctx, purchaseID, transactionID)
		if errors.Is(err, ErrPurchaseNotFound) {
			return OutcomeIgnored, nil
		}
		if err != nil {
			return OutcomeIgnored, err
		}
		return OutcomeReferenceUpdated, nil
	default:
		return OutcomeIgnored, nil
	}
}

// applyTransition invokes the shared purchase state machine. A record that is
// absent or already terminal yields an ignored outcome, not an error: the
// provider must still receive a success-class answer.
func (reconciler *Reconciler) applyTransition(ctx context.Context, purchaseID string, disposition transition) (ReconcileOutcome, error) {
	var err error
	outcome := OutcomeIgnored
	switch disposition {
	case transitionComplete:
		err = reconciler.purchases.Complete(ctx, purchaseID)
		outcome = OutcomeCompleted
	case transitionFail:
		err = reconciler.purchases.Fail(ctx, purchaseID)
		outcome = OutcomeFailed
	}
	if errors.Is(err, ErrAlreadyProcessed) || errors.Is(err, ErrPurchaseNotFound) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeIgnored, err
	}
	return outcome, nil
}

func (reconciler *Reconciler) resolveXenditPurchase(ctx context.Context, event XenditEvent) (string, bool, error) {
	record, err := reconciler.store.FindPurchaseByReference(ctx, event.InvoiceID)
	if err == nil {
		return record.PurchaseID, true, nil
	}
	if !errors.Is(err, ErrPurchaseNotFound) {
		return "", false, err
	}
	if event.ExternalID == "" {
		return "", false, nil
	}
	record, err = reconciler.store.GetPurchase(ctx, event.ExternalID)
	if errors.Is(err, ErrPurchaseNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return record.PurchaseID, true, nil
}

// reconcileLegacy drives a pending purchase-type ledger entry matched by the
// provider's order id. When no exact reference matches, the newest pending
// entry whose reference shares the order id's derived prefix is treated as
// authoritative. That prefix match is ambiguous under concurrent top-ups by
// the same user; kept for backward compatibility with in-flight references.
func (reconciler *Reconciler) reconcileLegacy(ctx context.Context, event MidtransEvent) (ReconcileOutcome, error) {
	disposition := midtransDisposition(event)
	if disposition == transitionNone {
		return OutcomeIgnored, nil
	}

	outcome := OutcomeIgnored
	err := reconciler.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		entry, err := txStore.LockPendingEntryByReference(ctx, event.OrderID)
		if errors.Is(err, ErrEntryNotFound) {
			prefix, ok := legacyReferencePrefix(event.OrderID)
			if !ok {
				return nil
			}
			entry, err = txStore.LockNewestPendingEntryByReferencePrefix(ctx, prefix)
			if errors.Is(err, ErrEntryNotFound) {
				return nil
			}
		}
		if err != nil {
			return err
		}

		switch disposition {
		case transitionComplete:
			if _, err := reconciler.ledger.completePendingEntryTx(ctx, txStore, entry); err != nil {
				return err
			}
			outcome = OutcomeCompleted
			reconciler.logLegacy(ctx, operationLegacyComplete, entry)
		case transitionFail:
			if err := txStore.FailPendingEntry(ctx, entry.EntryID); err != nil {
				return err
			}
			outcome = OutcomeFailed
			reconciler.logLegacy(ctx, operationLegacyFail, entry)
		case transitionReference:
			if err := txStore.UpdateEntryReference(ctx, entry.EntryID, event.TransactionID); err != nil {
				return err
			}
			outcome = OutcomeReferenceUpdated
		}
		return nil
	})
	if err != nil {
		return OutcomeIgnored, err
	}
	return outcome, nil
}

// parsePurchaseOrderID extracts the purchase id from PURCHASE-{id}-{timestamp}.
func parsePurchaseOrderID(orderID string) (string, bool) {
	if !strings.HasPrefix(orderID, purchaseOrderPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(orderID, purchaseOrderPrefix)
	cut := strings.LastIndex(rest, "-")
	if cut <= 0 {
		return "", false
	}
	return rest[:cut], true
}

// legacyReferencePrefix strips the trailing timestamp segment so retried
// provider orders still find the internally generated reference.
func legacyReferencePrefix(orderID string) (string, bool) {
	cut := strings.LastIndex(orderID, "-")
	if cut <= 0 {
		return "", false
	}
	return orderID[:cut], true
}

func (reconciler *Reconciler) recordEvent(ctx context.Context, event WebhookEvent) WebhookEvent {
	recorded, _, err := reconciler.store.RecordWebhookEvent(ctx, event)
	if err != nil {
		// The audit trail must never block reconciliation.
		return event
	}
	return recorded
}

func (reconciler *Reconciler) finishEvent(ctx context.Context, audit WebhookEvent, outcome ReconcileOutcome, err error) {
	if audit.EventRowID != "" {
		processingError := ""
		if err != nil {
			processingError = err.Error()
		}
		_ = reconciler.store.MarkWebhookEventProcessed(ctx, audit.EventRowID, processingError)
	}
	logOperation(ctx, reconciler.logger, OperationLog{
		Operation: "webhook_" + audit.Provider,
		Reference: audit.ProviderEventID,
		Status:    string(outcome),
		Error:     err,
	})
}

func (reconciler *Reconciler) logLegacy(ctx context.Context, operation string, entry LedgerEntry) {
	reference := ""
	if entry.PaymentReference != nil {
		reference = *entry.PaymentReference
	}
	logOperation(ctx, reconciler.logger, OperationLog{
		Operation: operation,
		UserID:    entry.UserID,
		EntryType: entry.Type,
		Amount:    entry.Amount,
		Reference: reference,
	})
}
