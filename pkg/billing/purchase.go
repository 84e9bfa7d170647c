package billing

import (
	"context"
	"fmt"
	"time"
)

// InvoiceRequest is the outbound ask for a provider-hosted payment page.
type InvoiceRequest struct {
	PurchaseID string
	UserID     string
	PlanName   string
	AmountIDR  int64
}

// ProviderInvoice is the provider's answer: the external reference used by
// later webhooks and the URL the client is redirected to.
type ProviderInvoice struct {
	Reference  string
	PaymentURL string
	ExpiresAt  *time.Time
}

// InvoiceCreator creates an invoice/order at an external payment provider.
// Implementations live in internal/provider.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, request InvoiceRequest) (ProviderInvoice, error)
}

// PurchaseService owns the purchase state machine:
// pending -> waiting_approval -> completed | failed.
// Webhook reconcilers and the admin approval path both land on Complete/Fail,
// so the grant/activation logic exists exactly once.
type PurchaseService struct {
	store          Store
	ledger         *Ledger
	invoicers      map[PaymentMethod]InvoiceCreator
	invoiceTimeout time.Duration
	nowFn          func() time.Time
	logger         OperationLogger
}

// PurchaseOption configures a PurchaseService.
type PurchaseOption func(*PurchaseService)

// WithInvoiceCreator registers the provider client used for a payment method.
func WithInvoiceCreator(method PaymentMethod, creator InvoiceCreator) PurchaseOption {
	return func(service *PurchaseService) {
		service.invoicers[method] = creator
	}
}

// WithInvoiceTimeout bounds the outbound invoice-creation call.
func WithInvoiceTimeout(timeout time.Duration) PurchaseOption {
	return func(service *PurchaseService) {
		service.invoiceTimeout = timeout
	}
}

// WithPurchaseLogger wires a logger that receives callbacks for every transition.
func WithPurchaseLogger(logger OperationLogger) PurchaseOption {
	return func(service *PurchaseService) {
		service.logger = logger
	}
}

// NewPurchaseService wires a PurchaseService.
func NewPurchaseService(store Store, ledger *Ledger, now func() time.Time, options ...PurchaseOption) (*PurchaseService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &PurchaseService{
		store:          store,
		ledger:         ledger,
		invoicers:      map[PaymentMethod]InvoiceCreator{},
		invoiceTimeout: 15 * time.Second,
		nowFn:          now,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Create validates the plan, records a pending purchase (plus a not_active
// subscription placeholder for subscription-bearing bundles) and requests the
// provider invoice. A failed provider call compensates by deleting the
// just-created record instead of leaving it dangling in pending.
func (service *PurchaseService) Create(ctx context.Context, userID string, planID string, method PaymentMethod) (PurchaseRecord, *ProviderInvoice, error) {
	if userID == "" {
		return PurchaseRecord{}, nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	plan, err := service.store.GetPlan(ctx, planID)
	if err != nil {
		return PurchaseRecord{}, nil, err
	}
	if !plan.Active {
		return PurchaseRecord{}, nil, ErrPlanInactive
	}

	now := service.nowFn().UTC()
	var record PurchaseRecord
	err = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		record = PurchaseRecord{
			UserID:         userID,
			PlanID:         plan.PlanID,
			BundleType:     plan.BundleType,
			CreditsGranted: plan.CreditsGranted,
			AmountPaidIDR:  plan.FinalPriceIDR(),
			PaymentStatus:  PaymentPending,
			PaymentMethod:  method,
			PurchaseDate:   now,
		}
		var createErr error
		record, createErr = txStore.CreatePurchase(ctx, record)
		if createErr != nil {
			return createErr
		}
		if !plan.BundleType.Subscription() {
			return nil
		}
		window, createErr := txStore.CreateSubscription(ctx, SubscriptionWindow{
			UserID:    userID,
			StartDate: now,
			EndDate:   now,
			Status:    SubscriptionNotActive,
		})
		if createErr != nil {
			return createErr
		}
		record.SubscriptionID = &window.SubscriptionID
		return txStore.UpdatePurchaseSubscription(ctx, record.PurchaseID, window.SubscriptionID)
	})
	if err != nil {
		return PurchaseRecord{}, nil, err
	}

	creator, providerBacked := service.invoicers[method]
	if !providerBacked {
		service.logCreate(ctx, record, nil)
		return record, nil, nil
	}

	invoiceCtx, cancel := context.WithTimeout(ctx, service.invoiceTimeout)
	defer cancel()
	invoice, invoiceErr := creator.CreateInvoice(invoiceCtx, InvoiceRequest{
		PurchaseID: record.PurchaseID,
		UserID:     userID,
		PlanName:   plan.Name,
		AmountIDR:  record.AmountPaidIDR,
	})
	if invoiceErr != nil {
		compensateErr := service.compensateCreate(ctx, record)
		wrapped := fmt.Errorf("%w: %v", ErrUpstreamProvider, invoiceErr)
		if compensateErr != nil {
			wrapped = fmt.Errorf("%w (compensation failed: %v)", wrapped, compensateErr)
		}
		service.logCreate(ctx, record, wrapped)
		return PurchaseRecord{}, nil, wrapped
	}

	if err := service.store.UpdatePurchaseReference(ctx, record.PurchaseID, invoice.Reference); err != nil {
		return PurchaseRecord{}, nil, err
	}
	record.PaymentReference = &invoice.Reference
	service.logCreate(ctx, record, nil)
	return record, &invoice, nil
}

func (service *PurchaseService) compensateCreate(ctx context.Context, record PurchaseRecord) error {
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if record.SubscriptionID != nil {
			if err := txStore.UpdateSubscriptionStatus(ctx, *record.SubscriptionID, SubscriptionNotActive, SubscriptionExpired); err != nil {
				return err
			}
		}
		return txStore.DeletePurchase(ctx, record.PurchaseID)
	})
}

// SubmitManualEvidence moves a manual-method purchase to waiting_approval
// once the buyer has submitted proof of payment.
func (service *PurchaseService) SubmitManualEvidence(ctx context.Context, purchaseID string, userID string) error {
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		record, err := txStore.LockPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if record.UserID != userID {
			return ErrPurchaseNotFound
		}
		if record.PaymentStatus != PaymentPending {
			return ErrAlreadyProcessed
		}
		return txStore.UpdatePurchaseStatus(ctx, purchaseID, []PaymentStatus{PaymentPending}, PaymentWaitingApproval)
	})
}

// Complete drives pending|waiting_approval -> completed. The status guard is
// re-checked against the locked row inside the same transaction that grants
// credits and activates the subscription, closing the check/act race between
// concurrent webhook deliveries.
func (service *PurchaseService) Complete(ctx context.Context, purchaseID string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		record, err := txStore.LockPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if record.PaymentStatus != PaymentPending && record.PaymentStatus != PaymentWaitingApproval {
			return ErrAlreadyProcessed
		}
		if err := txStore.UpdatePurchaseStatus(ctx, purchaseID, []PaymentStatus{PaymentPending, PaymentWaitingApproval}, PaymentCompleted); err != nil {
			return err
		}
		plan, err := txStore.GetPlan(ctx, record.PlanID)
		if err != nil {
			return err
		}
		if record.CreditsGranted > 0 {
			entryType := EntryPurchase
			if plan.BundleType == BundleSubscription {
				entryType = EntrySubscriptionBonus
			}
			_, err = service.ledger.applyTx(ctx, txStore, ApplyInput{
				UserID:           record.UserID,
				Type:             entryType,
				Amount:           record.CreditsGranted,
				Description:      fmt.Sprintf("Plan purchase: %s", plan.Name),
				PaymentMethod:    record.PaymentMethod,
				PaymentReference: record.PaymentReference,
			})
			if err != nil {
				return err
			}
		}
		if plan.BundleType.Subscription() {
			return service.activateTx(ctx, txStore, record, plan)
		}
		return nil
	})
	logOperation(ctx, service.logger, OperationLog{
		Operation:  operationPurchaseConfirm,
		PurchaseID: purchaseID,
		Error:      operationError,
	})
	return operationError
}

// activateTx flips the placeholder window to active, chaining the start date
// off an existing future-dated active window so stacked renewals extend
// rather than overlap. A purchase without a placeholder (legacy rows) gets a
// fresh window.
func (service *PurchaseService) activateTx(ctx context.Context, txStore Store, record PurchaseRecord, plan PricingPlan) error {
	now := service.nowFn().UTC()
	start := now
	existing, found, err := txStore.FindActiveSubscription(ctx, record.UserID, now)
	if err != nil {
		return err
	}
	if found && existing.EndDate.After(now) {
		start = existing.EndDate
	}
	end := start.AddDate(0, 0, plan.DurationDays)

	if record.SubscriptionID != nil {
		window, err := txStore.GetSubscription(ctx, *record.SubscriptionID)
		if err != nil {
			return err
		}
		if window.Status != SubscriptionNotActive {
			// Another flow already activated this window.
			return nil
		}
		return txStore.ActivateSubscriptionWindow(ctx, window.SubscriptionID, start, end)
	}

	_, err = txStore.CreateSubscription(ctx, SubscriptionWindow{
		UserID:    record.UserID,
		StartDate: start,
		EndDate:   end,
		Status:    SubscriptionActive,
	})
	return err
}

// Fail drives pending|waiting_approval -> failed. The placeholder window, if
// any, expires. No ledger entry is written for failures.
func (service *PurchaseService) Fail(ctx context.Context, purchaseID string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		record, err := txStore.LockPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if record.PaymentStatus != PaymentPending && record.PaymentStatus != PaymentWaitingApproval {
			return ErrAlreadyProcessed
		}
		if err := txStore.UpdatePurchaseStatus(ctx, purchaseID, []PaymentStatus{PaymentPending, PaymentWaitingApproval}, PaymentFailed); err != nil {
			return err
		}
		if record.SubscriptionID != nil {
			return txStore.UpdateSubscriptionStatus(ctx, *record.SubscriptionID, SubscriptionNotActive, SubscriptionExpired)
		}
		return nil
	})
	logOperation(ctx, service.logger, OperationLog{
		Operation:  operationPurchaseFail,
		PurchaseID: purchaseID,
		Error:      operationError,
	})
	return operationError
}

// Get returns one purchase record.
func (service *PurchaseService) Get(ctx context.Context, purchaseID string) (PurchaseRecord, error) {
	return service.store.GetPurchase(ctx, purchaseID)
}

// ListPlans returns the purchasable catalog.
func (service *PurchaseService) ListPlans(ctx context.Context) ([]PricingPlan, error) {
	return service.store.ListActivePlans(ctx)
}

// UpdateReference stores a provider identifier learned after creation
// (transitional webhook statuses report it before any state change).
func (service *PurchaseService) UpdateReference(ctx context.Context, purchaseID string, reference string) error {
	return service.store.UpdatePurchaseReference(ctx, purchaseID, reference)
}

func (service *PurchaseService) logCreate(ctx context.Context, record PurchaseRecord, err error) {
	reference := ""
	if record.PaymentReference != nil {
		reference = *record.PaymentReference
	}
	logOperation(ctx, service.logger, OperationLog{
		Operation:  operationPurchaseCreate,
		UserID:     record.UserID,
		PurchaseID: record.PurchaseID,
		Amount:     record.CreditsGranted,
		Reference:  reference,
		Error:      err,
	})
}
