package billing

import (
	"context"
	"time"
)

// Credits is a whole-credit amount. Ledger entries store it signed,
// balances are always non-negative.
type Credits int64

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryPurchase          EntryType = "purchase"
	EntryDeduction         EntryType = "deduction"
	EntryBonus             EntryType = "bonus"
	EntrySubscriptionBonus EntryType = "subscription_bonus"
)

// PaymentStatus is the lifecycle of a ledger entry or purchase record.
// waiting_approval applies to purchases with a manual payment method only.
type PaymentStatus string

const (
	PaymentPending         PaymentStatus = "pending"
	PaymentWaitingApproval PaymentStatus = "waiting_approval"
	PaymentCompleted       PaymentStatus = "completed"
	PaymentFailed          PaymentStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (status PaymentStatus) Terminal() bool {
	return status == PaymentCompleted || status == PaymentFailed
}

// PaymentMethod names how a purchase is paid for.
type PaymentMethod string

const (
	MethodMidtrans      PaymentMethod = "midtrans"
	MethodXenditInvoice PaymentMethod = "xendit_invoice"
	MethodManual        PaymentMethod = "manual_transfer"
	MethodInternal      PaymentMethod = "internal"
)

// BundleType states what a pricing plan grants.
type BundleType string

const (
	BundleCredits      BundleType = "credits"
	BundleSubscription BundleType = "subscription"
	BundleHybrid       BundleType = "hybrid"
)

// Subscription reports whether the bundle carries a subscription period.
func (bundle BundleType) Subscription() bool {
	return bundle == BundleSubscription || bundle == BundleHybrid
}

// SubscriptionStatus is the lifecycle of a subscription window.
type SubscriptionStatus string

const (
	SubscriptionNotActive SubscriptionStatus = "not_active"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Balance is the single current-balance record for a user.
type Balance struct {
	BalanceID string
	UserID    string
	Amount    Credits
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntry is one immutable line in the credit ledger. For completed
// entries BalanceAfter == BalanceBefore + Amount holds by construction.
type LedgerEntry struct {
	EntryID          string
	UserID           string
	BalanceID        string
	Type             EntryType
	Amount           Credits
	BalanceBefore    Credits
	BalanceAfter     Credits
	Description      string
	PaymentStatus    PaymentStatus
	PaymentMethod    PaymentMethod
	PaymentReference *string
	SessionID        *string
	MetadataJSON     string
	CreatedAt        time.Time
}

// PricingPlan is a read-only catalog row a purchase is made against.
type PricingPlan struct {
	PlanID          string
	Name            string
	BundleType      BundleType
	PriceIDR        int64
	DiscountPercent int64
	CreditsGranted  Credits
	DurationDays    int
	Active          bool
}

// FinalPriceIDR applies the plan discount to the list price.
func (plan PricingPlan) FinalPriceIDR() int64 {
	if plan.DiscountPercent <= 0 {
		return plan.PriceIDR
	}
	return plan.PriceIDR - plan.PriceIDR*plan.DiscountPercent/100
}

// PurchaseRecord tracks one checkout attempt against a pricing plan.
type PurchaseRecord struct {
	PurchaseID       string
	UserID           string
	PlanID           string
	BundleType       BundleType
	CreditsGranted   Credits
	AmountPaidIDR    int64
	PaymentStatus    PaymentStatus
	PaymentMethod    PaymentMethod
	PaymentReference *string
	SubscriptionID   *string
	PurchaseDate     time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SubscriptionWindow is one subscription period for a user.
type SubscriptionWindow struct {
	SubscriptionID string
	UserID         string
	StartDate      time.Time
	EndDate        time.Time
	Status         SubscriptionStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WebhookEvent is the audit row written for every inbound provider event.
type WebhookEvent struct {
	EventRowID      string
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
	ProcessingError string
	ProcessedAt     *time.Time
	CreatedAt       time.Time
}

// Store is the persistence contract shared by the billing services.
// Implementations must make WithTx run fn inside a single serializable
// transaction and hand it a Store bound to that transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateBalance(ctx context.Context, userID string) (Balance, error)
	LockBalance(ctx context.Context, userID string) (Balance, error)
	UpdateBalanceAmount(ctx context.Context, balanceID string, amount Credits) error

	InsertEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
	ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error)
	SumCompletedEntries(ctx context.Context, userID string) (Credits, error)
	LockPendingEntryByReference(ctx context.Context, reference string) (LedgerEntry, error)
	LockNewestPendingEntryByReferencePrefix(ctx context.Context, prefix string) (LedgerEntry, error)
	CompletePendingEntry(ctx context.Context, entryID string, balanceBefore, balanceAfter Credits) error
	FailPendingEntry(ctx context.Context, entryID string) error
	UpdateEntryReference(ctx context.Context, entryID string, reference string) error

	GetPlan(ctx context.Context, planID string) (PricingPlan, error)
	ListActivePlans(ctx context.Context) ([]PricingPlan, error)

	CreatePurchase(ctx context.Context, record PurchaseRecord) (PurchaseRecord, error)
	DeletePurchase(ctx context.Context, purchaseID string) error
	GetPurchase(ctx context.Context, purchaseID string) (PurchaseRecord, error)
	LockPurchase(ctx context.Context, purchaseID string) (PurchaseRecord, error)
	// FindPurchaseByReference returns the newest purchase carrying the
	// provider reference, regardless of status.
	FindPurchaseByReference(ctx context.Context, reference string) (PurchaseRecord, error)
	// UpdatePurchaseStatus applies the transition only when the current status
	// is one of from, returning ErrAlreadyProcessed when no row matched.
	UpdatePurchaseStatus(ctx context.Context, purchaseID string, from []PaymentStatus, to PaymentStatus) error
	UpdatePurchaseReference(ctx context.Context, purchaseID string, reference string) error
	UpdatePurchaseSubscription(ctx context.Context, purchaseID string, subscriptionID string) error

	CreateSubscription(ctx context.Context, window SubscriptionWindow) (SubscriptionWindow, error)
	GetSubscription(ctx context.Context, subscriptionID string) (SubscriptionWindow, error)
	FindActiveSubscription(ctx context.Context, userID string, now time.Time) (SubscriptionWindow, bool, error)
	// UpdateSubscriptionStatus is a guarded transition; a window no longer in
	// the from status is left alone and no error is returned.
	UpdateSubscriptionStatus(ctx context.Context, subscriptionID string, from, to SubscriptionStatus) error
	ActivateSubscriptionWindow(ctx context.Context, subscriptionID string, start, end time.Time) error

	RecordWebhookEvent(ctx context.Context, event WebhookEvent) (WebhookEvent, bool, error)
	MarkWebhookEventProcessed(ctx context.Context, eventRowID string, processingError string) error
}
