package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Balance represents the balances table: one current-balance row per user.
type Balance struct {
	BalanceID string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex"`
	Amount    int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Balance) TableName() string { return "balances" }

func (balance *Balance) BeforeCreate(tx *gorm.DB) error {
	if balance.BalanceID == "" {
		balance.BalanceID = uuid.NewString()
	}
	return nil
}

// CreditTransaction mirrors the credit_transactions table (ledger entries).
type CreditTransaction struct {
	EntryID          string         `gorm:"type:uuid;primaryKey"`
	UserID           string         `gorm:"not null;index:idx_credit_tx_user_created,priority:1"`
	BalanceID        string         `gorm:"type:uuid;not null"`
	Type             string         `gorm:"not null"`
	Amount           int64          `gorm:"not null"`
	BalanceBefore    int64          `gorm:"not null"`
	BalanceAfter     int64          `gorm:"not null"`
	Description      string         `gorm:""`
	PaymentStatus    string         `gorm:"not null;index"`
	PaymentMethod    string         `gorm:"not null"`
	PaymentReference *string        `gorm:"index"`
	SessionID        *string        `gorm:""`
	Metadata         datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_credit_tx_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (entry *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// PlanPurchase mirrors the plan_purchases table (checkout attempts).
type PlanPurchase struct {
	PurchaseID       string    `gorm:"type:uuid;primaryKey"`
	UserID           string    `gorm:"not null;index"`
	PlanID           string    `gorm:"type:uuid;not null"`
	BundleType       string    `gorm:"not null"`
	CreditsGranted   int64     `gorm:"not null"`
	AmountPaidIDR    int64     `gorm:"not null"`
	PaymentStatus    string    `gorm:"not null;index"`
	PaymentMethod    string    `gorm:"not null"`
	PaymentReference *string   `gorm:"index"`
	SubscriptionID   *string   `gorm:"type:uuid"`
	PurchaseDate     time.Time `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (PlanPurchase) TableName() string { return "plan_purchases" }

func (purchase *PlanPurchase) BeforeCreate(tx *gorm.DB) error {
	if purchase.PurchaseID == "" {
		purchase.PurchaseID = uuid.NewString()
	}
	return nil
}

// Subscription mirrors the subscriptions table (subscription windows).
type Subscription struct {
	SubscriptionID string    `gorm:"type:uuid;primaryKey"`
	UserID         string    `gorm:"not null;index:idx_subscriptions_user_status,priority:1"`
	StartDate      time.Time `gorm:"not null"`
	EndDate        time.Time `gorm:"not null"`
	Status         string    `gorm:"not null;index:idx_subscriptions_user_status,priority:2"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

func (subscription *Subscription) BeforeCreate(tx *gorm.DB) error {
	if subscription.SubscriptionID == "" {
		subscription.SubscriptionID = uuid.NewString()
	}
	return nil
}

// PricingPlan mirrors the pricing_plans catalog table.
type PricingPlan struct {
	PlanID          string    `gorm:"type:uuid;primaryKey"`
	Name            string    `gorm:"not null"`
	BundleType      string    `gorm:"not null"`
	PriceIDR        int64     `gorm:"column:price_idr;not null"`
	DiscountPercent int64     `gorm:"not null;default:0"`
	CreditsGranted  int64     `gorm:"not null;default:0"`
	DurationDays    int       `gorm:"not null;default:0"`
	Active          bool      `gorm:"not null;default:true;index"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (PricingPlan) TableName() string { return "pricing_plans" }

func (plan *PricingPlan) BeforeCreate(tx *gorm.DB) error {
	if plan.PlanID == "" {
		plan.PlanID = uuid.NewString()
	}
	return nil
}

// WebhookEvent mirrors the webhook_events audit table. The provider/event-id
// pair is unique so replays surface as duplicates instead of new rows.
type WebhookEvent struct {
	EventRowID      string         `gorm:"type:uuid;primaryKey"`
	Provider        string         `gorm:"not null;index:uniq_webhook_provider_event,unique,priority:1"`
	ProviderEventID string         `gorm:"not null;index:uniq_webhook_provider_event,unique,priority:2"`
	EventType       string         `gorm:"not null"`
	Payload         datatypes.JSON `gorm:"type:jsonb"`
	SignatureValid  bool           `gorm:"not null;default:false"`
	ProcessingError string         `gorm:""`
	ProcessedAt     *time.Time     `gorm:""`
	CreatedAt       time.Time      `gorm:"not null;index"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

func (event *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventRowID == "" {
		event.EventRowID = uuid.NewString()
	}
	return nil
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&Balance{},
		&CreditTransaction{},
		&PlanPurchase{},
		&Subscription{},
		&PricingPlan{},
		&WebhookEvent{},
	}
}
