package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pelajarin/billing/pkg/billing"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore      = "store"
	errorSubjectBalance      = "balance"
	errorSubjectEntry        = "entry"
	errorSubjectPlan         = "plan"
	errorSubjectPurchase     = "purchase"
	errorSubjectSubscription = "subscription"
	errorSubjectWebhookEvent = "webhook_event"
	errorCodeCreate          = "create"
	errorCodeDelete          = "delete"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeList            = "list"
	errorCodeLock            = "lock"
	errorCodeLookup          = "lookup"
	errorCodeSum             = "sum"
	errorCodeUpdate          = "update"
)

// Store implements billing.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// locked applies SELECT ... FOR UPDATE on dialects that support it. SQLite
// serializes writers at the database level, so the clause is skipped there.
func (store *Store) locked(db *gorm.DB) *gorm.DB {
	if store.db.Dialector.Name() == "postgres" {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func (store *Store) GetOrCreateBalance(ctx context.Context, userID string) (billing.Balance, error) {
	var model Balance
	err := store.db.WithContext(ctx).
		Where(Balance{UserID: userID}).
		FirstOrCreate(&model).Error
	if err != nil {
		return billing.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return mapBalance(model), nil
}

func (store *Store) LockBalance(ctx context.Context, userID string) (billing.Balance, error) {
	var model Balance
	err := store.locked(store.db.WithContext(ctx)).
		Where("user_id = ?", userID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		model = Balance{UserID: userID}
		if createErr := store.db.WithContext(ctx).Create(&model).Error; createErr != nil {
			if !isUniqueViolation(createErr) {
				return billing.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, createErr)
			}
			// Lost the creation race; lock the winner's row.
			err = store.locked(store.db.WithContext(ctx)).
				Where("user_id = ?", userID).
				Take(&model).Error
			if err != nil {
				return billing.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
			}
		}
		return mapBalance(model), nil
	}
	if err != nil {
		return billing.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return mapBalance(model), nil
}

func (store *Store) UpdateBalanceAmount(ctx context.Context, balanceID string, amount billing.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&Balance{}).
		Where("balance_id = ?", balanceID).
		Update("amount", int64(amount))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, billing.ErrInvalidBalance)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry billing.LedgerEntry) (billing.LedgerEntry, error) {
	model := CreditTransaction{
		EntryID:          entry.EntryID,
		UserID:           entry.UserID,
		BalanceID:        entry.BalanceID,
		Type:             string(entry.Type),
		Amount:           int64(entry.Amount),
		BalanceBefore:    int64(entry.BalanceBefore),
		BalanceAfter:     int64(entry.BalanceAfter),
		Description:      entry.Description,
		PaymentStatus:    string(entry.PaymentStatus),
		PaymentMethod:    string(entry.PaymentMethod),
		PaymentReference: entry.PaymentReference,
		SessionID:        entry.SessionID,
		Metadata:         datatypesJSON(entry.MetadataJSON),
		CreatedAt:        entry.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return billing.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return mapEntry(model), nil
}

func (store *Store) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]billing.LedgerEntry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]billing.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapEntry(row))
	}
	return entries, nil
}

func (store *Store) SumCompletedEntries(ctx context.Context, userID string) (billing.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND payment_status = ?", userID, string(billing.PaymentCompleted)).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return billing.Credits(sum.Total), nil
}

func (store *Store) LockPendingEntryByReference(ctx context.Context, reference string) (billing.LedgerEntry, error) {
	var model CreditTransaction
	err := store.locked(store.db.WithContext(ctx)).
		Where("payment_reference = ? AND payment_status = ?", reference, string(billing.PaymentPending)).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.LedgerEntry{}, billing.ErrEntryNotFound
	}
	if err != nil {
		return billing.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeLock, err)
	}
	return mapEntry(model), nil
}

func (store *Store) LockNewestPendingEntryByReferencePrefix(ctx context.Context, prefix string) (billing.LedgerEntry, error) {
	var model CreditTransaction
	err := store.locked(store.db.WithContext(ctx)).
		Where("payment_reference LIKE ? AND payment_status = ?", prefix+"%", string(billing.PaymentPending)).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.LedgerEntry{}, billing.ErrEntryNotFound
	}
	if err != nil {
		return billing.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeLock, err)
	}
	return mapEntry(model), nil
}

func (store *Store) CompletePendingEntry(ctx context.Context, entryID string, balanceBefore, balanceAfter billing.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("entry_id = ? AND payment_status = ?", entryID, string(billing.PaymentPending)).
		Updates(map[string]any{
			"payment_status": string(billing.PaymentCompleted),
			"balance_before": int64(balanceBefore),
			"balance_after":  int64(balanceAfter),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return billing.ErrAlreadyProcessed
	}
	return nil
}

func (store *Store) FailPendingEntry(ctx context.Context, entryID string) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("entry_id = ? AND payment_status = ?", entryID, string(billing.PaymentPending)).
		Update("payment_status", string(billing.PaymentFailed))
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return billing.ErrAlreadyProcessed
	}
	return nil
}

func (store *Store) UpdateEntryReference(ctx context.Context, entryID string, reference string) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("entry_id = ?", entryID).
		Update("payment_reference", reference)
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return billing.ErrEntryNotFound
	}
	return nil
}

func (store *Store) GetPlan(ctx context.Context, planID string) (billing.PricingPlan, error) {
	var model PricingPlan
	err := store.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.PricingPlan{}, billing.ErrPlanNotFound
	}
	if err != nil {
		return billing.PricingPlan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, err)
	}
	return mapPlan(model), nil
}

func (store *Store) ListActivePlans(ctx context.Context) ([]billing.PricingPlan, error) {
	var rows []PricingPlan
	err := store.db.WithContext(ctx).
		Where("active = ?", true).
		Order("price_idr ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPlan, errorCodeList, err)
	}
	plans := make([]billing.PricingPlan, 0, len(rows))
	for _, row := range rows {
		plans = append(plans, mapPlan(row))
	}
	return plans, nil
}

func (store *Store) CreatePurchase(ctx context.Context, record billing.PurchaseRecord) (billing.PurchaseRecord, error) {
	model := PlanPurchase{
		PurchaseID:       record.PurchaseID,
		UserID:           record.UserID,
		PlanID:           record.PlanID,
		BundleType:       string(record.BundleType),
		CreditsGranted:   int64(record.CreditsGranted),
		AmountPaidIDR:    record.AmountPaidIDR,
		PaymentStatus:    string(record.PaymentStatus),
		PaymentMethod:    string(record.PaymentMethod),
		PaymentReference: record.PaymentReference,
		SubscriptionID:   record.SubscriptionID,
		PurchaseDate:     record.PurchaseDate,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return billing.PurchaseRecord{}, wrapStoreError(errorSubjectPurchase, errorCodeCreate, err)
	}
	return mapPurchase(model), nil
}

func (store *Store) DeletePurchase(ctx context.Context, purchaseID string) error {
	err := store.db.WithContext(ctx).
		Where("purchase_id = ?", purchaseID).
		Delete(&PlanPurchase{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeDelete, err)
	}
	return nil
}

func (store *Store) GetPurchase(ctx context.Context, purchaseID string) (billing.PurchaseRecord, error) {
	var model PlanPurchase
	err := store.db.WithContext(ctx).
		Where("purchase_id = ?", purchaseID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.PurchaseRecord{}, billing.ErrPurchaseNotFound
	}
	if err != nil {
		return billing.PurchaseRecord{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	return mapPurchase(model), nil
}

func (store *Store) LockPurchase(ctx context.Context, purchaseID string) (billing.PurchaseRecord, error) {
	var model PlanPurchase
	err := store.locked(store.db.WithContext(ctx)).
		Where("purchase_id = ?", purchaseID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.PurchaseRecord{}, billing.ErrPurchaseNotFound
	}
	if err != nil {
		return billing.PurchaseRecord{}, wrapStoreError(errorSubjectPurchase, errorCodeLock, err)
	}
	return mapPurchase(model), nil
}

func (store *Store) FindPurchaseByReference(ctx context.Context, reference string) (billing.PurchaseRecord, error) {
	var model PlanPurchase
	err := store.db.WithContext(ctx).
		Where("payment_reference = ?", reference).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.PurchaseRecord{}, billing.ErrPurchaseNotFound
	}
	if err != nil {
		return billing.PurchaseRecord{}, wrapStoreError(errorSubjectPurchase, errorCodeLookup, err)
	}
	return mapPurchase(model), nil
}

func (store *Store) UpdatePurchaseStatus(ctx context.Context, purchaseID string, from []billing.PaymentStatus, to billing.PaymentStatus) error {
	fromValues := make([]string, 0, len(from))
	for _, status := range from {
		fromValues = append(fromValues, string(status))
	}
	result := store.db.WithContext(ctx).
		Model(&PlanPurchase{}).
		Where("purchase_id = ? AND payment_status IN ?", purchaseID, fromValues).
		Update("payment_status", string(to))
	if result.Error != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return billing.ErrAlreadyProcessed
	}
	return nil
}

func (store *Store) UpdatePurchaseReference(ctx context.Context, purchaseID string, reference string) error {
	result := store.db.WithContext(ctx).
		Model(&PlanPurchase{}).
		Where("purchase_id = ?", purchaseID).
		Update("payment_reference", reference)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return billing.ErrPurchaseNotFound
	}
	return nil
}

func (store *Store) UpdatePurchaseSubscription(ctx context.Context, purchaseID string, subscriptionID string) error {
	result := store.db.WithContext(ctx).
		Model(&PlanPurchase{}).
		Where("purchase_id = ?", purchaseID).
		Update("subscription_id", subscriptionID)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return billing.ErrPurchaseNotFound
	}
	return nil
}

func (store *Store) CreateSubscription(ctx context.Context, window billing.SubscriptionWindow) (billing.SubscriptionWindow, error) {
	model := Subscription{
		SubscriptionID: window.SubscriptionID,
		UserID:         window.UserID,
		StartDate:      window.StartDate,
		EndDate:        window.EndDate,
		Status:         string(window.Status),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return billing.SubscriptionWindow{}, wrapStoreError(errorSubjectSubscription, errorCodeCreate, err)
	}
	return mapSubscription(model), nil
}

func (store *Store) GetSubscription(ctx context.Context, subscriptionID string) (billing.SubscriptionWindow, error) {
	var model Subscription
	err := store.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.SubscriptionWindow{}, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return billing.SubscriptionWindow{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, err)
	}
	return mapSubscription(model), nil
}

func (store *Store) FindActiveSubscription(ctx context.Context, userID string, now time.Time) (billing.SubscriptionWindow, bool, error) {
	var model Subscription
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND end_date > ?", userID, string(billing.SubscriptionActive), now).
		Order("end_date DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.SubscriptionWindow{}, false, nil
	}
	if err != nil {
		return billing.SubscriptionWindow{}, false, wrapStoreError(errorSubjectSubscription, errorCodeLookup, err)
	}
	return mapSubscription(model), true, nil
}

func (store *Store) UpdateSubscriptionStatus(ctx context.Context, subscriptionID string, from, to billing.SubscriptionStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("subscription_id = ? AND status = ?", subscriptionID, string(from)).
		Update("status", string(to))
	if result.Error != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, result.Error)
	}
	// Zero rows means the transition already happened elsewhere; the guarded
	// update keeps that a no-op.
	return nil
}

func (store *Store) ActivateSubscriptionWindow(ctx context.Context, subscriptionID string, start, end time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("subscription_id = ? AND status = ?", subscriptionID, string(billing.SubscriptionNotActive)).
		Updates(map[string]any{
			"start_date": start,
			"end_date":   end,
			"status":     string(billing.SubscriptionActive),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, result.Error)
	}
	return nil
}

func (store *Store) RecordWebhookEvent(ctx context.Context, event billing.WebhookEvent) (billing.WebhookEvent, bool, error) {
	model := WebhookEvent{
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.EventType,
		Payload:         datatypesJSON(event.PayloadJSON),
		SignatureValid:  event.SignatureValid,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		var existing WebhookEvent
		lookupErr := store.db.WithContext(ctx).
			Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
			Take(&existing).Error
		if lookupErr != nil {
			return billing.WebhookEvent{}, true, wrapStoreError(errorSubjectWebhookEvent, errorCodeLookup, lookupErr)
		}
		return mapWebhookEvent(existing), true, nil
	}
	if err != nil {
		return billing.WebhookEvent{}, false, wrapStoreError(errorSubjectWebhookEvent, errorCodeInsert, err)
	}
	return mapWebhookEvent(model), false, nil
}

func (store *Store) MarkWebhookEventProcessed(ctx context.Context, eventRowID string, processingError string) error {
	now := time.Now().UTC()
	result := store.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_row_id = ?", eventRowID).
		Updates(map[string]any{
			"processed_at":     &now,
			"processing_error": processingError,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWebhookEvent, errorCodeUpdate, result.Error)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapBalance(model Balance) billing.Balance {
	return billing.Balance{
		BalanceID: model.BalanceID,
		UserID:    model.UserID,
		Amount:    billing.Credits(model.Amount),
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
}

func mapEntry(model CreditTransaction) billing.LedgerEntry {
	return billing.LedgerEntry{
		EntryID:          model.EntryID,
		UserID:           model.UserID,
		BalanceID:        model.BalanceID,
		Type:             billing.EntryType(model.Type),
		Amount:           billing.Credits(model.Amount),
		BalanceBefore:    billing.Credits(model.BalanceBefore),
		BalanceAfter:     billing.Credits(model.BalanceAfter),
		Description:      model.Description,
		PaymentStatus:    billing.PaymentStatus(model.PaymentStatus),
		PaymentMethod:    billing.PaymentMethod(model.PaymentMethod),
		PaymentReference: model.PaymentReference,
		SessionID:        model.SessionID,
		MetadataJSON:     string(model.Metadata),
		CreatedAt:        model.CreatedAt,
	}
}

func mapPurchase(model PlanPurchase) billing.PurchaseRecord {
	return billing.PurchaseRecord{
		PurchaseID:       model.PurchaseID,
		UserID:           model.UserID,
		PlanID:           model.PlanID,
		BundleType:       billing.BundleType(model.BundleType),
		CreditsGranted:   billing.Credits(model.CreditsGranted),
		AmountPaidIDR:    model.AmountPaidIDR,
		PaymentStatus:    billing.PaymentStatus(model.PaymentStatus),
		PaymentMethod:    billing.PaymentMethod(model.PaymentMethod),
		PaymentReference: model.PaymentReference,
		SubscriptionID:   model.SubscriptionID,
		PurchaseDate:     model.PurchaseDate,
		CreatedAt:        model.CreatedAt,
		UpdatedAt:        model.UpdatedAt,
	}
}

func mapSubscription(model Subscription) billing.SubscriptionWindow {
	return billing.SubscriptionWindow{
		SubscriptionID: model.SubscriptionID,
		UserID:         model.UserID,
		StartDate:      model.StartDate,
		EndDate:        model.EndDate,
		Status:         billing.SubscriptionStatus(model.Status),
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
	}
}

func mapPlan(model PricingPlan) billing.PricingPlan {
	return billing.PricingPlan{
		PlanID:          model.PlanID,
		Name:            model.Name,
		BundleType:      billing.BundleType(model.BundleType),
		PriceIDR:        model.PriceIDR,
		DiscountPercent: model.DiscountPercent,
		CreditsGranted:  billing.Credits(model.CreditsGranted),
		DurationDays:    model.DurationDays,
		Active:          model.Active,
	}
}

func mapWebhookEvent(model WebhookEvent) billing.WebhookEvent {
	return billing.WebhookEvent{
		EventRowID:      model.EventRowID,
		Provider:        model.Provider,
		ProviderEventID: model.ProviderEventID,
		EventType:       model.EventType,
		PayloadJSON:     string(model.Payload),
		SignatureValid:  model.SignatureValid,
		ProcessingError: model.ProcessingError,
		ProcessedAt:     model.ProcessedAt,
		CreatedAt:       model.CreatedAt,
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
