package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// stubState is the shared in-memory backing for stubStore. WithTx holds the
// mutex for the whole transaction and restores a snapshot on error, which
// models the serializable rollback semantics the real store provides.
type stubState struct {
	mu            sync.Mutex
	balances      map[string]Balance // keyed by balance id
	entries       []LedgerEntry
	plans         map[string]PricingPlan
	purchases     map[string]PurchaseRecord
	subscriptions map[string]SubscriptionWindow
	webhookEvents map[string]WebhookEvent // keyed by provider:event id
	seq           int

	failInsertEntry bool
}

type stubStore struct {
	state *stubState
	inTx  bool
}

func newStubStore() *stubStore {
	return &stubStore{state: &stubState{
		balances:      map[string]Balance{},
		plans:         map[string]PricingPlan{},
		purchases:     map[string]PurchaseRecord{},
		subscriptions: map[string]SubscriptionWindow{},
		webhookEvents: map[string]WebhookEvent{},
	}}
}

func (store *stubStore) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.state.mu.Lock()
	return store.state.mu.Unlock
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.state.mu.Lock()
	defer store.state.mu.Unlock()
	snapshot := store.state.snapshot()
	err := fn(ctx, &stubStore{state: store.state, inTx: true})
	if err != nil {
		store.state.restore(snapshot)
	}
	return err
}

type stateSnapshot struct {
	balances      map[string]Balance
	entries       []LedgerEntry
	purchases     map[string]PurchaseRecord
	subscriptions map[string]SubscriptionWindow
	webhookEvents map[string]WebhookEvent
	seq           int
}

func (state *stubState) snapshot() stateSnapshot {
	return stateSnapshot{
		balances:      copyMap(state.balances),
		entries:       append([]LedgerEntry(nil), state.entries...),
		purchases:     copyMap(state.purchases),
		subscriptions: copyMap(state.subscriptions),
		webhookEvents: copyMap(state.webhookEvents),
		seq:           state.seq,
	}
}

func (state *stubState) restore(snapshot stateSnapshot) {
	state.balances = snapshot.balances
	state.entries = snapshot.entries
	state.purchases = snapshot.purchases
	state.subscriptions = snapshot.subscriptions
	state.webhookEvents = snapshot.webhookEvents
	state.seq = snapshot.seq
}

func copyMap[V any](source map[string]V) map[string]V {
	out := make(map[string]V, len(source))
	for key, value := range source {
		out[key] = value
	}
	return out
}

func (store *stubStore) nextID(prefix string) string {
	store.state.seq++
	return fmt.Sprintf("%s-%d", prefix, store.state.seq)
}

func (store *stubStore) GetOrCreateBalance(ctx context.Context, userID string) (Balance, error) {
	defer store.lock()()
	return store.getOrCreateBalanceLocked(userID), nil
}

func (store *stubStore) LockBalance(ctx context.Context, userID string) (Balance, error) {
	defer store.lock()()
	return store.getOrCreateBalanceLocked(userID), nil
}

func (store *stubStore) getOrCreateBalanceLocked(userID string) Balance {
	for _, balance := range store.state.balances {
		if balance.UserID == userID {
			return balance
		}
	}
	balance := Balance{BalanceID: store.nextID("bal"), UserID: userID}
	store.state.balances[balance.BalanceID] = balance
	return balance
}

func (store *stubStore) UpdateBalanceAmount(ctx context.Context, balanceID string, amount Credits) error {
	defer store.lock()()
	balance, ok := store.state.balances[balanceID]
	if !ok {
		return ErrInvalidBalance
	}
	balance.Amount = amount
	store.state.balances[balanceID] = balance
	return nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	defer store.lock()()
	if store.state.failInsertEntry {
		return LedgerEntry{}, errors.New("injected insert failure")
	}
	entry.EntryID = store.nextID("entry")
	store.state.entries = append(store.state.entries, entry)
	return entry, nil
}

func (store *stubStore) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	defer store.lock()()
	var out []LedgerEntry
	for _, entry := range store.state.entries {
		if entry.UserID == userID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (store *stubStore) SumCompletedEntries(ctx context.Context, userID string) (Credits, error) {
	defer store.lock()()
	var total Credits
	for _, entry := range store.state.entries {
		if entry.UserID == userID && entry.PaymentStatus == PaymentCompleted {
			total += entry.Amount
		}
	}
	return total, nil
}

func (store *stubStore) LockPendingEntryByReference(ctx context.Context, reference string) (LedgerEntry, error) {
	defer store.lock()()
	return store.newestPendingEntryLocked(func(entry LedgerEntry) bool {
		return entry.PaymentReference != nil && *entry.PaymentReference == reference
	})
}

func (store *stubStore) LockNewestPendingEntryByReferencePrefix(ctx context.Context, prefix string) (LedgerEntry, error) {
	defer store.lock()()
	return store.newestPendingEntryLocked(func(entry LedgerEntry) bool {
		return entry.PaymentReference != nil && strings.HasPrefix(*entry.PaymentReference, prefix)
	})
}

func (store *stubStore) newestPendingEntryLocked(match func(LedgerEntry) bool) (LedgerEntry, error) {
	var found *LedgerEntry
	for index := range store.state.entries {
		entry := store.state.entries[index]
		if entry.PaymentStatus != PaymentPending || !match(entry) {
			continue
		}
		if found == nil || entry.CreatedAt.After(found.CreatedAt) {
			found = &store.state.entries[index]
		}
	}
	if found == nil {
		return LedgerEntry{}, ErrEntryNotFound
	}
	return *found, nil
}

func (store *stubStore) CompletePendingEntry(ctx context.Context, entryID string, balanceBefore, balanceAfter Credits) error {
	defer store.lock()()
	for index := range store.state.entries {
		if store.state.entries[index].EntryID != entryID {
			continue
		}
		if store.state.entries[index].PaymentStatus != PaymentPending {
			return ErrAlreadyProcessed
		}
		store.state.entries[index].PaymentStatus = PaymentCompleted
		store.state.entries[index].BalanceBefore = balanceBefore
		store.state.entries[index].BalanceAfter = balanceAfter
		return nil
	}
	return ErrEntryNotFound
}

func (store *stubStore) FailPendingEntry(ctx context.Context, entryID string) error {
	defer store.lock()()
	for index := range store.state.entries {
		if store.state.entries[index].EntryID != entryID {
			continue
		}
		if store.state.entries[index].PaymentStatus != PaymentPending {
			return ErrAlreadyProcessed
		}
		store.state.entries[index].PaymentStatus = PaymentFailed
		return nil
	}
	return ErrEntryNotFound
}

func (store *stubStore) UpdateEntryReference(ctx context.Context, entryID string, reference string) error {
	defer store.lock()()
	for index := range store.state.entries {
		if store.state.entries[index].EntryID == entryID {
			store.state.entries[index].PaymentReference = &reference
			return nil
		}
	}
	return ErrEntryNotFound
}

func (store *stubStore) GetPlan(ctx context.Context, planID string) (PricingPlan, error) {
	defer store.lock()()
	plan, ok := store.state.plans[planID]
	if !ok {
		return PricingPlan{}, ErrPlanNotFound
	}
	return plan, nil
}

func (store *stubStore) ListActivePlans(ctx context.Context) ([]PricingPlan, error) {
	defer store.lock()()
	var out []PricingPlan
	for _, plan := range store.state.plans {
		if plan.Active {
			out = append(out, plan)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceIDR < out[j].PriceIDR })
	return out, nil
}

func (store *stubStore) CreatePurchase(ctx context.Context, record PurchaseRecord) (PurchaseRecord, error) {
	defer store.lock()()
	record.PurchaseID = store.nextID("purchase")
	store.state.purchases[record.PurchaseID] = record
	return record, nil
}

func (store *stubStore) DeletePurchase(ctx context.Context, purchaseID string) error {
	defer store.lock()()
	delete(store.state.purchases, purchaseID)
	return nil
}

func (store *stubStore) GetPurchase(ctx context.Context, purchaseID string) (PurchaseRecord, error) {
	defer store.lock()()
	record, ok := store.state.purchases[purchaseID]
	if !ok {
		return PurchaseRecord{}, ErrPurchaseNotFound
	}
	return record, nil
}

func (store *stubStore) LockPurchase(ctx context.Context, purchaseID string) (PurchaseRecord, error) {
	return store.GetPurchase(ctx, purchaseID)
}

func (store *stubStore) FindPurchaseByReference(ctx context.Context, reference string) (PurchaseRecord, error) {
	defer store.lock()()
	var found *PurchaseRecord
	for id := range store.state.purchases {
		record := store.state.purchases[id]
		if record.PaymentReference == nil || *record.PaymentReference != reference {
			continue
		}
		if found == nil || record.CreatedAt.After(found.CreatedAt) {
			copied := record
			found = &copied
		}
	}
	if found == nil {
		return PurchaseRecord{}, ErrPurchaseNotFound
	}
	return *found, nil
}

func (store *stubStore) UpdatePurchaseStatus(ctx context.Context, purchaseID string, from []PaymentStatus, to PaymentStatus) error {
	defer store.lock()()
	record, ok := store.state.purchases[purchaseID]
	if !ok {
		return ErrPurchaseNotFound
	}
	matched := false
	for _, status := range from {
		if record.PaymentStatus == status {
			matched = true
			break
		}
	}
	if !matched {
		return ErrAlreadyProcessed
	}
	record.PaymentStatus = to
	store.state.purchases[purchaseID] = record
	return nil
}

func (store *stubStore) UpdatePurchaseReference(ctx context.Context, purchaseID string, reference string) error {
	defer store.lock()()
	record, ok := store.state.purchases[purchaseID]
	if !ok {
		return ErrPurchaseNotFound
	}
	record.PaymentReference = &reference
	store.state.purchases[purchaseID] = record
	return nil
}

func (store *stubStore) UpdatePurchaseSubscription(ctx context.Context, purchaseID string, subscriptionID string) error {
	defer store.lock()()
	record, ok := store.state.purchases[purchaseID]
	if !ok {
		return ErrPurchaseNotFound
	}
	record.SubscriptionID = &subscriptionID
	store.state.purchases[purchaseID] = record
	return nil
}

func (store *stubStore) CreateSubscription(ctx context.Context, window SubscriptionWindow) (SubscriptionWindow, error) {
	defer store.lock()()
	window.SubscriptionID = store.nextID("sub")
	store.state.subscriptions[window.SubscriptionID] = window
	return window, nil
}

func (store *stubStore) GetSubscription(ctx context.Context, subscriptionID string) (SubscriptionWindow, error) {
	defer store.lock()()
	window, ok := store.state.subscriptions[subscriptionID]
	if !ok {
		return SubscriptionWindow{}, ErrSubscriptionNotFound
	}
	return window, nil
}

func (store *stubStore) FindActiveSubscription(ctx context.Context, userID string, now time.Time) (SubscriptionWindow, bool, error) {
	defer store.lock()()
	var found *SubscriptionWindow
	for id := range store.state.subscriptions {
		window := store.state.subscriptions[id]
		if window.UserID != userID || window.Status != SubscriptionActive || !window.EndDate.After(now) {
			continue
		}
		if found == nil || window.EndDate.After(found.EndDate) {
			copied := window
			found = &copied
		}
	}
	if found == nil {
		return SubscriptionWindow{}, false, nil
	}
	return *found, true, nil
}

func (store *stubStore) UpdateSubscriptionStatus(ctx context.Context, subscriptionID string, from, to SubscriptionStatus) error {
	defer store.lock()()
	window, ok := store.state.subscriptions[subscriptionID]
	if !ok || window.Status != from {
		return nil
	}
	window.Status = to
	store.state.subscriptions[subscriptionID] = window
	return nil
}

func (store *stubStore) ActivateSubscriptionWindow(ctx context.Context, subscriptionID string, start, end time.Time) error {
	defer store.lock()()
	window, ok := store.state.subscriptions[subscriptionID]
	if !ok || window.Status != SubscriptionNotActive {
		return nil
	}
	window.StartDate = start
	window.EndDate = end
	window.Status = SubscriptionActive
	store.state.subscriptions[subscriptionID] = window
	return nil
}

func (store *stubStore) RecordWebhookEvent(ctx context.Context, event WebhookEvent) (WebhookEvent, bool, error) {
	defer store.lock()()
	key := event.Provider + ":" + event.ProviderEventID
	if existing, ok := store.state.webhookEvents[key]; ok {
		return existing, true, nil
	}
	event.EventRowID = store.nextID("event")
	event.CreatedAt = time.Now().UTC()
	store.state.webhookEvents[key] = event
	return event, false, nil
}

func (store *stubStore) MarkWebhookEventProcessed(ctx context.Context, eventRowID string, processingError string) error {
	defer store.lock()()
	for key, event := range store.state.webhookEvents {
		if event.EventRowID == eventRowID {
			now := time.Now().UTC()
			event.ProcessedAt = &now
			event.ProcessingError = processingError
			store.state.webhookEvents[key] = event
			return nil
		}
	}
	return nil
}
