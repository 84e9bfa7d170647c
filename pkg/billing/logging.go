package billing

import "context"

// OperationLogger records domain-level events emitted by service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing billing operation.
type OperationLog struct {
	Operation  string
	UserID     string
	PurchaseID string
	EntryType  EntryType
	Amount     Credits
	Reference  string
	Status     string
	Error      error
}

const (
	operationDeduct          = "deduct"
	operationBonus           = "bonus"
	operationGrant           = "grant"
	operationLegacyComplete  = "legacy_complete"
	operationLegacyFail      = "legacy_fail"
	operationPurchaseCreate  = "purchase_create"
	operationPurchaseConfirm = "purchase_confirm"
	operationPurchaseFail    = "purchase_fail"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)

func logOperation(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	logger.LogOperation(ctx, entry)
}
