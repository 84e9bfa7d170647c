package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pelajarin/billing/pkg/billing"
)

func (server *Server) handleBalance(ctx *gin.Context) {
	balance, err := server.ledger.Balance(ctx.Request.Context(), currentUserID(ctx))
	if err != nil {
		server.internalError(ctx, "balance fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance})
}

func (server *Server) handleHistory(ctx *gin.Context) {
	entries, err := server.ledger.ListEntries(ctx.Request.Context(), currentUserID(ctx), 0, 50)
	if err != nil {
		server.internalError(ctx, "history fetch failed", err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

type deductRequest struct {
	Amount      int64   `json:"amount" binding:"required"`
	Description string  `json:"description"`
	SessionID   *string `json:"sessionId"`
}

func (server *Server) handleDeduct(ctx *gin.Context) {
	var request deductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with amount"))
		return
	}

	result, err := server.ledger.Apply(ctx.Request.Context(), billing.ApplyInput{
		UserID:      currentUserID(ctx),
		Type:        billing.EntryDeduction,
		Amount:      billing.Credits(request.Amount),
		Description: request.Description,
		SessionID:   request.SessionID,
	})
	if errors.Is(err, billing.ErrInsufficientFunds) {
		server.metrics.deductions.WithLabelValues("insufficient_funds").Inc()
		ctx.JSON(http.StatusBadRequest, errorResponse("insufficient_funds", "balance too low for this deduction"))
		return
	}
	if errors.Is(err, billing.ErrInvalidAmount) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be greater than zero"))
		return
	}
	if err != nil {
		server.metrics.deductions.WithLabelValues("error").Inc()
		server.internalError(ctx, "deduct failed", err)
		return
	}
	server.metrics.deductions.WithLabelValues("ok").Inc()
	ctx.JSON(http.StatusOK, gin.H{
		"newBalance":  result.NewBalance,
		"transaction": newEntryPayload(result.Entry),
	})
}

func (server *Server) handleListPlans(ctx *gin.Context) {
	plans, err := server.purchases.ListPlans(ctx.Request.Context())
	if err != nil {
		server.internalError(ctx, "plan list failed", err)
		return
	}
	payload := make([]planPayload, 0, len(plans))
	for _, plan := range plans {
		payload = append(payload, newPlanPayload(plan))
	}
	ctx.JSON(http.StatusOK, gin.H{"plans": payload})
}

type purchaseRequest struct {
	CreditPlanID  string `json:"creditPlanId" binding:"required"`
	PaymentMethod string `json:"paymentMethod" binding:"required"`
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected creditPlanId and paymentMethod"))
		return
	}

	record, invoice, err := server.purchases.Create(ctx.Request.Context(), currentUserID(ctx), request.CreditPlanID, billing.PaymentMethod(request.PaymentMethod))
	switch {
	case errors.Is(err, billing.ErrPlanNotFound):
		server.metrics.purchases.WithLabelValues("plan_not_found").Inc()
		ctx.JSON(http.StatusNotFound, errorResponse("plan_not_found", "unknown pricing plan"))
		return
	case errors.Is(err, billing.ErrPlanInactive):
		server.metrics.purchases.WithLabelValues("plan_inactive").Inc()
		ctx.JSON(http.StatusBadRequest, errorResponse("plan_inactive", "pricing plan is not purchasable"))
		return
	case errors.Is(err, billing.ErrUpstreamProvider):
		server.metrics.purchases.WithLabelValues("provider_error").Inc()
		server.logger.Error("invoice creation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("provider_error", "payment provider unavailable"))
		return
	case err != nil:
		server.metrics.purchases.WithLabelValues("error").Inc()
		server.internalError(ctx, "purchase create failed", err)
		return
	}

	server.metrics.purchases.WithLabelValues("ok").Inc()
	response := gin.H{"transaction": newPurchasePayload(record)}
	if invoice != nil {
		response["paymentInfo"] = paymentInfoPayload{
			InvoiceURL: invoice.PaymentURL,
			InvoiceID:  invoice.Reference,
			ExpiryDate: invoice.ExpiresAt,
		}
	} else {
		response["paymentInfo"] = paymentInfoPayload{}
	}
	ctx.JSON(http.StatusCreated, response)
}

func (server *Server) handleManualEvidence(ctx *gin.Context) {
	err := server.purchases.SubmitManualEvidence(ctx.Request.Context(), ctx.Param("id"), currentUserID(ctx))
	if errors.Is(err, billing.ErrPurchaseNotFound) {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown purchase"))
		return
	}
	if errors.Is(err, billing.ErrAlreadyProcessed) {
		ctx.JSON(http.StatusConflict, errorResponse("already_processed", "purchase is past pending"))
		return
	}
	if err != nil {
		server.internalError(ctx, "evidence submit failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "waiting_approval"})
}

type bonusRequest struct {
	UserID      string `json:"userId" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description"`
}

func (server *Server) handleAdminBonus(ctx *gin.Context) {
	var request bonusRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected userId and amount"))
		return
	}
	result, err := server.ledger.Apply(ctx.Request.Context(), billing.ApplyInput{
		UserID:      request.UserID,
		Type:        billing.EntryBonus,
		Amount:      billing.Credits(request.Amount),
		Description: request.Description,
	})
	if errors.Is(err, billing.ErrInvalidAmount) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be greater than zero"))
		return
	}
	if err != nil {
		server.internalError(ctx, "bonus grant failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"newBalance":  result.NewBalance,
		"transaction": newEntryPayload(result.Entry),
	})
}

type approveRequest struct {
	Status string `json:"status" binding:"required"`
}

// handleAdminApprove invokes the exact Complete/Fail transitions the webhook
// reconcilers use, so manual confirmation cannot drift from the automated one.
func (server *Server) handleAdminApprove(ctx *gin.Context) {
	var request approveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected status"))
		return
	}

	purchaseID := ctx.Param("id")
	var err error
	switch billing.PaymentStatus(request.Status) {
	case billing.PaymentCompleted:
		err = server.purchases.Complete(ctx.Request.Context(), purchaseID)
	case billing.PaymentFailed:
		err = server.purchases.Fail(ctx.Request.Context(), purchaseID)
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_status", "status must be completed or failed"))
		return
	}

	if errors.Is(err, billing.ErrPurchaseNotFound) {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown purchase"))
		return
	}
	if errors.Is(err, billing.ErrAlreadyProcessed) {
		ctx.JSON(http.StatusOK, gin.H{"status": "already_processed"})
		return
	}
	if err != nil {
		server.internalError(ctx, "purchase approval failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": request.Status})
}

func (server *Server) internalError(ctx *gin.Context, message string, err error) {
	server.logger.Error(message, zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", message))
}

type entryPayload struct {
	ID               string  `json:"id"`
	Type             string  `json:"type"`
	Amount           int64   `json:"amount"`
	BalanceBefore    int64   `json:"balanceBefore"`
	BalanceAfter     int64   `json:"balanceAfter"`
	Description      string  `json:"description"`
	PaymentStatus    string  `json:"paymentStatus"`
	PaymentMethod    string  `json:"paymentMethod"`
	PaymentReference *string `json:"paymentReference,omitempty"`
	SessionID        *string `json:"sessionId,omitempty"`
	CreatedAt        string  `json:"createdAt"`
}

func newEntryPayload(entry billing.LedgerEntry) entryPayload {
	return entryPayload{
		ID:               entry.EntryID,
		Type:             string(entry.Type),
		Amount:           int64(entry.Amount),
		BalanceBefore:    int64(entry.BalanceBefore),
		BalanceAfter:     int64(entry.BalanceAfter),
		Description:      entry.Description,
		PaymentStatus:    string(entry.PaymentStatus),
		PaymentMethod:    string(entry.PaymentMethod),
		PaymentReference: entry.PaymentReference,
		SessionID:        entry.SessionID,
		CreatedAt:        entry.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type planPayload struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	BundleType      string `json:"bundleType"`
	PriceIDR        int64  `json:"priceIdr"`
	FinalPriceIDR   int64  `json:"finalPriceIdr"`
	DiscountPercent int64  `json:"discountPercent"`
	CreditsGranted  int64  `json:"creditsGranted"`
	DurationDays    int    `json:"durationDays"`
}

func newPlanPayload(plan billing.PricingPlan) planPayload {
	return planPayload{
		ID:              plan.PlanID,
		Name:            plan.Name,
		BundleType:      string(plan.BundleType),
		PriceIDR:        plan.PriceIDR,
		FinalPriceIDR:   plan.FinalPriceIDR(),
		DiscountPercent: plan.DiscountPercent,
		CreditsGranted:  int64(plan.CreditsGranted),
		DurationDays:    plan.DurationDays,
	}
}

type purchasePayload struct {
	ID               string  `json:"id"`
	PlanID           string  `json:"planId"`
	BundleType       string  `json:"bundleType"`
	CreditsGranted   int64   `json:"creditsGranted"`
	AmountPaidIDR    int64   `json:"amountPaidIdr"`
	PaymentStatus    string  `json:"paymentStatus"`
	PaymentMethod    string  `json:"paymentMethod"`
	PaymentReference *string `json:"paymentReference,omitempty"`
	PurchaseDate     string  `json:"purchaseDate"`
}

func newPurchasePayload(record billing.PurchaseRecord) purchasePayload {
	return purchasePayload{
		ID:               record.PurchaseID,
		PlanID:           record.PlanID,
		BundleType:       string(record.BundleType),
		CreditsGranted:   int64(record.CreditsGranted),
		AmountPaidIDR:    record.AmountPaidIDR,
		PaymentStatus:    string(record.PaymentStatus),
		PaymentMethod:    string(record.PaymentMethod),
		PaymentReference: record.PaymentReference,
		PurchaseDate:     record.PurchaseDate.UTC().Format(time.RFC3339),
	}
}

type paymentInfoPayload struct {
	InvoiceURL string     `json:"invoiceUrl,omitempty"`
	InvoiceID  string     `json:"invoiceId,omitempty"`
	ExpiryDate *time.Time `json:"expiryDate,omitempty"`
}
