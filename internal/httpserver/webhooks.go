package httpserver

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pelajarin/billing/internal/provider/midtrans"
	"github.com/pelajarin/billing/internal/provider/xendit"
	"github.com/pelajarin/billing/pkg/billing"
)

const maxWebhookBodyBytes = 1 << 20

// handleMidtransNotification verifies the notification signature and hands
// the event to the reconciler. Once the signature checks out the provider is
// always answered 200: internal failures are logged, never surfaced, so the
// provider's retry loop cannot amplify an outage.
func (server *Server) handleMidtransNotification(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	var notification midtrans.Notification
	if err := json.Unmarshal(body, &notification); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON notification"))
		return
	}
	if !midtrans.VerifySignature(notification, server.cfg.MidtransServerKey) {
		server.metrics.webhookEvents.WithLabelValues(billing.ProviderMidtrans, "invalid_signature").Inc()
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_signature", "signature verification failed"))
		return
	}

	outcome, reconcileErr := server.reconciler.HandleMidtrans(ctx.Request.Context(), billing.MidtransEvent{
		OrderID:           notification.OrderID,
		TransactionID:     notification.TransactionID,
		TransactionStatus: notification.TransactionStatus,
		FraudStatus:       notification.FraudStatus,
		PaymentType:       notification.PaymentType,
		PayloadJSON:       string(body),
	})
	if reconcileErr != nil {
		server.logger.Error("midtrans reconciliation failed",
			zap.String("order_id", notification.OrderID),
			zap.String("transaction_status", notification.TransactionStatus),
			zap.Error(reconcileErr))
	}
	server.metrics.webhookEvents.WithLabelValues(billing.ProviderMidtrans, string(outcome)).Inc()
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleXenditInvoice checks the callback token before touching anything;
// a mismatch is the one case that answers non-2xx, with no mutation done.
func (server *Server) handleXenditInvoice(ctx *gin.Context) {
	if !xendit.VerifyCallbackToken(ctx.GetHeader("x-callback-token"), server.cfg.XenditCallbackToken) {
		server.metrics.webhookEvents.WithLabelValues(billing.ProviderXendit, "invalid_token").Inc()
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_token", "callback token mismatch"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	var callback xendit.InvoiceCallback
	if err := json.Unmarshal(body, &callback); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON callback"))
		return
	}

	outcome, reconcileErr := server.reconciler.HandleXendit(ctx.Request.Context(), billing.XenditEvent{
		InvoiceID:   callback.ID,
		ExternalID:  callback.ExternalID,
		Status:      callback.Status,
		PayloadJSON: string(body),
	})
	if reconcileErr != nil {
		server.logger.Error("xendit reconciliation failed",
			zap.String("invoice_id", callback.ID),
			zap.String("status", callback.Status),
			zap.Error(reconcileErr))
	}
	server.metrics.webhookEvents.WithLabelValues(billing.ProviderXendit, string(outcome)).Inc()
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}
