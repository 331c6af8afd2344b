package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/pkg/custody"
)

// WebhookVerifier authenticates a custody notification from its headers and raw body.
type WebhookVerifier interface {
	Verify(ctx context.Context, header http.Header, body []byte) error
}

type custodyNotification struct {
	NotificationID   string `json:"notificationId"`
	NotificationType string `json:"notificationType"`
	Notification     struct {
		ID              string    `json:"id"`
		State           string    `json:"state"`
		TxHash          string    `json:"txHash"`
		ContractAddress string    `json:"contractAddress"`
		ErrorReason     string    `json:"errorReason"`
		UpdateDate      time.Time `json:"updateDate"`
	} `json:"notification"`
}

type webhookResponse struct {
	Received bool `json:"received"`
}

// CustodyWebhookHandler accepts signed custody transaction-state notifications
// and forwards them to the settlement status consumer over RabbitMQ. When the
// broker is unavailable the notification is applied inline. Unsigned or
// wrongly signed requests are rejected with 401 before anything is decoded.
func (h *Handlers) CustodyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid notification body"})
		return
	}

	if h.webhooks == nil {
		log.Warn().Str("component", "api").Msg("custody webhook rejected; no signature verifier configured")
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid signature"})
		return
	}
	if err := h.webhooks.Verify(r.Context(), r.Header, body); err != nil {
		if errors.Is(err, custody.ErrInvalidSignature) {
			log.Warn().Err(err).Str("component", "api").Msg("custody webhook signature rejected")
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid signature"})
			return
		}
		log.Error().Err(err).Str("component", "api").Msg("custody webhook signature check unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Signature verification unavailable"})
		return
	}

	var n custodyNotification
	if err := json.Unmarshal(body, &n); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid notification body"})
		return
	}

	if !strings.HasPrefix(n.NotificationType, "transactions.") || n.Notification.ID == "" {
		writeJSON(w, http.StatusOK, webhookResponse{Received: true})
		return
	}

	occurredAt := n.Notification.UpdateDate
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	event := domain.CustodyTransactionEvent{
		EventID:         n.NotificationID,
		TransactionID:   n.Notification.ID,
		State:           n.Notification.State,
		TxHash:          n.Notification.TxHash,
		ContractAddress: n.Notification.ContractAddress,
		ErrorReason:     n.Notification.ErrorReason,
		OccurredAt:      occurredAt,
	}

	if err := h.events.PublishCustodyTransactionEvent(r.Context(), event); err != nil {
		log.Warn().Err(err).Str("component", "api").Str("tx_id", event.TransactionID).Msg("custody event publish failed; applying inline")
		if h.consumer != nil {
			if _, err := h.consumer.Process(r.Context(), event); err != nil {
				writeError(w, err)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, webhookResponse{Received: true})
}
