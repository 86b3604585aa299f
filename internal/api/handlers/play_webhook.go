// Package handlers contains the HTTP handler implementations for the PlaySync API.
//
// This file implements the Google Play real-time developer notification (RTDN)
// handler. Notifications arrive as Pub/Sub push deliveries: a JSON envelope
// whose message.data field carries a base64-encoded DeveloperNotification.
//
// The handler is NOT behind auth middleware -- it is called by the Pub/Sub
// push subscription. Security is provided by a shared secret token carried as
// a query parameter on the push endpoint URL.
package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"playsync/internal/core"
	"playsync/internal/entitlement"
	"playsync/internal/types"
)

// maxNotificationBodySize is the maximum allowed size of a Pub/Sub push
// payload (64 KB). Developer notifications are small; this limit protects
// against abuse.
const maxNotificationBodySize = 64 * 1024

// Subscription notification types from the Play RTDN contract.
const (
	subNotificationRecovered            = 1
	subNotificationRenewed              = 2
	subNotificationCanceled             = 3
	subNotificationPurchased            = 4
	subNotificationOnHold               = 5
	subNotificationInGracePeriod        = 6
	subNotificationRestarted            = 7
	subNotificationPriceChangeConfirmed = 8
	subNotificationDeferred             = 9
	subNotificationPaused               = 10
	subNotificationPauseScheduleChanged = 11
	subNotificationRevoked              = 12
	subNotificationExpired              = 13
)

// One-time product notification types.
const (
	productNotificationPurchased = 1
	productNotificationCanceled  = 2
)

// TokenOwnerResolver finds the entitlement record currently holding a purchase
// token. Notifications carry the token but no user identity; the stored record
// is the only attribution source.
type TokenOwnerResolver interface {
	GetByPurchaseToken(ctx context.Context, token string) (*types.Entitlement, error)
}

// PlayWebhookHandler handles asynchronous purchase notifications from Google
// Play, routing each into the sync orchestrator.
type PlayWebhookHandler struct {
	syncer   EntitlementSyncer
	resolver TokenOwnerResolver
	token    types.SecretString
	logger   *slog.Logger
}

// NewPlayWebhookHandler creates a new PlayWebhookHandler with the provided dependencies.
func NewPlayWebhookHandler(
	syncer EntitlementSyncer,
	resolver TokenOwnerResolver,
	token types.SecretString,
	logger *slog.Logger,
) *PlayWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlayWebhookHandler{
		syncer:   syncer,
		resolver: resolver,
		token:    token,
		logger:   logger,
	}
}

// RegisterRoutes mounts the Play webhook endpoint. This is separate from
// EntitlementHandler.RegisterRoutes because webhook routes are public
// (no auth middleware).
func (h *PlayWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/play", h.Handle)
}

// Handle processes an incoming Pub/Sub push delivery.
//
//  1. Verifies the shared secret token query parameter.
//  2. Decodes the push envelope and the base64 DeveloperNotification inside.
//  3. Resolves the purchase token to the owning user.
//  4. Routes the notification into the orchestrator; cancellation-class
//     notification types carry explicit downgrade intent.
//  5. Returns 200 OK even when internal processing fails, so Pub/Sub does not
//     retry indefinitely; failures are logged for investigation. Only
//     authentication and malformed-envelope failures are surfaced as errors.
func (h *PlayWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if !h.verifyToken(r) {
		h.logger.WarnContext(r.Context(), "webhook token verification failed",
			"remote_addr", r.RemoteAddr,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"webhook token verification failed",
			nil,
		))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxNotificationBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	var envelope pubsubPushEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse push envelope", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid push envelope JSON",
			err,
		))
		return
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to decode notification data",
			"message_id", envelope.Message.MessageID,
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"message data is not valid base64",
			err,
		))
		return
	}

	var notification developerNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse developer notification",
			"message_id", envelope.Message.MessageID,
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid developer notification JSON",
			err,
		))
		return
	}

	if err := h.routeNotification(r.Context(), &notification); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook notification processing failed",
			"message_id", envelope.Message.MessageID,
			"package_name", notification.PackageName,
			"error", err,
		)
		// Return 200 anyway so Pub/Sub does not redeliver forever. The record
		// will converge on the next notification or client re-sync.
	}

	w.WriteHeader(http.StatusOK)
}

// verifyToken checks the shared secret query parameter in constant time.
func (h *PlayWebhookHandler) verifyToken(r *http.Request) bool {
	presented := r.URL.Query().Get("token")
	expected := h.token.Unmask()
	if presented == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// routeNotification dispatches the decoded notification into the orchestrator.
func (h *PlayWebhookHandler) routeNotification(ctx context.Context, n *developerNotification) error {
	switch {
	case n.TestNotification != nil:
		h.logger.InfoContext(ctx, "received test notification",
			"package_name", n.PackageName,
			"version", n.TestNotification.Version,
		)
		return nil

	case n.SubscriptionNotification != nil:
		sub := n.SubscriptionNotification
		return h.sync(ctx,
			sub.SubscriptionID,
			sub.PurchaseToken,
			subscriptionImpliesDowngrade(sub.NotificationType),
			sub.NotificationType,
		)

	case n.OneTimeProductNotification != nil:
		prod := n.OneTimeProductNotification
		return h.sync(ctx,
			prod.SKU,
			prod.PurchaseToken,
			prod.NotificationType == productNotificationCanceled,
			prod.NotificationType,
		)

	default:
		h.logger.InfoContext(ctx, "ignoring notification without a recognized payload",
			"package_name", n.PackageName,
		)
		return nil
	}
}

// sync resolves the token owner and runs one reconciliation pass. An unknown
// token is not an error: the purchase has never been synced through us, so
// there is no record to reconcile and the client re-sync will establish one.
func (h *PlayWebhookHandler) sync(ctx context.Context, productID, purchaseToken string, allowDowngrade bool, notificationType int) error {
	owner, err := h.resolver.GetByPurchaseToken(ctx, purchaseToken)
	if err != nil {
		return err
	}
	if owner == nil {
		h.logger.InfoContext(ctx, "notification for unknown purchase token, skipping",
			"product_id", productID,
			"notification_type", notificationType,
		)
		return nil
	}

	h.logger.InfoContext(ctx, "processing play notification",
		"user_id", owner.UserID,
		"product_id", productID,
		"notification_type", notificationType,
		"allow_downgrade", allowDowngrade,
	)

	req := types.SyncRequest{
		UserID:         owner.UserID,
		ProductID:      productID,
		PurchaseToken:  purchaseToken,
		AllowDowngrade: allowDowngrade,
	}
	_, err = h.syncer.Sync(ctx, req, entitlement.TriggerWebhook)
	return err
}

// subscriptionImpliesDowngrade reports whether the notification type is a
// platform-initiated end of access. These carry explicit downgrade intent:
// the platform itself says the user lost the benefit.
func subscriptionImpliesDowngrade(notificationType int) bool {
	switch notificationType {
	case subNotificationCanceled,
		subNotificationOnHold,
		subNotificationPaused,
		subNotificationRevoked,
		subNotificationExpired:
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Pub/Sub and RTDN payload parsing
// ---------------------------------------------------------------------------

// pubsubPushEnvelope is the JSON body of a Pub/Sub push delivery.
type pubsubPushEnvelope struct {
	Message      pubsubMessage `json:"message"`
	Subscription string        `json:"subscription"`
}

type pubsubMessage struct {
	Data      string `json:"data"` // base64-encoded DeveloperNotification
	MessageID string `json:"messageId"`
}

// developerNotification is the decoded RTDN payload. Exactly one of the
// notification fields is set per message.
type developerNotification struct {
	Version                    string                      `json:"version"`
	PackageName                string                      `json:"packageName"`
	EventTimeMillis            string                      `json:"eventTimeMillis"`
	SubscriptionNotification   *subscriptionNotification   `json:"subscriptionNotification,omitempty"`
	OneTimeProductNotification *oneTimeProductNotification `json:"oneTimeProductNotification,omitempty"`
	TestNotification           *testNotification           `json:"testNotification,omitempty"`
}

type subscriptionNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}

type oneTimeProductNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SKU              string `json:"sku"`
}

type testNotification struct {
	Version string `json:"version"`
}
