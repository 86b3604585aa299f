package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"playsync/internal/entitlement"
	"playsync/internal/types"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// playAPIBase is the default Google Play Developer API base URL.
// Overridable in tests via PlayClientConfig.BaseURL.
const playAPIBase = "https://androidpublisher.googleapis.com"

// playOAuthScope is the OAuth2 scope required by the Android Publisher API.
const playOAuthScope = "https://www.googleapis.com/auth/androidpublisher"

// PlayClientConfig holds the configuration for creating a PlayClient.
type PlayClientConfig struct {
	// PackageName is the application package the purchases belong to.
	PackageName string
	// ServiceAccountJSON is the Google service account key used to mint
	// access tokens for the Android Publisher API.
	ServiceAccountJSON []byte
	BaseURL            string // Override for testing; defaults to playAPIBase
	Logger             *slog.Logger
}

// PlayClient talks to the Google Play Developer API (Android Publisher v3)
// through BaseClient, so every call inherits the platform's resilience
// infrastructure (circuit breaker, retries, error mapping).
//
// It implements both entitlement.Verifier and entitlement.Acknowledger.
// Subscriptions and one-time products live on different API endpoints; the
// product catalog decides which one a given product ID uses.
type PlayClient struct {
	base        *BaseClient
	tokens      oauth2.TokenSource
	packageName string
	baseURL     string
	catalog     entitlement.ProductCatalog
	logger      *slog.Logger
}

// NewPlayClient creates a PlayClient authenticated with the configured
// service account. The httpClient timeout should stay below the
// orchestrator's verification deadline.
func NewPlayClient(
	httpClient *http.Client,
	catalog entitlement.ProductCatalog,
	cfg PlayClientConfig,
) (*PlayClient, error) {
	jwtCfg, err := google.JWTConfigFromJSON(cfg.ServiceAccountJSON, playOAuthScope)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to parse Play service account key",
			err,
		)
	}

	base := NewBaseClient(
		httpClient,
		"play",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"PlaySync/1.0",
	)

	return newPlayClient(base, jwtCfg.TokenSource(context.Background()), catalog, cfg), nil
}

// NewPlayClientWithBase creates a PlayClient with a pre-configured BaseClient
// and token source. This is useful for testing when you want to control the
// BaseClient configuration and skip real service account auth.
func NewPlayClientWithBase(
	base *BaseClient,
	tokens oauth2.TokenSource,
	catalog entitlement.ProductCatalog,
	cfg PlayClientConfig,
) *PlayClient {
	return newPlayClient(base, tokens, catalog, cfg)
}

func newPlayClient(
	base *BaseClient,
	tokens oauth2.TokenSource,
	catalog entitlement.ProductCatalog,
	cfg PlayClientConfig,
) *PlayClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = playAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PlayClient{
		base:        base,
		tokens:      tokens,
		packageName: cfg.PackageName,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		catalog:     catalog,
		logger:      logger,
	}
}

// ---------------------------------------------------------------------------
// Verifier Implementation
// ---------------------------------------------------------------------------

// Verify resolves the authoritative purchase state for a (productID, token)
// pair. Subscriptions go through the subscriptionsv2 endpoint, one-time
// products through the products endpoint.
//
// A 400 or 404 from the platform is a business outcome (the token is
// malformed or unknown), returned as billing_* errors that classify as
// invalid_token. A 410 means the purchase record has aged out on the
// platform side; it maps to a definitive not_found state rather than an
// error, so the caller's downgrade guard gets to decide.
func (p *PlayClient) Verify(ctx context.Context, productID, purchaseToken string) (*types.VerificationResult, error) {
	product, err := entitlement.ValidateProduct(p.catalog, productID)
	if err != nil {
		return nil, err
	}

	var path string
	if product.Kind == entitlement.ProductKindSubscription {
		path = fmt.Sprintf("/androidpublisher/v3/applications/%s/purchases/subscriptionsv2/tokens/%s",
			url.PathEscape(p.packageName), url.PathEscape(purchaseToken))
	} else {
		path = fmt.Sprintf("/androidpublisher/v3/applications/%s/purchases/products/%s/tokens/%s",
			url.PathEscape(p.packageName), url.PathEscape(productID), url.PathEscape(purchaseToken))
	}

	resp, err := p.doGet(ctx, path)
	if err != nil {
		return nil, p.wrapPlayError("Verify", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		p.logger.InfoContext(ctx, "purchase no longer available on platform",
			"product_id", productID,
		)
		return &types.VerificationResult{
			State:     types.PurchaseStateNotFound,
			ProductID: productID,
		}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.handleErrorResponse(resp, "Verify")
	}

	if product.Kind == entitlement.ProductKindSubscription {
		var sub playSubscriptionV2
		if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
			return nil, types.NewAppError(
				types.ErrCodeInternalUnexpected,
				"failed to decode Play subscription response",
				err,
			)
		}
		return mapSubscriptionV2(productID, &sub), nil
	}

	var purchase playProductPurchase
	if err := json.NewDecoder(resp.Body).Decode(&purchase); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Play product purchase response",
			err,
		)
	}
	return mapProductPurchase(productID, &purchase), nil
}

// ---------------------------------------------------------------------------
// Acknowledger Implementation
// ---------------------------------------------------------------------------

// Acknowledge confirms receipt of a purchase with the platform. Play revokes
// unacknowledged purchases after three days, so this call backs the
// acknowledgment ledger's remote half.
func (p *PlayClient) Acknowledge(ctx context.Context, productID, purchaseToken string) error {
	product, err := entitlement.ValidateProduct(p.catalog, productID)
	if err != nil {
		return err
	}

	var path string
	if product.Kind == entitlement.ProductKindSubscription {
		path = fmt.Sprintf("/androidpublisher/v3/applications/%s/purchases/subscriptions/%s/tokens/%s:acknowledge",
			url.PathEscape(p.packageName), url.PathEscape(productID), url.PathEscape(purchaseToken))
	} else {
		path = fmt.Sprintf("/androidpublisher/v3/applications/%s/purchases/products/%s/tokens/%s:acknowledge",
			url.PathEscape(p.packageName), url.PathEscape(productID), url.PathEscape(purchaseToken))
	}

	resp, err := p.doPost(ctx, path, nil)
	if err != nil {
		return p.wrapPlayError("Acknowledge", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return p.handleErrorResponse(resp, "Acknowledge")
	}

	return nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Play API.
func (p *PlayClient) doGet(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if err := p.setAuthHeader(req); err != nil {
		return nil, err
	}
	return p.base.Do(req)
}

// doPost performs an authenticated POST request to the Play API.
func (p *PlayClient) doPost(ctx context.Context, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := p.setAuthHeader(req); err != nil {
		return nil, err
	}
	return p.base.Do(req)
}

// setAuthHeader attaches a bearer token minted from the service account.
func (p *PlayClient) setAuthHeader(req *http.Request) error {
	if p.tokens == nil {
		return nil
	}
	tok, err := p.tokens.Token()
	if err != nil {
		return types.NewAppError(
			types.ErrCodeBillingPlatform,
			"failed to obtain Play API access token",
			err,
		)
	}
	tok.SetAuthHeader(req)
	return nil
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// playErrorResponse represents the JSON error body returned by Google APIs.
type playErrorResponse struct {
	Error playErrorBody `json:"error"`
}

type playErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// handleErrorResponse reads a Play API error response and maps it to a
// types.AppError.
func (p *PlayClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeBillingPlatform,
			fmt.Sprintf("%s: Play returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var playErr playErrorResponse
	if jsonErr := json.Unmarshal(body, &playErr); jsonErr != nil {
		playErr.Error.Message = strings.TrimSpace(string(body))
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return types.NewAppErrorWithDetails(
			types.ErrCodeBillingInvalidToken,
			fmt.Sprintf("%s: purchase token rejected by platform", operation),
			nil,
			map[string]any{"platform_message": playErr.Error.Message},
		)
	case http.StatusNotFound:
		return types.NewAppErrorWithDetails(
			types.ErrCodeBillingTokenNotFound,
			fmt.Sprintf("%s: purchase token not found on platform", operation),
			nil,
			map[string]any{"platform_message": playErr.Error.Message},
		)
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewAppError(
			types.ErrCodeBillingPlatform,
			fmt.Sprintf("%s: Play API rejected service credentials (%d): %s",
				operation, resp.StatusCode, playErr.Error.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeBillingPlatform,
			fmt.Sprintf("%s: Play error (%d): %s", operation, resp.StatusCode, playErr.Error.Message),
			nil,
		)
	}
}

// wrapPlayError passes through AppErrors produced by BaseClient (circuit
// breaker, retries exhausted) and wraps anything else as a platform error.
func (p *PlayClient) wrapPlayError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeBillingPlatform,
		fmt.Sprintf("%s: Play request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Play Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

// playSubscriptionV2 is the subset of the SubscriptionPurchaseV2 resource
// this service consumes.
type playSubscriptionV2 struct {
	SubscriptionState    string             `json:"subscriptionState"`
	AcknowledgementState string             `json:"acknowledgementState"`
	LineItems            []playSubLineItem  `json:"lineItems"`
	PausedStateContext   *playPausedContext `json:"pausedStateContext,omitempty"`
}

type playSubLineItem struct {
	ProductID        string             `json:"productId"`
	ExpiryTime       string             `json:"expiryTime"`
	AutoRenewingPlan *playAutoRenewPlan `json:"autoRenewingPlan,omitempty"`
}

type playAutoRenewPlan struct {
	AutoRenewEnabled bool `json:"autoRenewEnabled"`
}

type playPausedContext struct {
	AutoResumeTime string `json:"autoResumeTime"`
}

// playProductPurchase is the subset of the ProductPurchase resource this
// service consumes. Numeric enums follow the products endpoint:
// purchaseState 0 purchased, 1 canceled, 2 pending;
// acknowledgementState 0 yet to be acknowledged, 1 acknowledged.
type playProductPurchase struct {
	PurchaseState        int    `json:"purchaseState"`
	AcknowledgementState int    `json:"acknowledgementState"`
	PurchaseTimeMillis   string `json:"purchaseTimeMillis"`
}

// ---------------------------------------------------------------------------
// Mapping Functions
// ---------------------------------------------------------------------------

// mapSubscriptionV2 converts a SubscriptionPurchaseV2 resource to a domain
// VerificationResult.
func mapSubscriptionV2(productID string, sub *playSubscriptionV2) *types.VerificationResult {
	result := &types.VerificationResult{
		State:        mapSubscriptionState(sub.SubscriptionState),
		ProductID:    productID,
		Acknowledged: sub.AcknowledgementState == "ACKNOWLEDGEMENT_STATE_ACKNOWLEDGED",
	}

	if len(sub.LineItems) > 0 {
		item := sub.LineItems[0]
		if item.ProductID != "" {
			result.ProductID = item.ProductID
		}
		if item.ExpiryTime != "" {
			if t, err := time.Parse(time.RFC3339, item.ExpiryTime); err == nil {
				expiry := t.UTC()
				result.ExpiryTime = &expiry
			}
		}
		if item.AutoRenewingPlan != nil {
			result.AutoRenewing = item.AutoRenewingPlan.AutoRenewEnabled
		}
	}

	return result
}

// mapSubscriptionState converts a Play subscriptionState string to the
// domain enum. Unrecognized states map to canceled: an unknown state never
// grants premium, and canceled keeps it distinct from a definitive expiry.
func mapSubscriptionState(state string) types.PurchaseState {
	switch state {
	case "SUBSCRIPTION_STATE_ACTIVE":
		return types.PurchaseStateActive
	case "SUBSCRIPTION_STATE_IN_GRACE_PERIOD":
		return types.PurchaseStateInGracePeriod
	case "SUBSCRIPTION_STATE_ON_HOLD":
		return types.PurchaseStateOnHold
	case "SUBSCRIPTION_STATE_PAUSED":
		return types.PurchaseStatePaused
	case "SUBSCRIPTION_STATE_CANCELED":
		return types.PurchaseStateCanceled
	case "SUBSCRIPTION_STATE_EXPIRED":
		return types.PurchaseStateExpired
	case "SUBSCRIPTION_STATE_PENDING":
		return types.PurchaseStatePending
	case "SUBSCRIPTION_STATE_PENDING_PURCHASE_CANCELED":
		return types.PurchaseStateCanceled
	default:
		return types.PurchaseStateCanceled
	}
}

// mapProductPurchase converts a ProductPurchase resource to a domain
// VerificationResult. A purchased one-time product is a permanent grant, so
// it maps to active with no expiry.
func mapProductPurchase(productID string, purchase *playProductPurchase) *types.VerificationResult {
	result := &types.VerificationResult{
		ProductID:    productID,
		Acknowledged: purchase.AcknowledgementState == 1,
	}

	switch purchase.PurchaseState {
	case 0:
		result.State = types.PurchaseStateActive
	case 2:
		result.State = types.PurchaseStatePending
	default:
		result.State = types.PurchaseStateCanceled
	}

	return result
}
