package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"tutorbill/internal/types"
)

const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig configures a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	// BaseURL overrides the API host; used by tests.
	BaseURL string
	Logger  *slog.Logger
}

// StripeClient opens Stripe Checkout sessions over BaseClient. Requests are
// form-encoded the way the Stripe REST API expects.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with the default retry policy.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig, opts ...BaseClientOption) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "TutorBill/1.0", opts...)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient over a caller-built BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CreateOneTimeCharge opens a Checkout session in payment mode for a single
// line item of req.Amount. The client reference and metadata come back on
// the checkout.session.completed event.
func (s *StripeClient) CreateOneTimeCharge(ctx context.Context, req types.ChargeRequest) (types.ChargeSession, error) {
	if req.Amount <= 0 {
		return types.ChargeSession{}, types.NewAppError(types.ErrCodeValidationInvalidAmount, "charge amount must be positive", nil)
	}

	params := url.Values{}
	params.Set("mode", "payment")
	params.Set("success_url", req.SuccessURL)
	params.Set("cancel_url", req.CancelURL)
	if req.ClientReference != "" {
		params.Set("client_reference_id", req.ClientReference)
	}
	if req.CustomerRef != "" {
		params.Set("customer", req.CustomerRef)
	}
	params.Set("line_items[0][quantity]", "1")
	params.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	params.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(int64(req.Amount), 10))
	params.Set("line_items[0][price_data][product_data][name]", req.Description)
	for k, v := range req.Metadata {
		params.Set("metadata["+k+"]", v)
		params.Set("payment_intent_data[metadata]["+k+"]", v)
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return types.ChargeSession{}, s.wrapStripeError("CreateOneTimeCharge", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.ChargeSession{}, s.handleErrorResponse(resp, "CreateOneTimeCharge")
	}

	var session stripe.CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return types.ChargeSession{}, types.NewAppError(types.ErrCodeUpstreamStripe,
			"failed to decode Stripe checkout session", err)
	}
	if session.URL == "" {
		return types.ChargeSession{}, types.NewAppError(types.ErrCodeUpstreamStripe,
			"Stripe checkout session has no redirect url", nil)
	}

	s.logger.DebugContext(ctx, "stripe checkout session created",
		slog.String("session_id", session.ID),
		slog.String("client_reference_id", req.ClientReference),
	)
	return types.ChargeSession{SessionID: session.ID, RedirectURL: session.URL}, nil
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	return s.base.Do(req)
}

type stripeErrorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

// handleErrorResponse maps a non-200 Stripe reply to an AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, op string) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned %d with unreadable body", op, resp.StatusCode), err)
	}

	var se stripeErrorResponse
	if err := json.Unmarshal(body, &se); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned %d with non-JSON body", op, resp.StatusCode), err)
	}

	if se.Error.Code == "card_declined" || se.Error.DeclineCode != "" {
		return types.NewAppErrorWithDetails(types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", op, se.Error.Message), nil,
			map[string]any{"decline_code": se.Error.DeclineCode, "stripe_code": se.Error.Code})
	}
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe error (%d): %s", op, resp.StatusCode, se.Error.Message), nil,
		map[string]any{"stripe_type": se.Error.Type, "stripe_code": se.Error.Code})
}

// wrapStripeError passes BaseClient AppErrors through and wraps anything else.
func (s *StripeClient) wrapStripeError(op string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe, op+": Stripe request failed", err)
}

// StripeVerifier checks Stripe-Signature headers.
type StripeVerifier struct {
	// Tolerance bounds the signature age; zero uses the library default.
	Tolerance time.Duration
}

// Verify returns nil when header is a valid signature of payload under secret.
func (v StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if v.Tolerance > 0 {
		return webhook.ValidatePayloadWithTolerance(payload, header, secret, v.Tolerance)
	}
	return webhook.ValidatePayload(payload, header, secret)
}
