package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	squareVersion        = "2024-01-18"
	productionAPIBaseURL = "https://connect.squareup.com"
	sandboxAPIBaseURL    = "https://connect.squareupsandbox.com"
	paymentLinksPath     = "/v2/online-checkout/payment-links"
	defaultClientTimeout = 15 * time.Second
)

var (
	errMissingAccessToken = errors.New("checkout: square access token required")
	errMissingLocationID  = errors.New("checkout: square location id required")
	// ErrInvalidSquareConfig wraps client construction failures.
	ErrInvalidSquareConfig = errors.New("checkout: invalid square client config")
)

// PaymentLink is the subset of the provider's payment link resource the
// storefront consumes. OrderID is the provider order behind the link and is
// the correlation key payment webhooks carry; ID is the link itself.
type PaymentLink struct {
	ID      string
	OrderID string
	URL     string
}

// PaymentLinkRequest describes the hosted checkout page to create.
type PaymentLinkRequest struct {
	Name        string
	AmountCents int64
	Currency    string
	// Note carries order metadata so the webhook can recover product details.
	Note        string
	RedirectURL string
	AskShipping bool
}

// SquareClientConfig bundles configuration for the payment links client.
type SquareClientConfig struct {
	AccessToken string
	LocationID  string
	// Environment selects the production or sandbox API host.
	Environment string
	// BaseURL overrides the environment-derived host; tests point it at a local server.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// SquareClient creates hosted checkout pages through the provider's Payment
// Links API.
type SquareClient struct {
	accessToken string
	locationID  string
	baseURL     string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewSquareClient constructs a client with validated configuration.
func NewSquareClient(cfg SquareClientConfig) (*SquareClient, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSquareConfig, errMissingAccessToken)
	}
	if strings.TrimSpace(cfg.LocationID) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSquareConfig, errMissingLocationID)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		if cfg.Environment == "production" {
			baseURL = productionAPIBaseURL
		} else {
			baseURL = sandboxAPIBaseURL
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClientTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SquareClient{
		accessToken: cfg.AccessToken,
		locationID:  cfg.LocationID,
		baseURL:     baseURL,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

type paymentLinkPayload struct {
	IdempotencyKey  string                 `json:"idempotency_key"`
	QuickPay        quickPayPayload        `json:"quick_pay"`
	CheckoutOptions checkoutOptionsPayload `json:"checkout_options"`
}

type quickPayPayload struct {
	Name       string       `json:"name"`
	PriceMoney moneyPayload `json:"price_money"`
	LocationID string       `json:"location_id"`
	Note       string       `json:"note,omitempty"`
}

type moneyPayload struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type checkoutOptionsPayload struct {
	AskForShippingAddress  bool                   `json:"ask_for_shipping_address"`
	AllowTipping           bool                   `json:"allow_tipping"`
	AcceptedPaymentMethods acceptedMethodsPayload `json:"accepted_payment_methods"`
	RedirectURL            string                 `json:"redirect_url"`
}

type acceptedMethodsPayload struct {
	ApplePay         bool `json:"apple_pay"`
	GooglePay        bool `json:"google_pay"`
	CashAppPay       bool `json:"cash_app_pay"`
	AfterpayClearpay bool `json:"afterpay_clearpay"`
}

type paymentLinkResponse struct {
	PaymentLink struct {
		ID      string `json:"id"`
		OrderID string `json:"order_id"`
		URL     string `json:"url"`
	} `json:"payment_link"`
	Errors []struct {
		Category string `json:"category"`
		Code     string `json:"code"`
		Detail   string `json:"detail"`
	} `json:"errors"`
}

// CreatePaymentLink creates a hosted checkout page. Every call carries a
// fresh idempotency key so provider-side retries cannot double-create links.
func (c *SquareClient) CreatePaymentLink(ctx context.Context, request PaymentLinkRequest) (PaymentLink, error) {
	currency := request.Currency
	if currency == "" {
		currency = "USD"
	}

	payload := paymentLinkPayload{
		IdempotencyKey: uuid.NewString(),
		QuickPay: quickPayPayload{
			Name:       request.Name,
			PriceMoney: moneyPayload{Amount: request.AmountCents, Currency: currency},
			LocationID: c.locationID,
			Note:       request.Note,
		},
		CheckoutOptions: checkoutOptionsPayload{
			AskForShippingAddress: request.AskShipping,
			AllowTipping:          false,
			AcceptedPaymentMethods: acceptedMethodsPayload{
				ApplePay:         true,
				GooglePay:        true,
				CashAppPay:       true,
				AfterpayClearpay: true,
			},
			RedirectURL: request.RedirectURL,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return PaymentLink{}, fmt.Errorf("checkout: encoding payment link request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+paymentLinksPath, bytes.NewReader(body))
	if err != nil {
		return PaymentLink{}, fmt.Errorf("checkout: building payment link request: %w", err)
	}
	httpRequest.Header.Set("Square-Version", squareVersion)
	httpRequest.Header.Set("Authorization", "Bearer "+c.accessToken)
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return PaymentLink{}, fmt.Errorf("checkout: payment link request failed: %w", err)
	}
	defer httpResponse.Body.Close()

	var decoded paymentLinkResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&decoded); err != nil {
		return PaymentLink{}, fmt.Errorf("checkout: decoding payment link response: %w", err)
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		detail := "payment link creation failed"
		if len(decoded.Errors) > 0 && decoded.Errors[0].Detail != "" {
			detail = decoded.Errors[0].Detail
		}
		c.logger.Error("square payment link rejected",
			zap.Int("status", httpResponse.StatusCode),
			zap.String("detail", detail))
		return PaymentLink{}, fmt.Errorf("checkout: %s (status %d)", detail, httpResponse.StatusCode)
	}

	if decoded.PaymentLink.URL == "" {
		return PaymentLink{}, fmt.Errorf("checkout: payment link response missing url")
	}
	return PaymentLink{ID: decoded.PaymentLink.ID, OrderID: decoded.PaymentLink.OrderID, URL: decoded.PaymentLink.URL}, nil
}
