package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/foresightpress/storefront/internal/orders"
	"go.uber.org/zap"
)

var (
	errMissingLinks     = errors.New("checkout: payment link creator is required")
	errMissingLedger    = errors.New("checkout: order ledger is required")
	errMissingAllocator = errors.New("checkout: allocator is required")
	// ErrInvalidPrice indicates the submitted price could not be parsed.
	ErrInvalidPrice = errors.New("checkout: invalid price")
)

const defaultProductName = "4SIGHT"

// PaymentLinkCreator abstracts the hosted checkout provider.
type PaymentLinkCreator interface {
	CreatePaymentLink(ctx context.Context, request PaymentLinkRequest) (PaymentLink, error)
}

// ServiceConfig bundles the checkout-initiation dependencies.
type ServiceConfig struct {
	Links     PaymentLinkCreator
	Ledger    *orders.Service
	Allocator *orders.Allocator
	// BaseURL is the public site origin used to build the success redirect.
	BaseURL string
	Logger  *zap.Logger
}

// Service drives the synchronous half of order creation: reserve a number,
// create the hosted checkout page, persist the pending ledger row.
type Service struct {
	links     PaymentLinkCreator
	ledger    *orders.Service
	allocator *orders.Allocator
	baseURL   string
	logger    *zap.Logger
}

// NewService constructs the checkout service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Links == nil {
		return nil, errMissingLinks
	}
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Allocator == nil {
		return nil, errMissingAllocator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		links:     cfg.Links,
		ledger:    cfg.Ledger,
		allocator: cfg.Allocator,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		logger:    logger,
	}, nil
}

// Request is a validated checkout-initiation request.
type Request struct {
	Format      orders.Format
	Price       string
	ProductName string
	Email       string
}

// Result is returned to the buyer's browser.
type Result struct {
	CheckoutURL string `json:"checkoutUrl"`
	OrderNumber int64  `json:"orderNumber"`
}

// Begin reserves an order number, creates the hosted checkout page whose
// redirect URL carries that number, and records a pending ledger row keyed by
// the provider's order identifier.
//
// A failed ledger write does not block the buyer: the checkout URL is
// returned anyway and the miss is logged for manual reconciliation, because
// the webhook can still create the row later.
func (s *Service) Begin(ctx context.Context, request Request) (Result, error) {
	amountCents, err := parsePriceCents(request.Price)
	if err != nil {
		return Result{}, err
	}

	productName := strings.TrimSpace(request.ProductName)
	if productName == "" {
		productName = defaultProductName
	}

	orderNumber, fallback, err := s.reserveNumber(ctx)
	if err != nil {
		return Result{}, err
	}

	metadata, err := json.Marshal(map[string]string{
		"format":      string(request.Format),
		"price":       request.Price,
		"productName": productName,
	})
	if err != nil {
		return Result{}, fmt.Errorf("checkout: encoding order metadata: %w", err)
	}

	link, err := s.links.CreatePaymentLink(ctx, PaymentLinkRequest{
		Name:        productName,
		AmountCents: amountCents,
		Currency:    "USD",
		Note:        string(metadata),
		RedirectURL: fmt.Sprintf("%s/checkout/success?orderNumber=%d", s.baseURL, orderNumber),
		AskShipping: request.Format == orders.FormatPaperback,
	})
	if err != nil {
		return Result{}, err
	}

	// The payment webhook correlates by the provider order behind the link,
	// so the pending row is keyed by that when the provider returns it.
	correlationID := link.OrderID
	if correlationID == "" {
		correlationID = link.ID
	}

	if _, err := s.ledger.Create(ctx, orders.NewOrder{
		OrderNumber: orderNumber,
		Email:       request.Email,
		Format:      request.Format,
		Price:       request.Price,
		ProductName: productName,
		PaymentID:   correlationID,
		Status:      orders.StatusPending,
		Fallback:    fallback,
	}); err != nil {
		s.logger.Error("pending order write failed, checkout proceeds",
			zap.Int64("order_number", orderNumber),
			zap.String("payment_id", correlationID),
			zap.Error(err))
	}

	return Result{CheckoutURL: link.URL, OrderNumber: orderNumber}, nil
}

// reserveNumber allocates the next order number, degrading to a tagged
// timestamp-derived number when the counter store is unreachable.
func (s *Service) reserveNumber(ctx context.Context) (int64, bool, error) {
	number, err := s.allocator.Next(ctx)
	if err == nil {
		return number, false, nil
	}
	if errors.Is(err, orders.ErrStorageUnavailable) {
		fallbackNumber := s.allocator.FallbackNumber()
		s.logger.Warn("allocator unavailable, issuing fallback order number",
			zap.Int64("order_number", fallbackNumber),
			zap.Error(err))
		return fallbackNumber, true, nil
	}
	return 0, false, err
}

func parsePriceCents(price string) (int64, error) {
	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidPrice)
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, price)
	}
	return int64(math.Round(value * 100)), nil
}
