package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/foresightpress/storefront/internal/orders"
	"go.uber.org/zap"
)

var (
	errMissingLedger  = errors.New("webhook: order ledger is required")
	errMissingNumbers = errors.New("webhook: number source is required")
)

// Ledger is the slice of the order service the reconciler needs.
type Ledger interface {
	FindByPaymentID(ctx context.Context, paymentID string) (orders.Order, error)
	CompleteByPaymentID(ctx context.Context, paymentID, email string) (bool, error)
	Create(ctx context.Context, input orders.NewOrder) (orders.Order, error)
}

// NumberSource issues order numbers for webhook-first orders.
type NumberSource interface {
	Next(ctx context.Context) (int64, error)
	FallbackNumber() int64
}

// ProcessorConfig bundles the reconciler dependencies.
type ProcessorConfig struct {
	// Secret enables HMAC verification when non-empty.
	Secret  string
	Ledger  Ledger
	Numbers NumberSource
	Logger  *zap.Logger
}

// Processor reconciles provider payment events against the order ledger.
// The ledger ends up in the same state no matter how often a delivery is
// retried or whether it races ahead of the checkout flow's pending row.
type Processor struct {
	secret  string
	ledger  Ledger
	numbers NumberSource
	logger  *zap.Logger
}

// NewProcessor constructs a Processor with validated dependencies.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Numbers == nil {
		return nil, errMissingNumbers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		secret:  cfg.Secret,
		ledger:  cfg.Ledger,
		numbers: cfg.Numbers,
		logger:  logger,
	}, nil
}

// Process verifies and applies one raw webhook delivery.
//
// ErrSignatureInvalid is the only failure the HTTP layer surfaces to the
// provider; everything after verification is acknowledged regardless of
// outcome to keep retry storms away, so errors returned past that point are
// for logging only.
func (p *Processor) Process(ctx context.Context, body []byte, signature string) error {
	if p.secret != "" {
		if err := VerifySignature(p.secret, signature, body); err != nil {
			return err
		}
	}

	event, err := ParseEvent(body)
	if err != nil {
		p.logger.Warn("webhook payload unrecognized",
			zap.ByteString("body", body),
			zap.Error(err))
		return err
	}

	p.logger.Info("webhook event received",
		zap.String("type", event.Type),
		zap.String("payment_id", event.PaymentID),
		zap.String("payment_status", event.PayerStatus),
		zap.String("strategy", event.Strategy))

	if !event.Completed() {
		// Pending and failed payment events never mutate the ledger.
		return nil
	}
	if event.PaymentID == "" {
		p.logger.Warn("completed payment event without a correlation id",
			zap.ByteString("body", body))
		return ErrPayloadUnrecognized
	}

	return p.reconcile(ctx, event)
}

func (p *Processor) reconcile(ctx context.Context, event Event) error {
	correlationID, existing, err := p.findExisting(ctx, event)
	switch {
	case err == nil && existing.Status == orders.StatusCompleted:
		// Retried delivery; the row is already final.
		p.logger.Info("duplicate webhook delivery ignored",
			zap.String("payment_id", correlationID),
			zap.Int64("order_number", existing.OrderNumber))
		return nil

	case err == nil:
		matched, completeErr := p.ledger.CompleteByPaymentID(ctx, correlationID, event.Email)
		if completeErr != nil {
			return fmt.Errorf("completing order for payment %s: %w", correlationID, completeErr)
		}
		if !matched {
			p.logger.Warn("pending order vanished before completion",
				zap.String("payment_id", correlationID))
		}
		return nil

	case errors.Is(err, orders.ErrNotFound):
		return p.createFromEvent(ctx, event)

	default:
		return fmt.Errorf("looking up payment %s: %w", correlationID, err)
	}
}

// findExisting probes the ledger by the payment's own id first, then by the
// provider order id the checkout flow keys pending rows with.
func (p *Processor) findExisting(ctx context.Context, event Event) (string, orders.Order, error) {
	existing, err := p.ledger.FindByPaymentID(ctx, event.PaymentID)
	if err == nil || !errors.Is(err, orders.ErrNotFound) {
		return event.PaymentID, existing, err
	}
	if event.OrderID != "" && event.OrderID != event.PaymentID {
		existing, err = p.ledger.FindByPaymentID(ctx, event.OrderID)
		if err == nil || !errors.Is(err, orders.ErrNotFound) {
			return event.OrderID, existing, err
		}
	}
	return event.PaymentID, orders.Order{}, err
}

// createFromEvent handles the webhook-racing-ahead case: the provider reports
// a completed payment for which no pending row exists yet. The webhook is
// authoritative, so a completed order is created outright.
func (p *Processor) createFromEvent(ctx context.Context, event Event) error {
	number, err := p.numbers.Next(ctx)
	fallback := false
	if errors.Is(err, orders.ErrStorageUnavailable) {
		number = p.numbers.FallbackNumber()
		fallback = true
		p.logger.Warn("allocator unavailable, using fallback order number",
			zap.Int64("order_number", number),
			zap.String("payment_id", event.PaymentID))
	} else if err != nil {
		return fmt.Errorf("allocating number for payment %s: %w", event.PaymentID, err)
	}

	input := orders.NewOrder{
		OrderNumber: number,
		Email:       event.Email,
		PaymentID:   event.PaymentID,
		Status:      orders.StatusCompleted,
		Fallback:    fallback,
	}
	applyOrderDetails(&input, event)

	if _, err := p.ledger.Create(ctx, input); err != nil {
		return fmt.Errorf("creating order for payment %s: %w", event.PaymentID, err)
	}
	p.logger.Info("order created from webhook",
		zap.Int64("order_number", number),
		zap.String("payment_id", event.PaymentID))
	return nil
}

// orderMetadata mirrors the JSON stashed in the payment link note by the
// checkout flow so the webhook can recover the purchased product.
type orderMetadata struct {
	Format      string `json:"format"`
	Price       string `json:"price"`
	ProductName string `json:"productName"`
}

func applyOrderDetails(input *orders.NewOrder, event Event) {
	var meta orderMetadata
	if note := strings.TrimSpace(event.Note); note != "" {
		if err := json.Unmarshal([]byte(note), &meta); err != nil {
			meta = orderMetadata{}
		}
	}

	format, err := orders.ParseFormat(meta.Format)
	if err != nil {
		format = orders.FormatEbook
	}
	input.Format = format

	input.Price = strings.TrimSpace(meta.Price)
	if input.Price == "" && event.AmountCents > 0 {
		input.Price = formatCents(event.AmountCents)
	}
	if input.Price == "" {
		input.Price = "0.00"
	}

	input.ProductName = strings.TrimSpace(meta.ProductName)
	if input.ProductName == "" {
		input.ProductName = "4SIGHT"
	}
}

func formatCents(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
