package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrPayloadUnrecognized indicates the body matched none of the known payment
// payload shapes. Deliveries carrying it are acknowledged, logged, and ignored.
var ErrPayloadUnrecognized = errors.New("webhook: unrecognized payload shape")

// Event is a payment event normalized out of a provider webhook body.
type Event struct {
	Type      string
	PaymentID string
	// OrderID is the provider order behind the payment, when present. The
	// checkout flow keys pending rows by it, so reconciliation tries both ids.
	OrderID     string
	Email       string
	PayerStatus string
	AmountCents int64
	Currency    string
	Note        string
	// Strategy names the extraction strategy that matched, for observability.
	Strategy string
}

// Completed reports whether the provider considers the payment finished.
func (e Event) Completed() bool {
	return strings.EqualFold(e.PayerStatus, "COMPLETED")
}

type envelope struct {
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
	Object json.RawMessage `json:"object"`
}

type paymentPayload struct {
	ID                   string        `json:"id"`
	OrderID              string        `json:"order_id"`
	Status               string        `json:"status"`
	Note                 string        `json:"note"`
	BuyerEmailAddress    string        `json:"buyer_email_address"`
	CustomerEmailAddress string        `json:"customer_email_address"`
	AmountMoney          *moneyPayload `json:"amount_money"`
}

type moneyPayload struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// ParseEvent probes the known payload shapes in order and normalizes the
// first one that looks like a payment object. The provider has shipped the
// payment under data.object.payment, data.object, object, and the root at
// different times, so all four are tried.
func ParseEvent(body []byte) (Event, error) {
	var outer envelope
	if err := json.Unmarshal(body, &outer); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrPayloadUnrecognized, err)
	}

	for _, candidate := range extractionOrder(outer, body) {
		if len(candidate.raw) == 0 {
			continue
		}
		var payment paymentPayload
		if err := json.Unmarshal(candidate.raw, &payment); err != nil {
			continue
		}
		if payment.ID == "" && payment.OrderID == "" {
			continue
		}
		return newEvent(outer.Type, payment, candidate.name), nil
	}

	return Event{}, ErrPayloadUnrecognized
}

type extractionCandidate struct {
	name string
	raw  json.RawMessage
}

func extractionOrder(outer envelope, body []byte) []extractionCandidate {
	candidates := make([]extractionCandidate, 0, 4)

	if len(outer.Data.Object) > 0 {
		var nested struct {
			Payment json.RawMessage `json:"payment"`
		}
		if err := json.Unmarshal(outer.Data.Object, &nested); err == nil && len(nested.Payment) > 0 {
			candidates = append(candidates, extractionCandidate{name: "data.object.payment", raw: nested.Payment})
		}
		candidates = append(candidates, extractionCandidate{name: "data.object", raw: outer.Data.Object})
	}
	if len(outer.Object) > 0 {
		candidates = append(candidates, extractionCandidate{name: "object", raw: outer.Object})
	}
	candidates = append(candidates, extractionCandidate{name: "root", raw: body})

	return candidates
}

func newEvent(eventType string, payment paymentPayload, strategy string) Event {
	paymentID := payment.ID
	if paymentID == "" {
		paymentID = payment.OrderID
	}

	email := strings.TrimSpace(payment.BuyerEmailAddress)
	if email == "" {
		email = strings.TrimSpace(payment.CustomerEmailAddress)
	}

	event := Event{
		Type:        eventType,
		PaymentID:   paymentID,
		OrderID:     payment.OrderID,
		Email:       email,
		PayerStatus: payment.Status,
		Note:        payment.Note,
		Strategy:    strategy,
	}
	if payment.AmountMoney != nil {
		event.AmountCents = payment.AmountMoney.Amount
		event.Currency = payment.AmountMoney.Currency
	}
	if event.Currency == "" {
		event.Currency = "USD"
	}
	return event
}
