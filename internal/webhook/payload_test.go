package webhook

import (
	"errors"
	"testing"
)

func TestParseEventNestedUnderDataObjectPayment(t *testing.T) {
	body := []byte(`{
		"type": "payment.updated",
		"data": {"object": {"payment": {
			"id": "pay_1",
			"status": "COMPLETED",
			"buyer_email_address": "a@b.com",
			"amount_money": {"amount": 499, "currency": "USD"}
		}}}
	}`)

	event, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Strategy != "data.object.payment" {
		t.Fatalf("unexpected strategy: %q", event.Strategy)
	}
	if event.PaymentID != "pay_1" || event.Email != "a@b.com" || event.AmountCents != 499 {
		t.Fatalf("unexpected event: %+v", event)
	}
	if !event.Completed() {
		t.Fatalf("expected a completed event")
	}
}

func TestParseEventUnderDataObject(t *testing.T) {
	body := []byte(`{
		"type": "payment.created",
		"data": {"object": {"id": "pay_2", "status": "PENDING"}}
	}`)

	event, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Strategy != "data.object" {
		t.Fatalf("unexpected strategy: %q", event.Strategy)
	}
	if event.Completed() {
		t.Fatalf("a pending payment must not report completed")
	}
}

func TestParseEventUnderObject(t *testing.T) {
	body := []byte(`{"object": {"order_id": "ord_3", "status": "completed"}}`)

	event, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Strategy != "object" {
		t.Fatalf("unexpected strategy: %q", event.Strategy)
	}
	if event.PaymentID != "ord_3" {
		t.Fatalf("order_id should back the correlation id: %+v", event)
	}
	if !event.Completed() {
		t.Fatalf("status matching should be case-insensitive")
	}
}

func TestParseEventAtRoot(t *testing.T) {
	body := []byte(`{"id": "pay_4", "status": "COMPLETED", "customer_email_address": "c@d.com"}`)

	event, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Strategy != "root" {
		t.Fatalf("unexpected strategy: %q", event.Strategy)
	}
	if event.Email != "c@d.com" {
		t.Fatalf("customer email should back the buyer email: %+v", event)
	}
}

func TestParseEventRejectsUnrecognizedShapes(t *testing.T) {
	for _, body := range []string{
		`{"hello": "world"}`,
		`not json at all`,
		`{"data": {"object": {"status": "COMPLETED"}}}`,
	} {
		_, err := ParseEvent([]byte(body))
		if !errors.Is(err, ErrPayloadUnrecognized) {
			t.Fatalf("expected ErrPayloadUnrecognized for %s, got %v", body, err)
		}
	}
}

func TestParseEventDefaultsCurrency(t *testing.T) {
	body := []byte(`{"id": "pay_5", "status": "COMPLETED", "amount_money": {"amount": 1499}}`)

	event, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Currency != "USD" {
		t.Fatalf("unexpected currency default: %q", event.Currency)
	}
}
