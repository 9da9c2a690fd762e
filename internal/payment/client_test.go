package payment

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

func signedHeader(t *testing.T, payload []byte, secret string) string {
	t.Helper()

	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, secret)
	return fmt.Sprintf("t=%d,v1=%x", now.Unix(), sig)
}

func TestParseEvent_SucceededIntent(t *testing.T) {
	payload := []byte(`{
		"id": "evt_1",
		"type": "payment_intent.succeeded",
		"data": {
			"object": {
				"id": "pi_123",
				"amount": 10000,
				"metadata": {"userId": "1", "groupeId": "2", "periodNumber": "3"}
			}
		}
	}`)

	c := NewClient("sk_test", testSecret)

	intent, err := c.ParseEvent(payload, signedHeader(t, payload, testSecret))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if intent == nil {
		t.Fatalf("intent is nil, want succeeded intent")
	}
	if intent.ChargeID != "pi_123" {
		t.Fatalf("ChargeID = %q, want pi_123", intent.ChargeID)
	}
	if intent.AmountCentimes != 10000 {
		t.Fatalf("AmountCentimes = %d, want 10000", intent.AmountCentimes)
	}
	if intent.Metadata["userId"] != "1" || intent.Metadata["groupeId"] != "2" || intent.Metadata["periodNumber"] != "3" {
		t.Fatalf("unexpected metadata: %+v", intent.Metadata)
	}
}

func TestParseEvent_InvalidSignature(t *testing.T) {
	payload := []byte(`{"id": "evt_1", "type": "payment_intent.succeeded", "data": {"object": {}}}`)

	c := NewClient("sk_test", testSecret)

	_, err := c.ParseEvent(payload, signedHeader(t, payload, "whsec_other"))
	if !errors.Is(err, ErrSignature) {
		t.Fatalf("ParseEvent error = %v, want ErrSignature", err)
	}
}

func TestParseEvent_IgnoresOtherEventTypes(t *testing.T) {
	payload := []byte(`{"id": "evt_2", "type": "payment_intent.created", "data": {"object": {"id": "pi_9"}}}`)

	c := NewClient("sk_test", testSecret)

	intent, err := c.ParseEvent(payload, signedHeader(t, payload, testSecret))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if intent != nil {
		t.Fatalf("intent = %+v, want nil for ignored event type", intent)
	}
}
