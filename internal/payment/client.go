// Package payment предоставляет клиент внешней платёжной системы Stripe.
package payment

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrSignature возвращается, если подпись webhook-события не прошла проверку.
var ErrSignature = errors.New("webhook signature verification failed")

// IntentMetadata — сведения о взносе, которые платёжная система возвращает
// в webhook-событии вместе с подтверждением.
type IntentMetadata struct {
	UserID       string
	GroupeID     string
	PeriodNumber string
}

// SucceededIntent описывает подтверждённый платёж из webhook-события.
type SucceededIntent struct {
	ChargeID       string
	AmountCentimes int64
	Metadata       map[string]string
}

// Client инкапсулирует взаимодействие со Stripe: создание payment intent
// и проверку подписи входящих webhook-событий.
type Client struct {
	webhookSecret string
}

// NewClient настраивает API-ключ Stripe и возвращает клиент.
func NewClient(secretKey, webhookSecret string) *Client {
	stripe.Key = secretKey
	return &Client{webhookSecret: webhookSecret}
}

// CreateIntent создаёт payment intent на указанную сумму в сантимах
// и возвращает client secret для фронтенда.
func (c *Client) CreateIntent(amountCentimes int64, currency string, meta IntentMetadata) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCentimes),
		Currency: stripe.String(currency),
		Metadata: map[string]string{
			"userId":       meta.UserID,
			"groupeId":     meta.GroupeID,
			"periodNumber": meta.PeriodNumber,
		},
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", fmt.Errorf("create payment intent: %w", err)
	}

	return pi.ClientSecret, nil
}

// ParseEvent проверяет подпись webhook-события и возвращает данные
// подтверждённого платежа. Для событий остальных типов возвращает nil.
func (c *Client) ParseEvent(payload []byte, sigHeader string) (*SucceededIntent, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	if event.Type != "payment_intent.succeeded" {
		return nil, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}

	return &SucceededIntent{
		ChargeID:       pi.ID,
		AmountCentimes: pi.Amount,
		Metadata:       pi.Metadata,
	}, nil
}
