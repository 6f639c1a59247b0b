package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

const cardProvider = "card"

// CardConfig: настройки карточного провайдера с payment intents.
type CardConfig struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// CardGateway работает с API в стиле payment intents: клиент подтверждает
// платёж в браузере по client secret, сервер проверяет итоговый статус.
type CardGateway struct {
	baseURL   string
	secretKey string
	client    *http.Client
	logger    *log.Entry
}

type cardIntentResponse struct {
	ID               string `json:"id"`
	ClientSecret     string `json:"client_secret"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// NewCardGateway создаёт карточный шлюз.
func NewCardGateway(cfg CardConfig, logger *log.Entry) *CardGateway {
	if logger == nil {
		logger = log.WithField("component", "card-gateway")
	}
	return &CardGateway{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		secretKey: cfg.SecretKey,
		client:    newHTTPClient(cfg.HTTPClient),
		logger:    logger,
	}
}

// Method возвращает способ оплаты шлюза.
func (g *CardGateway) Method() domain.PaymentMethod {
	return domain.PaymentMethodCard
}

// OpenIntent создаёт payment intent и возвращает client secret.
func (g *CardGateway) OpenIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountMinor, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata[purchase_id]", req.PurchaseID)
	if req.Description != "" {
		form.Set("description", req.Description)
	}

	var resp cardIntentResponse
	if err := g.post(ctx, "/v1/payment_intents", form, req.PurchaseID, &resp); err != nil {
		return Intent{}, err
	}

	g.logger.WithFields(log.Fields{
		"purchase_id":    req.PurchaseID,
		"transaction_id": resp.ID,
		"amount_minor":   req.AmountMinor,
		"currency":       req.Currency,
	}).Info("card payment intent opened")

	return Intent{
		TransactionID:       resp.ID,
		ClientSecret:        resp.ClientSecret,
		ProviderAmountMinor: req.AmountMinor,
		ProviderCurrency:    strings.ToUpper(req.Currency),
	}, nil
}

// ConfirmIntent читает intent и при необходимости подтверждает его на стороне сервера.
// Одобрение плательщиком и списание здесь один шаг.
func (g *CardGateway) ConfirmIntent(ctx context.Context, transactionID string) (domain.PaymentStatus, error) {
	if transactionID == "" {
		return "", domain.ErrTransactionIDRequired
	}

	var resp cardIntentResponse
	if err := g.get(ctx, "/v1/payment_intents/"+url.PathEscape(transactionID), &resp); err != nil {
		return "", err
	}

	if resp.Status == "requires_confirmation" {
		if err := g.post(ctx, "/v1/payment_intents/"+url.PathEscape(transactionID)+"/confirm", url.Values{}, "", &resp); err != nil {
			return "", err
		}
	}

	status := cardStatus(resp)
	g.logger.WithFields(log.Fields{
		"transaction_id":  transactionID,
		"provider_status": resp.Status,
		"status":          status,
	}).Info("card payment intent checked")
	return status, nil
}

// Refund возвращает списанную сумму целиком или частично.
func (g *CardGateway) Refund(ctx context.Context, transactionID string, amountMinor int64, _ string) error {
	form := url.Values{}
	form.Set("payment_intent", transactionID)
	if amountMinor > 0 {
		form.Set("amount", strconv.FormatInt(amountMinor, 10))
	}

	if err := g.post(ctx, "/v1/refunds", form, "refund-"+transactionID, nil); err != nil {
		return fmt.Errorf("card refund %s: %w", transactionID, err)
	}
	return nil
}

func cardStatus(resp cardIntentResponse) domain.PaymentStatus {
	switch resp.Status {
	case "succeeded":
		return domain.PaymentStatusCompleted
	case "canceled":
		return domain.PaymentStatusFailed
	case "requires_payment_method":
		// После неудачной попытки провайдер возвращает intent в это состояние.
		if resp.LastPaymentError != nil {
			return domain.PaymentStatusFailed
		}
		return domain.PaymentStatusPending
	default:
		return domain.PaymentStatusPending
	}
}

func (g *CardGateway) post(ctx context.Context, path string, form url.Values, idempotencyKey string, out any) error {
	req, err := http.NewRequest(http.MethodPost, g.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build card request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	req.SetBasicAuth(g.secretKey, "")
	return doJSON(ctx, g.client, cardProvider, req, out)
}

func (g *CardGateway) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build card request: %w", err)
	}
	req.SetBasicAuth(g.secretKey, "")
	return doJSON(ctx, g.client, cardProvider, req, out)
}

var (
	_ Gateway  = (*CardGateway)(nil)
	_ Refunder = (*CardGateway)(nil)
)
