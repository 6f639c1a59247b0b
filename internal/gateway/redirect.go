package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

const (
	redirectProvider = "paypal"
	// Токен обновляется заранее, чтобы не истечь посреди запроса.
	tokenRefreshMargin = time.Minute
)

// RedirectConfig: настройки redirect-провайдера.
type RedirectConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	CancelURL    string
	BrandName    string
	HTTPClient   *http.Client
}

// RedirectGateway: провайдер, у которого плательщик одобряет платёж на своей
// странице, а сервер затем отдельно списывает деньги через Capture.
type RedirectGateway struct {
	cfg       RedirectConfig
	client    *http.Client
	converter *Converter
	logger    *log.Entry
	now       func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

type redirectLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type redirectAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type redirectCapture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type redirectOrder struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Links         []redirectLink `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []redirectCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// NewRedirectGateway создаёт redirect-шлюз. converter может быть nil,
// тогда сумма уходит провайдеру в исходной валюте.
func NewRedirectGateway(cfg RedirectConfig, converter *Converter, logger *log.Entry) *RedirectGateway {
	if logger == nil {
		logger = log.WithField("component", "redirect-gateway")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RedirectGateway{
		cfg:       cfg,
		client:    newHTTPClient(cfg.HTTPClient),
		converter: converter,
		logger:    logger,
		now:       time.Now,
	}
}

// Method возвращает способ оплаты шлюза.
func (g *RedirectGateway) Method() domain.PaymentMethod {
	return domain.PaymentMethodPayPal
}

// OpenIntent создаёт заказ у провайдера и возвращает ссылку на одобрение.
func (g *RedirectGateway) OpenIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	amount, currency := req.AmountMinor, strings.ToUpper(req.Currency)
	if g.converter != nil {
		var err error
		amount, currency, err = g.converter.Convert(req.AmountMinor, req.Currency)
		if err != nil {
			return Intent{}, err
		}
	}

	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.PurchaseID,
			"description":  req.Description,
			"amount": redirectAmount{
				CurrencyCode: currency,
				Value:        FormatMinor(amount, currency),
			},
		}},
		"application_context": map[string]string{
			"brand_name":  g.cfg.BrandName,
			"return_url":  g.cfg.ReturnURL,
			"cancel_url":  g.cfg.CancelURL,
			"user_action": "PAY_NOW",
		},
	}

	var order redirectOrder
	if err := g.call(ctx, http.MethodPost, "/v2/checkout/orders", body, req.PurchaseID, &order); err != nil {
		return Intent{}, err
	}

	approval := ""
	for _, link := range order.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			approval = link.Href
			break
		}
	}
	if approval == "" {
		return Intent{}, fmt.Errorf("%w: %s: order %s has no approval link", domain.ErrGatewayRejected, redirectProvider, order.ID)
	}

	g.logger.WithFields(log.Fields{
		"purchase_id":       req.PurchaseID,
		"transaction_id":    order.ID,
		"amount_minor":      req.AmountMinor,
		"currency":          req.Currency,
		"provider_amount":   amount,
		"provider_currency": currency,
	}).Info("redirect order opened")

	return Intent{
		TransactionID:       order.ID,
		ApprovalURL:         approval,
		ProviderAmountMinor: amount,
		ProviderCurrency:    currency,
	}, nil
}

// ConfirmIntent проверяет заказ и, если плательщик его одобрил, списывает деньги.
func (g *RedirectGateway) ConfirmIntent(ctx context.Context, transactionID string) (domain.PaymentStatus, error) {
	if transactionID == "" {
		return "", domain.ErrTransactionIDRequired
	}

	var order redirectOrder
	if err := g.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(transactionID), nil, "", &order); err != nil {
		return "", err
	}

	switch order.Status {
	case "APPROVED":
		return g.Capture(ctx, transactionID)
	case "COMPLETED":
		return domain.PaymentStatusCompleted, nil
	case "VOIDED":
		return domain.PaymentStatusFailed, nil
	default:
		return domain.PaymentStatusPending, nil
	}
}

// Capture списывает деньги по одобренному заказу.
// 422 означает, что провайдер отказал в списании (например, карта отклонена).
func (g *RedirectGateway) Capture(ctx context.Context, transactionID string) (domain.PaymentStatus, error) {
	var order redirectOrder
	err := g.call(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(transactionID)+"/capture",
		struct{}{}, "capture-"+transactionID, &order)
	if err != nil {
		if statusCodeOf(err) == http.StatusUnprocessableEntity {
			g.logger.WithError(err).WithField("transaction_id", transactionID).Warn("capture declined")
			return domain.PaymentStatusFailed, nil
		}
		return "", err
	}

	status := captureStatus(order)
	g.logger.WithFields(log.Fields{
		"transaction_id":  transactionID,
		"provider_status": order.Status,
		"status":          status,
	}).Info("redirect order captured")
	return status, nil
}

// Refund возвращает деньги по единственному capture заказа.
func (g *RedirectGateway) Refund(ctx context.Context, transactionID string, amountMinor int64, currency string) error {
	var order redirectOrder
	if err := g.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(transactionID), nil, "", &order); err != nil {
		return fmt.Errorf("redirect refund lookup %s: %w", transactionID, err)
	}

	captureID := ""
	for _, unit := range order.PurchaseUnits {
		for _, c := range unit.Payments.Captures {
			captureID = c.ID
		}
	}
	if captureID == "" {
		return fmt.Errorf("%w: %s: order %s has no capture", domain.ErrGatewayRejected, redirectProvider, transactionID)
	}

	var body any = struct{}{}
	if amountMinor > 0 && currency != "" {
		body = map[string]any{"amount": redirectAmount{CurrencyCode: currency, Value: FormatMinor(amountMinor, currency)}}
	}
	if err := g.call(ctx, http.MethodPost, "/v2/payments/captures/"+url.PathEscape(captureID)+"/refund",
		body, "refund-"+transactionID, nil); err != nil {
		return fmt.Errorf("redirect refund %s: %w", transactionID, err)
	}
	return nil
}

func captureStatus(order redirectOrder) domain.PaymentStatus {
	for _, unit := range order.PurchaseUnits {
		for _, c := range unit.Payments.Captures {
			switch c.Status {
			case "COMPLETED":
				return domain.PaymentStatusCompleted
			case "DECLINED", "FAILED":
				return domain.PaymentStatusFailed
			default:
				return domain.PaymentStatusPending
			}
		}
	}
	if order.Status == "COMPLETED" {
		return domain.PaymentStatusCompleted
	}
	return domain.PaymentStatusPending
}

func (g *RedirectGateway) call(ctx context.Context, method, path string, body any, requestID string, out any) error {
	token, err := g.accessToken(ctx)
	if err != nil {
		return err
	}

	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode redirect request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	var req *http.Request
	if payload != nil {
		req, err = http.NewRequest(method, g.cfg.BaseURL+path, payload)
	} else {
		req, err = http.NewRequest(method, g.cfg.BaseURL+path, nil)
	}
	if err != nil {
		return fmt.Errorf("build redirect request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	err = doJSON(ctx, g.client, redirectProvider, req, out)
	if statusCodeOf(err) == http.StatusUnauthorized {
		g.resetToken()
	}
	return err
}

func (g *RedirectGateway) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && g.now().Before(g.tokenExpiry) {
		return g.token, nil
	}

	req, err := http.NewRequest(http.MethodPost, g.cfg.BaseURL+"/v1/oauth2/token",
		strings.NewReader(url.Values{"grant_type": {"client_credentials"}}.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := doJSON(ctx, g.client, redirectProvider, req, &resp); err != nil {
		return "", fmt.Errorf("redirect oauth: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("%w: redirect oauth returned empty access token", domain.ErrGatewayUnavailable)
	}

	g.token = resp.AccessToken
	g.tokenExpiry = g.now().Add(time.Duration(resp.ExpiresIn)*time.Second - tokenRefreshMargin)
	return g.token, nil
}

func (g *RedirectGateway) resetToken() {
	g.mu.Lock()
	g.token = ""
	g.mu.Unlock()
}

var (
	_ Gateway  = (*RedirectGateway)(nil)
	_ Capturer = (*RedirectGateway)(nil)
	_ Refunder = (*RedirectGateway)(nil)
)
