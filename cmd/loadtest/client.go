package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
)

const idempotencyHeader = "Idempotency-Key"

var errEmptyPurchase = errors.New("initiate response returned empty purchase id")

// apiClient вызывает HTTP API покупок от имени покупателей нагрузочного прогона.
type apiClient struct {
	http    *fasthttp.Client
	baseURL string
	secret  []byte
	timeout time.Duration
	col     *collector
}

func newAPIClient(cfg config, col *collector) *apiClient {
	return &apiClient{
		http: &fasthttp.Client{
			Name:                "purchases-loadtest",
			MaxConnsPerHost:     cfg.connections,
			MaxConnWaitTimeout:  cfg.timeout,
			ReadTimeout:         cfg.timeout,
			WriteTimeout:        cfg.timeout,
			MaxIdleConnDuration: 30 * time.Second,
		},
		baseURL: cfg.baseURL,
		secret:  []byte(cfg.jwtSecret),
		timeout: cfg.timeout,
		col:     col,
	}
}

// statusError: ответ API с неожиданным кодом.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func (c *apiClient) token(customerID string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  customerID,
		"role": "customer",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString(c.secret)
}

type initiateBody struct {
	Kind   string     `json:"kind"`
	Items  []itemBody `json:"items"`
	Method string     `json:"method"`
}

type itemBody struct {
	ResourceID string `json:"resource_id"`
	Qty        int32  `json:"qty"`
}

type initiateResult struct {
	PurchaseID    string `json:"purchase_id"`
	TransactionID string `json:"transaction_id"`
	State         string `json:"state"`
}

// call выполняет POST и учитывает его в collector под именем name.
// out может быть nil, если тело ответа не нужно.
func (c *apiClient) call(name, path, bearer, idemKey string, in any, want int, out any) (int, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	if idemKey != "" {
		req.Header.Set(idempotencyHeader, idemKey)
	}
	req.SetBody(payload)

	start := time.Now()
	err = c.http.DoTimeout(req, resp, c.timeout)
	if err != nil {
		c.col.record(name, time.Since(start), 0, false)
		return 0, err
	}
	status := resp.StatusCode()
	c.col.record(name, time.Since(start), status, status == want)
	if status != want {
		return status, &statusError{status: status, body: string(resp.Body())}
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return status, fmt.Errorf("decode %s response: %w", name, err)
		}
	}
	return status, nil
}

func (c *apiClient) initiate(bearer, idemKey string, body initiateBody) (initiateResult, error) {
	var res initiateResult
	if _, err := c.call("Initiate", "/v1/purchases/initiate", bearer, idemKey, body, fasthttp.StatusCreated, &res); err != nil {
		return res, err
	}
	if res.PurchaseID == "" {
		return res, errEmptyPurchase
	}
	return res, nil
}

func (c *apiClient) confirm(bearer, transactionID string) error {
	_, err := c.call("Confirm", "/v1/purchases/confirm", bearer, "",
		map[string]string{"transaction_id": transactionID}, fasthttp.StatusOK, nil)
	return err
}

func (c *apiClient) cancel(bearer, purchaseID string) error {
	_, err := c.call("Cancel", "/v1/purchases/"+purchaseID+"/cancel", bearer, "",
		map[string]string{"reason": "load-cancel"}, fasthttp.StatusOK, nil)
	return err
}
