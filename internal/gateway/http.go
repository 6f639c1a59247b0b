package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/version"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	maxErrorBody       = 4 << 10
)

// APIError: ответ провайдера с неуспешным HTTP-статусом.
// errors.Is сопоставляет его с ErrGatewayUnavailable, ErrGatewayRejected или ErrTransactionNotFound.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return domain.ErrTransactionNotFound
	case code == http.StatusTooManyRequests || code >= 500:
		return domain.ErrGatewayUnavailable
	default:
		return domain.ErrGatewayRejected
	}
}

func newHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// doJSON выполняет запрос и декодирует JSON-ответ в out (если out != nil).
func doJSON(ctx context.Context, client *http.Client, provider string, req *http.Request, out any) error {
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrGatewayUnavailable, provider, ctxErr)
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrGatewayUnavailable, provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Body:       string(body),
			kind:       classifyStatus(resp.StatusCode),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", domain.ErrGatewayUnavailable, provider, err)
	}
	return nil
}

func statusCodeOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
