// Package billing предоставляет клиент для API платёжного процессинга.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrBillingNotFound возвращается, если платёж отсутствует в списке процессинга.
var ErrBillingNotFound = errors.New("billing not found")

// UpstreamError описывает ошибочный ответ API процессинга.
// Код статуса сохраняется, чтобы endpoint мог вернуть его клиенту.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("billing api: status %d: %s", e.StatusCode, e.Message)
}

// Client инкапсулирует HTTP-взаимодействие с платёжным процессингом.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент процессинга с ретраями на транспортном уровне.
func NewClient(baseURL, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: rc.StandardClient(),
	}
}

// Product описывает позицию платежа в формате процессинга.
type Product struct {
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	Price      int64  `json:"price"`
}

// Customer описывает покупателя. Email может прийти напрямую или в metadata.
type Customer struct {
	Email    string `json:"email,omitempty"`
	Metadata struct {
		Email string `json:"email,omitempty"`
		Name  string `json:"name,omitempty"`
	} `json:"metadata,omitempty"`
}

// EmailAddress возвращает email покупателя из любого из двух мест.
func (c Customer) EmailAddress() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Metadata.Email
}

// Billing описывает платёж в ответах процессинга.
type Billing struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Status      string    `json:"status"`
	AmountCents int64     `json:"amount"`
	Method      string    `json:"method"`
	Frequency   string    `json:"frequency"`
	Products    []Product `json:"products"`
	Customer    Customer  `json:"customer"`
}

// CreateBillingRequest описывает запрос на создание платежа.
type CreateBillingRequest struct {
	Frequency     string    `json:"frequency"`
	Methods       []string  `json:"methods"`
	Products      []Product `json:"products"`
	Customer      Customer  `json:"customer"`
	ReturnURL     string    `json:"returnUrl"`
	CompletionURL string    `json:"completionUrl"`
}

type apiResponse struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// CreateBilling создаёт платёж в процессинге и возвращает его с URL оплаты.
func (c *Client) CreateBilling(ctx context.Context, req CreateBillingRequest) (*Billing, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("billing client not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/v1/billing/create", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var b Billing
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode billing: %w", err)
	}

	return &b, nil
}

// ListBillings возвращает полный список платежей. API процессинга в этой
// интеграции не поддерживает фильтрацию по id, поиск выполняет вызывающая сторона.
func (c *Client) ListBillings(ctx context.Context) ([]Billing, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("billing client not configured")
	}

	raw, err := c.do(ctx, http.MethodGet, "/v1/billing/list", nil)
	if err != nil {
		return nil, err
	}

	var list []Billing
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode billing list: %w", err)
	}

	return list, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	var parsed apiResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := parsed.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: msg}
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}

	if parsed.Error != "" {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: parsed.Error}
	}

	return parsed.Data, nil
}
