// Package handler содержит HTTP-обработчики API сервиса leadtokens.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/rmartinelli/leadtokens/internal/billing"
	"github.com/rmartinelli/leadtokens/internal/model"
	"github.com/rmartinelli/leadtokens/internal/repository"
	"github.com/rmartinelli/leadtokens/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ListProducts(ctx context.Context) ([]model.Product, error)
	CreditTokens(ctx context.Context, userID, amount int64) (int64, error)
	DebitTokens(ctx context.Context, userID, amount int64) (int64, error)
	SettlePayment(ctx context.Context, ev model.PaymentEvent) (*model.SettlementResult, error)
	CreateCheckout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	ReconcilePayment(ctx context.Context, billingID string) (*service.ReconcileResult, error)
}

// Handler реализует HTTP-обработчики API сервиса leadtokens.
type Handler struct {
	service       Service
	logger        *zap.Logger
	webhookSecret string
	allowedOrigin string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, webhookSecret, allowedOrigin string) *Handler {
	return &Handler{
		service:       s,
		logger:        logger,
		webhookSecret: webhookSecret,
		allowedOrigin: allowedOrigin,
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, statusCode int, msg string) {
	writeJSON(w, statusCode, errorResponse{Error: msg})
}

type productResponse struct {
	ID         int64   `json:"id"`
	ExternalID string  `json:"externalId"`
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	Tokens     int64   `json:"tokens"`
	Popular    bool    `json:"popular"`
}

// GetProducts возвращает каталог пакетов токенов.
func (h *Handler) GetProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		h.logger.Error("list products error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, productResponse{
			ID:         p.ID,
			ExternalID: p.ExternalID,
			Name:       p.Name,
			Price:      float64(p.PriceCents) / 100,
			Tokens:     p.Tokens,
			Popular:    p.Popular,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type checkoutRequest struct {
	Frequency     string            `json:"frequency"`
	Methods       []string          `json:"methods"`
	Products      []billing.Product `json:"products"`
	Customer      billing.Customer  `json:"customer"`
	ReturnURL     string            `json:"returnUrl"`
	CompletionURL string            `json:"completionUrl"`
}

type checkoutResponse struct {
	CheckoutURL   string `json:"checkoutUrl"`
	TransactionID string `json:"transactionId"`
}

// CreateCheckout пересылает запрос на создание платежа в процессинг.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	res, err := h.service.CreateCheckout(r.Context(), service.CheckoutRequest{
		Frequency:     req.Frequency,
		Methods:       req.Methods,
		Products:      req.Products,
		Customer:      req.Customer,
		ReturnURL:     req.ReturnURL,
		CompletionURL: req.CompletionURL,
	})
	if err != nil {
		h.respondCheckoutError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{
		CheckoutURL:   res.CheckoutURL,
		TransactionID: res.TransactionID,
	})
}

func (h *Handler) respondCheckoutError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCheckout):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrUserNotFound), errors.Is(err, repository.ErrProductNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		var upstream *billing.UpstreamError
		if errors.As(err, &upstream) {
			writeError(w, upstream.StatusCode, upstream.Message)
			return
		}
		h.logger.Error("create checkout error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type statusRequest struct {
	TransactionID string `json:"transactionId"`
}

type statusResponse struct {
	Status            string `json:"status"`
	TransactionID     string `json:"transactionId"`
	ProductExternalID string `json:"productExternalId,omitempty"`
	Recorded          bool   `json:"recorded"`
}

// CheckoutStatus выполняет сверку платежа по возвращении из оплаты:
// находит платёж в списке процессинга и при статусе paid зачисляет токены
// тем же путём, что и webhook.
func (h *Handler) CheckoutStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "transactionId is required")
		return
	}

	res, err := h.service.ReconcilePayment(r.Context(), req.TransactionID)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrBillingNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, repository.ErrUserNotFound),
			errors.Is(err, repository.ErrProductNotFound),
			errors.Is(err, repository.ErrCheckoutNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			var upstream *billing.UpstreamError
			if errors.As(err, &upstream) {
				writeError(w, upstream.StatusCode, upstream.Message)
				return
			}
			h.logger.Error("checkout status error", zap.Error(err), zap.String("transactionID", req.TransactionID))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:            string(res.Status),
		TransactionID:     res.TransactionID,
		ProductExternalID: res.ProductExternalID,
		Recorded:          res.Recorded,
	})
}

type tokensRequest struct {
	UserID int64 `json:"userId"`
	Amount int64 `json:"amount"`
}

type tokensResponse struct {
	NewBalance int64 `json:"newBalance"`
}

// CreditTokens зачисляет токены пользователю вручную.
func (h *Handler) CreditTokens(w http.ResponseWriter, r *http.Request) {
	h.adjustTokens(w, r, h.service.CreditTokens)
}

// DebitTokens списывает токены с баланса пользователя.
func (h *Handler) DebitTokens(w http.ResponseWriter, r *http.Request) {
	h.adjustTokens(w, r, h.service.DebitTokens)
}

func (h *Handler) adjustTokens(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, int64) (int64, error)) {
	var req tokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.UserID <= 0 || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "userId and positive amount are required")
		return
	}

	balance, err := op(r.Context(), req.UserID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, repository.ErrInsufficientBalance):
			writeError(w, http.StatusPaymentRequired, err.Error())
		default:
			h.logger.Error("adjust tokens error", zap.Error(err), zap.Int64("userID", req.UserID))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, tokensResponse{NewBalance: balance})
}
