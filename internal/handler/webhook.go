package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/rmartinelli/leadtokens/internal/billing"
	"github.com/rmartinelli/leadtokens/internal/model"
	"github.com/rmartinelli/leadtokens/internal/repository"
)

// eventBillingPaid — единственный тип события, приводящий к зачислению.
const eventBillingPaid = "billing.paid"

const signatureHeader = "X-Signature"

type webhookRequest struct {
	Event string `json:"event"`
	Data  struct {
		Billing struct {
			ID       string            `json:"id"`
			Products []billing.Product `json:"products"`
			Customer billing.Customer  `json:"customer"`
		} `json:"billing"`
		Payment struct {
			Amount float64 `json:"amount"`
			Method string  `json:"method"`
		} `json:"payment"`
	} `json:"data"`
}

type webhookResponse struct {
	Received   bool  `json:"received"`
	Processed  bool  `json:"processed,omitempty"`
	UserID     int64 `json:"userId,omitempty"`
	Tokens     int64 `json:"tokens,omitempty"`
	NewBalance int64 `json:"newBalance,omitempty"`
}

// Webhook принимает уведомление процессинга о платеже. Неподходящие события
// подтверждаются без зачисления: процессинг повторяет доставку до получения 200,
// поэтому молчать нельзя даже о том, что нас не интересует.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	if h.webhookSecret != "" {
		if !h.verifySignature(body, r.Header.Get(signatureHeader)) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.Event != eventBillingPaid {
		writeJSON(w, http.StatusOK, webhookResponse{Received: true})
		return
	}

	if req.Data.Billing.ID == "" {
		writeError(w, http.StatusBadRequest, "billing id is required")
		return
	}

	// Интеграция рассчитана на один продукт в платеже, берётся первая позиция.
	if len(req.Data.Billing.Products) == 0 {
		writeError(w, http.StatusBadRequest, "billing products are required")
		return
	}

	email := req.Data.Billing.Customer.EmailAddress()
	if email == "" {
		writeError(w, http.StatusBadRequest, "billing customer is required")
		return
	}

	res, err := h.service.SettlePayment(r.Context(), model.PaymentEvent{
		BillingID:         req.Data.Billing.ID,
		CustomerEmail:     email,
		ProductExternalID: req.Data.Billing.Products[0].ExternalID,
		AmountCents:       int64(req.Data.Payment.Amount),
		Method:            req.Data.Payment.Method,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound), errors.Is(err, repository.ErrProductNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			h.logger.Error("webhook settlement error",
				zap.Error(err),
				zap.String("billingID", req.Data.Billing.ID),
			)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	// Повторная доставка того же платежа — тоже успех: процессинг должен
	// прекратить ретраи, а баланс уже зачислен первым срабатыванием.
	writeJSON(w, http.StatusOK, webhookResponse{
		Received:   true,
		Processed:  true,
		UserID:     res.UserID,
		Tokens:     res.Tokens,
		NewBalance: res.NewBalance,
	})
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}
