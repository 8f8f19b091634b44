// Package service реализует бизнес-логику сервиса leadtokens.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/rmartinelli/leadtokens/internal/billing"
	"github.com/rmartinelli/leadtokens/internal/model"
	"github.com/rmartinelli/leadtokens/internal/repository"
	"github.com/rmartinelli/leadtokens/internal/validation"
)

// ErrInvalidCheckout возвращается при некорректном запросе на создание платежа.
var ErrInvalidCheckout = errors.New("invalid checkout request")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetProductByExternalID(ctx context.Context, externalID string) (*model.Product, error)
	GetProductByID(ctx context.Context, id int64) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	CreditTokens(ctx context.Context, userID, amount int64) (int64, error)
	DebitTokens(ctx context.Context, userID, amount int64) (int64, error)
	ConfirmPayment(ctx context.Context, t model.Transaction) (bool, int64, error)
	CreateCheckout(ctx context.Context, billingID string, userID, productID int64) error
	GetCheckout(ctx context.Context, billingID string) (*model.Checkout, error)
	GetPendingCheckouts(ctx context.Context, grace time.Duration, limit int) ([]model.Checkout, error)
}

// BillingClient описывает используемые сервисом операции API процессинга.
type BillingClient interface {
	CreateBilling(ctx context.Context, req billing.CreateBillingRequest) (*billing.Billing, error)
	ListBillings(ctx context.Context) ([]billing.Billing, error)
}

// Service содержит бизнес-логику сервиса leadtokens.
type Service struct {
	repo          Repository
	billingClient BillingClient
	logger        *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом процессинга.
func NewService(repo Repository, billingClient BillingClient, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:          repo,
		billingClient: billingClient,
		logger:        logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// ListProducts возвращает каталог пакетов токенов.
func (s *Service) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.repo.ListProducts(ctx)
}

// CreditTokens зачисляет токены пользователю вручную. Используется для
// ручного восстановления баланса при расхождении с журналом транзакций.
func (s *Service) CreditTokens(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errors.New("credit amount must be positive")
	}
	return s.repo.CreditTokens(ctx, userID, amount)
}

// DebitTokens списывает токены с баланса пользователя.
func (s *Service) DebitTokens(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errors.New("debit amount must be positive")
	}
	return s.repo.DebitTokens(ctx, userID, amount)
}

// SettlePayment превращает подтверждённый платёж в одно зачисление токенов.
// Оба пути доставки (webhook и сверка) сходятся сюда; идемпотентность
// обеспечивает условная вставка по billing_id в репозитории.
func (s *Service) SettlePayment(ctx context.Context, ev model.PaymentEvent) (*model.SettlementResult, error) {
	email, ok := validation.NormalizeEmail(ev.CustomerEmail)
	if !ok {
		return nil, repository.ErrUserNotFound
	}

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	product, err := s.repo.GetProductByExternalID(ctx, ev.ProductExternalID)
	if err != nil {
		return nil, err
	}

	return s.confirm(ctx, user, product, ev)
}

func (s *Service) confirm(ctx context.Context, user *model.User, product *model.Product, ev model.PaymentEvent) (*model.SettlementResult, error) {
	// Сумма и токены берутся из снимка каталога, а не из суммы платежа:
	// клиент не должен влиять на размер зачисления. Сумма процессинга
	// используется только если в каталоге нет цены.
	value := product.PriceCents
	if value == 0 {
		value = ev.AmountCents
	}

	recorded, newBalance, err := s.repo.ConfirmPayment(ctx, model.Transaction{
		UserID:     user.ID,
		ProductID:  product.ID,
		BillingID:  ev.BillingID,
		ValueCents: value,
		Tokens:     product.Tokens,
		Method:     ev.Method,
	})
	if err != nil {
		return nil, err
	}

	if recorded {
		s.logger.Info("payment settled",
			zap.String("billingID", ev.BillingID),
			zap.Int64("userID", user.ID),
			zap.Int64("tokens", product.Tokens),
		)
	} else {
		s.logger.Info("payment already settled",
			zap.String("billingID", ev.BillingID),
			zap.Int64("userID", user.ID),
		)
	}

	return &model.SettlementResult{
		Recorded:   recorded,
		UserID:     user.ID,
		Tokens:     product.Tokens,
		NewBalance: newBalance,
	}, nil
}

// CheckoutRequest описывает запрос на создание платежа в процессинге.
type CheckoutRequest struct {
	Frequency     string
	Methods       []string
	Products      []billing.Product
	Customer      billing.Customer
	ReturnURL     string
	CompletionURL string
}

// CheckoutResult содержит URL оплаты и идентификатор платежа процессинга.
type CheckoutResult struct {
	CheckoutURL   string
	TransactionID string
}

// CreateCheckout пересылает запрос в процессинг и сохраняет выданный
// идентификатор платежа для последующей сверки.
func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if s.billingClient == nil {
		return nil, errors.New("billing client not configured")
	}

	if len(req.Products) == 0 || len(req.Methods) == 0 {
		return nil, ErrInvalidCheckout
	}

	email, ok := validation.NormalizeEmail(req.Customer.EmailAddress())
	if !ok {
		return nil, ErrInvalidCheckout
	}

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	product, err := s.repo.GetProductByExternalID(ctx, req.Products[0].ExternalID)
	if err != nil {
		return nil, err
	}

	// Цена в запросе к процессингу берётся из каталога, а не от клиента.
	if product.PriceCents > 0 {
		req.Products[0].Price = product.PriceCents
	}

	b, err := s.billingClient.CreateBilling(ctx, billing.CreateBillingRequest{
		Frequency:     req.Frequency,
		Methods:       req.Methods,
		Products:      req.Products,
		Customer:      req.Customer,
		ReturnURL:     req.ReturnURL,
		CompletionURL: req.CompletionURL,
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateCheckout(ctx, b.ID, user.ID, product.ID); err != nil {
		// Платёж в процессинге уже создан; без записи checkout серверная
		// сверка его не увидит, но webhook-путь продолжит работать.
		s.logger.Error("save checkout failed", zap.Error(err), zap.String("billingID", b.ID))
	}

	return &CheckoutResult{
		CheckoutURL:   b.URL,
		TransactionID: b.ID,
	}, nil
}

// ReconcileResult содержит результат сверки платежа со списком процессинга.
type ReconcileResult struct {
	TransactionID     string
	Status            model.PaymentStatus
	ProductExternalID string
	Recorded          bool
}

// ReconcilePayment запрашивает список платежей процессинга, находит платёж по
// идентификатору и, если он оплачен, выполняет то же зачисление, что и webhook.
// Список может отставать от редиректа, поэтому при промахе запрос повторяется
// с экспоненциальной задержкой.
func (s *Service) ReconcilePayment(ctx context.Context, billingID string) (*ReconcileResult, error) {
	if s.billingClient == nil {
		return nil, errors.New("billing client not configured")
	}

	var found *billing.Billing

	backoff := retry.WithMaxRetries(3, retry.NewExponential(300*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		list, err := s.billingClient.ListBillings(ctx)
		if err != nil {
			return err
		}

		for i := range list {
			if list[i].ID == billingID {
				found = &list[i]
				return nil
			}
		}

		return retry.RetryableError(billing.ErrBillingNotFound)
	})
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{
		TransactionID: billingID,
		Status:        mapBillingStatus(found.Status),
	}
	if len(found.Products) > 0 {
		res.ProductExternalID = found.Products[0].ExternalID
	}

	if res.Status != model.PaymentStatusPaid {
		return res, nil
	}

	settled, err := s.settleListed(ctx, found)
	if err != nil {
		return nil, err
	}
	res.Recorded = settled.Recorded

	return res, nil
}

// settleListed выполняет зачисление по записи из списка процессинга. Если в
// записи нет email покупателя, стороны платежа восстанавливаются из
// сохранённого checkout по внутренним идентификаторам.
func (s *Service) settleListed(ctx context.Context, b *billing.Billing) (*model.SettlementResult, error) {
	ev := model.PaymentEvent{
		BillingID:   b.ID,
		AmountCents: b.AmountCents,
		Method:      b.Method,
	}
	if len(b.Products) > 0 {
		ev.ProductExternalID = b.Products[0].ExternalID
	}

	if email := b.Customer.EmailAddress(); email != "" && ev.ProductExternalID != "" {
		ev.CustomerEmail = email
		return s.SettlePayment(ctx, ev)
	}

	checkout, err := s.repo.GetCheckout(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.GetUserByID(ctx, checkout.UserID)
	if err != nil {
		return nil, err
	}

	product, err := s.repo.GetProductByID(ctx, checkout.ProductID)
	if err != nil {
		return nil, err
	}

	return s.confirm(ctx, user, product, ev)
}

func mapBillingStatus(status string) model.PaymentStatus {
	switch status {
	case "PAID", "COMPLETED":
		return model.PaymentStatusPaid
	case "CANCELLED", "EXPIRED", "REFUNDED", "FAILED":
		return model.PaymentStatusFailed
	default:
		return model.PaymentStatusPending
	}
}

// StartReconciliation запускает фоновую сверку незавершённых платежей.
// Это компенсация на случай потерянного webhook: платежи старше льготного
// периода перепроверяются по списку процессинга и зачисляются, если оплачены.
func (s *Service) StartReconciliation(ctx context.Context) {
	if s.billingClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processPendingBatch(ctx)
			}
		}
	}()
}

func (s *Service) processPendingBatch(ctx context.Context) {
	pending, err := s.repo.GetPendingCheckouts(ctx, 5*time.Minute, 100)
	if err != nil || len(pending) == 0 {
		return
	}

	list, err := s.billingClient.ListBillings(ctx)
	if err != nil {
		s.logger.Warn("background reconciliation: list billings failed", zap.Error(err))
		return
	}

	byID := make(map[string]*billing.Billing, len(list))
	for i := range list {
		byID[list[i].ID] = &list[i]
	}

	for _, c := range pending {
		b, ok := byID[c.BillingID]
		if !ok || mapBillingStatus(b.Status) != model.PaymentStatusPaid {
			continue
		}

		if _, err := s.settleListed(ctx, b); err != nil {
			s.logger.Error("background reconciliation: settle failed",
				zap.Error(err),
				zap.String("billingID", c.BillingID),
			)
		}
	}
}
