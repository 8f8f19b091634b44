package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rmartinelli/leadtokens/internal/billing"
	"github.com/rmartinelli/leadtokens/internal/model"
	"github.com/rmartinelli/leadtokens/internal/repository"
)

// stubRepo воспроизводит в памяти контракт репозитория, включая условную
// вставку транзакции по billing_id.
type stubRepo struct {
	users    map[int64]*model.User
	products map[string]*model.Product

	transactions map[string]model.Transaction
	checkouts    map[string]*model.Checkout

	confirmErr error
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		users:        make(map[int64]*model.User),
		products:     make(map[string]*model.Product),
		transactions: make(map[string]model.Transaction),
		checkouts:    make(map[string]*model.Checkout),
	}
}

func (s *stubRepo) addUser(u model.User) *model.User {
	s.users[u.ID] = &u
	return &u
}

func (s *stubRepo) addProduct(p model.Product) *model.Product {
	s.products[p.ExternalID] = &p
	return &p
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (s *stubRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, repository.ErrUserNotFound
}

func (s *stubRepo) GetProductByExternalID(ctx context.Context, externalID string) (*model.Product, error) {
	if p, ok := s.products[externalID]; ok {
		return p, nil
	}
	return nil, repository.ErrProductNotFound
}

func (s *stubRepo) GetProductByID(ctx context.Context, id int64) (*model.Product, error) {
	for _, p := range s.products {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, repository.ErrProductNotFound
}

func (s *stubRepo) ListProducts(ctx context.Context) ([]model.Product, error) {
	var res []model.Product
	for _, p := range s.products {
		res = append(res, *p)
	}
	return res, nil
}

func (s *stubRepo) CreditTokens(ctx context.Context, userID, amount int64) (int64, error) {
	u, ok := s.users[userID]
	if !ok {
		return 0, repository.ErrUserNotFound
	}
	u.Balance += amount
	return u.Balance, nil
}

func (s *stubRepo) DebitTokens(ctx context.Context, userID, amount int64) (int64, error) {
	u, ok := s.users[userID]
	if !ok {
		return 0, repository.ErrUserNotFound
	}
	if u.Balance < amount {
		return 0, repository.ErrInsufficientBalance
	}
	u.Balance -= amount
	return u.Balance, nil
}

func (s *stubRepo) ConfirmPayment(ctx context.Context, t model.Transaction) (bool, int64, error) {
	if s.confirmErr != nil {
		return false, 0, s.confirmErr
	}

	u, ok := s.users[t.UserID]
	if !ok {
		return false, 0, repository.ErrUserNotFound
	}

	if _, exists := s.transactions[t.BillingID]; exists {
		return false, u.Balance, nil
	}

	s.transactions[t.BillingID] = t
	u.Balance += t.Tokens
	if c, ok := s.checkouts[t.BillingID]; ok {
		c.Settled = true
	}
	return true, u.Balance, nil
}

func (s *stubRepo) CreateCheckout(ctx context.Context, billingID string, userID, productID int64) error {
	s.checkouts[billingID] = &model.Checkout{
		BillingID: billingID,
		UserID:    userID,
		ProductID: productID,
		CreatedAt: time.Now(),
	}
	return nil
}

func (s *stubRepo) GetCheckout(ctx context.Context, billingID string) (*model.Checkout, error) {
	if c, ok := s.checkouts[billingID]; ok {
		return c, nil
	}
	return nil, repository.ErrCheckoutNotFound
}

func (s *stubRepo) GetPendingCheckouts(ctx context.Context, grace time.Duration, limit int) ([]model.Checkout, error) {
	var res []model.Checkout
	for _, c := range s.checkouts {
		if !c.Settled {
			res = append(res, *c)
		}
	}
	return res, nil
}

type stubBilling struct {
	created   *billing.Billing
	createErr error

	list      []billing.Billing
	listErr   error
	listCalls int
}

func (s *stubBilling) CreateBilling(ctx context.Context, req billing.CreateBillingRequest) (*billing.Billing, error) {
	return s.created, s.createErr
}

func (s *stubBilling) ListBillings(ctx context.Context) ([]billing.Billing, error) {
	s.listCalls++
	return s.list, s.listErr
}

func paidEvent() model.PaymentEvent {
	return model.PaymentEvent{
		BillingID:         "bill_1",
		CustomerEmail:     "a@b.com",
		ProductExternalID: "ext_9",
		AmountCents:       3450,
		Method:            "PIX",
	}
}

func TestSettlePayment_CreditsOnce(t *testing.T) {
	repo := newStubRepo()
	repo.addUser(model.User{ID: 1, Email: "a@b.com", Balance: 10})
	repo.addProduct(model.Product{ID: 9, ExternalID: "ext_9", PriceCents: 3450, Tokens: 345})

	svc := NewService(repo, nil, nil)

	res, err := svc.SettlePayment(context.Background(), paidEvent())
	if err != nil {
		t.Fatalf("SettlePayment error: %v", err)
	}
	if !res.Recorded {
		t.Fatalf("first delivery must be recorded")
	}
	if res.NewBalance != 355 {
		t.Fatalf("NewBalance = %d, want 355", res.NewBalance)
	}

	// Повторная доставка того же платежа не должна менять баланс.
	res, err = svc.SettlePayment(context.Background(), paidEvent())
	if err != nil {
		t.Fatalf("SettlePayment redelivery error: %v", err)
	}
	if res.Recorded {
		t.Fatalf("redelivery must not be recorded again")
	}
	if res.NewBalance != 355 {
		t.Fatalf("NewBalance after redelivery = %d, want 355", res.NewBalance)
	}
	if len(repo.transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(repo.transactions))
	}
}

func TestSettlePayment_ProductSnapshotWins(t *testing.T) {
	repo := newStubRepo()
	repo.addUser(model.User{ID: 1, Email: "a@b.com"})
	repo.addProduct(model.Product{ID: 9, ExternalID: "ext_9", PriceCents: 3450, Tokens: 345})

	svc := NewService(repo, nil, nil)

	ev := paidEvent()
	// Процессинг сообщил другую сумму — зачисление определяется каталогом.
	ev.AmountCents = 99999

	res, err := svc.SettlePayment(context.Background(), ev)
	if err != nil {
		t.Fatalf("SettlePayment error: %v", err)
	}
	if res.Tokens != 345 {
		t.Fatalf("Tokens = %d, want 345", res.Tokens)
	}

	tr := repo.transactions["bill_1"]
	if tr.ValueCents != 3450 {
		t.Fatalf("ValueCents = %d, want 3450", tr.ValueCents)
	}
}

func TestSettlePayment_PriceFallbackToRawAmount(t *testing.T) {
	repo := newStubRepo()
	repo.addUser(model.User{ID: 1, Email: "a@b.com"})
	repo.addProduct(model.Product{ID: 9, ExternalID: "ext_9", PriceCents: 0, Tokens: 100})

	svc := NewService(repo, nil, nil)

	if _, err := svc.SettlePayment(context.Background(), paidEvent()); err != nil {
		t.Fatalf("SettlePayment error: %v", err)
	}

	tr := repo.transactions["bill_1"]
	if tr.ValueCents != 3450 {
		t.Fatalf("ValueCents = %d, want raw amount 3450", tr.ValueCents)
	}
}

func TestSettlePayment_UnknownUserFailsClosed(t *testing.T) {
	repo := newStubRepo()
	repo.addProduct(model.Product{ID: 9, ExternalID: "ext_9", Tokens: 345})

	svc := NewService(repo, nil, nil)

	_, err := svc.SettlePayment(context.Background(), paidEvent())
	if !errors.Is(err, repository.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if len(repo.transactions) != 0 {
		t.Fatalf("no transaction must be recorded for unknown user")
	}
}

func TestSettlePayment_UnknownProductFailsClosed(t *testing.T) {
	repo := newStubRepo()
	repo.addUser(model.User{ID: 1, Email: "a@b.com"})

	svc := NewService(repo, nil, nil)

	_, err := svc.SettlePayment(context.Background(), paidEvent())
	if !errors.Is(err, repository.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
	if len(repo.transactions) != 0 {
		t.Fatalf("no transaction must be recorded for unknown product")
	}
}

func TestSettlePayment_NormalizesEmail(t *testing.T) {
	repo := newStubRepo()
	repo.addUser(model.User{ID: 1, Email: "a@b.com"})
	repo.addProduct(model.Product{ID: 9, ExternalID: "ext_9", Tokens: 10})

	svc := NewService(repo, nil, nil)

	ev := paidEvent()
	ev.CustomerEmail = "A@B.COM"

	res, err := svc.SettlePayment(context.Background(), ev)
	if err != nil {
		t.Fatalf("SettlePayment error: %v", err)
	}
	if res.UserID != 1 {
		t.Fatalf("UserID = %d, want 1", res.UserID)
	}
}

func TestDebitTokens_NoNegativeBalance(t *testing.T) {
	repo := newStubRepo()
	repo.addUser(model.User{ID: 1, Email: "a@b.com", Balance: 50})

	svc := NewService(repo, nil, nil)

	_, err := svc.DebitTokens(context.Background(), 1, 100)
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	u, _ := repo.GetUserByID(context.Background(), 1)
	if u.Balance != 50 {
		t.Fatalf("balance changed on rejected debit: %d", u.Balance)
	}

	if _, err := svc.DebitTokens(context.Background(), 1, -5); err == nil {
		t.Fatalf("expected error for negative amount")
	}
}

func TestReconcilePayment_PaidSettlesAndReportsRecorded(t *testing.T) {
	repo := newStubRepo()
	repo.addUser(model.User{ID: 1, Email: "a@b.com", Balance: 10})
	repo.addProduct(model.Product{ID: 9, ExternalID: "ext_9", PriceCents: 3450, Tokens: 345})

	client := &stubBilling{
		list: []billing.Billing{
			{
				ID:          "bill_1",
				Status:      "PAID",
				AmountCents: 3450,
				Method:      "PIX",
				Products:    []billing.Product{{ExternalID: "ext_9"}},
				Customer:    billing.Customer{Email: "a@b.com"},
			},
		},
	}

	svc := NewService(repo, client, nil)

	res, err := svc.ReconcilePayment(context.Background(), "bill_1")
	if err != nil {
		t.Fatalf("ReconcilePayment error: %v", err)
	}
	if res.Status != model.PaymentStatusPaid {
		t.Fatalf("Status = %s, want paid", res.Status)
	}
	if !res.Recorded {
		t.Fatalf("first reconciliation must record the settlement")
	}

	// Повторная сверка видит уже зачисленный платёж.
	res, err = svc.ReconcilePayment(context.Background(), "bill_1")
	if err != nil {
		t.Fatalf("ReconcilePayment repeat error: %v", err)
	}
	if res.Recorded {
		t.Fatalf("repeat reconciliation must not record again")
	}

	u, _ := repo.GetUserByID(context.Background(), 1)
	if u.Balance != 355 {
		t.Fatalf("balance = %d, want 355", u.Balance)
	}
}

func TestReconcilePayment_FallsBackToCheckoutRecord(t *testing.T) {
	repo := newStubRepo()
	repo.addUser(model.User{ID: 1, Email: "a@b.com"})
	repo.addProduct(model.Product{ID: 9, ExternalID: "ext_9", PriceCents: 3450, Tokens: 345})
	_ = repo.CreateCheckout(context.Background(), "bill_1", 1, 9)

	// Список процессинга без email покупателя: стороны платежа
	// восстанавливаются из записи checkout.
	client := &stubBilling{
		list: []billing.Billing{
			{ID: "bill_1", Status: "PAID", AmountCents: 3450},
		},
	}

	svc := NewService(repo, client, nil)

	res, err := svc.ReconcilePayment(context.Background(), "bill_1")
	if err != nil {
		t.Fatalf("ReconcilePayment error: %v", err)
	}
	if !res.Recorded {
		t.Fatalf("settlement must be recorded via checkout fallback")
	}

	u, _ := repo.GetUserByID(context.Background(), 1)
	if u.Balance != 345 {
		t.Fatalf("balance = %d, want 345", u.Balance)
	}
}

func TestReconcilePayment_NotFoundAfterRetries(t *testing.T) {
	repo := newStubRepo()
	client := &stubBilling{list: []billing.Billing{{ID: "other", Status: "PAID"}}}

	svc := NewService(repo, client, nil)

	_, err := svc.ReconcilePayment(context.Background(), "bill_missing")
	if !errors.Is(err, billing.ErrBillingNotFound) {
		t.Fatalf("expected ErrBillingNotFound, got %v", err)
	}
	if client.listCalls < 2 {
		t.Fatalf("expected re-polls before giving up, got %d calls", client.listCalls)
	}
}

func TestReconcilePayment_PendingDoesNotSettle(t *testing.T) {
	repo := newStubRepo()
	repo.addUser(model.User{ID: 1, Email: "a@b.com"})
	repo.addProduct(model.Product{ID: 9, ExternalID: "ext_9", Tokens: 345})

	client := &stubBilling{
		list: []billing.Billing{
			{ID: "bill_1", Status: "PENDING", Products: []billing.Product{{ExternalID: "ext_9"}}},
		},
	}

	svc := NewService(repo, client, nil)

	res, err := svc.ReconcilePayment(context.Background(), "bill_1")
	if err != nil {
		t.Fatalf("ReconcilePayment error: %v", err)
	}
	if res.Status != model.PaymentStatusPending {
		t.Fatalf("Status = %s, want pending", res.Status)
	}
	if res.Recorded {
		t.Fatalf("pending payment must not be recorded")
	}
	if len(repo.transactions) != 0 {
		t.Fatalf("no transaction for a pending payment")
	}
}

func TestMapBillingStatus(t *testing.T) {
	tests := []struct {
		in   string
		want model.PaymentStatus
	}{
		{"PAID", model.PaymentStatusPaid},
		{"COMPLETED", model.PaymentStatusPaid},
		{"CANCELLED", model.PaymentStatusFailed},
		{"EXPIRED", model.PaymentStatusFailed},
		{"REFUNDED", model.PaymentStatusFailed},
		{"FAILED", model.PaymentStatusFailed},
		{"PENDING", model.PaymentStatusPending},
		{"", model.PaymentStatusPending},
		{"SOMETHING_NEW", model.PaymentStatusPending},
	}

	for _, tt := range tests {
		if got := mapBillingStatus(tt.in); got != tt.want {
			t.Fatalf("mapBillingStatus(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestCreateCheckout_PersistsBillingID(t *testing.T) {
	repo := newStubRepo()
	repo.addUser(model.User{ID: 1, Email: "a@b.com"})
	repo.addProduct(model.Product{ID: 9, ExternalID: "ext_9", PriceCents: 3450, Tokens: 345})

	client := &stubBilling{
		created: &billing.Billing{ID: "bill_1", URL: "https://pay.example/bill_1"},
	}

	svc := NewService(repo, client, nil)

	res, err := svc.CreateCheckout(context.Background(), CheckoutRequest{
		Frequency: "ONE_TIME",
		Methods:   []string{"PIX"},
		Products:  []billing.Product{{ExternalID: "ext_9", Quantity: 1}},
		Customer:  billing.Customer{Email: "a@b.com"},
	})
	if err != nil {
		t.Fatalf("CreateCheckout error: %v", err)
	}
	if res.TransactionID != "bill_1" || res.CheckoutURL != "https://pay.example/bill_1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := repo.GetCheckout(context.Background(), "bill_1"); err != nil {
		t.Fatalf("checkout must be persisted: %v", err)
	}
}

func TestCreateCheckout_Validation(t *testing.T) {
	svc := NewService(newStubRepo(), &stubBilling{}, nil)

	_, err := svc.CreateCheckout(context.Background(), CheckoutRequest{
		Methods:  []string{"PIX"},
		Customer: billing.Customer{Email: "a@b.com"},
	})
	if !errors.Is(err, ErrInvalidCheckout) {
		t.Fatalf("expected ErrInvalidCheckout for empty products, got %v", err)
	}

	_, err = svc.CreateCheckout(context.Background(), CheckoutRequest{
		Methods:  []string{"PIX"},
		Products: []billing.Product{{ExternalID: "ext_9"}},
	})
	if !errors.Is(err, ErrInvalidCheckout) {
		t.Fatalf("expected ErrInvalidCheckout for missing customer email, got %v", err)
	}
}

func TestStartReconciliation_NoClient(t *testing.T) {
	svc := NewService(newStubRepo(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartReconciliation(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartReconciliation did not return without client")
	}
}

func TestProcessPendingBatch_SettlesPaidCheckouts(t *testing.T) {
	repo := newStubRepo()
	repo.addUser(model.User{ID: 1, Email: "a@b.com"})
	repo.addProduct(model.Product{ID: 9, ExternalID: "ext_9", PriceCents: 3450, Tokens: 345})
	_ = repo.CreateCheckout(context.Background(), "bill_1", 1, 9)
	_ = repo.CreateCheckout(context.Background(), "bill_2", 1, 9)

	client := &stubBilling{
		list: []billing.Billing{
			{ID: "bill_1", Status: "PAID", Products: []billing.Product{{ExternalID: "ext_9"}}, Customer: billing.Customer{Email: "a@b.com"}},
			{ID: "bill_2", Status: "PENDING"},
		},
	}

	svc := NewService(repo, client, nil)
	svc.processPendingBatch(context.Background())

	if len(repo.transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(repo.transactions))
	}
	if !repo.checkouts["bill_1"].Settled {
		t.Fatalf("paid checkout must be marked settled")
	}
	if repo.checkouts["bill_2"].Settled {
		t.Fatalf("pending checkout must stay unsettled")
	}
}
