// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rmartinelli/leadtokens/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если пользователь не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrProductNotFound возвращается, если продукт не найден в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrCheckoutNotFound возвращается, если платёж не был инициирован через сервис.
	ErrCheckoutNotFound = errors.New("checkout not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// Ретраи полезны для Serialization Failure или Deadlocks.
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetUserByEmail возвращает пользователя по email без учёта регистра.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, email, balance, created_at FROM users WHERE lower(email) = lower($1)`,
		email,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Balance, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, email, balance, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Balance, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}

	return &u, nil
}

// GetProductByExternalID возвращает продукт по внешнему идентификатору процессинга.
func (r *PostgresRepository) GetProductByExternalID(ctx context.Context, externalID string) (*model.Product, error) {
	return r.getProduct(ctx, `WHERE external_id = $1`, externalID)
}

// GetProductByID возвращает продукт по внутреннему идентификатору.
// Используется путём сверки, у которого на клиенте закеширован только внутренний id.
func (r *PostgresRepository) GetProductByID(ctx context.Context, id int64) (*model.Product, error) {
	return r.getProduct(ctx, `WHERE id = $1`, id)
}

func (r *PostgresRepository) getProduct(ctx context.Context, where string, arg any) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, external_id, name, price, tokens, popular FROM products `+where,
		arg,
	)

	var p model.Product
	err := row.Scan(&p.ID, &p.ExternalID, &p.Name, &p.PriceCents, &p.Tokens, &p.Popular)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return &p, nil
}

// ListProducts возвращает каталог пакетов токенов.
func (r *PostgresRepository) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, external_id, name, price, tokens, popular
		 FROM products
		 ORDER BY price`,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.ExternalID, &p.Name, &p.PriceCents, &p.Tokens, &p.Popular); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreditTokens атомарно увеличивает баланс пользователя и возвращает новый баланс.
func (r *PostgresRepository) CreditTokens(ctx context.Context, userID, amount int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1 RETURNING balance`,
		userID, amount,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("credit tokens: %w", err)
	}

	return balance, nil
}

// DebitTokens атомарно списывает токены. Условие balance >= amount выполняется
// на стороне БД, поэтому параллельные списания не уводят баланс в минус.
func (r *PostgresRepository) DebitTokens(ctx context.Context, userID, amount int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`UPDATE users SET balance = balance - $2
		 WHERE id = $1 AND balance >= $2
		 RETURNING balance`,
		userID, amount,
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("debit tokens: %w", err)
	}

	// Строка не обновлена: либо пользователя нет, либо не хватает баланса.
	if _, userErr := r.GetUserByID(ctx, userID); userErr != nil {
		return 0, userErr
	}

	return 0, ErrInsufficientBalance
}

// ConfirmPayment записывает транзакцию по платежу и зачисляет токены в одной
// транзакции БД. Вставка условная: уникальный billing_id гарантирует, что
// повторная доставка того же платежа не приведёт ко второму зачислению.
// Возвращает признак того, что запись создана сейчас, и актуальный баланс.
func (r *PostgresRepository) ConfirmPayment(ctx context.Context, t model.Transaction) (bool, int64, error) {
	var (
		recorded bool
		balance  int64
	)

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO transactions (user_id, product_id, billing_id, value, tokens, method)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (billing_id) DO NOTHING`,
			t.UserID, t.ProductID, t.BillingID, t.ValueCents, t.Tokens, t.Method,
		)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		recorded = cmdTag.RowsAffected() == 1

		if !recorded {
			// Платёж уже зачислен другим путём, баланс не трогаем.
			err = tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, t.UserID).Scan(&balance)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrUserNotFound
				}
				return fmt.Errorf("select balance: %w", err)
			}
			return tx.Commit(ctx)
		}

		err = tx.QueryRow(ctx,
			`UPDATE users SET balance = balance + $2 WHERE id = $1 RETURNING balance`,
			t.UserID, t.Tokens,
		).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("credit on confirm: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE checkouts SET settled = TRUE WHERE billing_id = $1`,
			t.BillingID,
		)
		if err != nil {
			return fmt.Errorf("mark checkout settled: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, 0, err
	}

	return recorded, balance, nil
}

// CreateCheckout сохраняет выданный процессингом идентификатор платежа.
func (r *PostgresRepository) CreateCheckout(ctx context.Context, billingID string, userID, productID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO checkouts (billing_id, user_id, product_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (billing_id) DO NOTHING`,
		billingID, userID, productID,
	)
	if err != nil {
		return fmt.Errorf("insert checkout: %w", err)
	}
	return nil
}

// GetCheckout возвращает сохранённый checkout по идентификатору платежа.
func (r *PostgresRepository) GetCheckout(ctx context.Context, billingID string) (*model.Checkout, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT billing_id, user_id, product_id, settled, created_at
		 FROM checkouts
		 WHERE billing_id = $1`,
		billingID,
	)

	var c model.Checkout
	err := row.Scan(&c.BillingID, &c.UserID, &c.ProductID, &c.Settled, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCheckoutNotFound
		}
		return nil, fmt.Errorf("get checkout: %w", err)
	}

	return &c, nil
}

// GetPendingCheckouts возвращает незавершённые платежи старше grace, по которым
// нужно опросить процессинг. Используется фоновой сверкой.
func (r *PostgresRepository) GetPendingCheckouts(ctx context.Context, grace time.Duration, limit int) ([]model.Checkout, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT billing_id, user_id, product_id, settled, created_at
		 FROM checkouts
		 WHERE settled = FALSE AND created_at < now() - make_interval(secs => $1)
		 ORDER BY created_at
		 LIMIT $2`,
		grace.Seconds(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending checkouts: %w", err)
	}
	defer rows.Close()

	var res []model.Checkout
	for rows.Next() {
		var c model.Checkout
		if err := rows.Scan(&c.BillingID, &c.UserID, &c.ProductID, &c.Settled, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkout: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
