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
	"github.com/tabeeb/credits-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrCodeNotFound возвращается, если код активации не найден.
	ErrCodeNotFound = errors.New("code not found")
	// ErrCodeAlreadyUsed возвращается при повторной активации кода.
	ErrCodeAlreadyUsed = errors.New("code already used")
	// ErrCodeExpired возвращается, если срок действия кода истёк.
	ErrCodeExpired = errors.New("code expired")
	// ErrCodeRevoked возвращается, если код отозван администратором.
	ErrCodeRevoked = errors.New("code revoked")
	// ErrCodeCollision возвращается при совпадении сгенерированного кода с существующим.
	ErrCodeCollision = errors.New("code collision")
	// ErrInsufficientCredits возвращается, если списание увело бы баланс в минус.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrGrantNotFound возвращается, если у пользователя нет доступа к ресурсу.
	ErrGrantNotFound = errors.New("grant not found")
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

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраим только конфликты сериализации и дедлоки; доменные ошибки
		// (недостаток кредитов, использованный код) уходят наверх сразу.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

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
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func balanceColumn(kind model.CreditKind) (string, error) {
	switch kind {
	case model.KindUniversal:
		return "universal_credits", nil
	case model.KindVideoMinutes:
		return "video_minutes", nil
	case model.KindArticle:
		return "article_credits", nil
	}
	return "", fmt.Errorf("unknown credit kind %q", kind)
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// CreateCodes сохраняет партию кодов активации одной транзакцией.
// При совпадении любого кода с уже существующим возвращает ErrCodeCollision.
func (r *PostgresRepository) CreateCodes(ctx context.Context, codes []model.RedemptionCode) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range codes {
		_, err := tx.Exec(ctx,
			`INSERT INTO redemption_codes
			     (code, prefix, universal_credits, video_minutes, article_credits, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.Code, c.Prefix,
			c.Payload.UniversalCredits, c.Payload.VideoMinutes, c.Payload.ArticleCredits,
			c.ExpiresAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrCodeCollision, c.Code)
			}
			return fmt.Errorf("insert code: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// RedeemCode атомарно активирует код для пользователя: переводит код в статус
// redeemed, начисляет его набор кредитов на баланс и записывает журнальные
// записи. Из двух конкурентных активаций одного кода успешной будет ровно одна.
func (r *PostgresRepository) RedeemCode(ctx context.Context, code string, userID int64) (*model.Balance, error) {
	var balance *model.Balance
	err := r.withRetry(ctx, func() error {
		b, err := r.redeemCodeTx(ctx, code, userID)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func (r *PostgresRepository) redeemCodeTx(ctx context.Context, code string, userID int64) (*model.Balance, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Условный UPDATE — единственная точка, где код переходит из unused
	// в redeemed. Проигравшая гонку сторона не увидит ни одной строки.
	var payload model.CreditPayload
	err = tx.QueryRow(ctx,
		`UPDATE redemption_codes
		 SET status = $3, redeemed_by = $2, redeemed_at = now()
		 WHERE code = $1
		   AND status = $4
		   AND (expires_at IS NULL OR expires_at > now())
		 RETURNING universal_credits, video_minutes, article_credits`,
		code, userID, string(model.CodeStatusRedeemed), string(model.CodeStatusUnused),
	).Scan(&payload.UniversalCredits, &payload.VideoMinutes, &payload.ArticleCredits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.classifyRedeemFailure(ctx, tx, code)
		}
		return nil, fmt.Errorf("redeem code: %w", err)
	}

	if err := ensureBalanceRow(ctx, tx, userID); err != nil {
		return nil, err
	}

	credits := []struct {
		kind   model.CreditKind
		amount int64
	}{
		{model.KindUniversal, payload.UniversalCredits},
		{model.KindVideoMinutes, payload.VideoMinutes},
		{model.KindArticle, payload.ArticleCredits},
	}

	for _, c := range credits {
		if c.amount == 0 {
			continue
		}
		if err := applyDeltaTx(ctx, tx, userID, c.kind, c.amount, model.ReasonRedeem, code); err != nil {
			return nil, err
		}
	}

	balance, err := getBalanceTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return balance, nil
}

func (r *PostgresRepository) classifyRedeemFailure(ctx context.Context, tx pgx.Tx, code string) error {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT status FROM redemption_codes WHERE code = $1`,
		code,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCodeNotFound
		}
		return fmt.Errorf("select code status: %w", err)
	}

	switch model.CodeStatus(status) {
	case model.CodeStatusUnused:
		// Код числится unused, но не прошёл по сроку действия —
		// лениво помечаем его истёкшим.
		if _, err := tx.Exec(ctx,
			`UPDATE redemption_codes SET status = $2 WHERE code = $1 AND status = $3`,
			code, string(model.CodeStatusExpired), string(model.CodeStatusUnused),
		); err != nil {
			return fmt.Errorf("expire code: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return ErrCodeExpired
	case model.CodeStatusRedeemed:
		return ErrCodeAlreadyUsed
	case model.CodeStatusExpired:
		return ErrCodeExpired
	case model.CodeStatusRevoked:
		return ErrCodeRevoked
	}

	return fmt.Errorf("unexpected code status %q", status)
}

// RevokeCode отзывает неиспользованный код активации.
func (r *PostgresRepository) RevokeCode(ctx context.Context, code string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE redemption_codes SET status = $2 WHERE code = $1 AND status = $3`,
		code, string(model.CodeStatusRevoked), string(model.CodeStatusUnused),
	)
	if err != nil {
		return fmt.Errorf("revoke code: %w", err)
	}
	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = r.pool.QueryRow(ctx,
		`SELECT status FROM redemption_codes WHERE code = $1`,
		code,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCodeNotFound
		}
		return fmt.Errorf("select code status: %w", err)
	}

	switch model.CodeStatus(status) {
	case model.CodeStatusRedeemed:
		return ErrCodeAlreadyUsed
	case model.CodeStatusExpired:
		return ErrCodeExpired
	default:
		return ErrCodeRevoked
	}
}

func ensureBalanceRow(ctx context.Context, tx pgx.Tx, userID int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return ErrUserNotFound
		}
		return fmt.Errorf("ensure balance row: %w", err)
	}
	return nil
}

// applyDeltaTx применяет дельту к балансу условным UPDATE: строка меняется,
// только если итог не уходит в минус. Ноль затронутых строк означает
// недостаток кредитов. Журнальная запись пишется той же транзакцией.
func applyDeltaTx(ctx context.Context, tx pgx.Tx, userID int64, kind model.CreditKind, delta int64, reason model.TransactionReason, reference string) error {
	col, err := balanceColumn(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(
		`UPDATE balances SET %s = %s + $2, updated_at = now() WHERE user_id = $1 AND %s + $2 >= 0`,
		col, col, col,
	)

	cmdTag, err := tx.Exec(ctx, query, userID, delta)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrInsufficientCredits
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (user_id, kind, delta, reason, reference) VALUES ($1, $2, $3, $4, $5)`,
		userID, string(kind), delta, string(reason), reference,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	return nil
}

func getBalanceTx(ctx context.Context, tx pgx.Tx, userID int64) (*model.Balance, error) {
	var b model.Balance
	err := tx.QueryRow(ctx,
		`SELECT universal_credits, video_minutes, article_credits FROM balances WHERE user_id = $1`,
		userID,
	).Scan(&b.UniversalCredits, &b.VideoMinutes, &b.ArticleCredits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.Balance{}, nil
		}
		return nil, fmt.Errorf("select balance: %w", err)
	}
	return &b, nil
}

// ApplyDelta атомарно изменяет баланс пользователя на delta и записывает
// журнальную запись. Возвращает ErrInsufficientCredits, если итоговый баланс
// ушёл бы в минус; в этом случае журнальная запись не создаётся.
func (r *PostgresRepository) ApplyDelta(ctx context.Context, userID int64, kind model.CreditKind, delta int64, reason model.TransactionReason, reference string) (*model.Balance, error) {
	var balance *model.Balance
	err := r.withRetry(ctx, func() error {
		b, err := r.applyDeltaOnce(ctx, userID, kind, delta, reason, reference)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func (r *PostgresRepository) applyDeltaOnce(ctx context.Context, userID int64, kind model.CreditKind, delta int64, reason model.TransactionReason, reference string) (*model.Balance, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureBalanceRow(ctx, tx, userID); err != nil {
		return nil, err
	}

	if err := applyDeltaTx(ctx, tx, userID, kind, delta, reason, reference); err != nil {
		return nil, err
	}

	balance, err := getBalanceTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return balance, nil
}

// GetBalance возвращает текущий баланс пользователя.
// Для пользователя без записи баланса возвращается нулевой баланс.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	var b model.Balance
	err := r.pool.QueryRow(ctx,
		`SELECT universal_credits, video_minutes, article_credits FROM balances WHERE user_id = $1`,
		userID,
	).Scan(&b.UniversalCredits, &b.VideoMinutes, &b.ArticleCredits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.Balance{}, nil
		}
		return nil, fmt.Errorf("select balance: %w", err)
	}
	return &b, nil
}

// GetTransactions возвращает страницу журнала пользователя от новых к старым.
// kind == nil означает выборку по всем видам кредитов.
func (r *PostgresRepository) GetTransactions(ctx context.Context, userID int64, kind *model.CreditKind, limit, offset int) ([]model.Transaction, error) {
	query := `SELECT id, user_id, kind, delta, reason, reference, created_at
	          FROM transactions
	          WHERE user_id = $1
	          ORDER BY created_at DESC, id DESC
	          LIMIT $2 OFFSET $3`
	args := []any{userID, limit, offset}

	if kind != nil {
		query = `SELECT id, user_id, kind, delta, reason, reference, created_at
		         FROM transactions
		         WHERE user_id = $1 AND kind = $4
		         ORDER BY created_at DESC, id DESC
		         LIMIT $2 OFFSET $3`
		args = append(args, string(*kind))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var kindStr, reasonStr string
		if err := rows.Scan(&t.ID, &t.UserID, &kindStr, &t.Delta, &reasonStr, &t.Reference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = model.CreditKind(kindStr)
		t.Reason = model.TransactionReason(reasonStr)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetGrant возвращает запись о доступе пользователя к ресурсу.
func (r *PostgresRepository) GetGrant(ctx context.Context, userID int64, resourceID string) (*model.Grant, error) {
	var g model.Grant
	var kindStr string
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, resource_id, resource_kind, created_at
		 FROM grants
		 WHERE user_id = $1 AND resource_id = $2`,
		userID, resourceID,
	).Scan(&g.ID, &g.UserID, &g.ResourceID, &kindStr, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGrantNotFound
		}
		return nil, fmt.Errorf("select grant: %w", err)
	}
	g.ResourceKind = model.ResourceKind(kindStr)
	return &g, nil
}

// GetGrantsByUser возвращает все записи о доступах пользователя.
func (r *PostgresRepository) GetGrantsByUser(ctx context.Context, userID int64) ([]model.Grant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, resource_id, resource_kind, created_at
		 FROM grants
		 WHERE user_id = $1
		 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select grants: %w", err)
	}
	defer rows.Close()

	var res []model.Grant
	for rows.Next() {
		var g model.Grant
		var kindStr string
		if err := rows.Scan(&g.ID, &g.UserID, &g.ResourceID, &kindStr, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.ResourceKind = model.ResourceKind(kindStr)
		res = append(res, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateGrantWithDebit атомарно создаёт запись о доступе и списывает её цену.
// Вставка записи о доступе — граница атомарности: если запись уже существует,
// она возвращается без повторного списания; если списание не проходит по
// балансу, транзакция откатывается целиком и запись о доступе не остаётся.
// Второе возвращаемое значение сообщает, была ли запись создана этим вызовом.
func (r *PostgresRepository) CreateGrantWithDebit(ctx context.Context, grant model.Grant, kind model.CreditKind, price int64, reason model.TransactionReason) (*model.Grant, bool, error) {
	var (
		res     *model.Grant
		created bool
	)
	err := r.withRetry(ctx, func() error {
		g, c, err := r.createGrantWithDebitOnce(ctx, grant, kind, price, reason)
		if err != nil {
			return err
		}
		res, created = g, c
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return res, created, nil
}

func (r *PostgresRepository) createGrantWithDebitOnce(ctx context.Context, grant model.Grant, kind model.CreditKind, price int64, reason model.TransactionReason) (*model.Grant, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO grants (id, user_id, resource_id, resource_kind)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, resource_id) DO NOTHING
		 RETURNING created_at`,
		grant.ID, grant.UserID, grant.ResourceID, string(grant.ResourceKind),
	).Scan(&grant.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Запись уже существует — возвращаем её без списания.
			existing, err := r.GetGrant(ctx, grant.UserID, grant.ResourceID)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert grant: %w", err)
	}

	if err := ensureBalanceRow(ctx, tx, grant.UserID); err != nil {
		return nil, false, err
	}

	if err := applyDeltaTx(ctx, tx, grant.UserID, kind, -price, reason, grant.ResourceID); err != nil {
		// Откат транзакции убирает и вставленную запись о доступе.
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	return &grant, true, nil
}

// ReportEntry описывает активированный код для административного отчёта.
type ReportEntry struct {
	Code       string
	Prefix     string
	Payload    model.CreditPayload
	UserID     int64
	Login      string
	RedeemedAt time.Time
}

// GetRedeemedCodes возвращает страницу активированных кодов с данными
// активировавших их пользователей, от новых к старым.
func (r *PostgresRepository) GetRedeemedCodes(ctx context.Context, prefix string, limit, offset int) ([]ReportEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT c.code, c.prefix, c.universal_credits, c.video_minutes, c.article_credits,
		        u.id, u.login, c.redeemed_at
		 FROM redemption_codes c
		 JOIN users u ON u.id = c.redeemed_by
		 WHERE c.status = $1 AND ($2 = '' OR c.prefix = $2)
		 ORDER BY c.redeemed_at DESC
		 LIMIT $3 OFFSET $4`,
		string(model.CodeStatusRedeemed), prefix, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select redeemed codes: %w", err)
	}
	defer rows.Close()

	var res []ReportEntry
	for rows.Next() {
		var e ReportEntry
		if err := rows.Scan(
			&e.Code, &e.Prefix,
			&e.Payload.UniversalCredits, &e.Payload.VideoMinutes, &e.Payload.ArticleCredits,
			&e.UserID, &e.Login, &e.RedeemedAt,
		); err != nil {
			return nil, fmt.Errorf("scan redeemed code: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetUnreconciledCodes возвращает коды в статусе redeemed, для которых нет
// журнальной записи о начислении. Такое расхождение — сигнал для операторов.
func (r *PostgresRepository) GetUnreconciledCodes(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT c.code
		 FROM redemption_codes c
		 WHERE c.status = $1
		   AND NOT EXISTS (
		       SELECT 1 FROM transactions t
		       WHERE t.reason = $2 AND t.reference = c.code
		   )
		 ORDER BY c.redeemed_at
		 LIMIT $3`,
		string(model.CodeStatusRedeemed), string(model.ReasonRedeem), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unreconciled codes: %w", err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan code: %w", err)
		}
		res = append(res, code)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
