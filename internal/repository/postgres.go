// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/bookstore-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим именем.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrBookNotFound возвращается, если книга не найдена.
	ErrBookNotFound = errors.New("book not found")
	// ErrUpdateConflict возвращается при конфликте параллельного обновления бонусного
	// баланса. Операция не повторяется автоматически, запрос можно отправить повторно.
	ErrUpdateConflict = errors.New("concurrent balance update conflict")
)

// BookFilter описывает параметры поиска книг в каталоге.
type BookFilter struct {
	IDs         []int64
	Types       []model.BookType
	Title       string
	Author      string
	PriceFrom   *float64
	PriceTo     *float64
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	SortBy      string
	SortDesc    bool
	Page        int
	PageSize    int
}

// Колонки books, разрешённые для сортировки результатов поиска.
var sortableBookColumns = map[string]string{
	"id":         "id",
	"title":      "title",
	"author":     "author",
	"price":      "price",
	"created_at": "created_at",
}

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// БД может подниматься одновременно с сервисом, пингуем с паузами.
	backoff := retry.WithMaxRetries(5, retry.NewFibonacci(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
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

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Цены хранятся в копейках, наружу отдаются в рублях.
func toCents(price float64) int64 {
	return int64(math.Round(price * 100))
}

func fromCents(cents int64) float64 {
	return float64(cents) / 100
}

// CreateUser создаёт нового пользователя с указанными ролями.
func (r *PostgresRepository) CreateUser(ctx context.Context, username string, passwordHash []byte, roles []string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (username, password_hash, roles) VALUES ($1, $2, $3) RETURNING id`,
		username, passwordHash, strings.Join(roles, ","),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var roles string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &roles, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if roles != "" {
		u.Roles = strings.Split(roles, ",")
	}
	return &u, nil
}

// GetUserByUsername возвращает пользователя по имени.
func (r *PostgresRepository) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, roles, created_at FROM users WHERE username = $1`,
		username,
	))
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, roles, created_at FROM users WHERE id = $1`,
		id,
	))
}

// CreateBook сохраняет новую книгу каталога и возвращает её с идентификатором.
func (r *PostgresRepository) CreateBook(ctx context.Context, book model.Book) (*model.Book, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO books (type, title, author, price) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		string(book.Type), book.Title, book.Author, toCents(book.Price),
	).Scan(&book.ID, &book.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert book: %w", err)
	}
	return &book, nil
}

func scanBook(row pgx.Row) (*model.Book, error) {
	var b model.Book
	var bookType string
	var priceCents int64
	err := row.Scan(&b.ID, &bookType, &b.Title, &b.Author, &priceCents, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("scan book: %w", err)
	}
	b.Type = model.BookType(bookType)
	b.Price = fromCents(priceCents)
	return &b, nil
}

// GetBook возвращает книгу по идентификатору.
func (r *PostgresRepository) GetBook(ctx context.Context, id int64) (*model.Book, error) {
	return scanBook(r.pool.QueryRow(ctx,
		`SELECT id, type, title, author, price, created_at FROM books WHERE id = $1`,
		id,
	))
}

// UpdateBook обновляет атрибуты книги.
func (r *PostgresRepository) UpdateBook(ctx context.Context, book model.Book) (*model.Book, error) {
	return scanBook(r.pool.QueryRow(ctx,
		`UPDATE books SET type = $2, title = $3, author = $4, price = $5
		 WHERE id = $1
		 RETURNING id, type, title, author, price, created_at`,
		book.ID, string(book.Type), book.Title, book.Author, toCents(book.Price),
	))
}

// DeleteBook удаляет книгу каталога.
func (r *PostgresRepository) DeleteBook(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM books WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrBookNotFound
	}
	return nil
}

// GetBooksByIDs возвращает книги по списку идентификаторов.
// Отсутствующие в каталоге идентификаторы в результат не попадают.
func (r *PostgresRepository) GetBooksByIDs(ctx context.Context, ids []int64) (map[int64]model.Book, error) {
	res := make(map[int64]model.Book, len(ids))
	if len(ids) == 0 {
		return res, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, type, title, author, price, created_at FROM books WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select books: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		res[b.ID] = *b
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SearchBooks выполняет поиск книг по фильтру с постраничной выдачей.
func (r *PostgresRepository) SearchBooks(ctx context.Context, f BookFilter) ([]model.Book, error) {
	var (
		conds []string
		args  []any
	)

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.IDs) > 0 {
		conds = append(conds, "id = ANY("+arg(f.IDs)+")")
	}
	if len(f.Types) > 0 {
		types := make([]string, 0, len(f.Types))
		for _, t := range f.Types {
			types = append(types, string(t))
		}
		conds = append(conds, "type = ANY("+arg(types)+")")
	}
	if f.Title != "" {
		conds = append(conds, "title ILIKE "+arg("%"+f.Title+"%"))
	}
	if f.Author != "" {
		conds = append(conds, "author ILIKE "+arg("%"+f.Author+"%"))
	}
	if f.PriceFrom != nil {
		conds = append(conds, "price >= "+arg(toCents(*f.PriceFrom)))
	}
	if f.PriceTo != nil {
		conds = append(conds, "price <= "+arg(toCents(*f.PriceTo)))
	}
	if f.CreatedFrom != nil {
		conds = append(conds, "created_at >= "+arg(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		conds = append(conds, "created_at <= "+arg(*f.CreatedTo))
	}

	query := `SELECT id, type, title, author, price, created_at FROM books`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	// Сортировка только по разрешённым колонкам, по умолчанию свежие книги первыми.
	column, ok := sortableBookColumns[f.SortBy]
	direction := "ASC"
	if !ok {
		column = "created_at"
		direction = "DESC"
	} else if f.SortDesc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", column, direction)

	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	page := f.Page
	if page < 0 {
		page = 0
	}
	query += " LIMIT " + arg(pageSize) + " OFFSET " + arg(page*pageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search books: %w", err)
	}
	defer rows.Close()

	var res []model.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetLoyaltyPoints возвращает бонусный баланс пользователя.
// Для пользователя без записи баланс равен нулю.
func (r *PostgresRepository) GetLoyaltyPoints(ctx context.Context, userID int64) (int, error) {
	var points int
	err := r.pool.QueryRow(ctx,
		`SELECT points FROM user_loyalty_points WHERE user_id = $1`,
		userID,
	).Scan(&points)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("select loyalty points: %w", err)
	}
	return points, nil
}

// SetLoyaltyPoints выставляет бонусный баланс пользователя в указанное значение.
func (r *PostgresRepository) SetLoyaltyPoints(ctx context.Context, userID int64, points int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_loyalty_points (user_id, points) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET points = EXCLUDED.points`,
		userID, points,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return fmt.Errorf("%w: %d", ErrUserNotFound, userID)
		}
		return fmt.Errorf("set loyalty points: %w", err)
	}
	return nil
}

// SettleLoyaltyPoints выполняет атомарное обновление бонусного баланса покупателя.
// Строка баланса блокируется на время транзакции, поэтому параллельные покупки
// одного пользователя сериализуются, покупки разных пользователей не мешают друг
// другу. Колбэк settle получает текущий баланс и возвращает новый.
func (r *PostgresRepository) SettleLoyaltyPoints(ctx context.Context, userID int64, settle func(balance int) (int, error)) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO user_loyalty_points (user_id, points) VALUES ($1, 0)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return 0, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
		}
		return 0, fmt.Errorf("ensure loyalty row: %w", err)
	}

	var balance int
	err = tx.QueryRow(ctx,
		`SELECT points FROM user_loyalty_points WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance)
	if err != nil {
		return 0, settleError("lock loyalty row", err)
	}

	newBalance, err := settle(balance)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE user_loyalty_points SET points = $2 WHERE user_id = $1`,
		userID, newBalance,
	)
	if err != nil {
		return 0, settleError("update loyalty points", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, settleError("commit tx", err)
	}

	return newBalance, nil
}

// settleError переводит ошибки сериализации и взаимоблокировки в ErrUpdateConflict.
func settleError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
			return fmt.Errorf("%s: %w", op, ErrUpdateConflict)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
