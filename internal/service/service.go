// Package service реализует бизнес-логику сервиса книжного магазина.
package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/bookstore-system/internal/model"
	"github.com/mmeshcher/bookstore-system/internal/pricing"
	"github.com/mmeshcher/bookstore-system/internal/repository"
)

// ErrInvalidCredentials возвращается при неверной паре имя/пароль.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrBookNotDeletable возвращается при попытке удалить книгу, не подлежащую удалению.
	ErrBookNotDeletable = errors.New("only old edition books can be deleted")
	// ErrUnknownRole возвращается при создании пользователя с неизвестной ролью.
	ErrUnknownRole = errors.New("unknown role")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, username string, passwordHash []byte, roles []string) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	CreateBook(ctx context.Context, book model.Book) (*model.Book, error)
	GetBook(ctx context.Context, id int64) (*model.Book, error)
	UpdateBook(ctx context.Context, book model.Book) (*model.Book, error)
	DeleteBook(ctx context.Context, id int64) error
	GetBooksByIDs(ctx context.Context, ids []int64) (map[int64]model.Book, error)
	SearchBooks(ctx context.Context, filter repository.BookFilter) ([]model.Book, error)
	GetLoyaltyPoints(ctx context.Context, userID int64) (int, error)
	SetLoyaltyPoints(ctx context.Context, userID int64, points int) error
	SettleLoyaltyPoints(ctx context.Context, userID int64, settle func(balance int) (int, error)) (int, error)
}

// PurchaseReceipt содержит итог покупки заказа.
type PurchaseReceipt struct {
	PricePaid                  float64               `json:"pricePaid"`
	LoyaltyPointsAfterPurchase int                   `json:"loyaltyPointsAfterPurchase"`
	LoyaltyPointsApplied       bool                  `json:"loyaltyPointsApplied"`
	BookToBeDeducted           *pricing.DeductedBook `json:"bookToBeDeducted,omitempty"`
	Books                      []pricing.OrderItem   `json:"books"`
}

// Service содержит бизнес-логику сервиса книжного магазина.
type Service struct {
	repo   Repository
	engine *pricing.Engine
}

// NewService создаёт новый сервис с указанным репозиторием и движком расчёта цен.
func NewService(repo Repository, engine *pricing.Engine) *Service {
	return &Service{
		repo:   repo,
		engine: engine,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateUser создаёт пользователя с указанными ролями.
func (s *Service) CreateUser(ctx context.Context, username, password string, roles []string) (*model.User, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: at least one role required", ErrUnknownRole)
	}
	for _, role := range roles {
		if !model.KnownRole(role) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	id, err := s.repo.CreateUser(ctx, username, hash, roles)
	if err != nil {
		return nil, err
	}

	return &model.User{
		ID:       id,
		Username: username,
		Roles:    roles,
	}, nil
}

// EnsureAdminUser создаёт административную учётную запись, если её ещё нет.
// Используется для первоначальной настройки пустой базы.
func (s *Service) EnsureAdminUser(ctx context.Context, username, password string) (bool, error) {
	_, err := s.repo.GetUserByUsername(ctx, username)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return false, err
	}

	if _, err := s.CreateUser(ctx, username, password, []string{model.RoleAdmin}); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Authenticate проверяет имя и пароль пользователя.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*model.User, error) {
	u, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (s *Service) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, id)
}

// CreateBook сохраняет новую книгу каталога.
func (s *Service) CreateBook(ctx context.Context, book model.Book) (*model.Book, error) {
	return s.repo.CreateBook(ctx, book)
}

// GetBook возвращает книгу по идентификатору.
func (s *Service) GetBook(ctx context.Context, id int64) (*model.Book, error) {
	return s.repo.GetBook(ctx, id)
}

// UpdateBook обновляет атрибуты книги.
func (s *Service) UpdateBook(ctx context.Context, book model.Book) (*model.Book, error) {
	return s.repo.UpdateBook(ctx, book)
}

// DeleteBook удаляет книгу. Удалению подлежат только книги категории OLD_EDITION.
func (s *Service) DeleteBook(ctx context.Context, id int64) error {
	book, err := s.repo.GetBook(ctx, id)
	if err != nil {
		return err
	}
	if book.Type != model.BookTypeOldEdition {
		return fmt.Errorf("%w: book %d has type %s", ErrBookNotDeletable, id, book.Type)
	}
	return s.repo.DeleteBook(ctx, id)
}

// SearchBooks выполняет поиск книг по фильтру.
func (s *Service) SearchBooks(ctx context.Context, filter repository.BookFilter) ([]model.Book, error) {
	return s.repo.SearchBooks(ctx, filter)
}

// GetLoyaltyPoints возвращает бонусный баланс пользователя.
func (s *Service) GetLoyaltyPoints(ctx context.Context, userID int64) (*model.LoyaltyPoints, error) {
	if _, err := s.repo.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	points, err := s.repo.GetLoyaltyPoints(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.LoyaltyPoints{Points: points}, nil
}

// SetLoyaltyPoints выставляет бонусный баланс пользователя.
// Значение ограничивается настроенным лимитом.
func (s *Service) SetLoyaltyPoints(ctx context.Context, userID int64, points int) (*model.LoyaltyPoints, error) {
	if _, err := s.repo.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	if points < 0 {
		points = 0
	}
	if max := s.engine.MaxLoyaltyPoints(); points > max {
		points = max
	}
	if err := s.repo.SetLoyaltyPoints(ctx, userID, points); err != nil {
		return nil, err
	}
	return &model.LoyaltyPoints{Points: points}, nil
}

func orderBookIDs(lines []pricing.Line) []int64 {
	seen := make(map[int64]bool, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		if seen[l.BookID] {
			continue
		}
		seen[l.BookID] = true
		ids = append(ids, l.BookID)
	}
	return ids
}

// SummariseOrder рассчитывает стоимость заказа без изменения состояния.
func (s *Service) SummariseOrder(ctx context.Context, userID int64, lines []pricing.Line) (*pricing.Summary, error) {
	if err := pricing.ValidateLines(lines); err != nil {
		return nil, err
	}

	books, err := s.repo.GetBooksByIDs(ctx, orderBookIDs(lines))
	if err != nil {
		return nil, err
	}

	balance, err := s.repo.GetLoyaltyPoints(ctx, userID)
	if err != nil {
		return nil, err
	}

	return s.engine.Summarise(books, lines, balance)
}

// PurchaseOrder выполняет покупку заказа: расчёт повторяется с балансом,
// заблокированным на время транзакции, поэтому итог покупки совпадает с
// предварительным расчётом при неизменном каталоге и балансе. Баланс
// обновляется только после успешного расчёта.
func (s *Service) PurchaseOrder(ctx context.Context, userID int64, lines []pricing.Line) (*PurchaseReceipt, error) {
	if err := pricing.ValidateLines(lines); err != nil {
		return nil, err
	}

	books, err := s.repo.GetBooksByIDs(ctx, orderBookIDs(lines))
	if err != nil {
		return nil, err
	}

	var summary *pricing.Summary
	newBalance, err := s.repo.SettleLoyaltyPoints(ctx, userID, func(balance int) (int, error) {
		sum, err := s.engine.Summarise(books, lines, balance)
		if err != nil {
			return 0, err
		}
		summary = sum
		return s.engine.BalanceAfterPurchase(sum.LoyaltyPointsToBeApplied, balance, sum.BundleSize), nil
	})
	if err != nil {
		return nil, err
	}

	return &PurchaseReceipt{
		PricePaid:                  summary.PriceToPay,
		LoyaltyPointsAfterPurchase: newBalance,
		LoyaltyPointsApplied:       summary.LoyaltyPointsToBeApplied,
		BookToBeDeducted:           summary.BookToBeDeducted,
		Books:                      summary.Books,
	}, nil
}
