// Package pricing реализует расчёт стоимости заказа: скидки по категориям книг
// и списание бонусных баллов за бесплатную книгу.
package pricing

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/bookstore-system/internal/model"
)

// ErrEmptyOrder возвращается для заказа без единой позиции.
var (
	ErrEmptyOrder = errors.New("order must contain at least one line")
	// ErrInvalidQuantity возвращается, если количество в позиции заказа не положительно.
	ErrInvalidQuantity = errors.New("order line quantity must be positive")
	// ErrBookUnavailable возвращается, если хотя бы одна книга заказа отсутствует в каталоге.
	ErrBookUnavailable = errors.New("not all ordered books are present in the inventory")
	// ErrUnknownBookType возвращается для категории книги без правила скидки.
	// Это ошибка конфигурации, а не пользовательского ввода.
	ErrUnknownBookType = errors.New("no discount rule for book type")
)

// Line описывает позицию заказа: книга и количество экземпляров.
type Line struct {
	BookID   int64
	Quantity int
}

// OrderItem содержит расценку одной позиции заказа.
type OrderItem struct {
	ID                 int64   `json:"id"`
	Title              string  `json:"title"`
	OriginalPrice      float64 `json:"originalPrice"`
	PriceAfterDiscount float64 `json:"priceAfterDiscount"`
	Quantity           int     `json:"quantity"`
}

// DeductedBook описывает книгу, один экземпляр которой предоставлен бесплатно
// за накопленные бонусные баллы.
type DeductedBook struct {
	ID            int64   `json:"id"`
	Title         string  `json:"title"`
	DeductedPrice float64 `json:"deductedPrice"`
}

// Summary содержит итог расчёта стоимости заказа.
type Summary struct {
	PriceToPay               float64       `json:"priceToPay"`
	LoyaltyPointsToBeApplied bool          `json:"loyaltyPointsToBeApplied"`
	BookToBeDeducted         *DeductedBook `json:"bookToBeDeducted,omitempty"`
	Books                    []OrderItem   `json:"books"`
	BundleSize               int           `json:"-"`
}

// ValidateLines проверяет позиции заказа до обращения к каталогу.
func ValidateLines(lines []Line) error {
	if len(lines) == 0 {
		return ErrEmptyOrder
	}
	for _, l := range lines {
		if l.Quantity <= 0 {
			return ErrInvalidQuantity
		}
	}
	return nil
}

// discountedUnitPrice возвращает цену одного экземпляра книги с учётом скидки.
// Набор категорий закрыт, поэтому правила выбираются обычным switch.
func discountedUnitPrice(bt model.BookType, price float64, bundleSize int) (float64, error) {
	switch bt {
	case model.BookTypeNewRelease:
		return price, nil
	case model.BookTypeRegular:
		if bundleSize < 3 {
			return price, nil
		}
		return price * 0.9, nil
	case model.BookTypeOldEdition:
		if bundleSize < 3 {
			return price * 0.8, nil
		}
		return price * 0.75, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownBookType, bt)
}

// deductionEligible возвращает true для категорий, участвующих в выдаче бесплатной книги.
func deductionEligible(bt model.BookType) bool {
	return bt == model.BookTypeRegular || bt == model.BookTypeOldEdition
}

// Engine выполняет расчёт стоимости заказа для заданного лимита бонусных баллов.
type Engine struct {
	maxLoyaltyPoints int
}

// NewEngine создаёт движок расчёта с указанным лимитом бонусных баллов.
func NewEngine(maxLoyaltyPoints int) *Engine {
	return &Engine{maxLoyaltyPoints: maxLoyaltyPoints}
}

// MaxLoyaltyPoints возвращает настроенный лимит бонусных баллов.
func (e *Engine) MaxLoyaltyPoints() int {
	return e.maxLoyaltyPoints
}

// Summarise рассчитывает стоимость заказа. books — книги каталога по идентификатору,
// balance — текущий бонусный баланс покупателя. Расчёт не имеет побочных эффектов.
func (e *Engine) Summarise(books map[int64]model.Book, lines []Line, balance int) (*Summary, error) {
	if err := ValidateLines(lines); err != nil {
		return nil, err
	}

	bundleSize := 0
	for _, l := range lines {
		bundleSize += l.Quantity
	}

	// Цена экземпляра зависит только от книги и общего размера заказа,
	// поэтому считается один раз на уникальный идентификатор.
	unitPrices := make(map[int64]float64, len(lines))
	for _, l := range lines {
		if _, ok := unitPrices[l.BookID]; ok {
			continue
		}
		book, ok := books[l.BookID]
		if !ok {
			return nil, fmt.Errorf("%w: book %d", ErrBookUnavailable, l.BookID)
		}
		price, err := discountedUnitPrice(book.Type, book.Price, bundleSize)
		if err != nil {
			return nil, err
		}
		unitPrices[l.BookID] = price
	}

	total := 0.0
	items := make([]OrderItem, 0, len(lines))
	for _, l := range lines {
		book := books[l.BookID]
		unit := unitPrices[l.BookID]
		total += unit * float64(l.Quantity)
		items = append(items, OrderItem{
			ID:                 book.ID,
			Title:              book.Title,
			OriginalPrice:      book.Price,
			PriceAfterDiscount: unit,
			Quantity:           l.Quantity,
		})
	}

	summary := &Summary{
		Books:      items,
		BundleSize: bundleSize,
	}

	summary.LoyaltyPointsToBeApplied = e.loyaltyPointsApplicable(books, lines, bundleSize, balance)

	if summary.LoyaltyPointsToBeApplied {
		if free := mostExpensiveEligibleBook(books, lines, unitPrices); free != nil {
			total -= unitPrices[free.ID]
			summary.BookToBeDeducted = &DeductedBook{
				ID:            free.ID,
				Title:         free.Title,
				DeductedPrice: unitPrices[free.ID],
			}
		}
	}

	summary.PriceToPay = total

	return summary, nil
}

// loyaltyPointsApplicable проверяет право на бесплатную книгу: баллы с учётом покупки
// (минус один за выдаваемый экземпляр) достигают лимита, и в заказе есть книга
// категории REGULAR или OLD_EDITION.
func (e *Engine) loyaltyPointsApplicable(books map[int64]model.Book, lines []Line, bundleSize, balance int) bool {
	if balance+bundleSize-1 < e.maxLoyaltyPoints {
		return false
	}
	seen := make(map[int64]bool, len(lines))
	for _, l := range lines {
		if seen[l.BookID] {
			continue
		}
		seen[l.BookID] = true
		if deductionEligible(books[l.BookID].Type) {
			return true
		}
	}
	return false
}

// mostExpensiveEligibleBook выбирает книгу REGULAR/OLD_EDITION с максимальной ценой
// после скидки. При равенстве цен побеждает первая встреченная в заказе книга.
func mostExpensiveEligibleBook(books map[int64]model.Book, lines []Line, unitPrices map[int64]float64) *model.Book {
	var best *model.Book
	seen := make(map[int64]bool, len(lines))
	for _, l := range lines {
		if seen[l.BookID] {
			continue
		}
		seen[l.BookID] = true
		book := books[l.BookID]
		if !deductionEligible(book.Type) {
			continue
		}
		if best == nil || unitPrices[book.ID] > unitPrices[best.ID] {
			b := book
			best = &b
		}
	}
	return best
}

// BalanceAfterPurchase вычисляет бонусный баланс после покупки. При списании
// потраченные баллы вычитаются, иначе каждый купленный экземпляр приносит балл.
// Результат всегда в пределах [0, max].
func (e *Engine) BalanceAfterPurchase(redeemed bool, balanceBefore, bundleSize int) int {
	var balance int
	if redeemed {
		balance = balanceBefore + bundleSize - 1 - e.maxLoyaltyPoints
	} else {
		balance = balanceBefore + bundleSize
	}
	if balance < 0 {
		balance = 0
	}
	if balance > e.maxLoyaltyPoints {
		balance = e.maxLoyaltyPoints
	}
	return balance
}
