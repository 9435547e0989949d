// Package model содержит доменные сущности книжного магазина.
package model

import (
	"fmt"
	"time"
)

// Роли пользователей системы. Роль определяет доступ к административным операциям API.
const (
	RoleAdmin = "ROLE_ADMIN"
	RoleUser  = "ROLE_USER"
)

// KnownRole возвращает true, если роль входит в закрытый набор ролей системы.
func KnownRole(role string) bool {
	return role == RoleAdmin || role == RoleUser
}

// User представляет учётную запись пользователя магазина.
type User struct {
	ID           int64
	Username     string
	PasswordHash []byte
	Roles        []string
	CreatedAt    time.Time
}

// HasRole возвращает true, если пользователю назначена указанная роль.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// BookType описывает категорию книги. Категория определяет применяемое правило скидки.
type BookType string

const (
	BookTypeNewRelease BookType = "NEW_RELEASE"
	BookTypeRegular    BookType = "REGULAR"
	BookTypeOldEdition BookType = "OLD_EDITION"
)

// ParseBookType преобразует строку в категорию книги.
func ParseBookType(s string) (BookType, error) {
	switch BookType(s) {
	case BookTypeNewRelease, BookTypeRegular, BookTypeOldEdition:
		return BookType(s), nil
	}
	return "", fmt.Errorf("unknown book type: %q", s)
}

// Book описывает книгу каталога.
type Book struct {
	ID        int64
	Type      BookType
	Title     string
	Author    string
	Price     float64
	CreatedAt time.Time
}

// LoyaltyPoints содержит бонусный баланс пользователя.
type LoyaltyPoints struct {
	Points int `json:"points"`
}
