// Package handler содержит HTTP-обработчики API книжного магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookstore-system/internal/middleware"
	"github.com/mmeshcher/bookstore-system/internal/model"
	"github.com/mmeshcher/bookstore-system/internal/pricing"
	"github.com/mmeshcher/bookstore-system/internal/repository"
	"github.com/mmeshcher/bookstore-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateUser(ctx context.Context, username, password string, roles []string) (*model.User, error)
	Authenticate(ctx context.Context, username, password string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	CreateBook(ctx context.Context, book model.Book) (*model.Book, error)
	GetBook(ctx context.Context, id int64) (*model.Book, error)
	UpdateBook(ctx context.Context, book model.Book) (*model.Book, error)
	DeleteBook(ctx context.Context, id int64) error
	SearchBooks(ctx context.Context, filter repository.BookFilter) ([]model.Book, error)
	GetLoyaltyPoints(ctx context.Context, userID int64) (*model.LoyaltyPoints, error)
	SetLoyaltyPoints(ctx context.Context, userID int64, points int) (*model.LoyaltyPoints, error)
	SummariseOrder(ctx context.Context, userID int64, lines []pricing.Line) (*pricing.Summary, error)
	PurchaseOrder(ctx context.Context, userID int64, lines []pricing.Line) (*service.PurchaseReceipt, error)
}

// Handler реализует HTTP-обработчики API книжного магазина.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Token выдаёт токен авторизации по имени и паролю пользователя.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("authenticate error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	token, err := h.authMiddleware.IssueToken(user)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

type newUserRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

type userResponse struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:       u.ID,
		Username: u.Username,
		Roles:    u.Roles,
	}
}

// CreateUser создаёт нового пользователя с указанными ролями.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req newUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.CreateUser(r.Context(), req.Username, req.Password, req.Roles)
	if err != nil {
		if errors.Is(err, service.ErrUnknownRole) || errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("create user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, toUserResponse(user))
}

// GetMyProfile возвращает профиль текущего пользователя.
func (h *Handler) GetMyProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.getUser(w, r, userID)
}

// GetUser возвращает профиль пользователя по идентификатору.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.getUser(w, r, userID)
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request, userID int64) {
	user, err := h.service.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get user error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, toUserResponse(user))
}

type bookRequest struct {
	Type   string  `json:"type"`
	Title  string  `json:"title"`
	Author string  `json:"author"`
	Price  float64 `json:"price"`
}

type bookResponse struct {
	ID           int64   `json:"id"`
	Type         string  `json:"type"`
	Title        string  `json:"title"`
	Author       string  `json:"author"`
	Price        float64 `json:"price"`
	CreationDate string  `json:"creationDate"`
}

func toBookResponse(b *model.Book) bookResponse {
	return bookResponse{
		ID:           b.ID,
		Type:         string(b.Type),
		Title:        b.Title,
		Author:       b.Author,
		Price:        b.Price,
		CreationDate: b.CreatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) decodeBook(w http.ResponseWriter, r *http.Request) (*model.Book, bool) {
	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return nil, false
	}

	bookType, err := model.ParseBookType(req.Type)
	if err != nil || req.Title == "" || req.Author == "" || req.Price <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return nil, false
	}

	return &model.Book{
		Type:   bookType,
		Title:  req.Title,
		Author: req.Author,
		Price:  req.Price,
	}, true
}

// CreateBook добавляет новую книгу в каталог.
func (h *Handler) CreateBook(w http.ResponseWriter, r *http.Request) {
	book, ok := h.decodeBook(w, r)
	if !ok {
		return
	}

	created, err := h.service.CreateBook(r.Context(), *book)
	if err != nil {
		h.logger.Error("create book error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, toBookResponse(created))
}

// GetBook возвращает книгу каталога по идентификатору.
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(r, "bookID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	book, err := h.service.GetBook(r.Context(), bookID)
	if err != nil {
		if errors.Is(err, repository.ErrBookNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get book error", zap.Error(err), zap.Int64("bookID", bookID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, toBookResponse(book))
}

// UpdateBook обновляет атрибуты книги каталога.
func (h *Handler) UpdateBook(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(r, "bookID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	book, ok := h.decodeBook(w, r)
	if !ok {
		return
	}
	book.ID = bookID

	updated, err := h.service.UpdateBook(r.Context(), *book)
	if err != nil {
		if errors.Is(err, repository.ErrBookNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("update book error", zap.Error(err), zap.Int64("bookID", bookID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, toBookResponse(updated))
}

// DeleteBook удаляет книгу каталога.
func (h *Handler) DeleteBook(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(r, "bookID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.DeleteBook(r.Context(), bookID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrBookNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrBookNotDeletable):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("delete book error", zap.Error(err), zap.Int64("bookID", bookID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func parseBookFilter(r *http.Request) (repository.BookFilter, error) {
	q := r.URL.Query()
	var f repository.BookFilter

	if raw := q.Get("ids"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return f, err
			}
			f.IDs = append(f.IDs, id)
		}
	}
	if raw := q.Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			bt, err := model.ParseBookType(strings.TrimSpace(part))
			if err != nil {
				return f, err
			}
			f.Types = append(f.Types, bt)
		}
	}

	f.Title = q.Get("title")
	f.Author = q.Get("author")

	if raw := q.Get("priceFrom"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return f, err
		}
		f.PriceFrom = &v
	}
	if raw := q.Get("priceTo"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return f, err
		}
		f.PriceTo = &v
	}
	if raw := q.Get("createdFrom"); raw != "" {
		v, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, err
		}
		f.CreatedFrom = &v
	}
	if raw := q.Get("createdTo"); raw != "" {
		v, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, err
		}
		f.CreatedTo = &v
	}

	if raw := q.Get("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return f, err
		}
		f.Page = v
	}
	if raw := q.Get("size"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return f, err
		}
		f.PageSize = v
	}

	f.SortBy = q.Get("sortBy")
	f.SortDesc = q.Get("sortDir") == "desc"

	return f, nil
}

// SearchBooks выполняет поиск книг каталога по параметрам запроса.
func (h *Handler) SearchBooks(w http.ResponseWriter, r *http.Request) {
	filter, err := parseBookFilter(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	books, err := h.service.SearchBooks(r.Context(), filter)
	if err != nil {
		h.logger.Error("search books error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]bookResponse, 0, len(books))
	for i := range books {
		resp = append(resp, toBookResponse(&books[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type orderLineRequest struct {
	BookID   int64 `json:"bookId"`
	Quantity int   `json:"quantity"`
}

type orderRequest struct {
	Order []orderLineRequest `json:"order"`
}

func (h *Handler) decodeOrder(w http.ResponseWriter, r *http.Request) ([]pricing.Line, bool) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return nil, false
	}

	lines := make([]pricing.Line, 0, len(req.Order))
	for _, l := range req.Order {
		lines = append(lines, pricing.Line{BookID: l.BookID, Quantity: l.Quantity})
	}
	return lines, true
}

func (h *Handler) orderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pricing.ErrEmptyOrder), errors.Is(err, pricing.ErrInvalidQuantity):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, pricing.ErrBookUnavailable):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrUpdateConflict):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error("order error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// SummariseOrder рассчитывает стоимость заказа для текущего пользователя.
func (h *Handler) SummariseOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	lines, ok := h.decodeOrder(w, r)
	if !ok {
		return
	}

	summary, err := h.service.SummariseOrder(r.Context(), userID, lines)
	if err != nil {
		h.orderError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// PurchaseOrder выполняет покупку заказа текущим пользователем.
func (h *Handler) PurchaseOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	lines, ok := h.decodeOrder(w, r)
	if !ok {
		return
	}

	receipt, err := h.service.PurchaseOrder(r.Context(), userID, lines)
	if err != nil {
		h.orderError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, receipt)
}

// GetMyLoyaltyPoints возвращает бонусный баланс текущего пользователя.
func (h *Handler) GetMyLoyaltyPoints(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.getLoyaltyPoints(w, r, userID)
}

// GetLoyaltyPoints возвращает бонусный баланс пользователя по идентификатору.
func (h *Handler) GetLoyaltyPoints(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.getLoyaltyPoints(w, r, userID)
}

func (h *Handler) getLoyaltyPoints(w http.ResponseWriter, r *http.Request, userID int64) {
	points, err := h.service.GetLoyaltyPoints(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get loyalty points error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, points)
}

type setPointsRequest struct {
	Points int `json:"points"`
}

// SetLoyaltyPoints выставляет бонусный баланс пользователя.
func (h *Handler) SetLoyaltyPoints(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req setPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	points, err := h.service.SetLoyaltyPoints(r.Context(), userID, req.Points)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("set loyalty points error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, points)
}
