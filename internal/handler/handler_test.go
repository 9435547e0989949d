package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bookstore-system/internal/middleware"
	"github.com/mmeshcher/bookstore-system/internal/model"
	"github.com/mmeshcher/bookstore-system/internal/pricing"
	"github.com/mmeshcher/bookstore-system/internal/repository"
	"github.com/mmeshcher/bookstore-system/internal/service"
)

type stubService struct {
	authenticateFunc  func(username, password string) (*model.User, error)
	createUserFunc    func(username, password string, roles []string) (*model.User, error)
	getUserFunc       func(id int64) (*model.User, error)
	createBookFunc    func(book model.Book) (*model.Book, error)
	getBookFunc       func(id int64) (*model.Book, error)
	updateBookFunc    func(book model.Book) (*model.Book, error)
	deleteBookFunc    func(id int64) error
	searchBooksFunc   func(filter repository.BookFilter) ([]model.Book, error)
	getPointsFunc     func(userID int64) (*model.LoyaltyPoints, error)
	setPointsFunc     func(userID int64, points int) (*model.LoyaltyPoints, error)
	summariseFunc     func(userID int64, lines []pricing.Line) (*pricing.Summary, error)
	purchaseFunc      func(userID int64, lines []pricing.Line) (*service.PurchaseReceipt, error)
	lastSearchFilter  repository.BookFilter
	lastSummariseUser int64
}

func (s *stubService) Authenticate(_ context.Context, username, password string) (*model.User, error) {
	return s.authenticateFunc(username, password)
}

func (s *stubService) CreateUser(_ context.Context, username, password string, roles []string) (*model.User, error) {
	return s.createUserFunc(username, password, roles)
}

func (s *stubService) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	return s.getUserFunc(id)
}

func (s *stubService) CreateBook(_ context.Context, book model.Book) (*model.Book, error) {
	return s.createBookFunc(book)
}

func (s *stubService) GetBook(_ context.Context, id int64) (*model.Book, error) {
	return s.getBookFunc(id)
}

func (s *stubService) UpdateBook(_ context.Context, book model.Book) (*model.Book, error) {
	return s.updateBookFunc(book)
}

func (s *stubService) DeleteBook(_ context.Context, id int64) error {
	return s.deleteBookFunc(id)
}

func (s *stubService) SearchBooks(_ context.Context, filter repository.BookFilter) ([]model.Book, error) {
	s.lastSearchFilter = filter
	return s.searchBooksFunc(filter)
}

func (s *stubService) GetLoyaltyPoints(_ context.Context, userID int64) (*model.LoyaltyPoints, error) {
	return s.getPointsFunc(userID)
}

func (s *stubService) SetLoyaltyPoints(_ context.Context, userID int64, points int) (*model.LoyaltyPoints, error) {
	return s.setPointsFunc(userID, points)
}

func (s *stubService) SummariseOrder(_ context.Context, userID int64, lines []pricing.Line) (*pricing.Summary, error) {
	s.lastSummariseUser = userID
	return s.summariseFunc(userID, lines)
}

func (s *stubService) PurchaseOrder(_ context.Context, userID int64, lines []pricing.Line) (*service.PurchaseReceipt, error) {
	return s.purchaseFunc(userID, lines)
}

func newTestHandler(t *testing.T, svc Service) (*Handler, *middleware.AuthMiddleware) {
	t.Helper()
	auth := middleware.NewAuthMiddleware("test-secret")
	return NewHandler(svc, zap.NewNop(), auth), auth
}

func authToken(t *testing.T, auth *middleware.AuthMiddleware, id int64, roles ...string) string {
	t.Helper()
	token, err := auth.IssueToken(&model.User{ID: id, Username: "user", Roles: roles})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doRequest(h *Handler, method, target, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	r := httptest.NewRequest(method, target, &buf)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(w, r)
	return w
}

func TestToken(t *testing.T) {
	svc := &stubService{
		authenticateFunc: func(username, password string) (*model.User, error) {
			if username == "reader" && password == "secret" {
				return &model.User{ID: 1, Username: "reader", Roles: []string{model.RoleUser}}, nil
			}
			return nil, service.ErrInvalidCredentials
		},
	}
	h, _ := newTestHandler(t, svc)

	w := doRequest(h, http.MethodPost, "/api/v1/auth/token", "", credentialsRequest{Username: "reader", Password: "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("token is empty")
	}
}

func TestToken_InvalidCredentials(t *testing.T) {
	svc := &stubService{
		authenticateFunc: func(string, string) (*model.User, error) {
			return nil, service.ErrInvalidCredentials
		},
	}
	h, _ := newTestHandler(t, svc)

	w := doRequest(h, http.MethodPost, "/api/v1/auth/token", "", credentialsRequest{Username: "reader", Password: "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestToken_EmptyBody(t *testing.T) {
	h, _ := newTestHandler(t, &stubService{})

	w := doRequest(h, http.MethodPost, "/api/v1/auth/token", "", credentialsRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestCreateUser(t *testing.T) {
	svc := &stubService{
		createUserFunc: func(username, password string, roles []string) (*model.User, error) {
			return &model.User{ID: 5, Username: username, Roles: roles}, nil
		},
	}
	h, auth := newTestHandler(t, svc)
	token := authToken(t, auth, 1, model.RoleAdmin)

	w := doRequest(h, http.MethodPost, "/api/v1/users", token, newUserRequest{
		Username: "reader",
		Password: "secret",
		Roles:    []string{model.RoleUser},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}

	var resp userResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ID != 5 || resp.Username != "reader" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestCreateUser_Duplicate(t *testing.T) {
	svc := &stubService{
		createUserFunc: func(string, string, []string) (*model.User, error) {
			return nil, repository.ErrUserExists
		},
	}
	h, auth := newTestHandler(t, svc)
	token := authToken(t, auth, 1, model.RoleAdmin)

	w := doRequest(h, http.MethodPost, "/api/v1/users", token, newUserRequest{
		Username: "reader",
		Password: "secret",
		Roles:    []string{model.RoleUser},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestCreateUser_RequiresAdmin(t *testing.T) {
	h, auth := newTestHandler(t, &stubService{})
	token := authToken(t, auth, 1, model.RoleUser)

	w := doRequest(h, http.MethodPost, "/api/v1/users", token, newUserRequest{
		Username: "reader",
		Password: "secret",
		Roles:    []string{model.RoleUser},
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestGetMyProfile(t *testing.T) {
	svc := &stubService{
		getUserFunc: func(id int64) (*model.User, error) {
			return &model.User{ID: id, Username: "reader", Roles: []string{model.RoleUser}}, nil
		},
	}
	h, auth := newTestHandler(t, svc)
	token := authToken(t, auth, 42, model.RoleUser)

	w := doRequest(h, http.MethodGet, "/api/v1/users/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp userResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ID != 42 {
		t.Fatalf("id = %d, want 42", resp.ID)
	}
}

func TestGetMyProfile_WithoutToken(t *testing.T) {
	h, _ := newTestHandler(t, &stubService{})

	w := doRequest(h, http.MethodGet, "/api/v1/users/me", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	svc := &stubService{
		getUserFunc: func(int64) (*model.User, error) {
			return nil, repository.ErrUserNotFound
		},
	}
	h, auth := newTestHandler(t, svc)
	token := authToken(t, auth, 1, model.RoleAdmin)

	w := doRequest(h, http.MethodGet, "/api/v1/users/99", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestCreateBook(t *testing.T) {
	svc := &stubService{
		createBookFunc: func(book model.Book) (*model.Book, error) {
			book.ID = 3
			book.CreatedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			return &book, nil
		},
	}
	h, auth := newTestHandler(t, svc)
	token := authToken(t, auth, 1, model.RoleAdmin)

	w := doRequest(h, http.MethodPost, "/api/v1/books", token, bookRequest{
		Type:   "REGULAR",
		Title:  "The Go Programming Language",
		Author: "Donovan",
		Price:  45,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}

	var resp bookResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ID != 3 || resp.Type != "REGULAR" || resp.Price != 45 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestCreateBook_InvalidType(t *testing.T) {
	h, auth := newTestHandler(t, &stubService{})
	token := authToken(t, auth, 1, model.RoleAdmin)

	w := doRequest(h, http.MethodPost, "/api/v1/books", token, bookRequest{
		Type:   "RARE",
		Title:  "Title",
		Author: "Author",
		Price:  10,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestGetBook_NotFound(t *testing.T) {
	svc := &stubService{
		getBookFunc: func(int64) (*model.Book, error) {
			return nil, repository.ErrBookNotFound
		},
	}
	h, auth := newTestHandler(t, svc)
	token := authToken(t, auth, 1, model.RoleUser)

	w := doRequest(h, http.MethodGet, "/api/v1/books/7", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestDeleteBook(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"deleted", nil, http.StatusNoContent},
		{"not deletable", service.ErrBookNotDeletable, http.StatusBadRequest},
		{"not found", repository.ErrBookNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				deleteBookFunc: func(int64) error { return tt.err },
			}
			h, auth := newTestHandler(t, svc)
			token := authToken(t, auth, 1, model.RoleAdmin)

			w := doRequest(h, http.MethodDelete, "/api/v1/books/7", token, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestSearchBooks(t *testing.T) {
	svc := &stubService{
		searchBooksFunc: func(repository.BookFilter) ([]model.Book, error) {
			return []model.Book{
				{ID: 1, Type: model.BookTypeRegular, Title: "A", Author: "B", Price: 10},
			}, nil
		},
	}
	h, auth := newTestHandler(t, svc)
	token := authToken(t, auth, 1, model.RoleUser)

	w := doRequest(h, http.MethodGet, "/api/v1/books?types=REGULAR&author=B&page=2&size=5&sortBy=price&sortDir=desc", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	f := svc.lastSearchFilter
	if len(f.Types) != 1 || f.Types[0] != model.BookTypeRegular {
		t.Fatalf("filter types = %v", f.Types)
	}
	if f.Author != "B" || f.Page != 2 || f.PageSize != 5 || f.SortBy != "price" || !f.SortDesc {
		t.Fatalf("filter = %+v", f)
	}

	var resp []bookResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp) != 1 || resp[0].ID != 1 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestSearchBooks_InvalidType(t *testing.T) {
	h, auth := newTestHandler(t, &stubService{})
	token := authToken(t, auth, 1, model.RoleUser)

	w := doRequest(h, http.MethodGet, "/api/v1/books?types=RARE", token, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestSummariseOrder(t *testing.T) {
	svc := &stubService{
		summariseFunc: func(userID int64, lines []pricing.Line) (*pricing.Summary, error) {
			return &pricing.Summary{
				PriceToPay:               135,
				LoyaltyPointsToBeApplied: false,
				Books: []pricing.OrderItem{
					{ID: 1, Title: "A", OriginalPrice: 50, PriceAfterDiscount: 45, Quantity: 3},
				},
			}, nil
		},
	}
	h, auth := newTestHandler(t, svc)
	token := authToken(t, auth, 42, model.RoleUser)

	w := doRequest(h, http.MethodPost, "/api/v1/orders/summarise", token, orderRequest{
		Order: []orderLineRequest{{BookID: 1, Quantity: 3}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if svc.lastSummariseUser != 42 {
		t.Fatalf("summarise user = %d, want 42", svc.lastSummariseUser)
	}

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	for _, field := range []string{"priceToPay", "loyaltyPointsToBeApplied", "books"} {
		if _, ok := resp[field]; !ok {
			t.Fatalf("response is missing field %q: %s", field, w.Body.String())
		}
	}
}

func TestSummariseOrder_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"empty order", pricing.ErrEmptyOrder, http.StatusBadRequest},
		{"invalid quantity", pricing.ErrInvalidQuantity, http.StatusBadRequest},
		{"book unavailable", pricing.ErrBookUnavailable, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				summariseFunc: func(int64, []pricing.Line) (*pricing.Summary, error) {
					return nil, tt.err
				},
			}
			h, auth := newTestHandler(t, svc)
			token := authToken(t, auth, 1, model.RoleUser)

			w := doRequest(h, http.MethodPost, "/api/v1/orders/summarise", token, orderRequest{
				Order: []orderLineRequest{{BookID: 1, Quantity: 1}},
			})
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestPurchaseOrder(t *testing.T) {
	svc := &stubService{
		purchaseFunc: func(userID int64, lines []pricing.Line) (*service.PurchaseReceipt, error) {
			return &service.PurchaseReceipt{
				PricePaid:                  390,
				LoyaltyPointsAfterPurchase: 7,
				LoyaltyPointsApplied:       true,
				BookToBeDeducted: &pricing.DeductedBook{
					ID:            2,
					Title:         "B",
					DeductedPrice: 45,
				},
			}, nil
		},
	}
	h, auth := newTestHandler(t, svc)
	token := authToken(t, auth, 42, model.RoleUser)

	w := doRequest(h, http.MethodPost, "/api/v1/orders/purchase", token, orderRequest{
		Order: []orderLineRequest{{BookID: 2, Quantity: 8}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	for _, field := range []string{"pricePaid", "loyaltyPointsAfterPurchase", "loyaltyPointsApplied", "bookToBeDeducted"} {
		if _, ok := resp[field]; !ok {
			t.Fatalf("response is missing field %q: %s", field, w.Body.String())
		}
	}
}

func TestPurchaseOrder_Conflict(t *testing.T) {
	svc := &stubService{
		purchaseFunc: func(int64, []pricing.Line) (*service.PurchaseReceipt, error) {
			return nil, repository.ErrUpdateConflict
		},
	}
	h, auth := newTestHandler(t, svc)
	token := authToken(t, auth, 1, model.RoleUser)

	w := doRequest(h, http.MethodPost, "/api/v1/orders/purchase", token, orderRequest{
		Order: []orderLineRequest{{BookID: 1, Quantity: 1}},
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestGetMyLoyaltyPoints(t *testing.T) {
	svc := &stubService{
		getPointsFunc: func(userID int64) (*model.LoyaltyPoints, error) {
			return &model.LoyaltyPoints{Points: 7}, nil
		},
	}
	h, auth := newTestHandler(t, svc)
	token := authToken(t, auth, 42, model.RoleUser)

	w := doRequest(h, http.MethodGet, "/api/v1/loyalty-points/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp model.LoyaltyPoints
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Points != 7 {
		t.Fatalf("points = %d, want 7", resp.Points)
	}
}

func TestSetLoyaltyPoints(t *testing.T) {
	var gotUserID int64
	var gotPoints int
	svc := &stubService{
		setPointsFunc: func(userID int64, points int) (*model.LoyaltyPoints, error) {
			gotUserID = userID
			gotPoints = points
			return &model.LoyaltyPoints{Points: points}, nil
		},
	}
	h, auth := newTestHandler(t, svc)
	token := authToken(t, auth, 1, model.RoleAdmin)

	w := doRequest(h, http.MethodPut, "/api/v1/loyalty-points/9", token, setPointsRequest{Points: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotUserID != 9 || gotPoints != 5 {
		t.Fatalf("set points called with user %d points %d", gotUserID, gotPoints)
	}
}

func TestSetLoyaltyPoints_RequiresAdmin(t *testing.T) {
	h, auth := newTestHandler(t, &stubService{})
	token := authToken(t, auth, 1, model.RoleUser)

	w := doRequest(h, http.MethodPut, "/api/v1/loyalty-points/9", token, setPointsRequest{Points: 5})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}
