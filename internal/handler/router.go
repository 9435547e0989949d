package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/bookstore-system/internal/middleware"
	"github.com/mmeshcher/bookstore-system/internal/model"
)

// SetupRouter собирает маршруты API книжного магазина.
func (h *Handler) SetupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.GzipMiddleware)
	r.Use(middleware.Logger(h.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/token", h.Token)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(model.RoleAdmin, model.RoleUser))

				r.Get("/users/me", h.GetMyProfile)
				r.Get("/books", h.SearchBooks)
				r.Get("/books/{bookID}", h.GetBook)
				r.Post("/orders/summarise", h.SummariseOrder)
				r.Post("/orders/purchase", h.PurchaseOrder)
				r.Get("/loyalty-points/me", h.GetMyLoyaltyPoints)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(model.RoleAdmin))

				r.Post("/users", h.CreateUser)
				r.Get("/users/{userID}", h.GetUser)
				r.Post("/books", h.CreateBook)
				r.Put("/books/{bookID}", h.UpdateBook)
				r.Delete("/books/{bookID}", h.DeleteBook)
				r.Get("/loyalty-points/{userID}", h.GetLoyaltyPoints)
				r.Put("/loyalty-points/{userID}", h.SetLoyaltyPoints)
			})
		})
	})

	return r
}
