package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rookgm/orderflow/internal/middleware"
	"go.uber.org/zap"
)

// NewRouter registers order routes
func NewRouter(oh *OrderHandler, tv middleware.TokenVerifier, logger *zap.Logger) http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(middleware.Logging(logger))
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	router.Route("/api/orders", func(r chi.Router) {
		r.Get("/{id}", oh.GetOrder())
		r.Get("/{id}/track", oh.TrackOrder())
		r.Get("/user/{userID}", oh.ListUserOrders())
		r.Get("/restaurant/{restaurantID}", oh.ListRestaurantOrders())
		r.Get("/driver/{driverID}", oh.ListDriverOrders())
		r.Post("/{id}/user-cancel", oh.UserCancelOrder())

		// routes that require authentication
		r.Group(func(group chi.Router) {
			group.Use(middleware.Auth(tv))
			group.Post("/", oh.CreateOrder())
			group.Post("/{id}/cancel", oh.CancelOrder())

			group.Group(func(admin chi.Router) {
				admin.Use(middleware.AdminOnly)
				admin.Patch("/{id}/status", oh.UpdateStatus())
				admin.Post("/{id}/assign-driver", oh.AssignDriver())
				admin.Delete("/{id}", oh.DeleteOrder())
			})
		})
	})

	return router
}
