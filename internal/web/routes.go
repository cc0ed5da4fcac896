package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions holds the parts of the router that depend on configuration.
type RouterOptions struct {
	// Origins allowed to make cross-origin requests. Empty disables CORS.
	AllowedOrigins []string
	// Served on /metrics when set.
	MetricsHandler http.Handler
}

// NewRouter sets up the HTTP routes
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.LogRequests)
	r.Use(middleware.Recoverer)

	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", CSRFHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.Sessions.Middleware)
		r.Use(h.VerifyCSRF)

		// Public pages
		r.Get("/", h.Index)
		r.Get("/registry", h.Registry)
		r.Post("/register", h.Register)
		r.Get("/login", h.LoginPage)
		r.Post("/auth", h.Authenticate)
		r.Get("/logout", h.Logout)

		// Pages that need a logged-in trader
		r.Group(func(r chi.Router) {
			r.Use(h.RequireTrader)
			r.Get("/dashboard", h.Dashboard)
			r.Get("/offer_listing", h.OfferListing)
			r.Get("/bid_listing", h.BidListing)
			r.Get("/orders", h.Orders)
		})
	})

	return r
}
