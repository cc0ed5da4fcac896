// Package web serves the stockmarket pages: registration, login and the
// order listings.
package web

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/xtrntr/stockmarket/internal/auth"
	"github.com/xtrntr/stockmarket/internal/db"
	"github.com/xtrntr/stockmarket/internal/log"
	"github.com/xtrntr/stockmarket/internal/models"
	"github.com/xtrntr/stockmarket/internal/session"
)

const invalidCredentialsMessage = "Invalid tradername or password."

// Store is the storage the handlers read from
type Store interface {
	GetStocks(ctx context.Context) ([]models.Stock, error)
	GetStockOffers(ctx context.Context, stockID int) ([]models.Order, error)
	GetStockBids(ctx context.Context, stockID int) ([]models.Order, error)
	GetTraderOrders(ctx context.Context, traderID int) ([]models.Order, error)
	Query(ctx context.Context, sql string, args ...any) ([]db.Row, error)
}

var _ Store = (*db.DB)(nil)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Store    Store
	Auth     *auth.AuthService
	Sessions *session.Manager
	Logger   log.Logger
	Metrics  *Metrics

	validate  *validator.Validate
	templates map[string]*template.Template
}

// NewHandler creates a new handler
func NewHandler(store Store, authService *auth.AuthService, sessions *session.Manager, logger log.Logger, metrics *Metrics) (*Handler, error) {
	templates, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Handler{
		Store:     store,
		Auth:      authService,
		Sessions:  sessions,
		Logger:    logger,
		Metrics:   metrics,
		validate:  newValidator(),
		templates: templates,
	}, nil
}

// Index sends visitors on to the dashboard
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

// Registry shows the registration form
func (h *Handler) Registry(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, pageRegistry, page{Title: "Register", Form: registrationForm{}})
}

// Register handles trader registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("cancel") != "" {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	form := parseRegistrationForm(r)
	if err := h.validate.Struct(form); err != nil {
		h.Metrics.Registrations.With("outcome", "invalid").Add(1)
		h.render(w, r, http.StatusUnprocessableEntity, pageRegistry, page{
			Title:  "Register",
			Form:   form,
			Errors: fieldErrors(err),
		})
		return
	}

	trader, err := h.Auth.Register(r.Context(), auth.Registration{
		FirstName:  form.FirstName,
		LastName:   form.LastName,
		Tradername: form.Tradername,
		Password:   form.Password,
	})
	if errors.Is(err, auth.ErrTradernameTaken) {
		h.Metrics.Registrations.With("outcome", "taken").Add(1)
		h.render(w, r, http.StatusUnprocessableEntity, pageRegistry, page{
			Title:  "Register",
			Form:   form,
			Errors: map[string]string{"tradername": "That tradername is already taken."},
		})
		return
	}
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	sess := session.FromContext(r.Context())
	sess.AddFlash("success", fmt.Sprintf("New trader %q registered!", trader.Tradername))
	if err := h.Sessions.Commit(r.Context(), w, sess); err != nil {
		h.serverError(w, r, err)
		return
	}

	h.Metrics.Registrations.With("outcome", "success").Add(1)
	h.Logger.Info("registered trader", "traderid", trader.ID, "tradername", trader.Tradername)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// LoginPage shows the login form
func (h *Handler) LoginPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, pageLogin, page{Title: "Log in", Form: loginForm{}})
}

// Authenticate handles trader login. On success the session is moved to a
// new id before the trader is attached to it.
func (h *Handler) Authenticate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	form := parseLoginForm(r)
	if err := h.validate.Struct(form); err != nil {
		h.Metrics.Logins.With("outcome", "invalid").Add(1)
		h.render(w, r, http.StatusUnprocessableEntity, pageLogin, page{
			Title:  "Log in",
			Form:   loginForm{Tradername: form.Tradername},
			Errors: fieldErrors(err),
		})
		return
	}

	trader, err := h.Auth.Login(r.Context(), form.Tradername, form.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		h.Metrics.Logins.With("outcome", "rejected").Add(1)
		h.Logger.Info("login rejected", "tradername", form.Tradername, "request_id", middleware.GetReqID(r.Context()))
		h.render(w, r, http.StatusUnauthorized, pageLogin, page{
			Title: "Log in",
			Form:  loginForm{Tradername: form.Tradername},
			Error: invalidCredentialsMessage,
		})
		return
	}
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	sess := session.FromContext(r.Context())
	profile := trader.Profile()
	sess.Trader = &profile
	if err := h.Sessions.Renew(r.Context(), w, sess); err != nil {
		h.serverError(w, r, err)
		return
	}

	h.Metrics.Logins.With("outcome", "success").Add(1)
	h.Logger.Info("trader logged in", "traderid", trader.ID, "tradername", trader.Tradername)
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// Logout ends the session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if err := h.Sessions.Destroy(r.Context(), w, sess); err != nil {
		h.serverError(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// Dashboard shows the trader's profile and their orders grouped by stock
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	trader := session.FromContext(ctx).Trader

	orders, err := h.Store.GetTraderOrders(ctx, trader.ID)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	stocks, err := h.Store.GetStocks(ctx)
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	var listings []models.StockListing
	for _, stock := range stocks {
		listing := models.StockListing{Stock: stock}
		for _, o := range orders {
			if o.StockID == stock.ID {
				listing.Orders = append(listing.Orders, o)
			}
		}
		if len(listing.Orders) > 0 {
			listings = append(listings, listing)
		}
	}

	h.render(w, r, http.StatusOK, pageDashboard, page{Title: "Dashboard", Data: listings})
}

// OfferListing shows every stock with its sell orders
func (h *Handler) OfferListing(w http.ResponseWriter, r *http.Request) {
	listings, err := h.listings(r.Context(), h.Store.GetStockOffers)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, pageOfferListing, page{Title: "Offers", Data: listings})
}

// BidListing shows every stock with its buy orders
func (h *Handler) BidListing(w http.ResponseWriter, r *http.Request) {
	listings, err := h.listings(r.Context(), h.Store.GetStockBids)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, pageBidListing, page{Title: "Bids", Data: listings})
}

func (h *Handler) listings(ctx context.Context, orders func(context.Context, int) ([]models.Order, error)) ([]models.StockListing, error) {
	stocks, err := h.Store.GetStocks(ctx)
	if err != nil {
		return nil, err
	}
	listings := make([]models.StockListing, 0, len(stocks))
	for _, stock := range stocks {
		o, err := orders(ctx, stock.ID)
		if err != nil {
			return nil, err
		}
		listings = append(listings, models.StockListing{Stock: stock, Orders: o})
	}
	return listings, nil
}

// Orders writes every order to the server log
func (h *Handler) Orders(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Store.Query(r.Context(), "SELECT * FROM orders")
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	for _, row := range rows {
		h.Logger.Info("order", rowFields(row)...)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Orders printed!"))
}

// rowFields flattens a row into key/value pairs ordered by column name
func rowFields(row db.Row) []any {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	fields := make([]any, 0, 2*len(cols))
	for _, col := range cols {
		fields = append(fields, col, row[col])
	}
	return fields
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	h.Logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"err", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}
