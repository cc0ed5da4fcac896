package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/xtrntr/stockmarket/internal/models"
	"github.com/xtrntr/stockmarket/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

// Page names, one template file each.
const (
	pageRegistry     = "registry"
	pageLogin        = "login"
	pageDashboard    = "dashboard"
	pageOfferListing = "offer_listing"
	pageBidListing   = "bid_listing"
)

// formPages embed a CSRF token, so rendering one stores the session.
var formPages = map[string]bool{
	pageRegistry: true,
	pageLogin:    true,
}

// page is the data every template is executed with.
type page struct {
	Title     string
	Trader    *models.TraderProfile
	CSRFToken string
	Flashes   []session.Flash
	Error     string
	Form      any
	Errors    map[string]string
	Data      any
}

// parseTemplates builds one template set per page, each sharing the layout.
func parseTemplates() (map[string]*template.Template, error) {
	pages := []string{pageRegistry, pageLogin, pageDashboard, pageOfferListing, pageBidListing}
	templates := make(map[string]*template.Template, len(pages))
	for _, name := range pages {
		t, err := template.New(name).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
		}
		templates[name] = t
	}
	return templates, nil
}

// render executes a page with the request's session attached. Flashes are
// consumed, so they are shown exactly once. Pages without a form leave a
// new session unsaved.
func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, name string, p page) {
	t, ok := h.templates[name]
	if !ok {
		h.serverError(w, r, fmt.Errorf("unknown template %q", name))
		return
	}

	if sess := session.FromContext(r.Context()); sess != nil {
		p.Trader = sess.Trader
		p.Flashes = sess.PopFlashes()
		if len(p.Flashes) > 0 || (formPages[name] && sess.IsNew()) {
			if err := h.Sessions.Commit(r.Context(), w, sess); err != nil {
				h.serverError(w, r, err)
				return
			}
		}
		p.CSRFToken = sess.CSRFToken
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", p); err != nil {
		h.serverError(w, r, fmt.Errorf("failed to render %s: %w", name, err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
