package web

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/stockmarket/internal/auth"
	"github.com/xtrntr/stockmarket/internal/db"
	"github.com/xtrntr/stockmarket/internal/log"
	"github.com/xtrntr/stockmarket/internal/models"
	"github.com/xtrntr/stockmarket/internal/session"
)

// memStore serves both the handlers and the auth service from memory.
type memStore struct {
	mu      sync.Mutex
	traders map[string]*models.Trader
	stocks  []models.Stock
	orders  []models.Order
	failing error
}

func newMemStore() *memStore {
	return &memStore{traders: make(map[string]*models.Trader)}
}

func (s *memStore) CreateTrader(ctx context.Context, trader *models.Trader) (*models.Trader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(trader.Tradername)
	if _, ok := s.traders[key]; ok {
		return nil, fmt.Errorf("failed to create trader: %w", db.ErrDuplicate)
	}
	created := *trader
	created.ID = len(s.traders) + 1
	created.CreatedAt = time.Now()
	s.traders[key] = &created
	return &created, nil
}

func (s *memStore) GetTraderByTradername(ctx context.Context, tradername string) (*models.Trader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trader, ok := s.traders[strings.ToLower(tradername)]
	if !ok {
		return nil, fmt.Errorf("failed to get trader: %w", db.ErrNotFound)
	}
	copied := *trader
	return &copied, nil
}

func (s *memStore) GetStocks(ctx context.Context) ([]models.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing != nil {
		return nil, s.failing
	}
	return append([]models.Stock(nil), s.stocks...), nil
}

func (s *memStore) GetStockOffers(ctx context.Context, stockID int) ([]models.Order, error) {
	return s.filter(func(o models.Order) bool { return o.StockID == stockID && o.Selling }), nil
}

func (s *memStore) GetStockBids(ctx context.Context, stockID int) ([]models.Order, error) {
	return s.filter(func(o models.Order) bool { return o.StockID == stockID && !o.Selling }), nil
}

func (s *memStore) GetTraderOrders(ctx context.Context, traderID int) ([]models.Order, error) {
	return s.filter(func(o models.Order) bool { return o.TraderID == traderID }), nil
}

func (s *memStore) Query(ctx context.Context, sql string, args ...any) ([]db.Row, error) {
	orders := s.filter(func(models.Order) bool { return true })
	rows := make([]db.Row, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, db.Row{
			"id":        o.ID,
			"trader_id": o.TraderID,
			"stock_id":  o.StockID,
			"quantity":  o.Quantity,
			"selling":   o.Selling,
			"price":     o.Price.String(),
		})
	}
	return rows, nil
}

func (s *memStore) filter(keep func(models.Order) bool) []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	return out
}

func (s *memStore) addStock(symbol string) models.Stock {
	s.mu.Lock()
	defer s.mu.Unlock()
	stock := models.Stock{ID: len(s.stocks) + 1, Symbol: symbol, Name: symbol + " Inc."}
	s.stocks = append(s.stocks, stock)
	return stock
}

func (s *memStore) addOrder(traderID, stockID int, selling bool, price string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, models.Order{
		ID:       len(s.orders) + 1,
		TraderID: traderID,
		StockID:  stockID,
		Date:     time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
		Quantity: 10,
		Selling:  selling,
		Price:    decimal.RequireFromString(price),
	})
}

// lockedBuffer collects log output written from server goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	store    *memStore
	sessions *session.MemoryStore
	logs     *lockedBuffer
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    newMemStore(),
		sessions: session.NewMemoryStore(),
		logs:     &lockedBuffer{},
	}

	logger, err := log.NewLogger(log.LogFormatJSON, log.LogLevelInfo, env.logs)
	require.NoError(t, err)

	manager, err := session.NewManager(env.sessions, session.Config{
		Secret:     []byte("0123456789abcdef0123456789abcdef"),
		CookieName: "stockmarket_session",
		TTL:        time.Hour,
	}, logger)
	require.NoError(t, err)

	h, err := NewHandler(env.store, auth.NewAuthService(env.store, bcrypt.MinCost), manager, logger, NopMetrics())
	require.NoError(t, err)

	env.server = httptest.NewServer(NewRouter(h, RouterOptions{}))
	t.Cleanup(env.server.Close)
	return env
}

// client is a browser stand-in: it keeps cookies but does not follow
// redirects, so tests can assert on them.
type client struct {
	t    *testing.T
	base string
	http *http.Client
}

func (env *testEnv) newClient(t *testing.T) *client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &client{
		t:    t,
		base: env.server.URL,
		http: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

type response struct {
	status   int
	location string
	body     string
	header   http.Header
}

func (c *client) do(req *http.Request) response {
	c.t.Helper()
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return response{
		status:   resp.StatusCode,
		location: resp.Header.Get("Location"),
		body:     string(body),
		header:   resp.Header,
	}
}

func (c *client) get(path string) response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	require.NoError(c.t, err)
	return c.do(req)
}

func (c *client) post(path string, form url.Values) response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodPost, c.base+path, strings.NewReader(form.Encode()))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

// csrfToken reads the token embedded in the form served at path.
func (c *client) csrfToken(path string) string {
	c.t.Helper()
	resp := c.get(path)
	require.Equal(c.t, http.StatusOK, resp.status)
	m := csrfPattern.FindStringSubmatch(resp.body)
	require.Len(c.t, m, 2, "no csrf token in %s", path)
	return m[1]
}

func (c *client) register(first, last, tradername, password string) response {
	c.t.Helper()
	return c.post("/register", url.Values{
		"csrf_token": {c.csrfToken("/registry")},
		"first_name": {first},
		"last_name":  {last},
		"tradername": {tradername},
		"password":   {password},
	})
}

func (c *client) login(tradername, password string) response {
	c.t.Helper()
	return c.post("/auth", url.Values{
		"csrf_token": {c.csrfToken("/login")},
		"tradername": {tradername},
		"password":   {password},
	})
}

func TestRegisterLoginAndBrowse(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	resp := c.get("/dashboard")
	assert.Equal(t, http.StatusFound, resp.status)
	assert.Equal(t, "/login", resp.location)

	resp = c.register("alice", "smith", "alice01", "p@ss")
	require.Equal(t, http.StatusSeeOther, resp.status)
	assert.Equal(t, "/login", resp.location)

	stored, err := env.store.GetTraderByTradername(context.Background(), "alice01")
	require.NoError(t, err)
	assert.NotEqual(t, "p@ss", stored.Hashword)
	assert.Equal(t, "Alice", stored.FirstName)

	// The flash is shown once.
	resp = c.get("/login")
	assert.Contains(t, resp.body, "New trader &#34;alice01&#34; registered!")
	resp = c.get("/login")
	assert.NotContains(t, resp.body, "registered!")

	resp = c.login("alice01", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.status)
	assert.Contains(t, resp.body, invalidCredentialsMessage)

	resp = c.login("alice01", "p@ss")
	require.Equal(t, http.StatusSeeOther, resp.status)
	assert.Equal(t, "/dashboard", resp.location)

	resp = c.get("/")
	assert.Equal(t, http.StatusFound, resp.status)
	assert.Equal(t, "/dashboard", resp.location)

	resp = c.get("/dashboard")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, resp.body, "Welcome, Alice Smith.")
	assert.Contains(t, resp.body, "You have no orders on the book.")
	assert.NotContains(t, resp.body, stored.Hashword)

	resp = c.get("/logout")
	assert.Equal(t, http.StatusFound, resp.status)
	assert.Equal(t, "/", resp.location)

	resp = c.get("/dashboard")
	assert.Equal(t, http.StatusFound, resp.status)
	assert.Equal(t, "/login", resp.location)
}

func TestLoginRotatesSession(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	require.Equal(t, http.StatusSeeOther, c.register("Bob", "Jones", "bob", "hunter2").status)

	before := c.csrfToken("/login")
	require.Equal(t, http.StatusSeeOther, c.login("bob", "hunter2").status)

	resp := c.get("/dashboard")
	require.Equal(t, http.StatusOK, resp.status)
	after := csrfPattern.FindStringSubmatch(c.get("/login").body)
	require.Len(t, after, 2)
	assert.NotEqual(t, before, after[1])
}

func TestProtectedRoutesRedirect(t *testing.T) {
	env := newTestEnv(t)
	env.store.addStock("AAA")
	c := env.newClient(t)

	for _, path := range []string{"/dashboard", "/offer_listing", "/bid_listing", "/orders"} {
		t.Run(path, func(t *testing.T) {
			resp := c.get(path)
			assert.Equal(t, http.StatusFound, resp.status)
			assert.Equal(t, "/login", resp.location)
			assert.NotContains(t, resp.body, "AAA")
		})
	}
	assert.NotContains(t, env.logs.String(), `"message":"order"`)
}

func TestAnonymousVisitsStoreNoSession(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	for i := 0; i < 50; i++ {
		for _, path := range []string{"/", "/dashboard", "/offer_listing", "/logout"} {
			resp := c.get(path)
			assert.Equal(t, http.StatusFound, resp.status)
			// Logout only clears the cookie.
			for _, cookie := range (&http.Response{Header: resp.header}).Cookies() {
				assert.Empty(t, cookie.Value, path)
			}
		}
	}
	assert.Equal(t, 0, env.sessions.Len())

	// Forms need a CSRF token, which lives in a stored session.
	c.csrfToken("/login")
	c.csrfToken("/registry")
	assert.Equal(t, 1, env.sessions.Len())
}

func TestListingsPartitionOrders(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	require.Equal(t, http.StatusSeeOther, c.register("Alice", "Smith", "alice01", "p@ss").status)
	alice, err := env.store.GetTraderByTradername(context.Background(), "alice01")
	require.NoError(t, err)

	a := env.store.addStock("AAA")
	b := env.store.addStock("BBB")
	env.store.addOrder(alice.ID, a.ID, true, "10.50")
	env.store.addOrder(99, a.ID, true, "11.00")
	env.store.addOrder(99, a.ID, false, "9.75")

	require.Equal(t, http.StatusSeeOther, c.login("alice01", "p@ss").status)

	offers := c.get("/offer_listing")
	require.Equal(t, http.StatusOK, offers.status)
	assert.Equal(t, 2, strings.Count(offers.body, `data-stock="AAA"`))
	assert.Equal(t, 0, strings.Count(offers.body, `data-side="bid"`))
	assert.Equal(t, 0, strings.Count(offers.body, `data-stock="BBB"`))
	assert.Contains(t, offers.body, "10.50")
	assert.Contains(t, offers.body, "11.00")
	assert.Contains(t, offers.body, b.Name)

	bids := c.get("/bid_listing")
	require.Equal(t, http.StatusOK, bids.status)
	assert.Equal(t, 1, strings.Count(bids.body, `data-stock="AAA"`))
	assert.Equal(t, 0, strings.Count(bids.body, `data-side="offer"`))
	assert.Contains(t, bids.body, "9.75")

	dashboard := c.get("/dashboard")
	require.Equal(t, http.StatusOK, dashboard.status)
	assert.Equal(t, 1, strings.Count(dashboard.body, `data-stock="AAA"`))
	assert.Contains(t, dashboard.body, "10.50")
	assert.NotContains(t, dashboard.body, "9.75")
}

func TestOrdersDump(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	require.Equal(t, http.StatusSeeOther, c.register("Alice", "Smith", "alice01", "p@ss").status)
	a := env.store.addStock("AAA")
	env.store.addOrder(1, a.ID, true, "42.00")
	require.Equal(t, http.StatusSeeOther, c.login("alice01", "p@ss").status)

	resp := c.get("/orders")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "Orders printed!", resp.body)
	assert.True(t, strings.HasPrefix(resp.header.Get("Content-Type"), "text/plain"))
	assert.Contains(t, env.logs.String(), `"price":"42"`)
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name       string
		form       url.Values
		wantFields []string
	}{
		{
			name:       "Empty",
			form:       url.Values{},
			wantFields: []string{"first_name", "last_name", "tradername", "password"},
		},
		{
			name: "ShortTradername",
			form: url.Values{
				"first_name": {"Alice"}, "last_name": {"Smith"},
				"tradername": {"al"}, "password": {"p@ss"},
			},
			wantFields: []string{"tradername"},
		},
		{
			name: "PunctuationInTradername",
			form: url.Values{
				"first_name": {"Alice"}, "last_name": {"Smith"},
				"tradername": {"alice-01"}, "password": {"p@ss"},
			},
			wantFields: []string{"tradername"},
		},
		{
			name: "ShortPassword",
			form: url.Values{
				"first_name": {"Alice"}, "last_name": {"Smith"},
				"tradername": {"alice01"}, "password": {"abc"},
			},
			wantFields: []string{"password"},
		},
		{
			name: "BlankNames",
			form: url.Values{
				"first_name": {"   "}, "last_name": {" "},
				"tradername": {"alice01"}, "password": {"p@ss"},
			},
			wantFields: []string{"first_name", "last_name"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			c := env.newClient(t)
			tt.form.Set("csrf_token", c.csrfToken("/registry"))

			resp := c.post("/register", tt.form)
			require.Equal(t, http.StatusUnprocessableEntity, resp.status)
			assert.Equal(t, len(tt.wantFields), strings.Count(resp.body, `class="field-error"`))
			if pw := tt.form.Get("password"); pw != "" {
				assert.NotContains(t, resp.body, `value="`+pw+`"`)
			}
			_, err := env.store.GetTraderByTradername(context.Background(), tt.form.Get("tradername"))
			assert.ErrorIs(t, err, db.ErrNotFound)
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	require.Equal(t, http.StatusSeeOther, c.register("Alice", "Smith", "alice01", "p@ss").status)

	resp := c.register("Other", "Person", "ALICE01", "other")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.status)
	assert.Contains(t, resp.body, "That tradername is already taken.")

	// The first registrant still logs in with their own password.
	assert.Equal(t, http.StatusSeeOther, c.login("alice01", "p@ss").status)
}

func TestRegisterCancel(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	resp := c.post("/register", url.Values{
		"csrf_token": {c.csrfToken("/registry")},
		"cancel":     {"cancel"},
	})
	assert.Equal(t, http.StatusSeeOther, resp.status)
	assert.Equal(t, "/login", resp.location)
}

func TestLoginValidation(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	resp := c.login("", "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.status)
	assert.Equal(t, 2, strings.Count(resp.body, `class="field-error"`))

	resp = c.login("nobody", "p@ss")
	assert.Equal(t, http.StatusUnauthorized, resp.status)
	assert.Contains(t, resp.body, invalidCredentialsMessage)
}

func TestCSRF(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	token := c.csrfToken("/registry")

	form := url.Values{
		"first_name": {"Alice"}, "last_name": {"Smith"},
		"tradername": {"alice01"}, "password": {"p@ss"},
	}

	resp := c.post("/register", form)
	assert.Equal(t, http.StatusForbidden, resp.status)

	form.Set("csrf_token", token+"x")
	resp = c.post("/register", form)
	assert.Equal(t, http.StatusForbidden, resp.status)

	// A token taken from another visitor's session is useless.
	other := env.newClient(t)
	form.Set("csrf_token", other.csrfToken("/registry"))
	resp = c.post("/register", form)
	assert.Equal(t, http.StatusForbidden, resp.status)

	_, err := env.store.GetTraderByTradername(context.Background(), "alice01")
	assert.ErrorIs(t, err, db.ErrNotFound)

	// The header works as well as the form field.
	form.Del("csrf_token")
	req, err := http.NewRequest(http.MethodPost, c.base+"/register", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(CSRFHeader, token)
	resp = c.do(req)
	assert.Equal(t, http.StatusSeeOther, resp.status)
}

func TestTamperedCookie(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	require.Equal(t, http.StatusSeeOther, c.register("Alice", "Smith", "alice01", "p@ss").status)
	require.Equal(t, http.StatusSeeOther, c.login("alice01", "p@ss").status)

	u, err := url.Parse(c.base)
	require.NoError(t, err)
	var value string
	for _, cookie := range c.http.Jar.Cookies(u) {
		if cookie.Name == "stockmarket_session" {
			value = cookie.Value
		}
	}
	require.NotEmpty(t, value)

	req, err := http.NewRequest(http.MethodGet, c.base+"/dashboard", nil)
	require.NoError(t, err)
	// Flip the first character of the signature.
	parts := strings.Split(value, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	parts[2] = string(sig)

	req.AddCookie(&http.Cookie{Name: "stockmarket_session", Value: strings.Join(parts, ".")})
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestStorageErrors(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	require.Equal(t, http.StatusSeeOther, c.register("Alice", "Smith", "alice01", "p@ss").status)
	require.Equal(t, http.StatusSeeOther, c.login("alice01", "p@ss").status)

	env.store.mu.Lock()
	env.store.failing = fmt.Errorf("connection refused")
	env.store.mu.Unlock()

	resp := c.get("/offer_listing")
	assert.Equal(t, http.StatusInternalServerError, resp.status)
	assert.NotContains(t, resp.body, "connection refused")
	assert.Contains(t, env.logs.String(), "connection refused")
}
