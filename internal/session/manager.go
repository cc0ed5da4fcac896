package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/xtrntr/stockmarket/internal/log"
)

// Config configures a Manager.
type Config struct {
	Secret     []byte
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// Manager binds sessions to requests. The cookie it sets holds an HS256
// token whose jti is the session id; the session itself lives in the Store.
type Manager struct {
	store  Store
	cfg    Config
	logger log.Logger
	now    func() time.Time
}

// NewManager creates a Manager over store.
func NewManager(store Store, cfg Config, logger log.Logger) (*Manager, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("session secret is required")
	}
	if cfg.CookieName == "" {
		return nil, errors.New("session cookie name is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Middleware loads the session named by the request cookie and makes it
// available through FromContext. A visitor without one gets a new, unsaved
// session; nothing is stored and no cookie is set until Commit or Renew.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := m.load(r)
		if err != nil {
			m.logger.Error("failed to load session", "path", r.URL.Path, "err", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if sess == nil {
			sess = &Session{}
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), sess)))
	})
}

// Commit saves changes made to sess during the request. A new session is
// issued an id, a CSRF token and a cookie first.
func (m *Manager) Commit(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess.IsNew() {
		return m.issue(ctx, w, sess)
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// Renew moves sess to a new id and CSRF token, keeping its contents. Call it
// whenever the privilege level changes, such as on login.
func (m *Manager) Renew(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if !sess.IsNew() {
		if err := m.store.Delete(ctx, sess.ID); err != nil {
			return fmt.Errorf("failed to drop old session: %w", err)
		}
	}
	return m.issue(ctx, w, sess)
}

// Destroy deletes sess and expires the cookie.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if !sess.IsNew() {
		if err := m.store.Delete(ctx, sess.ID); err != nil {
			return fmt.Errorf("failed to destroy session: %w", err)
		}
	}
	*sess = Session{}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (m *Manager) load(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(m.cfg.CookieName)
	if err != nil {
		return nil, nil
	}
	id, err := m.parse(cookie.Value)
	if err != nil {
		m.logger.Debug("discarding session token", "err", err)
		return nil, nil
	}
	sess, err := m.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// issue gives sess a fresh id, CSRF token and expiry, stores it and sets
// the cookie.
func (m *Manager) issue(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	csrfToken, err := newToken()
	if err != nil {
		return fmt.Errorf("failed to generate csrf token: %w", err)
	}
	sess.ID = uuid.NewString()
	sess.CSRFToken = csrfToken
	sess.ExpiresAt = m.now().Add(m.cfg.TTL)

	signed, err := m.sign(sess)
	if err != nil {
		return err
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    signed,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (m *Manager) sign(sess *Session) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        sess.ID,
		IssuedAt:  jwt.NewNumericDate(m.now()),
		ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
	})
	signed, err := token.SignedString(m.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// parse verifies a cookie value and returns the session id it names.
func (m *Manager) parse(value string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (interface{}, error) {
		return m.cfg.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims.ID == "" {
		return "", errors.New("token carries no session id")
	}
	return claims.ID, nil
}

// Sweeper is implemented by stores that can purge expired sessions in bulk.
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Sweep purges expired sessions when the store supports it.
func (m *Manager) Sweep(ctx context.Context) {
	sweeper, ok := m.store.(Sweeper)
	if !ok {
		return
	}
	n, err := sweeper.DeleteExpired(ctx)
	if err != nil {
		m.logger.Error("failed to sweep sessions", "err", err)
		return
	}
	if n > 0 {
		m.logger.Debug("swept expired sessions", "count", n)
	}
}
