// Package session keeps per-visitor state on the server side. The browser
// only holds a signed, opaque token naming its session.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/xtrntr/stockmarket/internal/models"
)

// ErrNotFound is returned by a Store for unknown or expired sessions.
var ErrNotFound = errors.New("session not found")

// Flash is a one-shot message shown on the next rendered page.
type Flash struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// Session is the server-side state of one visitor.
type Session struct {
	ID        string                `json:"-"`
	Trader    *models.TraderProfile `json:"trader,omitempty"`
	CSRFToken string                `json:"csrf_token"`
	Flashes   []Flash               `json:"flashes,omitempty"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// Authenticated reports whether a trader is logged in.
func (s *Session) Authenticated() bool {
	return s != nil && s.Trader != nil
}

// IsNew reports whether the session has never been stored.
func (s *Session) IsNew() bool {
	return s.ID == ""
}

// AddFlash queues a message for the next page.
func (s *Session) AddFlash(category, message string) {
	s.Flashes = append(s.Flashes, Flash{Category: category, Message: message})
}

// PopFlashes returns and clears the queued messages.
func (s *Session) PopFlashes() []Flash {
	flashes := s.Flashes
	s.Flashes = nil
	return flashes
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

func (s *Session) clone() *Session {
	c := *s
	if s.Trader != nil {
		trader := *s.Trader
		c.Trader = &trader
	}
	if s.Flashes != nil {
		c.Flashes = append([]Flash(nil), s.Flashes...)
	}
	return &c
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying sess.
func NewContext(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, sess)
}

// FromContext returns the session stored by Manager.Middleware, or nil.
func FromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(contextKey{}).(*Session)
	return sess
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
