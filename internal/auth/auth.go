package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/xtrntr/stockmarket/internal/db"
	"github.com/xtrntr/stockmarket/internal/models"
)

var (
	// ErrInvalidCredentials covers both an unknown tradername and a wrong
	// password so callers cannot tell them apart.
	ErrInvalidCredentials = errors.New("invalid tradername or password")
	// ErrTradernameTaken is returned when registering a name already in use.
	ErrTradernameTaken = errors.New("tradername already taken")
)

// TraderStore is the storage AuthService needs
type TraderStore interface {
	CreateTrader(ctx context.Context, trader *models.Trader) (*models.Trader, error)
	GetTraderByTradername(ctx context.Context, tradername string) (*models.Trader, error)
}

// Registration is the input of AuthService.Register
type Registration struct {
	FirstName  string
	LastName   string
	Tradername string
	Password   string
}

// AuthService handles trader registration and login
type AuthService struct {
	Store TraderStore
	Cost  int

	dummyOnce   sync.Once
	dummyDigest string
}

// NewAuthService creates a new auth service hashing with the given bcrypt cost
func NewAuthService(store TraderStore, cost int) *AuthService {
	return &AuthService{Store: store, Cost: cost}
}

// Register creates a new trader with a hashed password
func (s *AuthService) Register(ctx context.Context, reg Registration) (*models.Trader, error) {
	tradername := strings.TrimSpace(reg.Tradername)
	if tradername == "" {
		return nil, fmt.Errorf("tradername cannot be empty")
	}
	if reg.Password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	hashword, err := HashPassword(reg.Password, s.Cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	trader, err := s.Store.CreateTrader(ctx, &models.Trader{
		FirstName:  NormalizeName(reg.FirstName),
		LastName:   NormalizeName(reg.LastName),
		Tradername: tradername,
		Hashword:   hashword,
	})
	if errors.Is(err, db.ErrDuplicate) {
		return nil, ErrTradernameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trader: %w", err)
	}
	return trader, nil
}

// Login looks up the trader and verifies the password against the stored
// digest.
func (s *AuthService) Login(ctx context.Context, tradername, password string) (*models.Trader, error) {
	trader, err := s.Store.GetTraderByTradername(ctx, strings.TrimSpace(tradername))
	if errors.Is(err, db.ErrNotFound) {
		// Spend the same bcrypt time as for a known name.
		_ = CheckPassword(s.dummy(), password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up trader: %w", err)
	}

	if err := CheckPassword(trader.Hashword, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return trader, nil
}

func (s *AuthService) dummy() string {
	s.dummyOnce.Do(func() {
		s.dummyDigest, _ = HashPassword("not a real password", s.Cost)
	})
	return s.dummyDigest
}

// NormalizeName trims, lowercases and capitalizes a personal name:
// "  mARY-jane " becomes "Mary-jane".
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	r, size := utf8.DecodeRuneInString(name)
	if size == 0 {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}
