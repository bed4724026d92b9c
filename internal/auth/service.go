package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hackgods/clinic-appointments/internal/appointment"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAdminRegistration  = errors.New("admin accounts cannot be self-registered")
)

// UserStore is the part of the appointment store that auth needs.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*appointment.User, error)
	CreateUser(ctx context.Context, u *appointment.User) (*appointment.User, error)
}

type Service struct {
	users  UserStore
	tokens *TokenMaker
	log    *slog.Logger
}

func NewService(users UserStore, tokens *TokenMaker, log *slog.Logger) *Service {
	return &Service{users: users, tokens: tokens, log: log}
}

type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Role     string
	Phone    *string
}

// Register creates a user and returns an access token for it.
// Unknown or empty roles register as patient. Admins are provisioned out of
// band (cmd/seed) and never through this path.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*appointment.User, string, error) {
	const op = "auth.Register"

	role := appointment.Role(strings.ToLower(strings.TrimSpace(in.Role)))
	if role == appointment.RoleAdmin {
		return nil, "", ErrAdminRegistration
	}
	if !role.Valid() {
		role = appointment.RolePatient
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}

	u, err := s.users.CreateUser(ctx, &appointment.User{
		Name:         strings.TrimSpace(in.Name),
		Email:        normalizeEmail(in.Email),
		PasswordHash: hash,
		Role:         role,
		Phone:        in.Phone,
	})
	if err != nil {
		if errors.Is(err, appointment.ErrEmailTaken) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}

	tok, err := s.tokens.MakeToken(u)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("user registered", slog.String("user_id", u.ID.String()), slog.String("role", string(u.Role)))
	return u, tok, nil
}

// Login checks the password and issues a token. Unknown email and wrong
// password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*appointment.User, string, error) {
	const op = "auth.Login"

	u, err := s.users.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, appointment.ErrUserNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}

	if !CheckPassword(u.PasswordHash, password) {
		return nil, "", ErrInvalidCredentials
	}

	tok, err := s.tokens.MakeToken(u)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	return u, tok, nil
}

func (s *Service) ParseToken(raw string) (*Claims, error) {
	return s.tokens.ParseToken(raw)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
