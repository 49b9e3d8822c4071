package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/garnizeh/terrace/pkg/models"
	"github.com/garnizeh/terrace/pkg/repository"
)

type SignupInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Signup creates a profile with its login credentials.
func (s *Service) Signup(ctx context.Context, in SignupInput) (*models.Profile, *models.Account, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Username = strings.TrimSpace(in.Username)
	in.DisplayName = strings.TrimSpace(in.DisplayName)

	v := Violations{}
	validEmail("email", in.Email, v)
	lengthBetween("password", in.Password, 6, 0, v)
	if len(in.Password) > 72 {
		v["password"] = "must be at most 72 bytes"
	}
	validUsername("username", in.Username, v)
	maxLength("display_name", in.DisplayName, 100, v)
	if err := v.Err(); err != nil {
		return nil, nil, err
	}

	existing, err := s.store.GetProfileByUsername(ctx, in.Username)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup username: %w", err)
	}
	if existing != nil {
		return nil, nil, fmt.Errorf("%w: username already taken", ErrConflict)
	}
	acc, err := s.store.GetAccountByEmail(ctx, in.Email)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup email: %w", err)
	}
	if acc != nil {
		return nil, nil, fmt.Errorf("%w: email already registered", ErrConflict)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}

	p := &models.Profile{ID: s.newID(), Username: in.Username, DisplayName: in.DisplayName}
	a := &models.Account{Email: in.Email, PasswordHash: string(hash)}
	if err := s.store.CreateAccount(ctx, p, a); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, nil, fmt.Errorf("%w: username or email already taken", ErrConflict)
		}
		return nil, nil, fmt.Errorf("create account: %w", err)
	}

	s.logger.Info("profile created", "profile_id", p.ID, "username", p.Username)
	return p, a, nil
}

// Login checks the credentials and returns the profile behind them.
func (s *Service) Login(ctx context.Context, email, password string) (*models.Profile, *models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, nil, &ValidationError{Fields: map[string]string{"credentials": "email and password are required"}}
	}

	acc, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup account: %w", err)
	}
	if acc == nil || bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)) != nil {
		return nil, nil, fmt.Errorf("%w: invalid email or password", ErrUnauthenticated)
	}

	p, err := s.store.GetProfile(ctx, acc.ProfileID)
	if err != nil {
		return nil, nil, fmt.Errorf("load profile: %w", err)
	}
	if p == nil {
		return nil, nil, fmt.Errorf("%w: invalid email or password", ErrUnauthenticated)
	}
	return p, acc, nil
}

// AuthenticateUser resolves a session subject to its profile.
func (s *Service) AuthenticateUser(ctx context.Context, profileID string) (*models.Profile, error) {
	if profileID == "" {
		return nil, ErrUnauthenticated
	}
	p, err := s.store.GetProfile(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: unknown session subject", ErrUnauthenticated)
	}
	return p, nil
}
