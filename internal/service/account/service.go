package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"coachchat/internal/models"
	"coachchat/internal/storage"
)

// Service handles account lifecycle and the per-account transcript list.
type Service struct {
	store    storage.AccountStore
	hashCost int
}

// NewService builds a new account service.
func NewService(store storage.AccountStore) *Service {
	return &Service{store: store, hashCost: bcrypt.DefaultCost}
}

type SignupInput struct {
	Email    string
	Name     string
	Password string
	Confirm  string
}

// Signup creates an account. Emails are compared lowercased.
func (s *Service) Signup(ctx context.Context, in SignupInput) (*models.Account, error) {
	email := normalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", models.ErrValidation)
	}
	if in.Password == "" {
		return nil, fmt.Errorf("%w: password is required", models.ErrValidation)
	}
	if in.Password != in.Confirm {
		return nil, fmt.Errorf("%w: passwords do not match", models.ErrValidation)
	}

	if _, err := s.store.AccountByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("email %s: %w", email, models.ErrConflict)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	acc := &models.Account{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	// The store's unique email constraint settles concurrent signups.
	if err := s.store.CreateAccount(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// Login validates credentials and returns the account.
func (s *Service) Login(ctx context.Context, email, password string) (*models.Account, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", models.ErrUnauthorized)
	}
	acc, err := s.store.AccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid credentials", models.ErrUnauthorized)
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("%w: invalid credentials", models.ErrUnauthorized)
	}
	return acc, nil
}

// ListTranscripts returns the transcript ids owned by accountID, in creation order.
func (s *Service) ListTranscripts(ctx context.Context, requesterID, accountID string) ([]int64, error) {
	if requesterID == "" || requesterID != accountID {
		return nil, models.ErrUnauthorized
	}
	acc, err := s.store.AccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(acc.Transcripts) == 0 {
		return nil, fmt.Errorf("account %s has no transcripts: %w", accountID, models.ErrNotFound)
	}
	return acc.Transcripts, nil
}

// Account fetches an account by id.
func (s *Service) Account(ctx context.Context, id string) (*models.Account, error) {
	if id == "" {
		return nil, models.ErrNotFound
	}
	return s.store.AccountByID(ctx, id)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
