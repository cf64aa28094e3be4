package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrInvalidCredentials is returned by Login for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// dummyHash is verified against for unknown usernames so a miss costs the
// same argon2 work as a wrong password.
var dummyHash = sync.OnceValue(func() string {
	h, err := HashPassword("unknown-user-placeholder")
	if err != nil {
		panic(fmt.Sprintf("admin: dummy hash: %v", err))
	}
	return h
})

// Service validates admin form submissions and stores or checks accounts.
type Service struct {
	schema *Schema
	store  *Store
	logger *slog.Logger
	verify func(encoded, password string) (bool, error)
}

// NewService creates a Service over store using the default schema.
func NewService(store *Store, logger *slog.Logger) *Service {
	return &Service{
		schema: DefaultSchema(),
		store:  store,
		logger: logger.With("component", "admin_service"),
		verify: VerifyPassword,
	}
}

// Schema returns the form schema clients render.
func (s *Service) Schema() *Schema {
	return s.schema
}

// CreateStorageTable ensures the accounts table exists.
func (s *Service) CreateStorageTable(ctx context.Context) error {
	return s.store.CreateTable(ctx)
}

// Register validates a multipart submission, hashes its password and
// stores the account.
func (s *Service) Register(ctx context.Context, contentType string, body io.Reader) (User, error) {
	accepted, err := s.read(contentType, body)
	if err != nil {
		return User{}, err
	}

	hash, err := HashPassword(accepted["password"])
	if err != nil {
		return User{}, err
	}

	if err := s.CreateStorageTable(ctx); err != nil {
		return User{}, err
	}

	u := User{
		Username:     accepted["username"],
		Email:        accepted["email"],
		PasswordHash: hash,
	}
	id, err := s.store.Insert(ctx, u)
	if err != nil {
		return User{}, err
	}
	u.ID = id

	s.logger.Info("admin account created", "username", u.Username, "id", id)
	return u, nil
}

// Login validates a multipart submission and checks its credentials
// against the stored account.
func (s *Service) Login(ctx context.Context, contentType string, body io.Reader) (User, error) {
	accepted, err := s.read(contentType, body)
	if err != nil {
		return User{}, err
	}

	u, err := s.store.Lookup(ctx, accepted["username"])
	if errors.Is(err, ErrNotFound) {
		_, _ = s.verify(dummyHash(), accepted["password"])
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}

	ok, err := s.verify(u.PasswordHash, accepted["password"])
	if err != nil {
		return User{}, fmt.Errorf("verify %q: %w", u.Username, err)
	}
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

func (s *Service) read(contentType string, body io.Reader) (map[string]string, error) {
	values, err := ReadForm(contentType, body)
	if err != nil {
		return nil, err
	}
	return s.schema.Validate(values)
}
