package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/atinyakov/PluginRepo/internal/models"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// AuthRepository defines the persistence operations
// required by the authentication service.
type AuthRepository interface {
	// FindUserByName returns the user with the given name, or nil if none.
	FindUserByName(ctx context.Context, name string) (*models.User, error)
	// CreateUser stores u and returns its ID. A taken name yields
	// models.ErrConflict.
	CreateUser(ctx context.Context, u *models.User) (int64, error)
	// CountUsers returns the number of stored users.
	CountUsers(ctx context.Context) (int64, error)
	// CreateRole stores a role and returns its ID. A taken name yields
	// models.ErrConflict.
	CreateRole(ctx context.Context, name string) (int64, error)
	// FindRoleByName returns the role with the given name, or nil if none.
	FindRoleByName(ctx context.Context, name string) (*models.Role, error)
}

// AuthService implements authentication and account management by
// delegating to an AuthRepository.
type AuthService struct {
	// repo performs the data-layer operations.
	repo AuthRepository
	// cost is the bcrypt cost used for new password hashes.
	cost int
}

// NewAuthService constructs a new AuthService using the provided repository.
func NewAuthService(repo AuthRepository) *AuthService {
	return &AuthService{repo: repo, cost: bcrypt.DefaultCost}
}

// Authenticate checks name and password and returns the matching principal.
func (s *AuthService) Authenticate(ctx context.Context, name, password string) (*models.Principal, error) {
	u, err := s.repo.FindUserByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if u == nil || len(u.PasswordHash) == 0 {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return models.PrincipalFromUser(u), nil
}

// CreateUser registers a new user with the given roles.
func (s *AuthService) CreateUser(ctx context.Context, name, password string, superuser bool, roleNames []string) (*models.User, error) {
	if name == "" {
		return nil, errors.New("user name is required")
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	u := &models.User{Name: name, Superuser: superuser}
	for _, rn := range roleNames {
		r, err := s.repo.FindRoleByName(ctx, rn)
		if err != nil {
			return nil, fmt.Errorf("find role %s: %w", rn, err)
		}
		if r == nil {
			return nil, fmt.Errorf("role %q: %w", rn, ErrNotFound)
		}
		u.RoleIDs = append(u.RoleIDs, r.ID)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = hash

	id, err := s.repo.CreateUser(ctx, u)
	if errors.Is(err, models.ErrConflict) {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	u.ID = id
	return u, nil
}

// CreateRole registers a new role.
func (s *AuthService) CreateRole(ctx context.Context, name string) (*models.Role, error) {
	if name == "" {
		return nil, errors.New("role name is required")
	}
	id, err := s.repo.CreateRole(ctx, name)
	if errors.Is(err, models.ErrConflict) {
		return nil, ErrRoleExists
	}
	if err != nil {
		return nil, fmt.Errorf("create role: %w", err)
	}
	return &models.Role{ID: id, Name: name}, nil
}

// EnsureSuperuser creates the superuser name when no user exists yet and
// reports whether it did.
func (s *AuthService) EnsureSuperuser(ctx context.Context, name, password string) (bool, error) {
	n, err := s.repo.CountUsers(ctx)
	if err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	if _, err := s.CreateUser(ctx, name, password, true, nil); err != nil {
		return false, err
	}
	return true, nil
}
