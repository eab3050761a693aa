package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/atinyakov/PluginRepo/internal/models"
	"github.com/lib/pq"
)

// PostgresAuthRepository implements account operations using a PostgreSQL database.
type PostgresAuthRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresAuthRepository creates a new PostgresAuthRepository with the given database connection.
func NewPostgresAuthRepository(db *sql.DB) *PostgresAuthRepository {
	return &PostgresAuthRepository{DB: db}
}

// FindUserByName returns the user with the given name and its role ids,
// or nil when there is none.
func (r *PostgresAuthRepository) FindUserByName(ctx context.Context, name string) (*models.User, error) {
	var u models.User
	err := r.DB.QueryRowContext(ctx, `
		SELECT u.id, u.name, u.password_hash, u.superuser,
		       ARRAY(SELECT ur.role_id FROM user_role ur WHERE ur.user_id = u.id ORDER BY ur.role_id)
		  FROM users u
		 WHERE u.name = $1
	`, name).Scan(&u.ID, &u.Name, &u.PasswordHash, &u.Superuser, pq.Array(&u.RoleIDs))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts u with its role links and returns the new id.
// A taken name yields models.ErrConflict.
func (r *PostgresAuthRepository) CreateUser(ctx context.Context, u *models.User) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (name, password_hash, superuser) VALUES ($1, $2, $3) RETURNING id`,
		u.Name, u.PasswordHash, u.Superuser,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", conflict(err))
	}
	for _, roleID := range u.RoleIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_role (user_id, role_id) VALUES ($1, $2)`, id, roleID); err != nil {
			return 0, fmt.Errorf("insert user role: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// CountUsers returns the number of registered users.
func (r *PostgresAuthRepository) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// CreateRole inserts a role and returns its id. A taken name yields
// models.ErrConflict.
func (r *PostgresAuthRepository) CreateRole(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `INSERT INTO roles (name) VALUES ($1) RETURNING id`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert role: %w", conflict(err))
	}
	return id, nil
}

// FindRoleByName returns the role with the given name, or nil.
func (r *PostgresAuthRepository) FindRoleByName(ctx context.Context, name string) (*models.Role, error) {
	var role models.Role
	err := r.DB.QueryRowContext(ctx, `SELECT id, name FROM roles WHERE name = $1`, name).Scan(&role.ID, &role.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find role: %w", err)
	}
	return &role, nil
}
