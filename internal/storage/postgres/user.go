package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// User represents an identity-provider subject known to this service.
type User struct {
	Sub            string
	LastAuthorized time.Time
	Admin          bool
}

// ErrUserNotFound is returned when a user lookup yields no results.
var ErrUserNotFound = errors.New("user not found")

// UserRepository provides user persistence operations.
type UserRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository creates a UserRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// Upsert records a successful authorization for the given subject, creating
// the user on first sight.
//
// Precondition: sub must be non-empty.
// Postcondition: Returns the User with LastAuthorized refreshed.
func (r *UserRepository) Upsert(ctx context.Context, sub string) (User, error) {
	var u User
	err := r.db.QueryRow(ctx,
		`INSERT INTO users (sub, last_authorized)
		 VALUES ($1, now())
		 ON CONFLICT (sub) DO UPDATE SET last_authorized = now()
		 RETURNING sub, last_authorized, admin`,
		sub,
	).Scan(&u.Sub, &u.LastAuthorized, &u.Admin)
	if err != nil {
		return User{}, fmt.Errorf("upserting user: %w", err)
	}
	return u, nil
}

// Get retrieves a user by subject.
//
// Precondition: sub must be non-empty.
// Postcondition: Returns the User or ErrUserNotFound.
func (r *UserRepository) Get(ctx context.Context, sub string) (User, error) {
	var u User
	err := r.db.QueryRow(ctx,
		`SELECT sub, last_authorized, admin FROM users WHERE sub = $1`,
		sub,
	).Scan(&u.Sub, &u.LastAuthorized, &u.Admin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// ListAll retrieves every user, ordered by subject.
func (r *UserRepository) ListAll(ctx context.Context) ([]User, error) {
	rows, err := r.db.Query(ctx,
		`SELECT sub, last_authorized, admin FROM users ORDER BY sub`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Sub, &u.LastAuthorized, &u.Admin); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// SetAdmin updates the admin flag for the given subject.
//
// Precondition: sub must be non-empty.
// Postcondition: The user's flag is updated, or ErrUserNotFound is returned.
func (r *UserRepository) SetAdmin(ctx context.Context, sub string, admin bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET admin = $1 WHERE sub = $2`,
		admin, sub,
	)
	if err != nil {
		return fmt.Errorf("updating admin flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
