package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Server represents a managed game server record.
type Server struct {
	ID        int64
	UID       string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrServerNotFound is returned when a server lookup yields no results.
var ErrServerNotFound = errors.New("server not found")

// ErrServerExists is returned when attempting to create a duplicate server name.
var ErrServerExists = errors.New("server already exists")

// ServerRepository provides server persistence operations.
type ServerRepository struct {
	db *pgxpool.Pool
}

// NewServerRepository creates a ServerRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewServerRepository(db *pgxpool.Pool) *ServerRepository {
	return &ServerRepository{db: db}
}

// Create inserts a new server owned by the given user and assigns it a
// fresh uid.
//
// Precondition: name and ownerSub must be non-empty.
// Postcondition: Returns the created Server with ID, UID, and timestamps set,
// or ErrServerExists if the name is taken.
func (r *ServerRepository) Create(ctx context.Context, name, ownerSub string) (Server, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return Server{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var srv Server
	err = tx.QueryRow(ctx,
		`INSERT INTO servers (uid, name)
		 VALUES ($1, $2)
		 RETURNING id, uid, name, created_at, updated_at`,
		uuid.NewString(), name,
	).Scan(&srv.ID, &srv.UID, &srv.Name, &srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return Server{}, ErrServerExists
		}
		return Server{}, fmt.Errorf("inserting server: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO server_owners (server_id, user_sub) VALUES ($1, $2)`,
		srv.ID, ownerSub,
	); err != nil {
		return Server{}, fmt.Errorf("inserting owner: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Server{}, fmt.Errorf("committing transaction: %w", err)
	}
	return srv, nil
}

// GetByUID retrieves a server by its uid.
//
// Precondition: uid must be non-empty.
// Postcondition: Returns the Server or ErrServerNotFound.
func (r *ServerRepository) GetByUID(ctx context.Context, uid string) (Server, error) {
	var srv Server
	err := r.db.QueryRow(ctx,
		`SELECT id, uid, name, created_at, updated_at
		 FROM servers WHERE uid = $1`,
		uid,
	).Scan(&srv.ID, &srv.UID, &srv.Name, &srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Server{}, ErrServerNotFound
		}
		return Server{}, fmt.Errorf("querying server: %w", err)
	}
	return srv, nil
}

// ListAll retrieves every server, ordered by creation time.
func (r *ServerRepository) ListAll(ctx context.Context) ([]Server, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, uid, name, created_at, updated_at
		 FROM servers ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer rows.Close()
	return scanServers(rows)
}

// ListByOwner retrieves the servers owned by the given user, ordered by
// creation time.
//
// Precondition: ownerSub must be non-empty.
func (r *ServerRepository) ListByOwner(ctx context.Context, ownerSub string) ([]Server, error) {
	rows, err := r.db.Query(ctx,
		`SELECT s.id, s.uid, s.name, s.created_at, s.updated_at
		 FROM servers s
		 JOIN server_owners o ON o.server_id = s.id
		 WHERE o.user_sub = $1
		 ORDER BY s.created_at`,
		ownerSub,
	)
	if err != nil {
		return nil, fmt.Errorf("querying owned servers: %w", err)
	}
	defer rows.Close()
	return scanServers(rows)
}

// UpdateName renames the server with the given uid.
//
// Precondition: uid and name must be non-empty.
// Postcondition: Returns the updated Server, ErrServerNotFound, or
// ErrServerExists if the new name collides.
func (r *ServerRepository) UpdateName(ctx context.Context, uid, name string) (Server, error) {
	var srv Server
	err := r.db.QueryRow(ctx,
		`UPDATE servers SET name = $1, updated_at = now()
		 WHERE uid = $2
		 RETURNING id, uid, name, created_at, updated_at`,
		name, uid,
	).Scan(&srv.ID, &srv.UID, &srv.Name, &srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Server{}, ErrServerNotFound
		}
		if isDuplicateKeyError(err) {
			return Server{}, ErrServerExists
		}
		return Server{}, fmt.Errorf("updating server: %w", err)
	}
	return srv, nil
}

// Delete removes the server with the given uid along with its ownership and
// invitation records.
//
// Precondition: uid must be non-empty.
// Postcondition: Returns nil on success or ErrServerNotFound.
func (r *ServerRepository) Delete(ctx context.Context, uid string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM servers WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrServerNotFound
	}
	return nil
}

// IsOwner reports whether the user owns the server with the given uid.
func (r *ServerRepository) IsOwner(ctx context.Context, uid, userSub string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM server_owners o
		   JOIN servers s ON s.id = o.server_id
		   WHERE s.uid = $1 AND o.user_sub = $2
		 )`,
		uid, userSub,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("querying ownership: %w", err)
	}
	return exists, nil
}

// AddOwner grants the user ownership of the server with the given uid.
// Granting an existing owner again is a no-op.
//
// Precondition: uid and userSub must be non-empty.
// Postcondition: Returns nil on success or ErrServerNotFound.
func (r *ServerRepository) AddOwner(ctx context.Context, uid, userSub string) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO server_owners (server_id, user_sub)
		 SELECT id, $2 FROM servers WHERE uid = $1
		 ON CONFLICT DO NOTHING`,
		uid, userSub,
	)
	if err != nil {
		return fmt.Errorf("inserting owner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the server is gone or the grant already existed.
		if _, err := r.GetByUID(ctx, uid); err != nil {
			return err
		}
	}
	return nil
}

func scanServers(rows pgx.Rows) ([]Server, error) {
	var servers []Server
	for rows.Next() {
		var srv Server
		if err := rows.Scan(&srv.ID, &srv.UID, &srv.Name, &srv.CreatedAt, &srv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating servers: %w", err)
	}
	return servers, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	// pgx wraps PostgreSQL errors; check for SQLSTATE 23505 (unique_violation)
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
