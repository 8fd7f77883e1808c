package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Invitation represents a single-use ownership invitation for a server.
type Invitation struct {
	Token     string
	ServerUID string
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt *time.Time
	UsedAt    *time.Time
}

// Expired reports whether the invitation's expiry has passed.
func (i Invitation) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// Used reports whether the invitation has already been redeemed.
func (i Invitation) Used() bool {
	return i.UsedAt != nil
}

// ErrInvitationNotFound is returned when an invitation lookup yields no results.
var ErrInvitationNotFound = errors.New("invitation not found")

// ErrInvitationUsed is returned when redeeming an already-used invitation.
var ErrInvitationUsed = errors.New("invitation already used")

// InvitationRepository provides invitation persistence operations.
type InvitationRepository struct {
	db *pgxpool.Pool
}

// NewInvitationRepository creates an InvitationRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewInvitationRepository(db *pgxpool.Pool) *InvitationRepository {
	return &InvitationRepository{db: db}
}

// Create inserts a new invitation for the given server.
//
// Precondition: token, serverUID, and createdBy must be non-empty.
// Postcondition: Returns the created Invitation with CreatedAt set.
func (r *InvitationRepository) Create(ctx context.Context, token, serverUID, createdBy string, expiresAt *time.Time) (Invitation, error) {
	var inv Invitation
	err := r.db.QueryRow(ctx,
		`INSERT INTO server_invitations (token, server_uid, created_by, expires_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING token, server_uid, created_by, created_at, expires_at, used_at`,
		token, serverUID, createdBy, expiresAt,
	).Scan(&inv.Token, &inv.ServerUID, &inv.CreatedBy, &inv.CreatedAt, &inv.ExpiresAt, &inv.UsedAt)
	if err != nil {
		return Invitation{}, fmt.Errorf("inserting invitation: %w", err)
	}
	return inv, nil
}

// Get retrieves an invitation by token.
//
// Precondition: token must be non-empty.
// Postcondition: Returns the Invitation or ErrInvitationNotFound.
func (r *InvitationRepository) Get(ctx context.Context, token string) (Invitation, error) {
	var inv Invitation
	err := r.db.QueryRow(ctx,
		`SELECT token, server_uid, created_by, created_at, expires_at, used_at
		 FROM server_invitations WHERE token = $1`,
		token,
	).Scan(&inv.Token, &inv.ServerUID, &inv.CreatedBy, &inv.CreatedAt, &inv.ExpiresAt, &inv.UsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invitation{}, ErrInvitationNotFound
		}
		return Invitation{}, fmt.Errorf("querying invitation: %w", err)
	}
	return inv, nil
}

// ListByCreator retrieves the invitations issued by the given subject,
// newest first.
func (r *InvitationRepository) ListByCreator(ctx context.Context, createdBy string) ([]Invitation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT token, server_uid, created_by, created_at, expires_at, used_at
		 FROM server_invitations WHERE created_by = $1
		 ORDER BY created_at DESC`,
		createdBy,
	)
	if err != nil {
		return nil, fmt.Errorf("querying invitations: %w", err)
	}
	defer rows.Close()
	return scanInvitations(rows)
}

// ListAll retrieves every invitation, newest first.
func (r *InvitationRepository) ListAll(ctx context.Context) ([]Invitation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT token, server_uid, created_by, created_at, expires_at, used_at
		 FROM server_invitations ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying invitations: %w", err)
	}
	defer rows.Close()
	return scanInvitations(rows)
}

func scanInvitations(rows pgx.Rows) ([]Invitation, error) {
	var invs []Invitation
	for rows.Next() {
		var inv Invitation
		if err := rows.Scan(&inv.Token, &inv.ServerUID, &inv.CreatedBy, &inv.CreatedAt, &inv.ExpiresAt, &inv.UsedAt); err != nil {
			return nil, fmt.Errorf("scanning invitation: %w", err)
		}
		invs = append(invs, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invitations: %w", err)
	}
	return invs, nil
}

// Revoke expires the invitation immediately by backdating its expiry.
//
// Precondition: token must be non-empty.
// Postcondition: Returns nil on success or ErrInvitationNotFound.
func (r *InvitationRepository) Revoke(ctx context.Context, token string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE server_invitations SET expires_at = to_timestamp(0) WHERE token = $1`,
		token,
	)
	if err != nil {
		return fmt.Errorf("revoking invitation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvitationNotFound
	}
	return nil
}

// MarkUsed stamps the invitation as redeemed. Redeeming twice fails.
//
// Precondition: token must be non-empty.
// Postcondition: Returns nil on success, ErrInvitationNotFound, or
// ErrInvitationUsed if the stamp was already set.
func (r *InvitationRepository) MarkUsed(ctx context.Context, token string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE server_invitations SET used_at = now()
		 WHERE token = $1 AND used_at IS NULL`,
		token,
	)
	if err != nil {
		return fmt.Errorf("marking invitation used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, token); err != nil {
			return err
		}
		return ErrInvitationUsed
	}
	return nil
}

// Delete removes the invitation with the given token.
//
// Precondition: token must be non-empty.
// Postcondition: Returns nil on success or ErrInvitationNotFound.
func (r *InvitationRepository) Delete(ctx context.Context, token string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM server_invitations WHERE token = $1`,
		token,
	)
	if err != nil {
		return fmt.Errorf("deleting invitation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvitationNotFound
	}
	return nil
}
