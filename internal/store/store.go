// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/speakeasy/internal/domain"
)

// ErrUserNotFound is returned by updates addressed to a missing user.
var ErrUserNotFound = errors.New("user not found")

// Repository defines the interface for persisting user profiles and attempt history.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.UserAccount, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.UserAccount) error

	// IncrementAttempts counts one attempt on date. A counter recorded on an
	// earlier date is reset first. It returns the updated account.
	IncrementAttempts(ctx context.Context, userID, date string) (*domain.UserAccount, error)

	// IncrementSessions bumps the user's lifetime session counter.
	IncrementSessions(ctx context.Context, userID string) error

	// RecordAttempt appends a closed attempt to the history table.
	RecordAttempt(ctx context.Context, rec *domain.AttemptRecord) error

	// ListAttempts returns the most recent attempts for a user, newest first.
	ListAttempts(ctx context.Context, userID string, limit int) ([]*domain.AttemptRecord, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
