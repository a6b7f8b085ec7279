package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/speakeasy/internal/domain"
	"github.com/ashureev/speakeasy/internal/store"
)

var (
	ErrAccountSuspended = errors.New("account suspended")
	ErrAccountDeleted   = errors.New("account deleted")
)

// Usage is the persisted daily usage of a user.
type Usage struct {
	Allowed       bool
	AttemptsToday int
	Remaining     int
	DailyLimit    int
}

// ProfileConfig configures ProfileService.
type ProfileConfig struct {
	// DailyLimit is assigned to newly created accounts.
	DailyLimit int
	// Today maps a time to the attempt-counting calendar date.
	Today func(time.Time) string
}

// ProfileService creates and tracks persisted user accounts.
type ProfileService struct {
	repo store.Repository
	cfg  ProfileConfig
	now  func() time.Time
}

// NewProfileService creates a profile service over repo.
func NewProfileService(repo store.Repository, cfg ProfileConfig) *ProfileService {
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = 2
	}
	if cfg.Today == nil {
		cfg.Today = func(t time.Time) string { return t.Format(domain.DateLayout) }
	}
	return &ProfileService{repo: repo, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source.
func (p *ProfileService) SetClock(now func() time.Time) {
	p.now = now
}

func (p *ProfileService) today() string {
	return p.cfg.Today(p.now())
}

// GetOrCreateUser loads the account for id, creating a free active account
// on first sign-in. Suspended and deleted accounts are rejected.
func (p *ProfileService) GetOrCreateUser(ctx context.Context, id *Identity) (*domain.UserAccount, error) {
	user, err := p.repo.GetUser(ctx, id.UID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	now := p.now()
	if user == nil {
		user = &domain.UserAccount{
			UserID:       id.UID,
			Email:        id.Email,
			DisplayName:  displayName(id),
			PhotoURL:     id.Picture,
			DailyLimit:   p.cfg.DailyLimit,
			Subscription: domain.SubscriptionFree,
			Status:       domain.AccountActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := p.repo.UpsertUser(ctx, user); err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		slog.Info("Created user profile", "user_id", id.UID)
		return user, nil
	}

	switch user.Status {
	case domain.AccountSuspended:
		return nil, ErrAccountSuspended
	case domain.AccountDeleted:
		return nil, ErrAccountDeleted
	}

	if (id.Email != "" && id.Email != user.Email) || (id.Picture != "" && id.Picture != user.PhotoURL) {
		if id.Email != "" {
			user.Email = id.Email
		}
		if id.Picture != "" {
			user.PhotoURL = id.Picture
		}
		user.UpdatedAt = now
		if err := p.repo.UpsertUser(ctx, user); err != nil {
			slog.Warn("Failed to refresh user profile", "user_id", id.UID, "error", err)
		}
	}
	return user, nil
}

// CheckUsage reports the persisted daily usage for userID.
func (p *ProfileService) CheckUsage(ctx context.Context, userID string) (Usage, error) {
	user, err := p.repo.GetUser(ctx, userID)
	if err != nil {
		return Usage{}, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return Usage{}, store.ErrUserNotFound
	}
	today := p.today()
	used := user.AttemptsOn(today)
	remaining := user.RemainingAttempts(today)
	return Usage{
		Allowed:       remaining > 0,
		AttemptsToday: used,
		Remaining:     remaining,
		DailyLimit:    user.DailyLimit,
	}, nil
}

// IncrementAttempts counts one closed attempt for today.
func (p *ProfileService) IncrementAttempts(ctx context.Context, userID string) (*domain.UserAccount, error) {
	user, err := p.repo.IncrementAttempts(ctx, userID, p.today())
	if err != nil {
		return nil, fmt.Errorf("increment attempts: %w", err)
	}
	return user, nil
}

// RecordSession bumps the user's lifetime session counter.
func (p *ProfileService) RecordSession(ctx context.Context, userID string) error {
	return p.repo.IncrementSessions(ctx, userID)
}

// RecordAttempt appends a closed attempt to the user's history.
func (p *ProfileService) RecordAttempt(ctx context.Context, rec *domain.AttemptRecord) error {
	return p.repo.RecordAttempt(ctx, rec)
}

// Today returns the current attempt-counting date.
func (p *ProfileService) Today() string {
	return p.today()
}

func displayName(id *Identity) string {
	if id.Name != "" {
		return id.Name
	}
	if id.Email != "" {
		return id.Email
	}
	return "Anonymous"
}
