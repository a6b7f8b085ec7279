// Package domain contains core domain types for the speech coaching server.
package domain

import (
	"time"
)

// Subscription is the billing tier of a user account.
type Subscription string

const (
	SubscriptionFree       Subscription = "free"
	SubscriptionPremium    Subscription = "premium"
	SubscriptionEnterprise Subscription = "enterprise"
)

// AccountStatus is the lifecycle status of a user account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountDeleted   AccountStatus = "deleted"
)

// DateLayout is the calendar date format used for attempt bookkeeping.
const DateLayout = "2006-01-02"

// UserAccount is the persisted profile of an authenticated user.
type UserAccount struct {
	UserID          string        `json:"userId"`
	Email           string        `json:"email"`
	DisplayName     string        `json:"displayName"`
	PhotoURL        string        `json:"photoURL,omitempty"`
	DailyLimit      int           `json:"dailyLimit"`
	AttemptsToday   int           `json:"attemptsToday"`
	LastAttemptDate string        `json:"lastAttemptDate,omitempty"`
	TotalSessions   int           `json:"totalSessions"`
	Subscription    Subscription  `json:"subscription"`
	Status          AccountStatus `json:"status"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// IsActive returns true if the account may hold a session.
func (u *UserAccount) IsActive() bool {
	return u.Status == AccountActive
}

// AttemptsOn returns the attempts counted for the given calendar date.
// Counters recorded on an earlier date do not carry over.
func (u *UserAccount) AttemptsOn(date string) int {
	if u.LastAttemptDate != date {
		return 0
	}
	return u.AttemptsToday
}

// RemainingAttempts returns how many attempts are left on the given date.
func (u *UserAccount) RemainingAttempts(date string) int {
	remaining := u.DailyLimit - u.AttemptsOn(date)
	if remaining < 0 {
		return 0
	}
	return remaining
}
