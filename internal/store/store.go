// Package store defines the persistence contract for moderation state:
// warnings, mutes, bans and link history, keyed by community and user.
// Implementations store and query; they enforce no business rules beyond the
// single active mute per (community, user).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Warning is an append-only strike against a user. ModeratorID is empty for
// system-issued warnings.
type Warning struct {
	ID          int64     `json:"id"`
	CommunityID string    `json:"community_id"`
	UserID      string    `json:"user_id"`
	Reason      string    `json:"reason"`
	ChannelID   string    `json:"channel_id"`
	ModeratorID string    `json:"moderator_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Mute is a temporary restriction that ends at MuteEnd.
type Mute struct {
	ID          int64     `json:"id"`
	CommunityID string    `json:"community_id"`
	UserID      string    `json:"user_id"`
	MuteEnd     time.Time `json:"mute_end"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// Active reports whether the mute is still in force at now.
func (m Mute) Active(now time.Time) bool {
	return m.MuteEnd.After(now)
}

// Ban is an append-only removal record.
type Ban struct {
	ID          int64     `json:"id"`
	CommunityID string    `json:"community_id"`
	UserID      string    `json:"user_id"`
	Reason      string    `json:"reason"`
	Permanent   bool      `json:"permanent"`
	CreatedAt   time.Time `json:"created_at"`
}

// Action names recorded in link history.
const (
	ActionNone     = "none"
	ActionAdvisory = "advisory"
	ActionDeleted  = "deleted_warned"
	ActionMuted    = "muted"
	ActionBanned   = "banned"
	ActionFailed   = "failed"
	ActionGated    = "gated"
)

// LinkRecord is the audit trail entry for one analysed URL.
type LinkRecord struct {
	ID          int64     `json:"id"`
	CommunityID string    `json:"community_id"`
	UserID      string    `json:"user_id"`
	URL         string    `json:"url"`
	ThreatLevel string    `json:"threat_level"`
	ActionTaken string    `json:"action_taken"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the persistence contract consumed by the moderation engine.
type Store interface {
	// AddWarning appends a warning and returns its id.
	AddWarning(ctx context.Context, w Warning) (int64, error)
	// CountWarnings counts warnings created at or after since.
	CountWarnings(ctx context.Context, communityID, userID string, since time.Time) (int, error)
	// ListWarnings returns warnings created at or after since, newest first.
	ListWarnings(ctx context.Context, communityID, userID string, since time.Time, limit int) ([]Warning, error)

	// CreateMute inserts m unless an active mute already exists for the
	// pair at now. It reports whether a new mute was written. An expired
	// row for the pair is replaced.
	CreateMute(ctx context.Context, m Mute, now time.Time) (bool, error)
	// ActiveMute returns the pair's mute if it ends after now, or ErrNotFound.
	ActiveMute(ctx context.Context, communityID, userID string, now time.Time) (*Mute, error)
	// ExpiredMutes returns every mute whose end is at or before now.
	ExpiredMutes(ctx context.Context, now time.Time) ([]Mute, error)
	// DeleteMute removes the pair's mute. It reports whether a row existed.
	DeleteMute(ctx context.Context, communityID, userID string) (bool, error)
	// DeleteExpiredMute removes the pair's mute only if it ended at or
	// before now, so a mute renewed concurrently survives.
	DeleteExpiredMute(ctx context.Context, communityID, userID string, now time.Time) (bool, error)

	AddBan(ctx context.Context, b Ban) (int64, error)
	IsBanned(ctx context.Context, communityID, userID string) (bool, error)

	LogLink(ctx context.Context, r LinkRecord) error
	RecentLinks(ctx context.Context, communityID string, limit int) ([]LinkRecord, error)

	Ping(ctx context.Context) error
	Close() error
}
