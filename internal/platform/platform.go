// Package platform is the contract with the chat platform: message and
// advisory management, member roles, and channel permissions. The guardian
// never talks to the platform directly; a gateway process owns the platform
// session and serves these operations over NATS.
package platform

import (
	"context"
	"errors"

	"github.com/linkguard/guardian/internal/protocol"
)

var (
	// ErrNotFound is returned when the member, message, role or channel does
	// not exist (any more).
	ErrNotFound = errors.New("platform: not found")
	// ErrForbidden is returned when the bot lacks the permission.
	ErrForbidden = errors.New("platform: forbidden")
)

type (
	Advisory = protocol.Advisory
	Field    = protocol.Field
	Role     = protocol.Role
	Channel  = protocol.Channel
)

// Client is everything moderation and the pipeline need from the platform.
type Client interface {
	DeleteMessage(ctx context.Context, community, channel, messageID string) error

	// SendAdvisory posts an advisory in channel, as a reply to replyTo when it
	// is set, and returns the advisory's message ID.
	SendAdvisory(ctx context.Context, community, channel, replyTo string, a Advisory) (string, error)
	EditAdvisory(ctx context.Context, community, channel, messageID string, a Advisory) error
	DeleteAdvisory(ctx context.Context, community, channel, messageID string) error

	MemberRoles(ctx context.Context, community, user string) ([]Role, error)
	AddRole(ctx context.Context, community, user, roleID, reason string) error
	RemoveRole(ctx context.Context, community, user, roleID, reason string) error

	// FindRole returns ErrNotFound when no role has that name.
	FindRole(ctx context.Context, community, name string) (Role, error)
	CreateRole(ctx context.Context, community, name string, deny []string) (Role, error)

	Channels(ctx context.Context, community string) ([]Channel, error)
	SetChannelPermissions(ctx context.Context, community, channel, roleID string, deny []string) error

	BanMember(ctx context.Context, community, user, reason string) error
}

// HasRole reports whether roles contains roleID.
func HasRole(roles []Role, roleID string) bool {
	for _, r := range roles {
		if r.ID == roleID {
			return true
		}
	}
	return false
}
