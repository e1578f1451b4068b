package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/linkguard/guardian/internal/messaging"
	"github.com/linkguard/guardian/internal/protocol"
)

// Requester sends one request and returns the raw reply.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// Gateway implements Client by issuing NATS requests to the gateway process.
type Gateway struct {
	nc      Requester
	timeout time.Duration
}

var _ Client = (*Gateway)(nil)

// NewGateway bounds every request by timeout.
func NewGateway(nc Requester, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{nc: nc, timeout: timeout}
}

// call sends payload as op and decodes the reply data into out.
func (g *Gateway) call(ctx context.Context, op string, payload, out any) error {
	id := uuid.NewString()
	data, err := protocol.NewRequest(op, id, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := g.nc.Request(ctx, messaging.GatewaySubject(op), data)
	if err != nil {
		log.Debug().Err(err).Str("op", op).Str("request", id).Msg("gateway: request failed")
		return fmt.Errorf("gateway: %s: %w", op, err)
	}

	err = protocol.DecodeReply(raw, out)
	switch {
	case err == nil:
		return nil
	case protocol.IsCode(err, protocol.CodeNotFound):
		return fmt.Errorf("gateway: %s: %w", op, ErrNotFound)
	case protocol.IsCode(err, protocol.CodeForbidden):
		return fmt.Errorf("gateway: %s: %w", op, ErrForbidden)
	default:
		return fmt.Errorf("gateway: %s: %w", op, err)
	}
}

func (g *Gateway) DeleteMessage(ctx context.Context, community, channel, messageID string) error {
	return g.call(ctx, protocol.OpDeleteMessage, protocol.MessageRef{
		CommunityID: community, ChannelID: channel, MessageID: messageID,
	}, nil)
}

func (g *Gateway) SendAdvisory(ctx context.Context, community, channel, replyTo string, a Advisory) (string, error) {
	var posted protocol.Posted
	err := g.call(ctx, protocol.OpSendAdvisory, protocol.SendAdvisoryMsg{
		CommunityID: community, ChannelID: channel, ReplyTo: replyTo, Advisory: a,
	}, &posted)
	return posted.MessageID, err
}

func (g *Gateway) EditAdvisory(ctx context.Context, community, channel, messageID string, a Advisory) error {
	return g.call(ctx, protocol.OpEditAdvisory, protocol.EditAdvisoryMsg{
		CommunityID: community, ChannelID: channel, MessageID: messageID, Advisory: a,
	}, nil)
}

func (g *Gateway) DeleteAdvisory(ctx context.Context, community, channel, messageID string) error {
	return g.call(ctx, protocol.OpDeleteAdvisory, protocol.MessageRef{
		CommunityID: community, ChannelID: channel, MessageID: messageID,
	}, nil)
}

func (g *Gateway) MemberRoles(ctx context.Context, community, user string) ([]Role, error) {
	var roles []Role
	err := g.call(ctx, protocol.OpMemberRoles, protocol.MemberMsg{CommunityID: community, UserID: user}, &roles)
	return roles, err
}

func (g *Gateway) AddRole(ctx context.Context, community, user, roleID, reason string) error {
	return g.call(ctx, protocol.OpAddRole, protocol.MemberRoleMsg{
		CommunityID: community, UserID: user, RoleID: roleID, Reason: reason,
	}, nil)
}

func (g *Gateway) RemoveRole(ctx context.Context, community, user, roleID, reason string) error {
	return g.call(ctx, protocol.OpRemoveRole, protocol.MemberRoleMsg{
		CommunityID: community, UserID: user, RoleID: roleID, Reason: reason,
	}, nil)
}

func (g *Gateway) FindRole(ctx context.Context, community, name string) (Role, error) {
	var role Role
	err := g.call(ctx, protocol.OpFindRole, protocol.RoleMsg{CommunityID: community, Name: name}, &role)
	return role, err
}

func (g *Gateway) CreateRole(ctx context.Context, community, name string, deny []string) (Role, error) {
	var role Role
	err := g.call(ctx, protocol.OpCreateRole, protocol.RoleMsg{
		CommunityID: community, Name: name, Deny: deny, Reason: "link guardian restriction role",
	}, &role)
	return role, err
}

func (g *Gateway) Channels(ctx context.Context, community string) ([]Channel, error) {
	var channels []Channel
	err := g.call(ctx, protocol.OpChannels, protocol.CommunityMsg{CommunityID: community}, &channels)
	return channels, err
}

func (g *Gateway) SetChannelPermissions(ctx context.Context, community, channel, roleID string, deny []string) error {
	return g.call(ctx, protocol.OpSetChannelPermissions, protocol.ChannelPermissionsMsg{
		CommunityID: community, ChannelID: channel, RoleID: roleID, Deny: deny,
	}, nil)
}

func (g *Gateway) BanMember(ctx context.Context, community, user, reason string) error {
	return g.call(ctx, protocol.OpBanMember, protocol.MemberMsg{CommunityID: community, UserID: user, Reason: reason}, nil)
}
