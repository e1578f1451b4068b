package platform

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkguard/guardian/internal/messaging"
	"github.com/linkguard/guardian/internal/protocol"
)

// scriptedRequester answers requests by subject.
type scriptedRequester struct {
	replies map[string][]byte
	err     error
	last    map[string]any
	subject string
}

func (r *scriptedRequester) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	r.subject = subject
	r.last = nil
	_ = json.Unmarshal(data, &r.last)
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("request without deadline")
	}
	if r.err != nil {
		return nil, r.err
	}
	if reply, ok := r.replies[subject]; ok {
		return reply, nil
	}
	return protocol.OK(nil), nil
}

func TestGateway_SendAdvisory(t *testing.T) {
	req := &scriptedRequester{replies: map[string][]byte{
		messaging.GatewaySubject(protocol.OpSendAdvisory): protocol.OK(protocol.Posted{MessageID: "adv-9"}),
	}}
	g := NewGateway(req, time.Second)

	id, err := g.SendAdvisory(context.Background(), "g1", "c1", "m1", Advisory{Title: "Analyzing link..."})
	require.NoError(t, err)
	assert.Equal(t, "adv-9", id)
	assert.Equal(t, "linkguard.gateway.send_advisory", req.subject)
	assert.Equal(t, protocol.OpSendAdvisory, req.last["type"])
	assert.Equal(t, "m1", req.last["reply_to"])
	assert.NotEmpty(t, req.last["request_id"])
}

func TestGateway_ListsDecode(t *testing.T) {
	req := &scriptedRequester{replies: map[string][]byte{
		messaging.GatewaySubject(protocol.OpMemberRoles): protocol.OK([]Role{{ID: "r1", Name: "Muted"}}),
		messaging.GatewaySubject(protocol.OpChannels):    protocol.OK([]Channel{{ID: "c1", Name: "general"}, {ID: "c2", Name: "logs"}}),
	}}
	g := NewGateway(req, time.Second)

	roles, err := g.MemberRoles(context.Background(), "g1", "u1")
	require.NoError(t, err)
	assert.True(t, HasRole(roles, "r1"))
	assert.False(t, HasRole(roles, "r2"))

	channels, err := g.Channels(context.Background(), "g1")
	require.NoError(t, err)
	assert.Len(t, channels, 2)
}

func TestGateway_ErrorCodes(t *testing.T) {
	req := &scriptedRequester{replies: map[string][]byte{
		messaging.GatewaySubject(protocol.OpFindRole):      protocol.Fail(protocol.CodeNotFound, "no role"),
		messaging.GatewaySubject(protocol.OpDeleteMessage): protocol.Fail(protocol.CodeForbidden, "missing manage_messages"),
		messaging.GatewaySubject(protocol.OpBanMember):     protocol.Fail(protocol.CodeInternal, "boom"),
	}}
	g := NewGateway(req, time.Second)

	_, err := g.FindRole(context.Background(), "g1", "Muted")
	assert.ErrorIs(t, err, ErrNotFound)

	err = g.DeleteMessage(context.Background(), "g1", "c1", "m1")
	assert.ErrorIs(t, err, ErrForbidden)

	err = g.BanMember(context.Background(), "g1", "u1", "5 warnings")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.True(t, protocol.IsCode(err, protocol.CodeInternal))
}

func TestGateway_TransportError(t *testing.T) {
	g := NewGateway(&scriptedRequester{err: errors.New("nats: no responders available for request")}, time.Second)
	err := g.RemoveRole(context.Background(), "g1", "u1", "r1", "mute expired")
	assert.ErrorContains(t, err, "remove_role")
}
