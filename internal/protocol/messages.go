// Package protocol defines the JSON messages exchanged with the chat gateway
// over NATS. Inbound events and gateway requests share one envelope format
// with a type discriminator; every request is answered with a Reply.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Gateway -> Guardian message types.
const (
	TypeMessageCreated = "message_created"
	TypeWarnings       = "warnings"
	TypeUnmute         = "unmute"
)

// Guardian -> Gateway operation types. Each is sent on its own request
// subject and carries the same value in its type field.
const (
	OpDeleteMessage         = "delete_message"
	OpSendAdvisory          = "send_advisory"
	OpEditAdvisory          = "edit_advisory"
	OpDeleteAdvisory        = "delete_advisory"
	OpMemberRoles           = "member_roles"
	OpAddRole               = "add_role"
	OpRemoveRole            = "remove_role"
	OpFindRole              = "find_role"
	OpCreateRole            = "create_role"
	OpChannels              = "channels"
	OpSetChannelPermissions = "set_channel_permissions"
	OpBanMember             = "ban_member"
)

// Reply codes.
const (
	CodeNotFound  = "not_found"
	CodeForbidden = "forbidden"
	CodeInvalid   = "invalid"
	CodeInternal  = "internal"
)

// Permission names understood by the gateway.
const (
	PermSendMessages = "send_messages"
	PermAddReactions = "add_reactions"
	PermSpeak        = "speak"
)

// ---------------------------------------------------------------------------
// Envelope: initial parsing that extracts the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Gateway -> Guardian message structs
// ---------------------------------------------------------------------------

// MessageCreatedMsg is published by the gateway for every new chat message.
type MessageCreatedMsg struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	CommunityID string `json:"community_id"`
	ChannelID   string `json:"channel_id"`
	AuthorID    string `json:"author_id"`
	AuthorName  string `json:"author_name"`
	AuthorBot   bool   `json:"author_bot"`
	Content     string `json:"content"`
	Ts          int64  `json:"ts"`
}

// WarningsMsg asks for a member's recent warnings.
type WarningsMsg struct {
	Type        string `json:"type"`
	CommunityID string `json:"community_id"`
	UserID      string `json:"user_id"`
}

// UnmuteMsg asks to lift a member's mute.
type UnmuteMsg struct {
	Type        string `json:"type"`
	CommunityID string `json:"community_id"`
	UserID      string `json:"user_id"`
	ModeratorID string `json:"moderator_id"`
}

// ---------------------------------------------------------------------------
// Guardian -> Gateway request structs
// ---------------------------------------------------------------------------

// Field is one name/value row of an advisory.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Advisory is a rendered notice posted in reply to a message.
type Advisory struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color"`
	Fields      []Field `json:"fields,omitempty"`
	Footer      string  `json:"footer,omitempty"`
	// Mention is plain text sent alongside the advisory, e.g. a role ping.
	Mention string `json:"mention,omitempty"`
}

// MessageRef identifies a message in a channel.
type MessageRef struct {
	Type        string `json:"type"`
	CommunityID string `json:"community_id"`
	ChannelID   string `json:"channel_id"`
	MessageID   string `json:"message_id"`
}

// SendAdvisoryMsg posts an advisory, optionally as a reply.
type SendAdvisoryMsg struct {
	Type        string   `json:"type"`
	CommunityID string   `json:"community_id"`
	ChannelID   string   `json:"channel_id"`
	ReplyTo     string   `json:"reply_to,omitempty"`
	Advisory    Advisory `json:"advisory"`
}

// EditAdvisoryMsg replaces the content of a posted advisory.
type EditAdvisoryMsg struct {
	Type        string   `json:"type"`
	CommunityID string   `json:"community_id"`
	ChannelID   string   `json:"channel_id"`
	MessageID   string   `json:"message_id"`
	Advisory    Advisory `json:"advisory"`
}

// MemberMsg addresses a member of a community.
type MemberMsg struct {
	Type        string `json:"type"`
	CommunityID string `json:"community_id"`
	UserID      string `json:"user_id"`
	Reason      string `json:"reason,omitempty"`
}

// MemberRoleMsg adds or removes one role.
type MemberRoleMsg struct {
	Type        string `json:"type"`
	CommunityID string `json:"community_id"`
	UserID      string `json:"user_id"`
	RoleID      string `json:"role_id"`
	Reason      string `json:"reason,omitempty"`
}

// RoleMsg finds or creates a role by name.
type RoleMsg struct {
	Type        string   `json:"type"`
	CommunityID string   `json:"community_id"`
	Name        string   `json:"name"`
	Deny        []string `json:"deny,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// CommunityMsg addresses a whole community.
type CommunityMsg struct {
	Type        string `json:"type"`
	CommunityID string `json:"community_id"`
}

// ChannelPermissionsMsg sets a role's overrides in one channel.
type ChannelPermissionsMsg struct {
	Type        string   `json:"type"`
	CommunityID string   `json:"community_id"`
	ChannelID   string   `json:"channel_id"`
	RoleID      string   `json:"role_id"`
	Deny        []string `json:"deny"`
}

// ---------------------------------------------------------------------------
// Reply payloads
// ---------------------------------------------------------------------------

// Role is a community role.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channel is a community channel.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Posted is the reply to send_advisory.
type Posted struct {
	MessageID string `json:"message_id"`
}

// Reply answers every request.
type Reply struct {
	OK    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ReplyError is a failed Reply surfaced as an error.
type ReplyError struct {
	Code    string
	Message string
}

func (e *ReplyError) Error() string {
	if e.Code == "" {
		return "protocol: " + e.Message
	}
	return fmt.Sprintf("protocol: %s: %s", e.Code, e.Message)
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseInbound parses raw bytes received from the gateway into a typed
// message. It returns the message type string, the decoded struct, and any
// error encountered during parsing.
func ParseInbound(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeMessageCreated:
		var m MessageCreatedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWarnings:
		var m WarningsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnmute:
		var m UnmuteMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown inbound message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewMessage creates a JSON-encoded byte slice for a message. The msgType is
// injected into the payload under the "type" key, overriding whatever the
// struct carried.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	return inject(payload, map[string]interface{}{"type": msgType})
}

// NewRequest is NewMessage for gateway operations. It also injects a
// request_id so both sides can correlate their logs.
func NewRequest(op, requestID string, payload interface{}) ([]byte, error) {
	return inject(payload, map[string]interface{}{"type": op, "request_id": requestID})
}

func inject(payload interface{}, fields map[string]interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	for k, v := range fields {
		m[k] = v
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}

// OK encodes a successful reply carrying data, which may be nil.
func OK(data interface{}) []byte {
	r := Reply{OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Fail(CodeInternal, err.Error())
		}
		r.Data = raw
	}
	out, _ := json.Marshal(r)
	return out
}

// Fail encodes a failed reply.
func Fail(code, message string) []byte {
	out, _ := json.Marshal(Reply{Code: code, Error: message})
	return out
}

// DecodeReply parses a reply and decodes its data into out, which may be nil.
// A failed reply is returned as a *ReplyError.
func DecodeReply(data []byte, out interface{}) error {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("protocol: failed to parse reply: %w", err)
	}
	if !r.OK {
		return &ReplyError{Code: r.Code, Message: r.Error}
	}
	if out == nil || len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return fmt.Errorf("protocol: failed to decode reply data: %w", err)
	}
	return nil
}

// IsCode reports whether err is a ReplyError with the given code.
func IsCode(err error, code string) bool {
	var re *ReplyError
	return errors.As(err, &re) && re.Code == code
}
