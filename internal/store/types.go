package store

import "time"

// Role is a membership role inside a channel. Roles are totally ordered:
// owner > admin > member.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Rank returns the position of the role in the hierarchy. Unknown roles rank
// below member so a corrupted row can never grant permissions.
func (r Role) Rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// Outranks reports whether r is strictly above other in the hierarchy.
func (r Role) Outranks(other Role) bool {
	return r.Rank() > other.Rank()
}

// AtLeast reports whether r grants the permissions of required.
func (r Role) AtLeast(required Role) bool {
	return r.Rank() >= required.Rank()
}

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// Visibility controls channel discovery and join rules
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// MessageType mirrors the protocol-level message kinds
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageData     MessageType = "data"
	MessageCommand  MessageType = "command"
	MessageResponse MessageType = "response"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageData, MessageCommand, MessageResponse:
		return true
	}
	return false
}

// MessageStatus transitions sent -> delivered -> read. The transitions are
// advisory; readers must tolerate stale statuses.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// User is created on first successful authentication and updated on each
// re-authentication.
type User struct {
	ID                  string    `json:"id"`
	PublicKey           string    `json:"public_key"`
	WalletAddress       string    `json:"wallet_address"`
	LastAuthenticatedAt time.Time `json:"last_authenticated_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// Channel is a named group communication context with bounded membership
type Channel struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Visibility  Visibility `json:"visibility"`
	MaxMembers  int        `json:"max_members"`
	OwnerID     string     `json:"owner_id"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ChannelSpec is the caller-supplied part of a new channel
type ChannelSpec struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Visibility  Visibility `json:"visibility"`
	MaxMembers  int        `json:"max_members"`
}

// ChannelUpdate carries the settings an admin may change after creation.
// Nil fields are left alone.
type ChannelUpdate struct {
	Name        *string     `json:"name,omitempty"`
	Description *string     `json:"description,omitempty"`
	Visibility  *Visibility `json:"visibility,omitempty"`
	MaxMembers  *int        `json:"max_members,omitempty"`
}

// ChannelView is a channel annotated for a specific requester
type ChannelView struct {
	Channel
	MemberCount  int        `json:"member_count"`
	MessageCount int        `json:"message_count"`
	Role         *Role      `json:"role,omitempty"`
	JoinedAt     *time.Time `json:"joined_at,omitempty"`
}

// ChannelMember is the (user, channel, role) relation. (UserID, ChannelID) is
// unique; every channel has exactly one owner row.
type ChannelMember struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	Role      Role      `json:"role"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Invite grants one user a single join of a private channel
type Invite struct {
	ID         string     `json:"id"`
	ChannelID  string     `json:"channel_id"`
	UserID     string     `json:"user_id"`
	InvitedBy  string     `json:"invited_by"`
	CreatedAt  time.Time  `json:"created_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Message is immutable once persisted; only Status may change afterwards
type Message struct {
	ID        string        `json:"id"`
	ChannelID string        `json:"channel_id"`
	SenderID  string        `json:"sender_id"`
	AgentID   *string       `json:"agent_id,omitempty"`
	Content   string        `json:"content"`
	Type      MessageType   `json:"type"`
	Status    MessageStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewMessage is the caller-supplied part of a message; the store assigns the
// id, status and timestamp.
type NewMessage struct {
	ChannelID string
	SenderID  string
	AgentID   *string
	Content   string
	Type      MessageType
}
