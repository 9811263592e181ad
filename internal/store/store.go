package store

import "context"

// Store is the single owner of durable state and of the invariants on it:
// the membership count of a channel never exceeds max_members, and every
// channel has exactly one owner row. Business layers never bypass it.
type Store interface {
	// Users
	UpsertUser(ctx context.Context, publicKey, walletAddress string) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)

	// Channels
	CreateChannel(ctx context.Context, ownerID string, spec ChannelSpec) (Channel, error)
	GetChannel(ctx context.Context, channelID, requesterID string) (ChannelView, error)
	UpdateChannel(ctx context.Context, channelID string, update ChannelUpdate) (Channel, error)
	ListChannelsForUser(ctx context.Context, userID string) ([]ChannelView, error)
	ListPublicChannels(ctx context.Context, limit int) ([]ChannelView, error)
	DeleteChannel(ctx context.Context, channelID string) error

	// Members
	AddMember(ctx context.Context, channelID, userID string, role Role) (ChannelMember, error)
	RemoveMember(ctx context.Context, channelID, userID string) error
	UpdateMemberRole(ctx context.Context, channelID, userID string, newRole Role) (ChannelMember, error)
	GetMember(ctx context.Context, channelID, userID string) (ChannelMember, error)
	ListMembers(ctx context.Context, channelID string) ([]ChannelMember, error)

	// Invites
	CreateInvite(ctx context.Context, channelID, userID, invitedBy string) (Invite, error)
	ConsumeInvite(ctx context.Context, channelID, userID string) error

	// Messages
	SaveMessage(ctx context.Context, msg NewMessage) (Message, error)
	ListMessages(ctx context.Context, channelID string, limit int, before string) ([]Message, error)
	UpdateMessageStatus(ctx context.Context, channelID, messageID string, status MessageStatus) error
}

func validateSpec(spec ChannelSpec) error {
	if spec.Name == "" {
		return ErrValidation
	}
	if spec.MaxMembers < 1 {
		return ErrValidation
	}
	if !spec.Visibility.Valid() {
		return ErrValidation
	}
	return nil
}

func validateUpdate(update ChannelUpdate) error {
	if update.Name != nil && *update.Name == "" {
		return ErrValidation
	}
	if update.Visibility != nil && !update.Visibility.Valid() {
		return ErrValidation
	}
	if update.MaxMembers != nil && *update.MaxMembers < 1 {
		return ErrValidation
	}
	return nil
}

func validateMessage(msg NewMessage) error {
	if msg.ChannelID == "" || msg.SenderID == "" || msg.Content == "" {
		return ErrValidation
	}
	if !msg.Type.Valid() {
		return ErrValidation
	}
	return nil
}
