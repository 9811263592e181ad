// Package membership wraps the store with the authorization rules of the
// role hierarchy (owner > admin > member). It owns no state of its own.
package membership

import (
	"context"
	"errors"

	"podcomm/internal/store"
	"podcomm/pkg/logger"
)

type Manager struct {
	store  store.Store
	logger *logger.Logger
}

func NewManager(st store.Store, log *logger.Logger) *Manager {
	return &Manager{store: st, logger: log}
}

// CheckPermission reports whether the user holds a role at or above required
// in the channel. A missing membership is false, not an error.
func (m *Manager) CheckPermission(ctx context.Context, channelID, userID string, required store.Role) (bool, error) {
	member, err := m.store.GetMember(ctx, channelID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return member.Role.AtLeast(required), nil
}

// CreateChannel creates the channel together with the creator's owner
// membership.
func (m *Manager) CreateChannel(ctx context.Context, ownerID string, spec store.ChannelSpec) (store.Channel, error) {
	return m.store.CreateChannel(ctx, ownerID, spec)
}

// UpdateChannel applies settings changes on behalf of an admin-or-above
// actor. Shrinking the member cap below the current member count is
// rejected; existing members are never evicted by a settings change.
func (m *Manager) UpdateChannel(ctx context.Context, actorID, channelID string, update store.ChannelUpdate) (store.Channel, error) {
	ok, err := m.CheckPermission(ctx, channelID, actorID, store.RoleAdmin)
	if err != nil {
		return store.Channel{}, err
	}
	if !ok {
		return store.Channel{}, store.ErrForbidden
	}

	updated, err := m.store.UpdateChannel(ctx, channelID, update)
	if err != nil {
		return store.Channel{}, err
	}

	m.logger.Info("Channel settings updated",
		"channel_id", channelID,
		"actor_id", actorID)
	return updated, nil
}

// MarkMessageStatus advances a message's delivery status on behalf of a
// channel member. Transitions only move forward.
func (m *Manager) MarkMessageStatus(ctx context.Context, actorID, channelID, messageID string, status store.MessageStatus) error {
	ok, err := m.CheckPermission(ctx, channelID, actorID, store.RoleMember)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrForbidden
	}
	return m.store.UpdateMessageStatus(ctx, channelID, messageID, status)
}

// Join adds the user as a plain member. Private channels require an
// unconsumed invite. An existing membership surfaces as ErrAlreadyMember so
// callers can tell "already in" from "just joined".
func (m *Manager) Join(ctx context.Context, channelID, userID string) (store.ChannelMember, error) {
	view, err := m.store.GetChannel(ctx, channelID, userID)
	if err != nil {
		return store.ChannelMember{}, err
	}
	if view.Role != nil {
		return store.ChannelMember{}, store.ErrAlreadyMember
	}

	if view.Visibility == store.VisibilityPrivate {
		if err := m.store.ConsumeInvite(ctx, channelID, userID); err != nil {
			return store.ChannelMember{}, err
		}
	}

	return m.store.AddMember(ctx, channelID, userID, store.RoleMember)
}

// Leave removes the user's own membership. The owner cannot leave; ownership
// transfer is a distinct operation.
func (m *Manager) Leave(ctx context.Context, channelID, userID string) error {
	return m.store.RemoveMember(ctx, channelID, userID)
}

// Kick removes another member. The actor must be at least admin and must
// strictly outrank the target.
func (m *Manager) Kick(ctx context.Context, actorID, channelID, targetUserID string) error {
	if actorID == targetUserID {
		return m.Leave(ctx, channelID, targetUserID)
	}

	actor, err := m.store.GetMember(ctx, channelID, actorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrForbidden
		}
		return err
	}
	target, err := m.store.GetMember(ctx, channelID, targetUserID)
	if err != nil {
		return err
	}
	if !actor.Role.AtLeast(store.RoleAdmin) || !actor.Role.Outranks(target.Role) {
		return store.ErrForbidden
	}

	return m.store.RemoveMember(ctx, channelID, targetUserID)
}

// ChangeRole updates the target's role. The actor must be at least admin and
// must strictly outrank both the target's current role and the requested
// role. Nobody can be promoted to owner and the owner cannot be demoted.
func (m *Manager) ChangeRole(ctx context.Context, actorID, channelID, targetUserID string, newRole store.Role) (store.ChannelMember, error) {
	if !newRole.Valid() || newRole == store.RoleOwner {
		return store.ChannelMember{}, store.ErrValidation
	}

	actor, err := m.store.GetMember(ctx, channelID, actorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ChannelMember{}, store.ErrForbidden
		}
		return store.ChannelMember{}, err
	}
	if !actor.Role.AtLeast(store.RoleAdmin) {
		return store.ChannelMember{}, store.ErrForbidden
	}

	target, err := m.store.GetMember(ctx, channelID, targetUserID)
	if err != nil {
		return store.ChannelMember{}, err
	}
	if !actor.Role.Outranks(target.Role) || !actor.Role.Outranks(newRole) {
		return store.ChannelMember{}, store.ErrForbidden
	}

	updated, err := m.store.UpdateMemberRole(ctx, channelID, targetUserID, newRole)
	if err != nil {
		return store.ChannelMember{}, err
	}

	m.logger.Info("Member role changed",
		"channel_id", channelID,
		"actor_id", actorID,
		"target_id", targetUserID,
		"new_role", newRole)
	return updated, nil
}

// Invite lets an admin-or-above invite a user into a channel. For public
// channels the invite is a no-op courtesy; for private channels it is the
// only way in.
func (m *Manager) Invite(ctx context.Context, actorID, channelID, targetUserID string) (store.Invite, error) {
	ok, err := m.CheckPermission(ctx, channelID, actorID, store.RoleAdmin)
	if err != nil {
		return store.Invite{}, err
	}
	if !ok {
		return store.Invite{}, store.ErrForbidden
	}

	return m.store.CreateInvite(ctx, channelID, targetUserID, actorID)
}

// DeleteChannel is owner-only and cascades to memberships and messages.
func (m *Manager) DeleteChannel(ctx context.Context, actorID, channelID string) error {
	member, err := m.store.GetMember(ctx, channelID, actorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrForbidden
		}
		return err
	}
	if member.Role != store.RoleOwner {
		return store.ErrForbidden
	}
	return m.store.DeleteChannel(ctx, channelID)
}
