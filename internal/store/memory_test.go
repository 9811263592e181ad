package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, s *MemStore, maxMembers int) (Channel, User) {
	t.Helper()
	ctx := context.Background()

	owner, err := s.UpsertUser(ctx, "owner-pk-"+t.Name(), "")
	require.NoError(t, err)

	ch, err := s.CreateChannel(ctx, owner.ID, ChannelSpec{
		Name:       "general",
		Visibility: VisibilityPublic,
		MaxMembers: maxMembers,
	})
	require.NoError(t, err)
	return ch, owner
}

func TestCreateChannelMakesOwnerMember(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	ch, owner := newTestChannel(t, s, 10)

	member, err := s.GetMember(ctx, ch.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, member.Role)

	view, err := s.GetChannel(ctx, ch.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.MemberCount)
	require.NotNil(t, view.Role)
	assert.Equal(t, RoleOwner, *view.Role)
}

func TestCreateChannelValidation(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.CreateChannel(ctx, "owner", ChannelSpec{Name: "", Visibility: VisibilityPublic, MaxMembers: 5})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.CreateChannel(ctx, "owner", ChannelSpec{Name: "x", Visibility: VisibilityPublic, MaxMembers: 0})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.CreateChannel(ctx, "owner", ChannelSpec{Name: "x", Visibility: "secret", MaxMembers: 5})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAddMemberDuplicate(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ch, _ := newTestChannel(t, s, 10)

	_, err := s.AddMember(ctx, ch.ID, "user-1", RoleMember)
	require.NoError(t, err)

	_, err = s.AddMember(ctx, ch.ID, "user-1", RoleMember)
	assert.ErrorIs(t, err, ErrAlreadyMember)
}

func TestAddMemberCapacity(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ch, _ := newTestChannel(t, s, 3) // owner plus two

	_, err := s.AddMember(ctx, ch.ID, "user-1", RoleMember)
	require.NoError(t, err)
	_, err = s.AddMember(ctx, ch.ID, "user-2", RoleMember)
	require.NoError(t, err)

	_, err = s.AddMember(ctx, ch.ID, "user-3", RoleMember)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// Freeing a slot makes the next join succeed.
	require.NoError(t, s.RemoveMember(ctx, ch.ID, "user-1"))
	_, err = s.AddMember(ctx, ch.ID, "user-3", RoleMember)
	assert.NoError(t, err)
}

// Many goroutines race for the remaining slots; exactly that many joins may
// win and the rest split between capacity errors and nothing else.
func TestAddMemberConcurrentCapacity(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	const maxMembers = 10
	const contenders = 100
	ch, _ := newTestChannel(t, s, maxMembers)
	slots := maxMembers - 1 // owner holds one

	var wg sync.WaitGroup
	errs := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.AddMember(ctx, ch.ID, fmt.Sprintf("user-%d", n), RoleMember)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	joined, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			joined++
		case assert.ErrorIs(t, err, ErrCapacityExceeded):
			rejected++
		}
	}

	assert.Equal(t, slots, joined)
	assert.Equal(t, contenders-slots, rejected)

	view, err := s.GetChannel(ctx, ch.ID, "")
	require.NoError(t, err)
	assert.Equal(t, maxMembers, view.MemberCount)
}

func TestRemoveMember(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ch, owner := newTestChannel(t, s, 10)

	_, err := s.AddMember(ctx, ch.ID, "user-1", RoleMember)
	require.NoError(t, err)

	require.NoError(t, s.RemoveMember(ctx, ch.ID, "user-1"))

	// Leaving twice is not idempotent: the second call finds nothing.
	assert.ErrorIs(t, s.RemoveMember(ctx, ch.ID, "user-1"), ErrNotFound)

	// The owner row is immovable.
	assert.ErrorIs(t, s.RemoveMember(ctx, ch.ID, owner.ID), ErrForbidden)
}

func TestUpdateMemberRole(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ch, owner := newTestChannel(t, s, 10)

	_, err := s.AddMember(ctx, ch.ID, "user-1", RoleMember)
	require.NoError(t, err)

	updated, err := s.UpdateMemberRole(ctx, ch.ID, "user-1", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, updated.Role)

	// No second owner, ever.
	_, err = s.UpdateMemberRole(ctx, ch.ID, "user-1", RoleOwner)
	assert.ErrorIs(t, err, ErrValidation)

	// The owner cannot be demoted.
	_, err = s.UpdateMemberRole(ctx, ch.ID, owner.ID, RoleAdmin)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = s.UpdateMemberRole(ctx, ch.ID, "stranger", RoleAdmin)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteChannelCascades(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ch, owner := newTestChannel(t, s, 10)

	_, err := s.AddMember(ctx, ch.ID, "user-1", RoleMember)
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, NewMessage{ChannelID: ch.ID, SenderID: owner.ID, Content: "hi", Type: MessageText})
	require.NoError(t, err)

	require.NoError(t, s.DeleteChannel(ctx, ch.ID))

	_, err = s.GetChannel(ctx, ch.ID, owner.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetMember(ctx, ch.ID, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ListMessages(ctx, ch.ID, 10, "")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteChannel(ctx, ch.ID), ErrNotFound)
}

func TestInviteLifecycle(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ch, owner := newTestChannel(t, s, 10)

	// Nothing to consume yet.
	assert.ErrorIs(t, s.ConsumeInvite(ctx, ch.ID, "user-1"), ErrInviteRequired)

	_, err := s.CreateInvite(ctx, ch.ID, "user-1", owner.ID)
	require.NoError(t, err)

	require.NoError(t, s.ConsumeInvite(ctx, ch.ID, "user-1"))

	// An invite is single-use.
	assert.ErrorIs(t, s.ConsumeInvite(ctx, ch.ID, "user-1"), ErrInviteRequired)
}

func TestSaveMessageAssignsServerFields(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ch, owner := newTestChannel(t, s, 10)

	msg, err := s.SaveMessage(ctx, NewMessage{
		ChannelID: ch.ID,
		SenderID:  owner.ID,
		Content:   "hello",
		Type:      MessageText,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Equal(t, StatusSent, msg.Status)

	_, err = s.SaveMessage(ctx, NewMessage{ChannelID: ch.ID, SenderID: owner.ID, Content: "", Type: MessageText})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.SaveMessage(ctx, NewMessage{ChannelID: ch.ID, SenderID: owner.ID, Content: "x", Type: "gif"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestListMessagesPaging(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ch, owner := newTestChannel(t, s, 10)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		msg, err := s.SaveMessage(ctx, NewMessage{
			ChannelID: ch.ID,
			SenderID:  owner.ID,
			Content:   fmt.Sprintf("msg %d", i),
			Type:      MessageText,
		})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	// Newest first.
	page, err := s.ListMessages(ctx, ch.ID, 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	// Cursor continues where the page ended.
	page, err = s.ListMessages(ctx, ch.ID, 2, page[1].ID)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)
}

func TestUpdateMessageStatusForwardOnly(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ch, owner := newTestChannel(t, s, 10)

	msg, err := s.SaveMessage(ctx, NewMessage{ChannelID: ch.ID, SenderID: owner.ID, Content: "x", Type: MessageText})
	require.NoError(t, err)

	require.NoError(t, s.UpdateMessageStatus(ctx, ch.ID, msg.ID, StatusRead))

	// A late delivered receipt must not regress read.
	require.NoError(t, s.UpdateMessageStatus(ctx, ch.ID, msg.ID, StatusDelivered))

	page, err := s.ListMessages(ctx, ch.ID, 1, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRead, page[0].Status)

	assert.ErrorIs(t, s.UpdateMessageStatus(ctx, ch.ID, "missing", StatusRead), ErrNotFound)
}

func TestUpsertUserIdempotent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	first, err := s.UpsertUser(ctx, "pk-1", "wallet-1")
	require.NoError(t, err)

	again, err := s.UpsertUser(ctx, "pk-1", "wallet-other")
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "wallet-1", again.WalletAddress)
	assert.False(t, again.LastAuthenticatedAt.Before(first.LastAuthenticatedAt))

	_, err = s.UpsertUser(ctx, "", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRoleOrdering(t *testing.T) {
	assert.True(t, RoleOwner.Outranks(RoleAdmin))
	assert.True(t, RoleAdmin.Outranks(RoleMember))
	assert.False(t, RoleMember.Outranks(RoleMember))
	assert.True(t, RoleAdmin.AtLeast(RoleMember))
	assert.True(t, RoleAdmin.AtLeast(RoleAdmin))
	assert.False(t, RoleMember.AtLeast(RoleAdmin))

	// Unknown roles grant nothing.
	assert.False(t, Role("superuser").AtLeast(RoleMember))
}

func TestUpdateChannelSettings(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ch, _ := newTestChannel(t, s, 10)

	name := "renamed"
	desc := "new description"
	visibility := VisibilityPrivate
	updated, err := s.UpdateChannel(ctx, ch.ID, ChannelUpdate{
		Name:        &name,
		Description: &desc,
		Visibility:  &visibility,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "new description", updated.Description)
	assert.Equal(t, VisibilityPrivate, updated.Visibility)
	assert.Equal(t, 10, updated.MaxMembers)

	// Untouched fields survive a partial update.
	max := 5
	updated, err = s.UpdateChannel(ctx, ch.ID, ChannelUpdate{MaxMembers: &max})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 5, updated.MaxMembers)

	empty := ""
	_, err = s.UpdateChannel(ctx, ch.ID, ChannelUpdate{Name: &empty})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.UpdateChannel(ctx, "missing", ChannelUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateChannelShrinkBelowMemberCount(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ch, _ := newTestChannel(t, s, 10)

	for i := 0; i < 2; i++ {
		u, err := s.UpsertUser(ctx, fmt.Sprintf("member-%d-pk", i), "")
		require.NoError(t, err)
		_, err = s.AddMember(ctx, ch.ID, u.ID, RoleMember)
		require.NoError(t, err)
	}

	// Three members in the channel: a cap of two is rejected, a cap equal
	// to the count is allowed.
	tooSmall := 2
	_, err := s.UpdateChannel(ctx, ch.ID, ChannelUpdate{MaxMembers: &tooSmall})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	exact := 3
	updated, err := s.UpdateChannel(ctx, ch.ID, ChannelUpdate{MaxMembers: &exact})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.MaxMembers)

	// The channel is now full.
	u, err := s.UpsertUser(ctx, "late-pk", "")
	require.NoError(t, err)
	_, err = s.AddMember(ctx, ch.ID, u.ID, RoleMember)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestUpdateMessageStatusScopedToChannel(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ch, owner := newTestChannel(t, s, 10)
	other, _ := newTestChannel(t, s, 10)

	msg, err := s.SaveMessage(ctx, NewMessage{ChannelID: ch.ID, SenderID: owner.ID, Content: "x", Type: MessageText})
	require.NoError(t, err)

	// A message id is only addressable through its own channel.
	assert.ErrorIs(t, s.UpdateMessageStatus(ctx, other.ID, msg.ID, StatusRead), ErrNotFound)

	page, err := s.ListMessages(ctx, ch.ID, 1, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, page[0].Status)
}
