package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is a full in-memory Store with the same semantics as
// PostgresStore. It backs the tests and the no-database development mode.
// The capacity gate uses a per-channel mutex in place of the row lock.
type MemStore struct {
	mu        sync.RWMutex
	users     map[string]User
	usersByPK map[string]string
	channels  map[string]*memChannel
}

type memChannel struct {
	// gate serializes membership mutation for one channel, mirroring
	// SELECT ... FOR UPDATE on the channel row.
	gate sync.Mutex

	channel  Channel
	members  map[string]ChannelMember // by user id
	invites  map[string]Invite        // by user id
	messages []Message
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		users:     make(map[string]User),
		usersByPK: make(map[string]string),
		channels:  make(map[string]*memChannel),
	}
}

// Users

func (s *MemStore) UpsertUser(ctx context.Context, publicKey, walletAddress string) (User, error) {
	if publicKey == "" {
		return User{}, ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if id, ok := s.usersByPK[publicKey]; ok {
		u := s.users[id]
		u.LastAuthenticatedAt = now
		s.users[id] = u
		return u, nil
	}

	u := User{
		ID:                  uuid.NewString(),
		PublicKey:           publicKey,
		WalletAddress:       walletAddress,
		LastAuthenticatedAt: now,
		CreatedAt:           now,
	}
	s.users[u.ID] = u
	s.usersByPK[publicKey] = u.ID
	return u, nil
}

func (s *MemStore) GetUser(ctx context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// Channels

func (s *MemStore) CreateChannel(ctx context.Context, ownerID string, spec ChannelSpec) (Channel, error) {
	if err := validateSpec(spec); err != nil {
		return Channel{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	ch := Channel{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Description: spec.Description,
		Visibility:  spec.Visibility,
		MaxMembers:  spec.MaxMembers,
		OwnerID:     ownerID,
		CreatedAt:   now,
	}

	mc := &memChannel{
		channel: ch,
		members: make(map[string]ChannelMember),
		invites: make(map[string]Invite),
	}
	mc.members[ownerID] = ChannelMember{
		ID:        uuid.NewString(),
		UserID:    ownerID,
		ChannelID: ch.ID,
		Role:      RoleOwner,
		JoinedAt:  now,
	}
	s.channels[ch.ID] = mc
	return ch, nil
}

func (s *MemStore) getChannel(channelID string) (*memChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mc, ok := s.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	return mc, nil
}

func (s *MemStore) GetChannel(ctx context.Context, channelID, requesterID string) (ChannelView, error) {
	mc, err := s.getChannel(channelID)
	if err != nil {
		return ChannelView{}, err
	}

	mc.gate.Lock()
	defer mc.gate.Unlock()
	return mc.view(requesterID), nil
}

func (mc *memChannel) view(requesterID string) ChannelView {
	view := ChannelView{
		Channel:      mc.channel,
		MemberCount:  len(mc.members),
		MessageCount: len(mc.messages),
	}
	if m, ok := mc.members[requesterID]; ok {
		role := m.Role
		joined := m.JoinedAt
		view.Role = &role
		view.JoinedAt = &joined
	}
	return view
}

func (s *MemStore) UpdateChannel(ctx context.Context, channelID string, update ChannelUpdate) (Channel, error) {
	if err := validateUpdate(update); err != nil {
		return Channel{}, err
	}

	mc, err := s.getChannel(channelID)
	if err != nil {
		return Channel{}, err
	}

	// The capacity gate guards the shrink check just like a join.
	mc.gate.Lock()
	defer mc.gate.Unlock()

	ch := mc.channel
	if update.Name != nil {
		ch.Name = *update.Name
	}
	if update.Description != nil {
		ch.Description = *update.Description
	}
	if update.Visibility != nil {
		ch.Visibility = *update.Visibility
	}
	if update.MaxMembers != nil {
		if *update.MaxMembers < len(mc.members) {
			return Channel{}, ErrCapacityExceeded
		}
		ch.MaxMembers = *update.MaxMembers
	}
	mc.channel = ch
	return ch, nil
}

func (s *MemStore) ListChannelsForUser(ctx context.Context, userID string) ([]ChannelView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]ChannelView, 0)
	for _, mc := range s.channels {
		mc.gate.Lock()
		if _, ok := mc.members[userID]; ok {
			views = append(views, mc.view(userID))
		}
		mc.gate.Unlock()
	}

	// Most recently joined first
	sort.Slice(views, func(i, j int) bool {
		return views[i].JoinedAt.After(*views[j].JoinedAt)
	})
	return views, nil
}

func (s *MemStore) ListPublicChannels(ctx context.Context, limit int) ([]ChannelView, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]ChannelView, 0)
	for _, mc := range s.channels {
		if mc.channel.Visibility != VisibilityPublic {
			continue
		}
		mc.gate.Lock()
		v := mc.view("")
		mc.gate.Unlock()
		views = append(views, v)
	}

	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	if len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

func (s *MemStore) DeleteChannel(ctx context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[channelID]; !ok {
		return ErrNotFound
	}
	delete(s.channels, channelID)
	return nil
}

// Members

func (s *MemStore) AddMember(ctx context.Context, channelID, userID string, role Role) (ChannelMember, error) {
	if !role.Valid() {
		return ChannelMember{}, ErrValidation
	}

	mc, err := s.getChannel(channelID)
	if err != nil {
		return ChannelMember{}, err
	}

	mc.gate.Lock()
	defer mc.gate.Unlock()

	if _, ok := mc.members[userID]; ok {
		return ChannelMember{}, ErrAlreadyMember
	}
	if len(mc.members) >= mc.channel.MaxMembers {
		return ChannelMember{}, ErrCapacityExceeded
	}

	member := ChannelMember{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChannelID: channelID,
		Role:      role,
		JoinedAt:  time.Now(),
	}
	mc.members[userID] = member
	return member, nil
}

func (s *MemStore) RemoveMember(ctx context.Context, channelID, userID string) error {
	mc, err := s.getChannel(channelID)
	if err != nil {
		return err
	}

	mc.gate.Lock()
	defer mc.gate.Unlock()

	member, ok := mc.members[userID]
	if !ok {
		return ErrNotFound
	}
	if member.Role == RoleOwner {
		return ErrForbidden
	}
	delete(mc.members, userID)
	return nil
}

func (s *MemStore) UpdateMemberRole(ctx context.Context, channelID, userID string, newRole Role) (ChannelMember, error) {
	if !newRole.Valid() || newRole == RoleOwner {
		return ChannelMember{}, ErrValidation
	}

	mc, err := s.getChannel(channelID)
	if err != nil {
		return ChannelMember{}, err
	}

	mc.gate.Lock()
	defer mc.gate.Unlock()

	member, ok := mc.members[userID]
	if !ok {
		return ChannelMember{}, ErrNotFound
	}
	if member.Role == RoleOwner {
		return ChannelMember{}, ErrForbidden
	}
	member.Role = newRole
	mc.members[userID] = member
	return member, nil
}

func (s *MemStore) GetMember(ctx context.Context, channelID, userID string) (ChannelMember, error) {
	mc, err := s.getChannel(channelID)
	if err != nil {
		return ChannelMember{}, err
	}

	mc.gate.Lock()
	defer mc.gate.Unlock()

	member, ok := mc.members[userID]
	if !ok {
		return ChannelMember{}, ErrNotFound
	}
	return member, nil
}

func (s *MemStore) ListMembers(ctx context.Context, channelID string) ([]ChannelMember, error) {
	mc, err := s.getChannel(channelID)
	if err != nil {
		return nil, err
	}

	mc.gate.Lock()
	defer mc.gate.Unlock()

	members := make([]ChannelMember, 0, len(mc.members))
	for _, m := range mc.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

// Invites

func (s *MemStore) CreateInvite(ctx context.Context, channelID, userID, invitedBy string) (Invite, error) {
	mc, err := s.getChannel(channelID)
	if err != nil {
		return Invite{}, err
	}

	mc.gate.Lock()
	defer mc.gate.Unlock()

	inv := Invite{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		UserID:    userID,
		InvitedBy: invitedBy,
		CreatedAt: time.Now(),
	}
	mc.invites[userID] = inv
	return inv, nil
}

func (s *MemStore) ConsumeInvite(ctx context.Context, channelID, userID string) error {
	mc, err := s.getChannel(channelID)
	if err != nil {
		return err
	}

	mc.gate.Lock()
	defer mc.gate.Unlock()

	inv, ok := mc.invites[userID]
	if !ok || inv.ConsumedAt != nil {
		return ErrInviteRequired
	}
	now := time.Now()
	inv.ConsumedAt = &now
	mc.invites[userID] = inv
	return nil
}

// Messages

func (s *MemStore) SaveMessage(ctx context.Context, msg NewMessage) (Message, error) {
	if err := validateMessage(msg); err != nil {
		return Message{}, err
	}

	mc, err := s.getChannel(msg.ChannelID)
	if err != nil {
		return Message{}, err
	}

	mc.gate.Lock()
	defer mc.gate.Unlock()

	saved := Message{
		ID:        uuid.NewString(),
		ChannelID: msg.ChannelID,
		SenderID:  msg.SenderID,
		AgentID:   msg.AgentID,
		Content:   msg.Content,
		Type:      msg.Type,
		Status:    StatusSent,
		CreatedAt: time.Now(),
	}
	mc.messages = append(mc.messages, saved)
	return saved, nil
}

func (s *MemStore) ListMessages(ctx context.Context, channelID string, limit int, before string) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	mc, err := s.getChannel(channelID)
	if err != nil {
		return nil, err
	}

	mc.gate.Lock()
	defer mc.gate.Unlock()

	end := len(mc.messages)
	if before != "" {
		for i, m := range mc.messages {
			if m.ID == before {
				end = i
				break
			}
		}
	}

	start := end - limit
	if start < 0 {
		start = 0
	}

	// Newest first, matching the SQL ordering
	out := make([]Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, mc.messages[i])
	}
	return out, nil
}

func (s *MemStore) UpdateMessageStatus(ctx context.Context, channelID, messageID string, status MessageStatus) error {
	mc, err := s.getChannel(channelID)
	if err != nil {
		return err
	}

	mc.gate.Lock()
	defer mc.gate.Unlock()

	for i, m := range mc.messages {
		if m.ID == messageID {
			if statusRank(status) > statusRank(m.Status) {
				mc.messages[i].Status = status
			}
			return nil
		}
	}
	return ErrNotFound
}

func statusRank(s MessageStatus) int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}
