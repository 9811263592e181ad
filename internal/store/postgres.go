package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"podcomm/pkg/logger"
)

// Postgres error codes we translate into store error kinds
const (
	pgNotNullViolation     = "23502"
	pgForeignKeyViolation  = "23503"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// PostgresStore implements Store on a pgx connection pool. Capacity
// enforcement relies on a row lock on the channel record: every membership
// insert happens inside a transaction that first takes
// SELECT ... FOR UPDATE on the channel, re-reads the member count under the
// lock and only then inserts.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *logger.Logger
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *pgxpool.Pool, log *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: log}
}

// mapError converts driver-level failures into store error kinds
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrAlreadyMember
		case pgForeignKeyViolation:
			return ErrNotFound
		case pgNotNullViolation, pgCheckViolation:
			return fmt.Errorf("%w: %s", ErrValidation, pgErr.Message)
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

// Users

func (s *PostgresStore) UpsertUser(ctx context.Context, publicKey, walletAddress string) (User, error) {
	if publicKey == "" {
		return User{}, ErrValidation
	}

	var u User
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (public_key, wallet_address, last_authenticated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (public_key) DO UPDATE
		SET last_authenticated_at = now()
		RETURNING id, public_key, wallet_address, last_authenticated_at, created_at
	`, publicKey, walletAddress).Scan(&u.ID, &u.PublicKey, &u.WalletAddress, &u.LastAuthenticatedAt, &u.CreatedAt)
	if err != nil {
		return User{}, mapError(err)
	}
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var u User
	err := s.db.QueryRow(ctx, `
		SELECT id, public_key, wallet_address, last_authenticated_at, created_at
		FROM users WHERE id = $1
	`, userID).Scan(&u.ID, &u.PublicKey, &u.WalletAddress, &u.LastAuthenticatedAt, &u.CreatedAt)
	if err != nil {
		return User{}, mapError(err)
	}
	return u, nil
}

// Channels

func (s *PostgresStore) CreateChannel(ctx context.Context, ownerID string, spec ChannelSpec) (Channel, error) {
	if err := validateSpec(spec); err != nil {
		return Channel{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Channel{}, mapError(err)
	}
	defer tx.Rollback(ctx)

	var ch Channel
	err = tx.QueryRow(ctx, `
		INSERT INTO channels (name, description, visibility, max_members, owner_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, name, description, visibility, max_members, owner_id, created_at
	`, spec.Name, spec.Description, spec.Visibility, spec.MaxMembers, ownerID).
		Scan(&ch.ID, &ch.Name, &ch.Description, &ch.Visibility, &ch.MaxMembers, &ch.OwnerID, &ch.CreatedAt)
	if err != nil {
		return Channel{}, mapError(err)
	}

	// The owner membership row is part of channel creation: either both
	// rows commit or neither does.
	_, err = tx.Exec(ctx, `
		INSERT INTO channel_members (channel_id, user_id, role)
		VALUES ($1, $2, $3)
	`, ch.ID, ownerID, RoleOwner)
	if err != nil {
		return Channel{}, mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Channel{}, mapError(err)
	}

	s.logger.Info("Channel created", "channel_id", ch.ID, "owner_id", ownerID, "max_members", ch.MaxMembers)
	return ch, nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, channelID, requesterID string) (ChannelView, error) {
	var view ChannelView
	var role *string
	err := s.db.QueryRow(ctx, `
		SELECT c.id, c.name, c.description, c.visibility, c.max_members, c.owner_id, c.created_at,
		       (SELECT count(*) FROM channel_members m WHERE m.channel_id = c.id),
		       (SELECT count(*) FROM messages msg WHERE msg.channel_id = c.id),
		       cm.role, cm.joined_at
		FROM channels c
		LEFT JOIN channel_members cm ON cm.channel_id = c.id AND cm.user_id = $2
		WHERE c.id = $1
	`, channelID, requesterID).Scan(
		&view.ID, &view.Name, &view.Description, &view.Visibility, &view.MaxMembers,
		&view.OwnerID, &view.CreatedAt, &view.MemberCount, &view.MessageCount,
		&role, &view.JoinedAt)
	if err != nil {
		return ChannelView{}, mapError(err)
	}
	if role != nil {
		r := Role(*role)
		view.Role = &r
	}
	return view, nil
}

// UpdateChannel applies post-creation settings changes. Shrinking
// max_members runs under the same channel row lock as joins so the member
// count can never end up above the cap.
func (s *PostgresStore) UpdateChannel(ctx context.Context, channelID string, update ChannelUpdate) (Channel, error) {
	if err := validateUpdate(update); err != nil {
		return Channel{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Channel{}, mapError(err)
	}
	defer tx.Rollback(ctx)

	var ch Channel
	err = tx.QueryRow(ctx, `
		SELECT id, name, description, visibility, max_members, owner_id, created_at
		FROM channels WHERE id = $1 FOR UPDATE
	`, channelID).Scan(&ch.ID, &ch.Name, &ch.Description, &ch.Visibility, &ch.MaxMembers, &ch.OwnerID, &ch.CreatedAt)
	if err != nil {
		return Channel{}, mapError(err)
	}

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
		var count int
		err = tx.QueryRow(ctx, `SELECT count(*) FROM channel_members WHERE channel_id = $1`, channelID).Scan(&count)
		if err != nil {
			return Channel{}, mapError(err)
		}
		if *update.MaxMembers < count {
			return Channel{}, ErrCapacityExceeded
		}
		ch.MaxMembers = *update.MaxMembers
	}

	_, err = tx.Exec(ctx, `
		UPDATE channels SET name = $2, description = $3, visibility = $4, max_members = $5
		WHERE id = $1
	`, ch.ID, ch.Name, ch.Description, ch.Visibility, ch.MaxMembers)
	if err != nil {
		return Channel{}, mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Channel{}, mapError(err)
	}

	s.logger.Info("Channel updated", "channel_id", ch.ID, "max_members", ch.MaxMembers)
	return ch, nil
}

func (s *PostgresStore) ListChannelsForUser(ctx context.Context, userID string) ([]ChannelView, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.name, c.description, c.visibility, c.max_members, c.owner_id, c.created_at,
		       (SELECT count(*) FROM channel_members m WHERE m.channel_id = c.id),
		       (SELECT count(*) FROM messages msg WHERE msg.channel_id = c.id),
		       cm.role, cm.joined_at
		FROM channels c
		JOIN channel_members cm ON cm.channel_id = c.id
		WHERE cm.user_id = $1
		ORDER BY cm.joined_at DESC
	`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	return scanChannelViews(rows)
}

func (s *PostgresStore) ListPublicChannels(ctx context.Context, limit int) ([]ChannelView, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.name, c.description, c.visibility, c.max_members, c.owner_id, c.created_at,
		       (SELECT count(*) FROM channel_members m WHERE m.channel_id = c.id),
		       (SELECT count(*) FROM messages msg WHERE msg.channel_id = c.id),
		       NULL, NULL
		FROM channels c
		WHERE c.visibility = 'public'
		ORDER BY c.created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	return scanChannelViews(rows)
}

func scanChannelViews(rows pgx.Rows) ([]ChannelView, error) {
	views := make([]ChannelView, 0)
	for rows.Next() {
		var view ChannelView
		var role *string
		if err := rows.Scan(
			&view.ID, &view.Name, &view.Description, &view.Visibility, &view.MaxMembers,
			&view.OwnerID, &view.CreatedAt, &view.MemberCount, &view.MessageCount,
			&role, &view.JoinedAt); err != nil {
			return nil, mapError(err)
		}
		if role != nil {
			r := Role(*role)
			view.Role = &r
		}
		views = append(views, view)
	}
	return views, mapError(rows.Err())
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, channelID string) error {
	// Memberships and messages go with the channel via FK cascades.
	tag, err := s.db.Exec(ctx, `DELETE FROM channels WHERE id = $1`, channelID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.logger.Info("Channel deleted", "channel_id", channelID)
	return nil
}

// Members

// AddMember inserts a membership without ever letting the channel overshoot
// max_members, under any number of concurrent joins. A plain
// count-compare-insert races near the boundary, so the count check runs under
// a row lock on the channel inside the insert transaction.
func (s *PostgresStore) AddMember(ctx context.Context, channelID, userID string, role Role) (ChannelMember, error) {
	if !role.Valid() {
		return ChannelMember{}, ErrValidation
	}

	// Cheap pre-check so duplicate joins fail before lock acquisition.
	// Re-validated under the lock to close the race against a concurrent
	// leave and rejoin.
	if _, err := s.GetMember(ctx, channelID, userID); err == nil {
		return ChannelMember{}, ErrAlreadyMember
	} else if !errors.Is(err, ErrNotFound) {
		return ChannelMember{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return ChannelMember{}, mapError(err)
	}
	defer tx.Rollback(ctx)

	var maxMembers int
	err = tx.QueryRow(ctx, `SELECT max_members FROM channels WHERE id = $1 FOR UPDATE`, channelID).Scan(&maxMembers)
	if err != nil {
		return ChannelMember{}, mapError(err)
	}

	var count int
	err = tx.QueryRow(ctx, `SELECT count(*) FROM channel_members WHERE channel_id = $1`, channelID).Scan(&count)
	if err != nil {
		return ChannelMember{}, mapError(err)
	}
	if count >= maxMembers {
		return ChannelMember{}, ErrCapacityExceeded
	}

	var member ChannelMember
	err = tx.QueryRow(ctx, `
		INSERT INTO channel_members (channel_id, user_id, role)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, channel_id, role, joined_at
	`, channelID, userID, role).Scan(&member.ID, &member.UserID, &member.ChannelID, &member.Role, &member.JoinedAt)
	if err != nil {
		return ChannelMember{}, mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ChannelMember{}, mapError(err)
	}

	s.logger.Info("Member added", "channel_id", channelID, "user_id", userID, "role", role)
	return member, nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, channelID, userID string) error {
	member, err := s.GetMember(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if member.Role == RoleOwner {
		// Ownership transfer is a separate operation; the owner row is
		// never removed while the channel exists.
		return ErrForbidden
	}

	tag, err := s.db.Exec(ctx, `
		DELETE FROM channel_members WHERE channel_id = $1 AND user_id = $2 AND role <> 'owner'
	`, channelID, userID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	s.logger.Info("Member removed", "channel_id", channelID, "user_id", userID)
	return nil
}

func (s *PostgresStore) UpdateMemberRole(ctx context.Context, channelID, userID string, newRole Role) (ChannelMember, error) {
	if !newRole.Valid() || newRole == RoleOwner {
		return ChannelMember{}, ErrValidation
	}

	var member ChannelMember
	err := s.db.QueryRow(ctx, `
		UPDATE channel_members
		SET role = $3
		WHERE channel_id = $1 AND user_id = $2 AND role <> 'owner'
		RETURNING id, user_id, channel_id, role, joined_at
	`, channelID, userID, newRole).Scan(&member.ID, &member.UserID, &member.ChannelID, &member.Role, &member.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either no membership or the target is the owner.
			if m, gerr := s.GetMember(ctx, channelID, userID); gerr == nil && m.Role == RoleOwner {
				return ChannelMember{}, ErrForbidden
			}
			return ChannelMember{}, ErrNotFound
		}
		return ChannelMember{}, mapError(err)
	}
	return member, nil
}

func (s *PostgresStore) GetMember(ctx context.Context, channelID, userID string) (ChannelMember, error) {
	var member ChannelMember
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, channel_id, role, joined_at
		FROM channel_members
		WHERE channel_id = $1 AND user_id = $2
	`, channelID, userID).Scan(&member.ID, &member.UserID, &member.ChannelID, &member.Role, &member.JoinedAt)
	if err != nil {
		return ChannelMember{}, mapError(err)
	}
	return member, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, channelID string) ([]ChannelMember, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, channel_id, role, joined_at
		FROM channel_members
		WHERE channel_id = $1
		ORDER BY joined_at ASC
	`, channelID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	members := make([]ChannelMember, 0)
	for rows.Next() {
		var m ChannelMember
		if err := rows.Scan(&m.ID, &m.UserID, &m.ChannelID, &m.Role, &m.JoinedAt); err != nil {
			return nil, mapError(err)
		}
		members = append(members, m)
	}
	return members, mapError(rows.Err())
}

// Invites

func (s *PostgresStore) CreateInvite(ctx context.Context, channelID, userID, invitedBy string) (Invite, error) {
	var inv Invite
	err := s.db.QueryRow(ctx, `
		INSERT INTO channel_invites (channel_id, user_id, invited_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, user_id) DO UPDATE
		SET invited_by = EXCLUDED.invited_by, consumed_at = NULL
		RETURNING id, channel_id, user_id, invited_by, created_at, consumed_at
	`, channelID, userID, invitedBy).Scan(&inv.ID, &inv.ChannelID, &inv.UserID, &inv.InvitedBy, &inv.CreatedAt, &inv.ConsumedAt)
	if err != nil {
		return Invite{}, mapError(err)
	}
	return inv, nil
}

func (s *PostgresStore) ConsumeInvite(ctx context.Context, channelID, userID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE channel_invites
		SET consumed_at = now()
		WHERE channel_id = $1 AND user_id = $2 AND consumed_at IS NULL
	`, channelID, userID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInviteRequired
	}
	return nil
}

// Messages

func (s *PostgresStore) SaveMessage(ctx context.Context, msg NewMessage) (Message, error) {
	if err := validateMessage(msg); err != nil {
		return Message{}, err
	}

	var saved Message
	err := s.db.QueryRow(ctx, `
		INSERT INTO messages (channel_id, sender_id, agent_id, content, type, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, channel_id, sender_id, agent_id, content, type, status, created_at
	`, msg.ChannelID, msg.SenderID, msg.AgentID, msg.Content, msg.Type, StatusSent).
		Scan(&saved.ID, &saved.ChannelID, &saved.SenderID, &saved.AgentID,
			&saved.Content, &saved.Type, &saved.Status, &saved.CreatedAt)
	if err != nil {
		return Message{}, mapError(err)
	}
	return saved, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, channelID string, limit int, before string) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	var rows pgx.Rows
	var err error
	if before != "" {
		rows, err = s.db.Query(ctx, `
			SELECT id, channel_id, sender_id, agent_id, content, type, status, created_at
			FROM messages
			WHERE channel_id = $1
			  AND created_at < (SELECT created_at FROM messages WHERE id = $2)
			ORDER BY created_at DESC
			LIMIT $3
		`, channelID, before, limit)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT id, channel_id, sender_id, agent_id, content, type, status, created_at
			FROM messages
			WHERE channel_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		`, channelID, limit)
	}
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.AgentID,
			&m.Content, &m.Type, &m.Status, &m.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		messages = append(messages, m)
	}
	return messages, mapError(rows.Err())
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, channelID, messageID string, status MessageStatus) error {
	// Statuses only move forward: sent -> delivered -> read.
	tag, err := s.db.Exec(ctx, `
		UPDATE messages
		SET status = $3
		WHERE id = $2 AND channel_id = $1
		  AND CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 ELSE 3 END
		    < CASE $3::text WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 ELSE 3 END
	`, channelID, messageID, status)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		// Already at or past the requested status, or unknown id. The
		// transition is advisory so both cases are non-errors only when
		// the row exists.
		var exists bool
		if err := s.db.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND channel_id = $2)
		`, messageID, channelID).Scan(&exists); err != nil {
			return mapError(err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}
