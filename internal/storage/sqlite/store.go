// Package sqlite provides a SQLite-backed party storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/squadup/partyhub/internal/party/domain"
	sqlitemigrate "github.com/squadup/partyhub/internal/platform/storage/sqlitemigrate"
	"github.com/squadup/partyhub/internal/storage"
	"github.com/squadup/partyhub/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists party state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite party store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutParty upserts the party row and rebuilds its participant index entries.
func (s *Store) PutParty(ctx context.Context, party domain.Party) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	partyID := strings.TrimSpace(party.ID)
	if partyID == "" {
		return fmt.Errorf("party id is required")
	}

	participants, err := json.Marshal(party.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	joinRequests, err := json.Marshal(party.JoinRequests)
	if err != nil {
		return fmt.Errorf("encode join requests: %w", err)
	}
	invitedUsers, err := json.Marshal(party.InvitedUsers)
	if err != nil {
		return fmt.Errorf("encode invited users: %w", err)
	}
	attributes, err := json.Marshal(party.Requirements.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put party: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO parties (id, owner_user_id, status, participants, max_players,
		   join_requests, invited_users, invite_only, attributes, created_at,
		   expires_at, tracking_state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   participants = excluded.participants,
		   join_requests = excluded.join_requests,
		   invited_users = excluded.invited_users,
		   attributes = excluded.attributes,
		   expires_at = excluded.expires_at,
		   tracking_state = excluded.tracking_state`,
		partyID,
		party.OwnerID,
		domain.StatusLabel(party.Status),
		string(participants),
		party.MaxPlayers,
		string(joinRequests),
		string(invitedUsers),
		boolToInt(party.Requirements.InviteOnly),
		string(attributes),
		toMillis(party.CreatedAt),
		toMillis(party.ExpiresAt),
		domain.TrackingStateLabel(party.TrackingState),
	)
	if err != nil {
		return fmt.Errorf("put party: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM party_participants WHERE party_id = ?`, partyID); err != nil {
		return fmt.Errorf("clear participant index: %w", err)
	}
	for _, userID := range party.Participants {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO party_participants (user_id, party_id) VALUES (?, ?)`,
			userID,
			partyID,
		); err != nil {
			return fmt.Errorf("index participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put party: %w", err)
	}
	return nil
}

// GetParty retrieves a party by id.
func (s *Store) GetParty(ctx context.Context, partyID string) (domain.Party, error) {
	if err := ctx.Err(); err != nil {
		return domain.Party{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Party{}, fmt.Errorf("storage is not configured")
	}
	partyID = strings.TrimSpace(partyID)
	if partyID == "" {
		return domain.Party{}, fmt.Errorf("party id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		selectPartyColumns+` FROM parties WHERE id = ?`,
		partyID,
	)
	return scanParty(row)
}

// DeleteParty removes a party record and its participant index entries.
func (s *Store) DeleteParty(ctx context.Context, partyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	partyID = strings.TrimSpace(partyID)
	if partyID == "" {
		return fmt.Errorf("party id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete party: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM parties WHERE id = ?`, partyID)
	if err != nil {
		return fmt.Errorf("delete party: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete party rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM party_participants WHERE party_id = ?`, partyID); err != nil {
		return fmt.Errorf("clear participant index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete party: %w", err)
	}
	return nil
}

// FindByParticipant returns the non-closed party containing userID.
func (s *Store) FindByParticipant(ctx context.Context, userID string) (domain.Party, error) {
	if err := ctx.Err(); err != nil {
		return domain.Party{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Party{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Party{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		selectPartyColumns+`
		 FROM parties
		 JOIN party_participants ON party_participants.party_id = parties.id
		 WHERE party_participants.user_id = ? AND parties.status != 'CLOSED'
		 LIMIT 1`,
		userID,
	)
	return scanParty(row)
}

// ListOpenParties returns a page of OPEN parties, newest first.
func (s *Store) ListOpenParties(ctx context.Context, pageSize int, pageToken string) (storage.PartyPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.PartyPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.PartyPage{}, fmt.Errorf("storage is not configured")
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	query := selectPartyColumns + ` FROM parties WHERE status = 'OPEN'`
	args := []any{}
	if strings.TrimSpace(pageToken) != "" {
		cursorMillis, cursorID, err := decodePageToken(pageToken)
		if err != nil {
			return storage.PartyPage{}, err
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, cursorMillis, cursorMillis, cursorID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, pageSize+1)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.PartyPage{}, fmt.Errorf("list open parties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var parties []domain.Party
	for rows.Next() {
		party, err := scanParty(rows)
		if err != nil {
			return storage.PartyPage{}, err
		}
		parties = append(parties, party)
	}
	if err := rows.Err(); err != nil {
		return storage.PartyPage{}, fmt.Errorf("iterate open parties: %w", err)
	}

	page := storage.PartyPage{}
	if len(parties) > pageSize {
		parties = parties[:pageSize]
		last := parties[len(parties)-1]
		page.NextPageToken = encodePageToken(toMillis(last.CreatedAt), last.ID)
	}
	page.Parties = parties
	return page, nil
}

// ListExpired returns non-closed parties past their deadline that the sweeper
// has not finished processing.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Party, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		selectPartyColumns+`
		 FROM parties
		 WHERE status != 'CLOSED' AND expires_at <= ? AND tracking_state != 'PROCESSED'
		 ORDER BY expires_at ASC
		 LIMIT ?`,
		toMillis(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired parties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var parties []domain.Party
	for rows.Next() {
		party, err := scanParty(rows)
		if err != nil {
			return nil, err
		}
		parties = append(parties, party)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired parties: %w", err)
	}
	return parties, nil
}

// SetTrackingState conditionally moves a party's tracking state.
func (s *Store) SetTrackingState(ctx context.Context, partyID string, from, to domain.TrackingState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	partyID = strings.TrimSpace(partyID)
	if partyID == "" {
		return fmt.Errorf("party id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE parties SET tracking_state = ? WHERE id = ? AND tracking_state = ?`,
		domain.TrackingStateLabel(to),
		partyID,
		domain.TrackingStateLabel(from),
	)
	if err != nil {
		return fmt.Errorf("set tracking state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set tracking state rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Reserve claims the active-party slot for userID.
func (s *Store) Reserve(ctx context.Context, userID, partyID string, claimedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	partyID = strings.TrimSpace(partyID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if partyID == "" {
		return fmt.Errorf("party id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO reservations (user_id, party_id, claimed_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID,
		partyID,
		toMillis(claimedAt),
	)
	if err != nil {
		return fmt.Errorf("reserve user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrAlreadyReserved
	}
	return nil
}

// GetReservation returns the active claim for userID.
func (s *Store) GetReservation(ctx context.Context, userID string) (storage.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return storage.Reservation{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Reservation{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.Reservation{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT user_id, party_id, claimed_at FROM reservations WHERE user_id = ?`,
		userID,
	)
	var reservation storage.Reservation
	var claimedAt int64
	if err := row.Scan(&reservation.UserID, &reservation.PartyID, &claimedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Reservation{}, storage.ErrNotFound
		}
		return storage.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	reservation.ClaimedAt = fromMillis(claimedAt)
	return reservation, nil
}

// ReleaseReservation frees the active-party slot for userID.
func (s *Store) ReleaseReservation(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM reservations WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

const selectPartyColumns = `SELECT parties.id, parties.owner_user_id, parties.status,
  parties.participants, parties.max_players, parties.join_requests,
  parties.invited_users, parties.invite_only, parties.attributes,
  parties.created_at, parties.expires_at, parties.tracking_state`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParty(row rowScanner) (domain.Party, error) {
	var party domain.Party
	var status string
	var participants string
	var joinRequests string
	var invitedUsers string
	var inviteOnly int
	var attributes string
	var createdAt int64
	var expiresAt int64
	var trackingState string

	err := row.Scan(
		&party.ID,
		&party.OwnerID,
		&status,
		&participants,
		&party.MaxPlayers,
		&joinRequests,
		&invitedUsers,
		&inviteOnly,
		&attributes,
		&createdAt,
		&expiresAt,
		&trackingState,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Party{}, storage.ErrNotFound
		}
		return domain.Party{}, fmt.Errorf("scan party: %w", err)
	}

	party.Status = domain.StatusFromLabel(status)
	party.TrackingState = domain.TrackingStateFromLabel(trackingState)
	party.Requirements.InviteOnly = inviteOnly != 0
	party.CreatedAt = fromMillis(createdAt)
	party.ExpiresAt = fromMillis(expiresAt)

	if err := json.Unmarshal([]byte(participants), &party.Participants); err != nil {
		return domain.Party{}, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal([]byte(joinRequests), &party.JoinRequests); err != nil {
		return domain.Party{}, fmt.Errorf("decode join requests: %w", err)
	}
	if err := json.Unmarshal([]byte(invitedUsers), &party.InvitedUsers); err != nil {
		return domain.Party{}, fmt.Errorf("decode invited users: %w", err)
	}
	if err := json.Unmarshal([]byte(attributes), &party.Requirements.Attributes); err != nil {
		return domain.Party{}, fmt.Errorf("decode attributes: %w", err)
	}
	return party, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func encodePageToken(createdMillis int64, partyID string) string {
	return strconv.FormatInt(createdMillis, 10) + ":" + partyID
}

func decodePageToken(token string) (int64, string, error) {
	millisPart, idPart, found := strings.Cut(token, ":")
	if !found {
		return 0, "", fmt.Errorf("malformed page token")
	}
	millis, err := strconv.ParseInt(millisPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed page token: %w", err)
	}
	return millis, idPart, nil
}
