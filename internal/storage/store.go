package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000

	// codeAlphabet skips visually ambiguous characters (0/O, 1/I/L).
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6

	maxCodeAttempts = 10
)

// Store wraps the SQLite handle and exposes the room, member, queue, and
// provider-token operations used by the server.
type Store struct {
	db *sql.DB
}

// Room is a row in the rooms table. A room is created active and flips to
// inactive exactly once; it is never reactivated.
type Room struct {
	ID            int64
	Code          string
	HostID        string
	IsActive      bool
	TrackURI      string
	PositionMs    int64
	IsPlaying     bool
	DeviceID      string
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// Member is a (room, user) pair. JoinedAt gives deterministic listing order.
type Member struct {
	RoomID      int64
	UserID      string
	DisplayName string
	IsHost      bool
	JoinedAt    time.Time
}

// QueueItem is one pending track in a room's queue. Positions within a room
// are dense and zero-based at all times.
type QueueItem struct {
	ID         int64
	RoomID     int64
	TrackURI   string
	TrackName  string
	ArtistName string
	AlbumName  string
	DurationMs int64
	AddedBy    string
	Position   int64
	AddedAt    time.Time
}

// PlaybackSnapshot is the host-reported playback state persisted on the room.
type PlaybackSnapshot struct {
	TrackURI   string
	PositionMs int64
	IsPlaying  bool
	DeviceID   string
}

// ProviderToken holds a user's media-provider credentials.
type ProviderToken struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ErrCodeExhausted is returned when room code generation keeps colliding.
var ErrCodeExhausted = errors.New("could not generate a unique room code")

// ErrQueueItemNotFound is returned when removing a queue item that is absent.
var ErrQueueItemNotFound = errors.New("queue item not found")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "jamroom.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers, which is what makes the
	// pop-front transaction behave as one atomic unit under concurrency.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			code TEXT NOT NULL UNIQUE,
			host_id TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			current_track_uri TEXT NOT NULL DEFAULT '',
			current_position_ms INTEGER NOT NULL DEFAULT 0,
			is_playing INTEGER NOT NULL DEFAULT 0,
			device_id TEXT NOT NULL DEFAULT '',
			last_heartbeat DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			is_host INTEGER NOT NULL DEFAULT 0,
			joined_at DATETIME NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS queue_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id INTEGER NOT NULL,
			track_uri TEXT NOT NULL,
			track_name TEXT NOT NULL DEFAULT '',
			artist_name TEXT NOT NULL DEFAULT '',
			album_name TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			added_by TEXT NOT NULL,
			position INTEGER NOT NULL,
			added_at DATETIME NOT NULL,
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_room_position ON queue_items(room_id, position);`,
		`CREATE TABLE IF NOT EXISTS provider_tokens (
			user_id TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at DATETIME NOT NULL
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateRoom inserts a new active room with a fresh code and the host as its
// first member. Code collisions are retried; ErrCodeExhausted is returned if
// every attempt collides.
func (s *Store) CreateRoom(ctx context.Context, hostID, displayName string) (*Room, error) {
	now := time.Now().UTC()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		room, err := s.insertRoom(ctx, generateCode(), hostID, displayName, now)
		if err != nil {
			if isConstraintError(err) {
				continue
			}
			return nil, err
		}
		return room, nil
	}
	return nil, ErrCodeExhausted
}

func (s *Store) insertRoom(ctx context.Context, code, hostID, displayName string, now time.Time) (*Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var result sql.Result
	result, err = tx.ExecContext(ctx,
		`INSERT INTO rooms(code, host_id, is_active, last_heartbeat, created_at) VALUES(?, ?, 1, ?, ?)`,
		code, hostID, now, now)
	if err != nil {
		return nil, err
	}
	var roomID int64
	roomID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO room_members(room_id, user_id, display_name, is_host, joined_at) VALUES(?, ?, ?, 1, ?)`,
		roomID, hostID, displayName, now); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &Room{
		ID:            roomID,
		Code:          code,
		HostID:        hostID,
		IsActive:      true,
		LastHeartbeat: now,
		CreatedAt:     now,
	}, nil
}

func generateCode() string {
	alphabetSize := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken;
			// degrade rather than panic.
			buf[i] = codeAlphabet[0]
			continue
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf)
}

// GetRoomByCode fetches a room regardless of its active flag, so callers can
// tell a closed room apart from one that never existed. Returns nil when the
// code is unknown.
func (s *Store) GetRoomByCode(ctx context.Context, code string) (*Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code, host_id, is_active, current_track_uri, current_position_ms,
		       is_playing, device_id, last_heartbeat, created_at
		FROM rooms WHERE code = ?`, strings.ToUpper(code))
	var room Room
	if err := row.Scan(&room.ID, &room.Code, &room.HostID, &room.IsActive, &room.TrackURI,
		&room.PositionMs, &room.IsPlaying, &room.DeviceID, &room.LastHeartbeat, &room.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

// UpdateHeartbeat refreshes the liveness timestamp of an active room.
// Updating an inactive room is a silent no-op: closed is terminal.
func (s *Store) UpdateHeartbeat(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET last_heartbeat = ? WHERE code = ? AND is_active = 1`,
		time.Now().UTC(), strings.ToUpper(code))
	return err
}

// CloseRoom flips the room to inactive and purges its members and queue in
// one transaction.
func (s *Store) CloseRoom(ctx context.Context, code string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = closeRoomTx(ctx, tx, strings.ToUpper(code)); err != nil {
		return err
	}
	return tx.Commit()
}

func closeRoomTx(ctx context.Context, tx *sql.Tx, code string) error {
	var roomID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM rooms WHERE code = ?`, code).Scan(&roomID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET is_active = 0 WHERE id = ?`, roomID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = ?`, roomID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE room_id = ?`, roomID); err != nil {
		return err
	}
	return nil
}

// SweepStale closes every active room whose heartbeat is older than timeout
// and returns the affected codes. Selection and close run in one transaction
// so two overlapping sweeps cannot close the same room twice.
func (s *Store) SweepStale(ctx context.Context, timeout time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var codes []string
	codes, err = staleCodesTx(ctx, tx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, code := range codes {
		if err = closeRoomTx(ctx, tx, code); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return codes, nil
}

func staleCodesTx(ctx context.Context, tx *sql.Tx, cutoff time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT code FROM rooms WHERE is_active = 1 AND last_heartbeat < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// AddMember records a membership row. Rejoining is idempotent: the existing
// row wins and no duplicate is created.
func (s *Store) AddMember(ctx context.Context, roomID int64, userID, displayName string, isHost bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members(room_id, user_id, display_name, is_host, joined_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(room_id, user_id) DO NOTHING`,
		roomID, userID, displayName, boolToInt(isHost), time.Now().UTC())
	return err
}

// RemoveMember deletes a membership row (explicit leave).
func (s *Store) RemoveMember(ctx context.Context, roomID int64, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
	return err
}

// ListMembers returns a room's members ordered by join time.
func (s *Store) ListMembers(ctx context.Context, roomID int64) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, user_id, display_name, is_host, joined_at
		FROM room_members WHERE room_id = ?
		ORDER BY joined_at ASC, user_id ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.DisplayName, &m.IsHost, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// AppendQueueItem inserts item at the current tail of the room's queue
// (max position + 1, or 0 when empty) and returns the stored row.
func (s *Store) AppendQueueItem(ctx context.Context, roomID int64, item QueueItem) (*QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM queue_items WHERE room_id = ?`, roomID).Scan(&next)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var result sql.Result
	result, err = tx.ExecContext(ctx, `
		INSERT INTO queue_items(room_id, track_uri, track_name, artist_name, album_name, duration_ms, added_by, position, added_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		roomID, item.TrackURI, item.TrackName, item.ArtistName, item.AlbumName,
		item.DurationMs, item.AddedBy, next, now)
	if err != nil {
		return nil, err
	}
	var id int64
	id, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	stored := item
	stored.ID = id
	stored.RoomID = roomID
	stored.Position = next
	stored.AddedAt = now
	return &stored, nil
}

// RemoveQueueItem deletes one item by id and reindexes the remainder to a
// dense zero-based sequence before the transaction commits.
func (s *Store) RemoveQueueItem(ctx context.Context, roomID, itemID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var result sql.Result
	result, err = tx.ExecContext(ctx,
		`DELETE FROM queue_items WHERE room_id = ? AND id = ?`, roomID, itemID)
	if err != nil {
		return err
	}
	var affected int64
	affected, err = result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		err = ErrQueueItemNotFound
		return err
	}
	if err = reindexQueueTx(ctx, tx, roomID); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearQueue deletes every item for the room.
func (s *Store) ClearQueue(ctx context.Context, roomID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE room_id = ?`, roomID)
	return err
}

// ListQueue returns the room's pending items ordered by position.
func (s *Store) ListQueue(ctx context.Context, roomID int64) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, track_uri, track_name, artist_name, album_name, duration_ms, added_by, position, added_at
		FROM queue_items WHERE room_id = ?
		ORDER BY position ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

// PopFrontQueueItem atomically removes and returns the item at position 0,
// reindexing the remainder in the same transaction. Concurrent callers each
// observe either a distinct item or an empty queue, never the same item
// twice. An empty queue returns (nil, nil).
func (s *Store) PopFrontQueueItem(ctx context.Context, roomID int64) (*QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	row := tx.QueryRowContext(ctx, `
		SELECT id, room_id, track_uri, track_name, artist_name, album_name, duration_ms, added_by, position, added_at
		FROM queue_items WHERE room_id = ?
		ORDER BY position ASC LIMIT 1`, roomID)
	var item QueueItem
	err = row.Scan(&item.ID, &item.RoomID, &item.TrackURI, &item.TrackName, &item.ArtistName,
		&item.AlbumName, &item.DurationMs, &item.AddedBy, &item.Position, &item.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, item.ID); err != nil {
		return nil, err
	}
	if err = reindexQueueTx(ctx, tx, roomID); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return &item, nil
}

// reindexQueueTx rewrites positions to 0..n-1 preserving the prior order.
func reindexQueueTx(ctx context.Context, tx *sql.Tx, roomID int64) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM queue_items WHERE room_id = ? ORDER BY position ASC`, roomID)
	if err != nil {
		return err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for pos, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET position = ? WHERE id = ?`, pos, id); err != nil {
			return err
		}
	}
	return nil
}

func scanQueueItems(rows *sql.Rows) ([]QueueItem, error) {
	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		if err := rows.Scan(&item.ID, &item.RoomID, &item.TrackURI, &item.TrackName, &item.ArtistName,
			&item.AlbumName, &item.DurationMs, &item.AddedBy, &item.Position, &item.AddedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdatePlaybackSnapshot persists the host-reported playback state.
func (s *Store) UpdatePlaybackSnapshot(ctx context.Context, code string, snap PlaybackSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rooms
		SET current_track_uri = ?, current_position_ms = ?, is_playing = ?, device_id = ?
		WHERE code = ?`,
		snap.TrackURI, snap.PositionMs, boolToInt(snap.IsPlaying), snap.DeviceID, strings.ToUpper(code))
	return err
}

// SetRoomDevice records the host's active output device.
func (s *Store) SetRoomDevice(ctx context.Context, code, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET device_id = ? WHERE code = ?`, deviceID, strings.ToUpper(code))
	return err
}

// SaveProviderToken upserts a user's provider credentials. An empty refresh
// token on update keeps the previously stored one.
func (s *Store) SaveProviderToken(ctx context.Context, token ProviderToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_tokens(user_id, access_token, refresh_token, expires_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE provider_tokens.refresh_token END,
			expires_at = excluded.expires_at`,
		token.UserID, token.AccessToken, token.RefreshToken, token.ExpiresAt.UTC())
	return err
}

// GetProviderToken fetches a user's provider credentials, nil when absent.
func (s *Store) GetProviderToken(ctx context.Context, userID string) (*ProviderToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, access_token, refresh_token, expires_at FROM provider_tokens WHERE user_id = ?`, userID)
	var token ProviderToken
	if err := row.Scan(&token.UserID, &token.AccessToken, &token.RefreshToken, &token.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &token, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintCode
	}
	return false
}
