// Package sqlstore implements store.Store on PostgreSQL (lib/pq) or SQLite
// (modernc.org/sqlite). Both dialects share one set of queries written with
// "?" placeholders; timestamps are stored as Unix milliseconds.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/linkguard/guardian/internal/store"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store is a SQL-backed store.Store.
type Store struct {
	db     *sql.DB
	driver string
}

var _ store.Store = (*Store)(nil)

// Open migrates the database at dsn to the latest schema and returns a ready
// store. For SQLite the dsn is a file path.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlstore: create dir %s: %w", dir, err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	if err := Migrate(driver, dsn); err != nil {
		return nil, err
	}

	openDSN := dsn
	if driver == DriverSQLite {
		openDSN = dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open(driver, openDSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if driver == DriverSQLite {
		// A single writer avoids SQLITE_BUSY under concurrent escalations.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// New wraps an already migrated database handle.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ========== Warnings ==========

func (s *Store) AddWarning(ctx context.Context, w store.Warning) (int64, error) {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO warnings (community_id, user_id, reason, channel_id, moderator_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		w.CommunityID, w.UserID, w.Reason, w.ChannelID, nullString(w.ModeratorID), millis(w.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: add warning: %w", err)
	}
	return id, nil
}

func (s *Store) CountWarnings(ctx context.Context, communityID, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM warnings
		WHERE community_id = ? AND user_id = ? AND created_at >= ?`),
		communityID, userID, millis(since),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: count warnings: %w", err)
	}
	return count, nil
}

func (s *Store) ListWarnings(ctx context.Context, communityID, userID string, since time.Time, limit int) ([]store.Warning, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, community_id, user_id, reason, channel_id, moderator_id, created_at
		FROM warnings
		WHERE community_id = ? AND user_id = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`),
		communityID, userID, millis(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list warnings: %w", err)
	}
	defer rows.Close()

	var out []store.Warning
	for rows.Next() {
		var (
			w         store.Warning
			moderator sql.NullString
			created   int64
		)
		if err := rows.Scan(&w.ID, &w.CommunityID, &w.UserID, &w.Reason, &w.ChannelID, &moderator, &created); err != nil {
			return nil, fmt.Errorf("sqlstore: scan warning: %w", err)
		}
		w.ModeratorID = moderator.String
		w.CreatedAt = fromMillis(created)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list warnings: %w", err)
	}
	return out, nil
}

// ========== Mutes ==========

// CreateMute relies on UNIQUE(community_id, user_id): the conflicting row is
// only overwritten when it has already expired, so two racing escalations
// produce one active mute.
func (s *Store) CreateMute(ctx context.Context, m store.Mute, now time.Time) (bool, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO mutes (community_id, user_id, mute_end, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (community_id, user_id) DO UPDATE SET
			mute_end   = excluded.mute_end,
			reason     = excluded.reason,
			created_at = excluded.created_at
		WHERE mutes.mute_end <= ?`),
		m.CommunityID, m.UserID, millis(m.MuteEnd), m.Reason, millis(m.CreatedAt), millis(now),
	)
	if err != nil {
		return false, fmt.Errorf("sqlstore: create mute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: create mute rows: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ActiveMute(ctx context.Context, communityID, userID string, now time.Time) (*store.Mute, error) {
	var (
		m               store.Mute
		muteEnd, create int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, community_id, user_id, mute_end, reason, created_at
		FROM mutes
		WHERE community_id = ? AND user_id = ? AND mute_end > ?`),
		communityID, userID, millis(now),
	).Scan(&m.ID, &m.CommunityID, &m.UserID, &muteEnd, &m.Reason, &create)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: active mute: %w", err)
	}
	m.MuteEnd = fromMillis(muteEnd)
	m.CreatedAt = fromMillis(create)
	return &m, nil
}

func (s *Store) ExpiredMutes(ctx context.Context, now time.Time) ([]store.Mute, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, community_id, user_id, mute_end, reason, created_at
		FROM mutes
		WHERE mute_end <= ?
		ORDER BY mute_end`),
		millis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: expired mutes: %w", err)
	}
	defer rows.Close()

	var out []store.Mute
	for rows.Next() {
		var (
			m               store.Mute
			muteEnd, create int64
		)
		if err := rows.Scan(&m.ID, &m.CommunityID, &m.UserID, &muteEnd, &m.Reason, &create); err != nil {
			return nil, fmt.Errorf("sqlstore: scan mute: %w", err)
		}
		m.MuteEnd = fromMillis(muteEnd)
		m.CreatedAt = fromMillis(create)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: expired mutes: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteMute(ctx context.Context, communityID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM mutes WHERE community_id = ? AND user_id = ?`),
		communityID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("sqlstore: delete mute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: delete mute rows: %w", err)
	}
	return n > 0, nil
}

func (s *Store) DeleteExpiredMute(ctx context.Context, communityID, userID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM mutes WHERE community_id = ? AND user_id = ? AND mute_end <= ?`),
		communityID, userID, millis(now),
	)
	if err != nil {
		return false, fmt.Errorf("sqlstore: delete expired mute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: delete expired mute rows: %w", err)
	}
	return n > 0, nil
}

// ========== Bans ==========

func (s *Store) AddBan(ctx context.Context, b store.Ban) (int64, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO bans (community_id, user_id, reason, permanent, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		b.CommunityID, b.UserID, b.Reason, b.Permanent, millis(b.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: add ban: %w", err)
	}
	return id, nil
}

func (s *Store) IsBanned(ctx context.Context, communityID, userID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT 1 FROM bans WHERE community_id = ? AND user_id = ? LIMIT 1`),
		communityID, userID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlstore: is banned: %w", err)
	}
	return true, nil
}

// ========== Link history ==========

func (s *Store) LogLink(ctx context.Context, r store.LinkRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO link_history (community_id, user_id, url, threat_level, action_taken, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		r.CommunityID, r.UserID, r.URL, r.ThreatLevel, r.ActionTaken, millis(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: log link: %w", err)
	}
	return nil
}

func (s *Store) RecentLinks(ctx context.Context, communityID string, limit int) ([]store.LinkRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, community_id, user_id, url, threat_level, action_taken, created_at
		FROM link_history
		WHERE community_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`),
		communityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: recent links: %w", err)
	}
	defer rows.Close()

	var out []store.LinkRecord
	for rows.Next() {
		var (
			r       store.LinkRecord
			created int64
		)
		if err := rows.Scan(&r.ID, &r.CommunityID, &r.UserID, &r.URL, &r.ThreatLevel, &r.ActionTaken, &created); err != nil {
			return nil, fmt.Errorf("sqlstore: scan link: %w", err)
		}
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: recent links: %w", err)
	}
	return out, nil
}
