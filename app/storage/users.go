// Package storage provides sql-backed stores for the moderation data:
// per-user trust records and the json documents with settings and counters.
// Each store works on top of the engine wrapper and picks queries by engine type.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/mkrasnov/tg-guard/app/storage/engine"
)

// UserKey is a composite key identifying a user within a chat. The wire
// format "chatID_userID" is shared with the persisted key scheme and the
// trailing line of forwarded spam notices, so it must not change.
type UserKey struct {
	ChatID int64
	UserID int64
}

// NewUserKey makes a key from chat and user ids
func NewUserKey(chatID, userID int64) UserKey {
	return UserKey{ChatID: chatID, UserID: userID}
}

// String renders the key in the persisted wire format
func (k UserKey) String() string {
	return strconv.FormatInt(k.ChatID, 10) + "_" + strconv.FormatInt(k.UserID, 10)
}

var userKeyRe = regexp.MustCompile(`^(-?\d+)_(\d+)$`)

// ParseUserKey parses the "chatID_userID" wire format
func ParseUserKey(s string) (UserKey, error) {
	m := userKeyRe.FindStringSubmatch(s)
	if m == nil {
		return UserKey{}, fmt.Errorf("invalid user key %q", s)
	}
	chatID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return UserKey{}, fmt.Errorf("failed to parse chat id from %q: %w", s, err)
	}
	userID, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return UserKey{}, fmt.Errorf("failed to parse user id from %q: %w", s, err)
	}
	return UserKey{ChatID: chatID, UserID: userID}, nil
}

// UserRecord is a persisted trust verdict for a user in a chat with a
// profile snapshot taken at write time
type UserRecord struct {
	Key       string    `db:"ukey"`
	ChatID    int64     `db:"chat_id"`
	UserID    int64     `db:"user_id"`
	Username  string    `db:"username"`
	FirstName string    `db:"first_name"`
	LastName  string    `db:"last_name"`
	ChatTitle string    `db:"chat_title"`
	Legal     bool      `db:"legal"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Users is a storage for user trust records keyed by "chatID_userID"
type Users struct {
	*engine.SQL
	engine.RWLocker
}

// user store queries
const (
	CmdCreateUsersTable engine.DBCmd = iota + 100
	CmdCreateUsersIndexes
	CmdSelectUser
	CmdUpsertUser
	CmdDeleteUser
)

var userQueries = engine.NewQueryMap().
	Add(CmdCreateUsersTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS users (
			ukey TEXT NOT NULL,
			gid TEXT NOT NULL,
			chat_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			username TEXT DEFAULT '',
			first_name TEXT DEFAULT '',
			last_name TEXT DEFAULT '',
			chat_title TEXT DEFAULT '',
			legal BOOLEAN NOT NULL DEFAULT 1,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(gid, ukey)
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS users (
			ukey TEXT NOT NULL,
			gid TEXT NOT NULL,
			chat_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			username TEXT DEFAULT '',
			first_name TEXT DEFAULT '',
			last_name TEXT DEFAULT '',
			chat_title TEXT DEFAULT '',
			legal BOOLEAN NOT NULL DEFAULT true,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(gid, ukey)
		)`,
	}).
	AddSame(CmdCreateUsersIndexes, `CREATE INDEX IF NOT EXISTS idx_users_ukey ON users(gid, ukey)`).
	AddSame(CmdSelectUser, `SELECT ukey, chat_id, user_id, username, first_name, last_name, chat_title, legal, updated_at
		FROM users WHERE gid = ? AND ukey = ?`).
	Add(CmdUpsertUser, engine.Query{
		Sqlite: `INSERT INTO users (ukey, gid, chat_id, user_id, username, first_name, last_name, chat_title, legal, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (gid, ukey) DO UPDATE
			SET username = excluded.username, first_name = excluded.first_name, last_name = excluded.last_name,
				chat_title = excluded.chat_title, legal = excluded.legal, updated_at = excluded.updated_at`,
		Postgres: `INSERT INTO users (ukey, gid, chat_id, user_id, username, first_name, last_name, chat_title, legal, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (gid, ukey) DO UPDATE
			SET username = EXCLUDED.username, first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
				chat_title = EXCLUDED.chat_title, legal = EXCLUDED.legal, updated_at = EXCLUDED.updated_at`,
	}).
	AddSame(CmdDeleteUser, `DELETE FROM users WHERE gid = ? AND ukey = ?`)

// NewUsers creates a users store and initializes the table
func NewUsers(ctx context.Context, db *engine.SQL) (*Users, error) {
	if db == nil {
		return nil, fmt.Errorf("no db provided")
	}

	res := &Users{SQL: db, RWLocker: db.MakeLock()}

	cfg := engine.TableConfig{
		Name:          "users",
		CreateTable:   CmdCreateUsersTable,
		CreateIndexes: CmdCreateUsersIndexes,
		QueriesMap:    userQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init users table: %w", err)
	}
	return res, nil
}

// Get returns the record for the given key, found=false if no record exists
func (u *Users) Get(ctx context.Context, key UserKey) (rec UserRecord, found bool, err error) {
	u.RLock()
	defer u.RUnlock()

	query, err := userQueries.Pick(u.Type(), CmdSelectUser)
	if err != nil {
		return UserRecord{}, false, fmt.Errorf("failed to get select user query: %w", err)
	}

	err = u.GetContext(ctx, &rec, u.Rebind(query), u.GID(), key.String())
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, fmt.Errorf("failed to get user %s: %w", key, err)
	}
	return rec, true, nil
}

// Upsert inserts or replaces the record, the key is derived from chat and user ids
func (u *Users) Upsert(ctx context.Context, rec UserRecord) error {
	u.Lock()
	defer u.Unlock()

	key := NewUserKey(rec.ChatID, rec.UserID)
	query, err := userQueries.Pick(u.Type(), CmdUpsertUser)
	if err != nil {
		return fmt.Errorf("failed to get upsert user query: %w", err)
	}

	if _, err := u.ExecContext(ctx, query, key.String(), u.GID(), rec.ChatID, rec.UserID,
		rec.Username, rec.FirstName, rec.LastName, rec.ChatTitle, rec.Legal, time.Now()); err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", key, err)
	}
	return nil
}

// Delete removes the record for the given key. Deleting a missing record
// is not an error, the ban path relies on delete-if-exists semantics.
func (u *Users) Delete(ctx context.Context, key UserKey) error {
	u.Lock()
	defer u.Unlock()

	query, err := userQueries.Pick(u.Type(), CmdDeleteUser)
	if err != nil {
		return fmt.Errorf("failed to get delete user query: %w", err)
	}

	if _, err := u.ExecContext(ctx, u.Rebind(query), u.GID(), key.String()); err != nil {
		return fmt.Errorf("failed to delete user %s: %w", key, err)
	}
	return nil
}
