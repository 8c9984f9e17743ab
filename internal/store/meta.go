package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/secret"
)

// Meta keys.
const (
	MetaUserID   = "userId"
	MetaPassword = "password"
	MetaServer   = "server"
	MetaUser     = "user"
	MetaKB       = "kbGuid"

	// metaFTSStale is set while the full-text index misses notes.
	metaFTSStale = "ftsStale"
)

// ObjectKind names a sync cursor.
type ObjectKind string

const (
	ObjectNote    ObjectKind = "note"
	ObjectDeleted ObjectKind = "deleted"
	ObjectTag     ObjectKind = "tag"
)

func (k ObjectKind) metaKey() string { return string(k) + "_version" }

func setMeta(ctx context.Context, q querier, key, value string, now int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO wiz_meta (key, value, updated) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated = excluded.updated
	`, key, value, now)
	if err != nil {
		return apperr.Internal("store: set meta "+key, err)
	}
	return nil
}

func getMeta(ctx context.Context, q querier, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM wiz_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Internal("store: get meta "+key, err)
	}
	return v, true, nil
}

// GetMeta returns a meta value and whether it is set.
func (db *DB) GetMeta(ctx context.Context, key string) (string, bool, error) {
	q, err := db.read()
	if err != nil {
		return "", false, err
	}
	return getMeta(ctx, q, key)
}

// SetMeta stores a meta value.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	return db.tx(ctx, "set meta", func(tx *sql.Tx, _ *emitter) error {
		return setMeta(ctx, tx, key, value, toMillis(db.now()))
	})
}

// GetObjectsVersion returns the watermark of a sync cursor, 0 when unset.
func (db *DB) GetObjectsVersion(ctx context.Context, kind ObjectKind) (uint64, error) {
	v, ok, err := db.GetMeta(ctx, kind.metaKey())
	if err != nil || !ok || v == "" {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, apperr.Internal("store: parse "+kind.metaKey(), err)
	}
	return n, nil
}

// SetObjectsVersion persists the watermark of a sync cursor.
func (db *DB) SetObjectsVersion(ctx context.Context, kind ObjectKind, v uint64) error {
	return db.SetMeta(ctx, kind.metaKey(), strconv.FormatUint(v, 10))
}

// BindKB records the knowledge base the store replicates. Notes created
// before the first bind are adopted. A store already bound to another
// knowledge base refuses with apperr.ErrConflict.
func (db *DB) BindKB(ctx context.Context, kb string) error {
	if kb == "" {
		return apperr.InvalidParam("bind kb: empty guid")
	}
	if current := db.KB(); current != "" && current != kb {
		return fmt.Errorf("store: bind kb %s: bound to %s: %w", kb, current, apperr.ErrConflict)
	}
	if db.closed.Load() {
		return apperr.Internal("bind kb", ErrClosed)
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Internal("store: bind kb: begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path
	if err := setMeta(ctx, tx, MetaKB, kb, toMillis(db.now())); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE wiz_note SET kb_guid = ? WHERE kb_guid = ''`, kb); err != nil {
		return apperr.Internal("store: bind kb", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Internal("store: bind kb: commit", err)
	}
	db.kbMu.Lock()
	db.kb = kb
	db.kbMu.Unlock()
	return nil
}

// UpdateAccount stores the credentials used for token refresh together
// with the user record. The password is sealed with the user guid.
func (db *DB) UpdateAccount(ctx context.Context, acc models.Account) error {
	if acc.UserGUID == "" {
		return apperr.InvalidParam("update account: missing user guid")
	}
	sealed, err := secret.Seal(acc.Password, acc.UserGUID)
	if err != nil {
		return apperr.Internal("store: seal password", err)
	}
	user, err := json.Marshal(acc.User)
	if err != nil {
		return apperr.Internal("store: encode user", err)
	}
	return db.tx(ctx, "update account", func(tx *sql.Tx, em *emitter) error {
		now := toMillis(db.now())
		for _, kv := range [][2]string{
			{MetaUserID, acc.UserID},
			{MetaPassword, sealed},
			{MetaServer, acc.Server},
			{MetaUser, string(user)},
		} {
			if err := setMeta(ctx, tx, kv[0], kv[1], now); err != nil {
				return err
			}
		}
		em.emit(events.UserInfoChanged, acc.User)
		return nil
	})
}

// GetAccount returns the stored account with its password opened. It
// fails with apperr.ErrNoAccount when no account was stored.
func (db *DB) GetAccount(ctx context.Context) (*models.Account, error) {
	q, err := db.read()
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, 4)
	for _, key := range []string{MetaUserID, MetaPassword, MetaServer, MetaUser} {
		v, ok, err := getMeta(ctx, q, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("store: get account: %w", apperr.ErrNoAccount)
		}
		values[key] = v
	}

	acc := &models.Account{Server: values[MetaServer]}
	if err := json.Unmarshal([]byte(values[MetaUser]), &acc.User); err != nil {
		return nil, apperr.Internal("store: decode user", err)
	}
	acc.UserID = values[MetaUserID]
	password, err := secret.Open(values[MetaPassword], acc.UserGUID)
	if err != nil {
		return nil, apperr.Internal("store: open password", err)
	}
	acc.Password = password
	return acc, nil
}

// UpdateUserInfo replaces the stored user record, e.g. after a token
// refresh.
func (db *DB) UpdateUserInfo(ctx context.Context, user models.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return apperr.Internal("store: encode user", err)
	}
	return db.tx(ctx, "update user info", func(tx *sql.Tx, em *emitter) error {
		if err := setMeta(ctx, tx, MetaUser, string(data), toMillis(db.now())); err != nil {
			return err
		}
		em.emit(events.UserInfoChanged, user)
		return nil
	})
}

// GetUserInfo returns the stored user record.
func (db *DB) GetUserInfo(ctx context.Context) (*models.User, error) {
	v, ok, err := db.GetMeta(ctx, MetaUser)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("store: get user info: %w", apperr.ErrNoAccount)
	}
	var u models.User
	if err := json.Unmarshal([]byte(v), &u); err != nil {
		return nil, apperr.Internal("store: decode user", err)
	}
	return &u, nil
}
