// Package localstore persists the chat client's local state (active session,
// per-session preferences, outbox snapshot) in a single sqlite file. Reads
// are defensive: malformed rows yield empty defaults so a damaged store never
// blocks startup.
package localstore

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/chatclient"
)

type Store struct {
	db *sql.DB
}

var _ chatclient.Store = &Store{}

const activeSessionKey = "active_session"

func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("localstore: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_prefs (
			session_key TEXT PRIMARY KEY,
			alias TEXT NOT NULL DEFAULT '',
			pinned INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS outbox (
			position INTEGER NOT NULL,
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			message TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at_ms INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "localstore: migrate")
		}
	}
	return nil
}

func (s *Store) ActiveSession() string {
	if s == nil || s.db == nil {
		return ""
	}
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, activeSessionKey).Scan(&value)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Str("component", "localstore").Msg("failed to read active session, using default")
		}
		return ""
	}
	return strings.TrimSpace(value)
}

func (s *Store) SetActiveSession(sessionKey string) error {
	if s == nil || s.db == nil {
		return errors.New("localstore: store is not open")
	}
	_, err := s.db.Exec(
		`INSERT INTO kv(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		activeSessionKey, sessionKey,
	)
	return errors.Wrap(err, "localstore: set active session")
}

func (s *Store) Prefs(sessionKey string) chatclient.SessionPrefs {
	if s == nil || s.db == nil || sessionKey == "" {
		return chatclient.SessionPrefs{}
	}
	var alias string
	var pinned int
	err := s.db.QueryRow(
		`SELECT alias, pinned FROM session_prefs WHERE session_key = ?`, sessionKey,
	).Scan(&alias, &pinned)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Str("component", "localstore").Str("session_key", sessionKey).Msg("failed to read session prefs")
		}
		return chatclient.SessionPrefs{}
	}
	return chatclient.SessionPrefs{Alias: alias, Pinned: pinned != 0}
}

func (s *Store) SetPrefs(sessionKey string, prefs chatclient.SessionPrefs) error {
	if s == nil || s.db == nil {
		return errors.New("localstore: store is not open")
	}
	pinned := 0
	if prefs.Pinned {
		pinned = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO session_prefs(session_key, alias, pinned) VALUES(?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET alias = excluded.alias, pinned = excluded.pinned`,
		sessionKey, prefs.Alias, pinned,
	)
	return errors.Wrap(err, "localstore: set session prefs")
}

func (s *Store) LoadOutbox() []chatclient.OutboxItem {
	if s == nil || s.db == nil {
		return nil
	}
	rows, err := s.db.Query(
		`SELECT id, session_key, message, turn_id, idempotency_key,
		        created_at_ms, retry_count, next_retry_at_ms, last_error
		 FROM outbox ORDER BY position ASC`,
	)
	if err != nil {
		log.Warn().Err(err).Str("component", "localstore").Msg("failed to load outbox snapshot, starting empty")
		return nil
	}
	defer func() { _ = rows.Close() }()

	var out []chatclient.OutboxItem
	for rows.Next() {
		var item chatclient.OutboxItem
		var createdMs, nextRetryMs int64
		if err := rows.Scan(
			&item.ID, &item.SessionKey, &item.Message, &item.TurnID, &item.IdempotencyKey,
			&createdMs, &item.RetryCount, &nextRetryMs, &item.LastError,
		); err != nil {
			log.Warn().Err(err).Str("component", "localstore").Msg("skipping malformed outbox row")
			continue
		}
		if item.ID == "" || item.TurnID == "" || item.SessionKey == "" {
			continue
		}
		item.CreatedAt = time.UnixMilli(createdMs)
		if nextRetryMs > 0 {
			item.NextRetryAt = time.UnixMilli(nextRetryMs)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		log.Warn().Err(err).Str("component", "localstore").Msg("outbox snapshot read ended early")
	}
	return out
}

func (s *Store) SaveOutbox(items []chatclient.OutboxItem) error {
	if s == nil || s.db == nil {
		return errors.New("localstore: store is not open")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "localstore: begin outbox save")
	}
	if _, err := tx.Exec(`DELETE FROM outbox`); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "localstore: clear outbox")
	}
	for i, item := range items {
		nextRetryMs := int64(0)
		if !item.NextRetryAt.IsZero() {
			nextRetryMs = item.NextRetryAt.UnixMilli()
		}
		if _, err := tx.Exec(
			`INSERT INTO outbox(position, id, session_key, message, turn_id, idempotency_key,
			                    created_at_ms, retry_count, next_retry_at_ms, last_error)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			i, item.ID, item.SessionKey, item.Message, item.TurnID, item.IdempotencyKey,
			item.CreatedAt.UnixMilli(), item.RetryCount, nextRetryMs, item.LastError,
		); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "localstore: insert outbox item")
		}
	}
	return errors.Wrap(tx.Commit(), "localstore: commit outbox save")
}
