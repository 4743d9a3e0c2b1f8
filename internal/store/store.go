package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the local SQLite-backed persistence layer for chats, plans,
// actions and memory entries.
//
// Notes:
// - The database is the single source of truth: every plan/action transition
//   is written here before the engine acts on it.
// - WAL is enabled so sessions can read plan state while another session writes.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Plan statuses. Monotonic: new -> in_progress -> completed|failed.
const (
	PlanStatusNew        = "new"
	PlanStatusInProgress = "in_progress"
	PlanStatusCompleted  = "completed"
	PlanStatusFailed     = "failed"
)

// Action statuses. Terminal states are completed and failed.
const (
	ActionStatusPending    = "pending"
	ActionStatusStarting   = "starting"
	ActionStatusInProgress = "in_progress"
	ActionStatusCompleted  = "completed"
	ActionStatusFailed     = "failed"
)

type Chat struct {
	ChatID          string `json:"chat_id"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

func (s *Store) CreateChat(ctx context.Context, c Chat) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.ChatID = strings.TrimSpace(c.ChatID)
	if c.ChatID == "" {
		return errors.New("invalid chat")
	}
	if c.CreatedAtUnixMs <= 0 {
		c.CreatedAtUnixMs = time.Now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO chats(chat_id, created_at_unix_ms) VALUES(?, ?)
`, c.ChatID, c.CreatedAtUnixMs)
	return err
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, errors.New("invalid request")
	}

	var c Chat
	err := s.db.QueryRowContext(ctx, `
SELECT chat_id, created_at_unix_ms FROM chats WHERE chat_id = ?
`, chatID).Scan(&c.ChatID, &c.CreatedAtUnixMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 2

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var chatsExists int
	if err := tx.QueryRow(`
SELECT COUNT(1)
FROM sqlite_master
WHERE type = 'table' AND name = 'chats'
`).Scan(&chatsExists); err != nil {
		return err
	}
	if chatsExists == 0 {
		if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS chats (
  chat_id TEXT PRIMARY KEY,
  created_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
			return err
		}
	}

	var plansExists int
	if err := tx.QueryRow(`
SELECT COUNT(1)
FROM sqlite_master
WHERE type = 'table' AND name = 'plans'
`).Scan(&plansExists); err != nil {
		return err
	}
	if plansExists == 0 {
		if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS plans (
  plan_id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL,
  user_query TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'new',
  error TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plans_chat_created ON plans(chat_id, created_at_unix_ms DESC, plan_id DESC);
`); err != nil {
			return err
		}
	}

	var actionsExists int
	if err := tx.QueryRow(`
SELECT COUNT(1)
FROM sqlite_master
WHERE type = 'table' AND name = 'actions'
`).Scan(&actionsExists); err != nil {
		return err
	}
	if actionsExists == 0 {
		if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS actions (
  action_id TEXT PRIMARY KEY,
  plan_id TEXT NOT NULL,
  order_index INTEGER NOT NULL,
  tool_name TEXT NOT NULL,
  alias TEXT NOT NULL DEFAULT '',
  arguments_json TEXT NOT NULL DEFAULT '{}',
  resolved_arguments_json TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'pending',
  result_json TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  result_variable_name TEXT NOT NULL DEFAULT '',
  started_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  completed_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  UNIQUE(plan_id, order_index)
);
CREATE INDEX IF NOT EXISTS idx_actions_plan_order ON actions(plan_id, order_index ASC);
`); err != nil {
			return err
		}
	}

	// v1 -> v2: plans.error and actions.alias.
	if has, err := columnExists(tx, "plans", "error"); err != nil {
		return err
	} else if !has {
		if _, err := tx.Exec(`ALTER TABLE plans ADD COLUMN error TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}
	if has, err := columnExists(tx, "actions", "alias"); err != nil {
		return err
	} else if !has {
		if _, err := tx.Exec(`ALTER TABLE actions ADD COLUMN alias TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}

	var memExists int
	if err := tx.QueryRow(`
SELECT COUNT(1)
FROM sqlite_master
WHERE type = 'table' AND name = 'memory_entries'
`).Scan(&memExists); err != nil {
		return err
	}
	if memExists == 0 {
		if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS memory_entries (
  entry_id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL,
  key TEXT NOT NULL,
  value_json TEXT NOT NULL DEFAULT 'null',
  tags_json TEXT NOT NULL DEFAULT '[]',
  source_tool TEXT NOT NULL DEFAULT '',
  source_action_id TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  last_accessed_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  access_count INTEGER NOT NULL DEFAULT 0,
  UNIQUE(chat_id, key)
);
CREATE INDEX IF NOT EXISTS idx_memory_chat_created ON memory_entries(chat_id, created_at_unix_ms DESC, entry_id DESC);
`); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func columnExists(tx *sql.Tx, tableName string, colName string) (bool, error) {
	tableName = strings.TrimSpace(tableName)
	colName = strings.TrimSpace(colName)
	if tableName == "" || colName == "" {
		return false, errors.New("invalid table/column")
	}

	rows, err := tx.Query(`PRAGMA table_info(` + tableName + `)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notNull int
		var defaultValue sql.NullString
		var primaryKey int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultValue, &primaryKey); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), colName) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
