package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MemoryEntry is a chat-scoped tool result kept for later plans.
// Entries are immutable once written except for the access metadata;
// a new Put with the same key overwrites the previous value.
type MemoryEntry struct {
	EntryID        string   `json:"entry_id"`
	ChatID         string   `json:"chat_id"`
	Key            string   `json:"key"`
	ValueJSON      string   `json:"value_json"`
	Tags           []string `json:"tags,omitempty"`
	SourceTool     string   `json:"source_tool,omitempty"`
	SourceActionID string   `json:"source_action_id,omitempty"`

	CreatedAtUnixMs      int64 `json:"created_at_unix_ms"`
	LastAccessedAtUnixMs int64 `json:"last_accessed_at_unix_ms,omitempty"`
	AccessCount          int64 `json:"access_count"`
}

// MemoryQuery selects entries of one chat. Zero-value fields are ignored;
// set fields are ANDed together.
type MemoryQuery struct {
	Tool       string
	Tag        string
	KeyPattern string
	Limit      int
}

// PutMemoryEntry writes an entry, overwriting any previous entry with the
// same key in the same chat. It returns the entry id.
func (s *Store) PutMemoryEntry(ctx context.Context, e MemoryEntry) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e.EntryID = strings.TrimSpace(e.EntryID)
	e.ChatID = strings.TrimSpace(e.ChatID)
	e.Key = strings.TrimSpace(e.Key)
	e.ValueJSON = strings.TrimSpace(e.ValueJSON)
	e.SourceTool = strings.TrimSpace(e.SourceTool)
	e.SourceActionID = strings.TrimSpace(e.SourceActionID)
	if e.ChatID == "" || e.Key == "" {
		return "", errors.New("invalid memory entry")
	}
	if e.EntryID == "" {
		e.EntryID = uuid.New().String()
	}
	if e.ValueJSON == "" {
		e.ValueJSON = "null"
	}
	if e.CreatedAtUnixMs <= 0 {
		e.CreatedAtUnixMs = time.Now().UnixMilli()
	}

	tagsJSON, err := encodeTags(e.Tags)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO memory_entries(
  entry_id, chat_id, key, value_json, tags_json,
  source_tool, source_action_id,
  created_at_unix_ms, last_accessed_at_unix_ms, access_count
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
ON CONFLICT(chat_id, key) DO UPDATE SET
  value_json = excluded.value_json,
  tags_json = excluded.tags_json,
  source_tool = excluded.source_tool,
  source_action_id = excluded.source_action_id,
  created_at_unix_ms = excluded.created_at_unix_ms,
  last_accessed_at_unix_ms = 0,
  access_count = 0
`,
		e.EntryID,
		e.ChatID,
		e.Key,
		e.ValueJSON,
		tagsJSON,
		e.SourceTool,
		e.SourceActionID,
		e.CreatedAtUnixMs,
	)
	if err != nil {
		return "", err
	}

	// The upsert keeps the original entry id on overwrite.
	var id string
	if err := s.db.QueryRowContext(ctx, `
SELECT entry_id FROM memory_entries WHERE chat_id = ? AND key = ?
`, e.ChatID, e.Key).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

// GetMemoryByKey returns the entry stored under key, or (nil, nil) when the
// chat has no such entry. A hit bumps access_count and last_accessed_at.
func (s *Store) GetMemoryByKey(ctx context.Context, chatID string, key string) (*MemoryEntry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	chatID = strings.TrimSpace(chatID)
	key = strings.TrimSpace(key)
	if chatID == "" || key == "" {
		return nil, errors.New("invalid request")
	}

	e, err := s.scanMemoryRow(s.db.QueryRowContext(ctx, `
SELECT
  entry_id, chat_id, key, value_json, tags_json,
  source_tool, source_action_id,
  created_at_unix_ms, last_accessed_at_unix_ms, access_count
FROM memory_entries
WHERE chat_id = ? AND key = ?
`, chatID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	s.touchMemoryAccess(ctx, e.EntryID)
	e.AccessCount++
	e.LastAccessedAtUnixMs = time.Now().UnixMilli()
	return e, nil
}

// SearchMemory returns matching entries, most recent first. Hits bump the
// access metadata (diagnostics only, failures are ignored).
func (s *Store) SearchMemory(ctx context.Context, chatID string, q MemoryQuery) ([]MemoryEntry, error) {
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

	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	where := []string{"chat_id = ?"}
	args := []any{chatID}
	if tool := strings.TrimSpace(q.Tool); tool != "" {
		where = append(where, "source_tool = ?")
		args = append(args, tool)
	}
	if tag := normalizeTag(q.Tag); tag != "" {
		// tags_json is a canonical JSON array of lowercase strings, so an
		// exact quoted token match is a tag match.
		where = append(where, "tags_json LIKE ?")
		args = append(args, `%"`+tag+`"%`)
	}
	if pat := strings.TrimSpace(q.KeyPattern); pat != "" {
		where = append(where, "key LIKE ?")
		args = append(args, "%"+pat+"%")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
SELECT
  entry_id, chat_id, key, value_json, tags_json,
  source_tool, source_action_id,
  created_at_unix_ms, last_accessed_at_unix_ms, access_count
FROM memory_entries
WHERE `+strings.Join(where, " AND ")+`
ORDER BY created_at_unix_ms DESC, entry_id DESC
LIMIT ?
`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemoryEntry
	for rows.Next() {
		e, err := s.scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		s.touchMemoryAccess(ctx, out[i].EntryID)
		out[i].AccessCount++
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanMemoryRow(r rowScanner) (*MemoryEntry, error) {
	var e MemoryEntry
	var tagsJSON string
	if err := r.Scan(
		&e.EntryID,
		&e.ChatID,
		&e.Key,
		&e.ValueJSON,
		&tagsJSON,
		&e.SourceTool,
		&e.SourceActionID,
		&e.CreatedAtUnixMs,
		&e.LastAccessedAtUnixMs,
		&e.AccessCount,
	); err != nil {
		return nil, err
	}
	if tagsJSON != "" && tagsJSON != "[]" {
		if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (s *Store) touchMemoryAccess(ctx context.Context, entryID string) {
	if s == nil || s.db == nil || strings.TrimSpace(entryID) == "" {
		return
	}
	_, _ = s.db.ExecContext(ctx, `
UPDATE memory_entries
SET access_count = access_count + 1, last_accessed_at_unix_ms = ?
WHERE entry_id = ?
`, time.Now().UnixMilli(), entryID)
}

// encodeTags canonicalizes tags (lowercase, trimmed, deduplicated, sorted)
// and encodes them as a JSON array.
func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	seen := make(map[string]bool, len(tags))
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		t = normalizeTag(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		clean = append(clean, t)
	}
	sort.Strings(clean)
	b, err := json.Marshal(clean)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
