package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const maxErrorTextRunes = 600

type Plan struct {
	PlanID    string `json:"plan_id"`
	ChatID    string `json:"chat_id"`
	UserQuery string `json:"user_query"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

type Action struct {
	ActionID   string `json:"action_id"`
	PlanID     string `json:"plan_id"`
	OrderIndex int    `json:"order_index"`
	ToolName   string `json:"tool_name"`

	// Alias is the planner's symbolic id for this action, if it supplied one.
	// Template references resolve through it before any heuristic kicks in.
	Alias string `json:"alias,omitempty"`

	ArgumentsJSON         string `json:"arguments_json"`
	ResolvedArgumentsJSON string `json:"resolved_arguments_json,omitempty"`

	Status     string `json:"status"`
	ResultJSON string `json:"result_json,omitempty"`
	Error      string `json:"error,omitempty"`

	ResultVariableName string `json:"result_variable_name,omitempty"`

	StartedAtUnixMs   int64 `json:"started_at_unix_ms,omitempty"`
	CompletedAtUnixMs int64 `json:"completed_at_unix_ms,omitempty"`
}

// CreatePlanWithActions persists a plan and all of its actions in one
// transaction. The plan is stored with status new and every action with
// status pending; nothing is executed until all rows are durable.
func (s *Store) CreatePlanWithActions(ctx context.Context, p Plan, actions []Action) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.PlanID = strings.TrimSpace(p.PlanID)
	p.ChatID = strings.TrimSpace(p.ChatID)
	p.UserQuery = strings.TrimSpace(p.UserQuery)
	if p.PlanID == "" || p.ChatID == "" {
		return errors.New("invalid plan")
	}
	if len(actions) == 0 {
		return errors.New("plan has no actions")
	}

	now := time.Now().UnixMilli()
	if p.CreatedAtUnixMs <= 0 {
		p.CreatedAtUnixMs = now
	}
	if p.UpdatedAtUnixMs <= 0 {
		p.UpdatedAtUnixMs = p.CreatedAtUnixMs
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure the owning chat exists.
	var one int
	if err := tx.QueryRowContext(ctx, `
SELECT 1 FROM chats WHERE chat_id = ?
`, p.ChatID).Scan(&one); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO plans(
  plan_id, chat_id, user_query, status, error,
  created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?)
`,
		p.PlanID,
		p.ChatID,
		p.UserQuery,
		PlanStatusNew,
		"",
		p.CreatedAtUnixMs,
		p.UpdatedAtUnixMs,
	); err != nil {
		return err
	}

	for i := range actions {
		a := actions[i]
		a.ActionID = strings.TrimSpace(a.ActionID)
		a.ToolName = strings.TrimSpace(a.ToolName)
		a.Alias = strings.TrimSpace(a.Alias)
		a.ArgumentsJSON = strings.TrimSpace(a.ArgumentsJSON)
		a.ResultVariableName = strings.TrimSpace(a.ResultVariableName)
		if a.ActionID == "" || a.ToolName == "" {
			return errors.New("invalid action")
		}
		if a.ArgumentsJSON == "" {
			a.ArgumentsJSON = "{}"
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO actions(
  action_id, plan_id, order_index, tool_name, alias,
  arguments_json, resolved_arguments_json, status,
  result_json, error, result_variable_name,
  started_at_unix_ms, completed_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, '', ?, '', '', ?, 0, 0)
`,
			a.ActionID,
			p.PlanID,
			a.OrderIndex,
			a.ToolName,
			a.Alias,
			a.ArgumentsJSON,
			ActionStatusPending,
			a.ResultVariableName,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return nil, errors.New("invalid request")
	}

	var p Plan
	err := s.db.QueryRowContext(ctx, `
SELECT plan_id, chat_id, user_query, status, error, created_at_unix_ms, updated_at_unix_ms
FROM plans
WHERE plan_id = ?
`, planID).Scan(
		&p.PlanID,
		&p.ChatID,
		&p.UserQuery,
		&p.Status,
		&p.Error,
		&p.CreatedAtUnixMs,
		&p.UpdatedAtUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// ListRecentPlans returns the latest plans of a chat in ascending creation
// order (oldest of the window first).
func (s *Store) ListRecentPlans(ctx context.Context, chatID string, limit int) ([]Plan, error) {
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
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT plan_id, chat_id, user_query, status, error, created_at_unix_ms, updated_at_unix_ms
FROM plans
WHERE chat_id = ?
ORDER BY created_at_unix_ms DESC, plan_id DESC
LIMIT ?
`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		var p Plan
		if err := rows.Scan(
			&p.PlanID,
			&p.ChatID,
			&p.UserQuery,
			&p.Status,
			&p.Error,
			&p.CreatedAtUnixMs,
			&p.UpdatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into ascending order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// UpdatePlanStatus advances a plan along new -> in_progress -> completed|failed.
// Transitions out of a terminal status, or backwards, affect zero rows and
// return sql.ErrNoRows.
func (s *Store) UpdatePlanStatus(ctx context.Context, planID string, status string, errText string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return errors.New("invalid request")
	}

	var guard string
	switch status {
	case PlanStatusInProgress:
		guard = `status = 'new'`
	case PlanStatusCompleted, PlanStatusFailed:
		guard = `status = 'in_progress'`
	default:
		return errors.New("invalid plan status " + status)
	}

	errText = strings.TrimSpace(errText)
	if status != PlanStatusFailed {
		errText = ""
	}
	if len(errText) > maxErrorTextRunes {
		errText = truncateRunes(errText, maxErrorTextRunes)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE plans
SET status = ?, error = ?, updated_at_unix_ms = ?
WHERE plan_id = ? AND `+guard,
		status, errText, time.Now().UnixMilli(), planID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetAction(ctx context.Context, actionID string) (*Action, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		return nil, errors.New("invalid request")
	}

	var a Action
	err := s.db.QueryRowContext(ctx, `
SELECT
  action_id, plan_id, order_index, tool_name, alias,
  arguments_json, resolved_arguments_json, status,
  result_json, error, result_variable_name,
  started_at_unix_ms, completed_at_unix_ms
FROM actions
WHERE action_id = ?
`, actionID).Scan(
		&a.ActionID,
		&a.PlanID,
		&a.OrderIndex,
		&a.ToolName,
		&a.Alias,
		&a.ArgumentsJSON,
		&a.ResolvedArgumentsJSON,
		&a.Status,
		&a.ResultJSON,
		&a.Error,
		&a.ResultVariableName,
		&a.StartedAtUnixMs,
		&a.CompletedAtUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// ListActionsByPlan returns every action of a plan in order_index order.
func (s *Store) ListActionsByPlan(ctx context.Context, planID string) ([]Action, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return nil, errors.New("invalid request")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT
  action_id, plan_id, order_index, tool_name, alias,
  arguments_json, resolved_arguments_json, status,
  result_json, error, result_variable_name,
  started_at_unix_ms, completed_at_unix_ms
FROM actions
WHERE plan_id = ?
ORDER BY order_index ASC
`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(
			&a.ActionID,
			&a.PlanID,
			&a.OrderIndex,
			&a.ToolName,
			&a.Alias,
			&a.ArgumentsJSON,
			&a.ResolvedArgumentsJSON,
			&a.Status,
			&a.ResultJSON,
			&a.Error,
			&a.ResultVariableName,
			&a.StartedAtUnixMs,
			&a.CompletedAtUnixMs,
		); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkActionStarting moves a pending action to starting and stamps started_at.
func (s *Store) MarkActionStarting(ctx context.Context, actionID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		return errors.New("invalid request")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE actions
SET status = ?, started_at_unix_ms = ?
WHERE action_id = ? AND status = 'pending'
`, ActionStatusStarting, time.Now().UnixMilli(), actionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetActionResolvedArguments records the template-resolved arguments before
// the action is dispatched.
func (s *Store) SetActionResolvedArguments(ctx context.Context, actionID string, resolvedJSON string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	actionID = strings.TrimSpace(actionID)
	resolvedJSON = strings.TrimSpace(resolvedJSON)
	if actionID == "" {
		return errors.New("invalid request")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE actions
SET resolved_arguments_json = ?
WHERE action_id = ? AND status = 'starting'
`, resolvedJSON, actionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkActionInProgress moves a starting action to in_progress.
func (s *Store) MarkActionInProgress(ctx context.Context, actionID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		return errors.New("invalid request")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE actions
SET status = ?
WHERE action_id = ? AND status = 'starting'
`, ActionStatusInProgress, actionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkActionCompleted stores the result and stamps completed_at.
func (s *Store) MarkActionCompleted(ctx context.Context, actionID string, resultJSON string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	actionID = strings.TrimSpace(actionID)
	resultJSON = strings.TrimSpace(resultJSON)
	if actionID == "" {
		return errors.New("invalid request")
	}
	if resultJSON == "" {
		resultJSON = "null"
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE actions
SET status = ?, result_json = ?, completed_at_unix_ms = ?
WHERE action_id = ? AND status = 'in_progress'
`, ActionStatusCompleted, resultJSON, time.Now().UnixMilli(), actionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkActionFailed stores the error text and stamps completed_at. Valid from
// starting (resolution failure) and in_progress (invocation failure).
func (s *Store) MarkActionFailed(ctx context.Context, actionID string, errText string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		return errors.New("invalid request")
	}
	errText = strings.TrimSpace(errText)
	if len(errText) > maxErrorTextRunes {
		errText = truncateRunes(errText, maxErrorTextRunes)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE actions
SET status = ?, error = ?, completed_at_unix_ms = ?
WHERE action_id = ? AND status IN ('starting', 'in_progress')
`, ActionStatusFailed, errText, time.Now().UnixMilli(), actionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
