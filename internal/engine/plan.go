package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowmesh/conductor/internal/planner"
	"github.com/flowmesh/conductor/internal/store"
	"github.com/flowmesh/conductor/internal/templates"
	"github.com/flowmesh/conductor/internal/tools"
)

// Result is the final state of an executed plan, reloaded from the
// store so callers always see what was actually persisted.
type Result struct {
	Plan    store.Plan     `json:"plan"`
	Actions []store.Action `json:"actions"`
}

// CreatePlan persists a plan and its actions atomically. Nothing runs
// until every row is durable; a crash between create and execute leaves
// a new plan that can be inspected or re-run later.
func (s *Service) CreatePlan(ctx context.Context, chatID, userQuery string, p planner.Plan) (*store.Plan, []store.Action, error) {
	if s == nil {
		return nil, nil, errors.New("engine not initialized")
	}

	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, nil, errors.New("invalid chat id")
	}
	if len(p.Actions) == 0 {
		return nil, nil, errors.New("plan has no actions")
	}

	planID := newPlanID()
	now := time.Now().UnixMilli()

	row := store.Plan{
		PlanID:          planID,
		ChatID:          chatID,
		UserQuery:       strings.TrimSpace(userQuery),
		Status:          store.PlanStatusNew,
		CreatedAtUnixMs: now,
		UpdatedAtUnixMs: now,
	}

	actionRows := make([]store.Action, 0, len(p.Actions))
	aliasAt := make(map[string]int, len(p.Actions))
	for i, a := range p.Actions {
		alias := strings.TrimSpace(a.ID)
		if alias != "" {
			// A duplicate alias would make every {{alias.path}} reference
			// bind to whichever action completed first.
			if prev, dup := aliasAt[alias]; dup {
				return nil, nil, fmt.Errorf("actions %d and %d share alias %q", prev+1, i+1, alias)
			}
			aliasAt[alias] = i
		}
		args := a.Arguments
		if args == nil {
			args = map[string]any{}
		}
		argsJSON, err := json.Marshal(args)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal arguments of action %d: %w", i+1, err)
		}
		actionRows = append(actionRows, store.Action{
			ActionID:           newActionID(),
			PlanID:             planID,
			OrderIndex:         i,
			ToolName:           strings.TrimSpace(a.ToolName),
			Alias:              alias,
			ArgumentsJSON:      string(argsJSON),
			Status:             store.ActionStatusPending,
			ResultVariableName: strings.TrimSpace(a.ResultVariableName),
		})
	}

	// Should not depend on the request lifetime.
	pctx, cancel := s.persistContext()
	defer cancel()
	if err := s.store.CreatePlanWithActions(pctx, row, actionRows); err != nil {
		return nil, nil, err
	}

	s.log.Info("plan created",
		"chat_id", chatID,
		"plan_id", planID,
		"actions", len(actionRows))
	return &row, actionRows, nil
}

// ExecutePlan runs a plan's actions in order. The plan must be in the
// new state; a plan another session already picked up is rejected with
// ErrPlanNotRunnable.
//
// sessionCtx gates the start of each action, not the action itself: on
// disconnect the in-flight tool call finishes and persists, then the
// remaining actions are abandoned and the plan fails with
// "connection_closed". A failed action fails the plan immediately and
// later actions stay pending.
//
// The returned error reports infrastructure trouble only. A plan that
// failed on its own terms (unresolvable template, tool error) is a
// normal outcome: (Result, nil) with Result.Plan.Status == failed.
func (s *Service) ExecutePlan(sessionCtx context.Context, planID string, emit EmitFunc) (*Result, error) {
	if s == nil {
		return nil, errors.New("engine not initialized")
	}
	if sessionCtx == nil {
		sessionCtx = context.Background()
	}
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return nil, errors.New("invalid plan id")
	}

	loadCtx, cancelLoad := s.persistContext()
	plan, err := s.store.GetPlan(loadCtx, planID)
	if err == nil && plan != nil {
		err = s.store.UpdatePlanStatus(loadCtx, planID, store.PlanStatusInProgress, "")
	}
	cancelLoad()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPlanNotRunnable
		}
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}

	run := &planRun{svc: s, plan: plan, emit: emit}
	run.notify(planEvent(plan.ChatID, planID, store.PlanStatusInProgress, ""))

	listCtx, cancelList := s.persistContext()
	actions, err := s.store.ListActionsByPlan(listCtx, planID)
	cancelList()
	if err != nil {
		return nil, s.failPlanInfra(run, err)
	}

	for i := range actions {
		a := &actions[i]

		if sessionCtx.Err() != nil {
			s.log.Info("session gone; abandoning remaining actions",
				"plan_id", planID,
				"next_action", a.ActionID)
			run.failPlan("connection_closed")
			return s.loadResult(planID)
		}

		if done, err := s.runAction(run, a); err != nil {
			return nil, err
		} else if !done {
			return s.loadResult(planID)
		}
	}

	pctx, cancel := s.persistContext()
	err = s.store.UpdatePlanStatus(pctx, planID, store.PlanStatusCompleted, "")
	cancel()
	if err != nil {
		return nil, s.failPlanInfra(run, err)
	}
	run.notify(planEvent(plan.ChatID, planID, store.PlanStatusCompleted, ""))

	s.log.Info("plan completed",
		"chat_id", plan.ChatID,
		"plan_id", planID,
		"actions", len(actions))
	return s.loadResult(planID)
}

// runAction drives a single action through starting, in_progress and a
// terminal state. It returns done=false when the action failed and the
// plan was failed with it; an error means a database write was lost and
// execution cannot continue truthfully.
func (s *Service) runAction(run *planRun, a *store.Action) (done bool, err error) {
	plan := run.plan

	pctx, cancel := s.persistContext()
	err = s.store.MarkActionStarting(pctx, a.ActionID)
	cancel()
	if err != nil {
		return false, s.failPlanInfra(run, err)
	}
	run.notify(actionEvent(plan.ChatID, plan.PlanID, a, store.ActionStatusStarting, ""))

	var args map[string]any
	if raw := strings.TrimSpace(a.ArgumentsJSON); raw != "" {
		if uerr := json.Unmarshal([]byte(raw), &args); uerr != nil {
			return false, run.failAction(a, fmt.Sprintf("invalid arguments: %v", uerr))
		}
	}

	resolver := &templates.Resolver{
		Actions: &runActionSource{run: run},
		Memory:  &chatMemorySource{svc: s, chatID: plan.ChatID},
	}
	rctx, cancelResolve := s.persistContext()
	resolved, rerr := resolver.ResolveArguments(rctx, args)
	cancelResolve()
	if rerr != nil {
		var resErr *templates.ResolutionError
		if errors.As(rerr, &resErr) {
			return false, run.failAction(a, resErr.Error())
		}
		return false, s.failPlanInfra(run, rerr)
	}

	resolvedJSON, merr := json.Marshal(resolved)
	if merr != nil {
		return false, run.failAction(a, fmt.Sprintf("resolved arguments not serializable: %v", merr))
	}

	pctx, cancel = s.persistContext()
	err = s.store.SetActionResolvedArguments(pctx, a.ActionID, string(resolvedJSON))
	if err == nil {
		err = s.store.MarkActionInProgress(pctx, a.ActionID)
	}
	cancel()
	if err != nil {
		return false, s.failPlanInfra(run, err)
	}
	run.notify(actionEvent(plan.ChatID, plan.PlanID, a, store.ActionStatusInProgress, ""))

	raw, ierr := s.invokeWithRetry(a.ToolName, resolved)
	if ierr != nil {
		return false, run.failAction(a, ierr.Error())
	}

	resultJSON := string(bytes.TrimSpace(raw))
	if resultJSON == "" {
		resultJSON = "null"
	}

	pctx, cancel = s.persistContext()
	err = s.store.MarkActionCompleted(pctx, a.ActionID, resultJSON)
	cancel()
	if err != nil {
		return false, s.failPlanInfra(run, err)
	}

	if a.ResultVariableName != "" {
		entry := store.MemoryEntry{
			ChatID:         plan.ChatID,
			Key:            a.ResultVariableName,
			ValueJSON:      resultJSON,
			Tags:           DeriveTags(a.ToolName, a.ResultVariableName, resultJSON),
			SourceTool:     a.ToolName,
			SourceActionID: a.ActionID,
		}
		mctx, cancelMem := s.persistContext()
		_, err = s.store.PutMemoryEntry(mctx, entry)
		cancelMem()
		if err != nil {
			return false, s.failPlanInfra(run, err)
		}
	}

	run.notify(actionEvent(plan.ChatID, plan.PlanID, a, store.ActionStatusCompleted, ""))

	a.Status = store.ActionStatusCompleted
	a.ResultJSON = resultJSON
	a.ResolvedArgumentsJSON = string(resolvedJSON)
	run.completed = append(run.completed, *a)
	return true, nil
}

// invokeWithRetry calls the tool, retrying transport-level failures
// with geometric backoff. Failures the tool itself reported are final
// on the first attempt. The call runs on a detached context so that a
// dying session never truncates an in-flight invocation.
func (s *Service) invokeWithRetry(toolName string, args map[string]any) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(s.retry.delay(attempt - 1))
		}

		raw, err := s.invoker.Invoke(context.Background(), toolName, args, s.invokeTimeout)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		var toolErr *tools.Error
		if !errors.As(err, &toolErr) || !toolErr.Retryable {
			return nil, err
		}
		s.log.Warn("tool call failed",
			"tool", toolName,
			"attempt", attempt+1,
			"error", err)
	}
	return nil, lastErr
}

// failPlanInfra records a database failure against the plan on a best
// effort basis and hands the original error back to the caller.
func (s *Service) failPlanInfra(run *planRun, cause error) error {
	s.log.Error("persistence failure; aborting plan",
		"plan_id", run.plan.PlanID,
		"error", cause)
	run.failPlan("persistence failure: " + cause.Error())
	return cause
}

func (s *Service) loadResult(planID string) (*Result, error) {
	pctx, cancel := s.persistContext()
	defer cancel()
	return s.PlanDetails(pctx, planID)
}

// planRun is the mutable state of one ExecutePlan call: the completed
// actions seen so far (the resolver's first lookup tier) and the event
// sink.
type planRun struct {
	svc       *Service
	plan      *store.Plan
	completed []store.Action
	emit      EmitFunc
}

func (r *planRun) notify(ev Event) {
	if r.emit != nil {
		r.emit(ev)
	}
}

// failAction marks the action failed, fails the plan with a message
// naming the action, and emits both transitions. The nil return lets
// callers surface "plan failed" as an outcome rather than an error.
func (r *planRun) failAction(a *store.Action, msg string) error {
	pctx, cancel := r.svc.persistContext()
	if err := r.svc.store.MarkActionFailed(pctx, a.ActionID, msg); err != nil {
		r.svc.log.Warn("mark action failed", "action_id", a.ActionID, "error", err)
	}
	cancel()
	r.notify(actionEvent(r.plan.ChatID, r.plan.PlanID, a, store.ActionStatusFailed, msg))

	r.svc.log.Warn("action failed",
		"plan_id", r.plan.PlanID,
		"action_id", a.ActionID,
		"tool", a.ToolName,
		"error", msg)
	r.failPlan(fmt.Sprintf("action %d (%s) failed: %s", a.OrderIndex+1, a.ToolName, msg))
	return nil
}

func (r *planRun) failPlan(reason string) {
	pctx, cancel := r.svc.persistContext()
	if err := r.svc.store.UpdatePlanStatus(pctx, r.plan.PlanID, store.PlanStatusFailed, reason); err != nil {
		r.svc.log.Warn("mark plan failed", "plan_id", r.plan.PlanID, "error", err)
	}
	cancel()
	r.notify(planEvent(r.plan.ChatID, r.plan.PlanID, store.PlanStatusFailed, reason))
}
