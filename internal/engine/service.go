// Package engine executes plans: ordered tool actions persisted in the
// store, with template arguments resolved against earlier results and
// chat memory. Every state transition is written to the database before
// the engine acts on it, so a crash never loses more than the in-flight
// tool call.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/flowmesh/conductor/internal/store"
)

var (
	// ErrPlanNotFound means the plan id does not exist in the store.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrPlanNotRunnable means the plan exists but is not in the new
	// state, typically because another session already picked it up.
	ErrPlanNotRunnable = errors.New("plan not runnable")
)

const (
	defaultInvokeTimeout  = 30 * time.Second
	defaultPersistTimeout = 10 * time.Second
)

// Invoker performs a single tool call. tools.Router satisfies this.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]any, timeout time.Duration) (json.RawMessage, error)
}

// RetryPolicy bounds re-invocation of retryable tool failures. Only
// transport-level errors are retried; tool-reported failures never are.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 250 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	return p
}

// delay returns the backoff before attempt n (0-based), growing
// geometrically from BaseDelay and capped at MaxDelay.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= 1.8
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

type Options struct {
	Logger  *slog.Logger
	Store   *store.Store
	Invoker Invoker

	// InvokeTimeout bounds a single tool call attempt.
	InvokeTimeout time.Duration
	// PersistTimeout bounds each database write.
	PersistTimeout time.Duration

	Retry RetryPolicy
}

// Service creates and executes plans for any number of chats. It is
// safe for concurrent use; plans of different chats share nothing but
// the store and the tool router.
type Service struct {
	log     *slog.Logger
	store   *store.Store
	invoker Invoker

	invokeTimeout  time.Duration
	persistTimeout time.Duration
	retry          RetryPolicy
}

func NewService(opts Options) (*Service, error) {
	if opts.Logger == nil {
		return nil, errors.New("missing Logger")
	}
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	if opts.Invoker == nil {
		return nil, errors.New("missing Invoker")
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = defaultInvokeTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}

	return &Service{
		log:            opts.Logger,
		store:          opts.Store,
		invoker:        opts.Invoker,
		invokeTimeout:  opts.InvokeTimeout,
		persistTimeout: opts.PersistTimeout,
		retry:          opts.Retry.withDefaults(),
	}, nil
}

// NewChatID generates a chat id.
func NewChatID() string {
	buf := make([]byte, 18)
	_, _ = rand.Read(buf)
	return "chat_" + base64.RawURLEncoding.EncodeToString(buf)
}

func newPlanID() string {
	buf := make([]byte, 18)
	_, _ = rand.Read(buf)
	return "plan_" + base64.RawURLEncoding.EncodeToString(buf)
}

func newActionID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return "act_" + base64.RawURLEncoding.EncodeToString(buf)
}

// EnsureChat returns the chat with the given id, creating it first when
// the id is blank or unknown. Clients may bring their own chat ids so a
// reconnect lands in the same history.
func (s *Service) EnsureChat(ctx context.Context, chatID string) (*store.Chat, error) {
	if s == nil {
		return nil, errors.New("engine not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		chatID = NewChatID()
	} else {
		existing, err := s.store.GetChat(ctx, chatID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	c := store.Chat{
		ChatID:          chatID,
		CreatedAtUnixMs: time.Now().UnixMilli(),
	}
	if err := s.store.CreateChat(ctx, c); err != nil {
		return nil, err
	}
	return &c, nil
}

// RecentPlans lists a chat's latest plans, newest first.
func (s *Service) RecentPlans(ctx context.Context, chatID string, limit int) ([]store.Plan, error) {
	if s == nil {
		return nil, errors.New("engine not initialized")
	}
	return s.store.ListRecentPlans(ctx, chatID, limit)
}

// PlanDetails reloads a plan with its actions.
func (s *Service) PlanDetails(ctx context.Context, planID string) (*Result, error) {
	if s == nil {
		return nil, errors.New("engine not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}
	actions, err := s.store.ListActionsByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return &Result{Plan: *plan, Actions: actions}, nil
}

// persistContext returns a context for database writes that must land
// even when the caller's context is already gone. Persistence should
// not depend on the session lifetime.
func (s *Service) persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.persistTimeout)
}
