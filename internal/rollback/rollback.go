// Package rollback keeps an ordered list of compensating actions and runs them in
// reverse order when an installation fails.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Compensation reverses one side effect.
type Compensation func(ctx context.Context) error

// Action is a registered compensation.
type Action struct {
	Name        string
	Description string
	Compensate  Compensation
	CreatedAt   time.Time
}

// Outcome records how one action fared during Unwind.
type Outcome struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Stack is used for a single installation attempt and is not reusable.
type Stack struct {
	mu       sync.Mutex
	actions  []Action
	disabled bool
	unwound  bool
	logger   *slog.Logger
}

// New creates an empty stack.
func New(logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{logger: logger.With(slog.String("component", "rollback"))}
}

// Register pushes a compensation. It is a no-op after Disable or Unwind.
func (s *Stack) Register(name string, fn Compensation, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disabled || s.unwound {
		return
	}
	s.actions = append(s.actions, Action{
		Name:        name,
		Description: description,
		Compensate:  fn,
		CreatedAt:   time.Now(),
	})
}

// RegisterFunc registers a synchronous compensation that takes no context.
func (s *Stack) RegisterFunc(name string, fn func() error, description string) {
	s.Register(name, func(context.Context) error { return fn() }, description)
}

// Disable turns the stack off after a successful installation.
func (s *Stack) Disable() {
	s.mu.Lock()
	s.disabled = true
	s.mu.Unlock()
}

// Len returns the number of registered actions.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

// Names returns the registered action names in registration order.
func (s *Stack) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.actions))
	for i, a := range s.actions {
		names[i] = a.Name
	}
	return names
}

// Unwind runs every registered action exactly once, newest first. A failing or
// panicking compensation is logged and the unwind continues. It returns true only
// when every compensation succeeded. A disabled or already unwound stack does nothing.
func (s *Stack) Unwind(ctx context.Context) (bool, []Outcome) {
	s.mu.Lock()
	if s.disabled || s.unwound {
		s.mu.Unlock()
		return true, nil
	}
	s.unwound = true
	actions := s.actions
	s.actions = nil
	s.mu.Unlock()

	if len(actions) == 0 {
		return true, nil
	}

	s.logger.InfoContext(ctx, "Rolling back installation", slog.Int("actions", len(actions)))

	ok := true
	outcomes := make([]Outcome, 0, len(actions))
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		start := time.Now()
		err := run(ctx, a)
		outcomes = append(outcomes, Outcome{Name: a.Name, Err: err, Duration: time.Since(start)})

		if err != nil {
			ok = false
			s.logger.WarnContext(ctx, "Compensation failed, continuing rollback",
				slog.String("action", a.Name),
				slog.String("description", a.Description),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.DebugContext(ctx, "Compensation completed", slog.String("action", a.Name))
	}
	return ok, outcomes
}

func run(ctx context.Context, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation %s panicked: %v", a.Name, r)
		}
	}()
	if a.Compensate == nil {
		return nil
	}
	return a.Compensate(ctx)
}
