package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kafq/kafq/internal/dispatch"
	"github.com/kafq/kafq/internal/domain"
	"github.com/kafq/kafq/internal/registry"
)

// registerBuiltinHandlers installs the handlers this binary ships with.
// Deployments embedding the worker register their own instead.
func registerBuiltinHandlers(reg *registry.Registry) {
	mustRegister(reg, "add", addHandler)
	mustRegister(reg, "echo", echoHandler)
	mustRegister(reg, "sleep", sleepHandler)
	mustRegister(reg, "fail", failHandler)
}

func mustRegister(reg *registry.Registry, name string, fn domain.Handler) {
	if err := reg.Register(name, fn); err != nil {
		log.Fatalf("register handler %s: %v", name, err)
	}
}

func addHandler(_ context.Context, args []any, _ map[string]any) (any, error) {
	sum := 0.0
	for i, a := range args {
		n, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("add: argument %d is not a number", i)
		}
		sum += n
	}
	return sum, nil
}

func echoHandler(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	return map[string]any{"args": args, "kwargs": kwargs}, nil
}

func sleepHandler(ctx context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("sleep: missing duration argument")
	}
	secs, ok := args[0].(float64)
	if !ok {
		return nil, errors.New("sleep: duration is not a number")
	}
	select {
	case <-time.After(time.Duration(secs * float64(time.Second))):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func failHandler(_ context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) > 0 {
		if msg, ok := args[0].(string); ok {
			return nil, errors.New(msg)
		}
	}
	return nil, errors.New("fail: requested failure")
}

// policyCallback maps the configured failure policy to a callback. The
// empty policy returns nil, which keeps the default behavior: every
// outcome commits, failures and timeouts included.
func policyCallback(policy string) dispatch.Callback {
	switch policy {
	case "retry":
		return func(status domain.Status, _ domain.Job, _ any, _ error, _ string, _ int) domain.Decision {
			if status == domain.StatusSuccess {
				return domain.DecisionCommit
			}
			return domain.DecisionRetry
		}
	case "deadletter":
		return func(status domain.Status, _ domain.Job, _ any, _ error, _ string, _ int) domain.Decision {
			if status == domain.StatusSuccess {
				return domain.DecisionCommit
			}
			return domain.DecisionDeadLetter
		}
	default:
		return nil
	}
}
