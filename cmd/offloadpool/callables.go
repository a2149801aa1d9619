// ============================================================================
// offloadpool demo callables
// ============================================================================
//
// register is the single source of truth for what this binary's workers can
// run. It is called identically from main()'s Cobra-command branch (so the
// main process can validate Submit calls against a known callable table) and
// from its worker branch (so each re-exec'd worker independently rebuilds
// the same table — closures cannot cross a pipe, so both branches must run
// this exact function rather than one side shipping state to the other).
//
// Grounded on the teacher's cmd/demo/main.go, which registers its handful of
// demo job types inline in main() before starting the controller; this
// splits that into its own file since offloadpool's callables also need to
// be reachable from the worker's re-exec branch.
//
// ============================================================================

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/briarworks/offloadpool/internal/registry"
)

func register(reg *registry.Registry) {
	reg.Callables.RegisterSingle("echo", echo)
	reg.Callables.RegisterSingle("sum", sum)
	reg.Callables.RegisterStreaming("countdown", countdown)

	_ = reg.AddInitFunc(func(args []any) error {
		return nil
	})
}

// echo returns its single argument unchanged.
func echo(ctx context.Context, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("echo: want 1 argument, got %d", len(args))
	}
	return args[0], nil
}

// sum adds a slice of float64 arguments.
func sum(ctx context.Context, args []any) (any, error) {
	var total float64
	for _, a := range args {
		v, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("sum: argument %v is not a number", a)
		}
		total += v
	}
	return total, nil
}

// countdown emits n, n-1, ..., 1, checking for cooperative cancellation
// between ticks the way spec.md §4.3's long-running-callable example
// requires: a callable polls cancellation itself rather than being
// preempted.
func countdown(ctx context.Context, args []any, emit registry.Emit) error {
	if len(args) != 1 {
		return fmt.Errorf("countdown: want 1 argument, got %d", len(args))
	}
	n, ok := args[0].(float64)
	if !ok {
		return fmt.Errorf("countdown: argument must be a number")
	}
	for i := int(n); i > 0; i-- {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		if err := emit(float64(i)); err != nil {
			return err
		}
	}
	return nil
}
