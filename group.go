package hoist

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/hoist-sh/hoist/run"
)

// A Group runs the same operations across several connections.
type Group []*Connection

// NewGroup builds connections to all hosts with shared options.
func NewGroup(hosts []string, opts ...Option) (Group, error) {
	g := make(Group, 0, len(hosts))
	for _, host := range hosts {
		conn, err := New(host, opts...)
		if err != nil {
			return nil, fmt.Errorf("building connection for %s: %w", host, err)
		}
		g = append(g, conn)
	}
	return g, nil
}

// GroupResult pairs one connection with its outcome. Result is nil when Err
// carries it inside a typed error or when no command ran at all.
type GroupResult struct {
	Conn   *Connection
	Result *run.Result
	Err    error
}

// GroupError reports the failed subset of a group operation. The full
// per-connection outcomes ride along, successes included.
type GroupError struct {
	Results []GroupResult
	Failed  int
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("%d of %d hosts failed", e.Failed, len(e.Results))
}

// Unwrap exposes every per-connection error, so errors.Is and errors.As see
// through the group.
func (e *GroupError) Unwrap() []error {
	errs := make([]error, 0, e.Failed)
	for _, r := range e.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

// Run executes the command on every connection one after the other. All
// connections are attempted even after failures; a non-nil error is always a
// *GroupError carrying the complete results.
func (g Group) Run(ctx context.Context, command string, opts ...run.Option) ([]GroupResult, error) {
	results := make([]GroupResult, len(g))
	for i, conn := range g {
		res, err := conn.Run(ctx, command, opts...)
		results[i] = GroupResult{Conn: conn, Result: res, Err: err}
	}
	return results, groupErr(results)
}

// RunConcurrent executes the command on all connections at once.
func (g Group) RunConcurrent(ctx context.Context, command string, opts ...run.Option) ([]GroupResult, error) {
	return g.runConcurrent(ctx, len(g), command, opts)
}

// RunConcurrentLimit executes the command on all connections with at most
// limit in flight.
func (g Group) RunConcurrentLimit(ctx context.Context, limit int, command string, opts ...run.Option) ([]GroupResult, error) {
	return g.runConcurrent(ctx, limit, command, opts)
}

func (g Group) runConcurrent(ctx context.Context, limit int, command string, opts []run.Option) ([]GroupResult, error) {
	results := make([]GroupResult, len(g))
	var eg errgroup.Group
	if limit > 0 {
		eg.SetLimit(limit)
	}
	for i, conn := range g {
		i, conn := i, conn
		eg.Go(func() error {
			res, err := conn.Run(ctx, command, opts...)
			results[i] = GroupResult{Conn: conn, Result: res, Err: err}
			// failures surface through the collected results, not by
			// aborting the group
			return nil
		})
	}
	eg.Wait()
	return results, groupErr(results)
}

// Close closes every connection and reports the first error.
func (g Group) Close() error {
	var first error
	for _, conn := range g {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func groupErr(results []GroupResult) error {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return &GroupError{Results: results, Failed: failed}
}
