// Package scheduler implements the Task Scheduler and Execute (spec.md
// §4.3, §4.4): it runs a lazy Task stream as a DAG against a worker pool,
// resolving placeholder arguments from an observations map and emitting one
// FunctionMessage per newly executed task.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oakmoss/llmcompiler/internal/convo"
	"github.com/oakmoss/llmcompiler/internal/resolve"
	"github.com/oakmoss/llmcompiler/internal/task"
)

// pollInterval is the parking-loop retry period (spec.md §4.3: "every 250 ms").
const pollInterval = 250 * time.Millisecond

// observations is the concurrent int→string map the scheduler writes to and
// the parking loop polls. Each key is written exactly once (spec.md §3
// invariant), so plain RWMutex striping is sufficient — no writer ever
// contends with another writer on the same key.
type observations struct {
	mu sync.RWMutex
	m  map[int]string
}

func newObservations(seed map[int]string) *observations {
	m := make(map[int]string, len(seed))
	for k, v := range seed {
		m[k] = v
	}
	return &observations{m: m}
}

func (o *observations) set(idx int, val string) {
	o.mu.Lock()
	o.m[idx] = val
	o.mu.Unlock()
}

func (o *observations) hasAll(deps []int) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, d := range deps {
		if _, ok := o.m[d]; !ok {
			return false
		}
	}
	return true
}

// snapshot returns a shallow copy safe for resolve.Value to read without
// holding the lock across the whole resolution pass.
func (o *observations) snapshot() map[int]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[int]string, len(o.m))
	for k, v := range o.m {
		out[k] = v
	}
	return out
}

func (o *observations) keys() []int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]int, 0, len(o.m))
	for k := range o.m {
		out = append(out, k)
	}
	return out
}

func seedFromHistory(messages []convo.Message) map[int]string {
	seed := make(map[int]string)
	for _, m := range messages {
		if fm, ok := m.(convo.FunctionMessage); ok {
			seed[fm.Idx] = fm.Content
		}
	}
	return seed
}

// Run consumes tasks (a lazy sequence, typically fed live by the Plan
// Parser) and returns one FunctionMessage per newly executed task, sorted by
// idx ascending (spec.md §4.3).
func Run(ctx context.Context, history []convo.Message, tasks <-chan task.Task) []convo.FunctionMessage {
	obs := newObservations(seedFromHistory(history))
	originals := make(map[int]bool)
	for _, k := range obs.keys() {
		originals[k] = true
	}

	names := make(map[int]string)
	args := make(map[int]any)
	joinIdx := make(map[int]bool)

	g, gctx := errgroup.WithContext(ctx)
	for t := range tasks {
		names[t.Idx] = t.Name()
		args[t.Idx] = t.Args
		if t.Join {
			joinIdx[t.Idx] = true
		}

		t := t
		if obs.hasAll(t.Dependencies) {
			g.Go(func() error {
				execute(gctx, t, obs)
				return nil
			})
		} else {
			g.Go(func() error {
				parkThenExecute(gctx, t, obs)
				return nil
			})
		}
	}
	_ = g.Wait()

	// The join sentinel writes its observation (so anything checking
	// dependency-satisfaction on its index would see it) but contributes no
	// emitted FunctionMessage — spec.md §4.1 "the scheduler treats it as a
	// no-op that contributes no observation" and §8 invariant 3 ("emitted
	// FunctionMessage count == parsed non-join tasks with unique indices").
	var newKeys []int
	for _, k := range obs.keys() {
		if !originals[k] && !joinIdx[k] {
			newKeys = append(newKeys, k)
		}
	}
	sort.Ints(newKeys)

	out := make([]convo.FunctionMessage, 0, len(newKeys))
	snap := obs.snapshot()
	for _, k := range newKeys {
		out = append(out, convo.FunctionMessage{
			Name:    names[k],
			Content: snap[k],
			Idx:     k,
			Args:    args[k],
		})
	}
	return out
}

// parkThenExecute polls obs every pollInterval until all of t's dependencies
// are present, then runs Execute. It exits promptly without writing an
// observation if ctx is cancelled first (spec.md §5 "Cancellation & timeouts").
func parkThenExecute(ctx context.Context, t task.Task, obs *observations) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if obs.hasAll(t.Dependencies) {
			execute(ctx, t, obs)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// execute is Execute (spec.md §4.4). It always writes exactly one
// observation at t.Idx — success or an "ERROR (...)" string — and never
// returns an error, so a single task failure never aborts the plan.
func execute(ctx context.Context, t task.Task, obs *observations) {
	if t.Join {
		obs.set(t.Idx, "join")
		return
	}

	params := t.Tool.Params()
	if len(params) == 0 {
		obs.set(t.Idx, fmt.Sprintf(
			"ERROR (Failed to call %s with args %v. Args could not be resolved. Error: tool declares no parameters to bind arguments to)",
			t.Name(), t.Args))
		return
	}

	resolved := resolve.Value(t.Args, obs.snapshot())
	callArgs := map[string]any{params[0]: resolved}

	result, err := t.Tool.Invoke(ctx, callArgs)
	if err != nil {
		obs.set(t.Idx, fmt.Sprintf(
			"ERROR (Failed to call %s with args %v. Args resolved to %v. Error: %v)",
			t.Name(), t.Args, resolved, err))
		log.Printf("[SCHEDULER] task %d (%s) failed: %v", t.Idx, t.Name(), err)
		return
	}
	obs.set(t.Idx, result)
}
