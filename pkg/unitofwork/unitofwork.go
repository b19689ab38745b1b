// Package unitofwork coordinates a transactional processing scope.
//
// A Context carries scope-private resources and an ordered pipeline of
// lifecycle phases. Components participating in the same scope register
// steps for the phases they care about and share state through resources;
// Execute then drives the phases in order and aborts on the first failure.
package unitofwork

import (
	"context"
	"fmt"
	"sync"
)

// Phase identifies a slot in the execution pipeline. Phases run in
// declaration order.
type Phase int

const (
	PhasePreInvocation Phase = iota
	PhaseInvocation
	PhasePostInvocation
	PhasePrepareCommit
	PhaseCommit
	PhaseAfterCommit

	numPhases
)

func (p Phase) String() string {
	switch p {
	case PhasePreInvocation:
		return "PreInvocation"
	case PhaseInvocation:
		return "Invocation"
	case PhasePostInvocation:
		return "PostInvocation"
	case PhasePrepareCommit:
		return "PrepareCommit"
	case PhaseCommit:
		return "Commit"
	case PhaseAfterCommit:
		return "AfterCommit"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Step is a unit of work participant. The scope it runs in is passed along
// so steps can reach shared resources and register follow-up steps.
type Step func(ctx context.Context, scope *Context) error

// ResourceKey identifies a scope-private resource. Keys compare by identity:
// two keys with the same label are distinct. The label only serves
// diagnostics.
type ResourceKey struct {
	label string
}

// NewResourceKey returns a fresh resource key.
func NewResourceKey(label string) *ResourceKey {
	return &ResourceKey{label: label}
}

func (k *ResourceKey) String() string {
	return k.label
}

// Context is a single-use transactional scope. The zero value is not usable;
// create one with New. All methods are safe for concurrent use.
type Context struct {
	mu        sync.Mutex
	steps     [numPhases][]Step
	phase     Phase
	started   bool
	completed bool
	resources map[*ResourceKey]any
}

// New returns an empty scope ready for registration.
func New() *Context {
	return &Context{resources: make(map[*ResourceKey]any)}
}

// OnPreInvocation registers a step for the PreInvocation phase.
func (c *Context) OnPreInvocation(step Step) *Context {
	return c.register(PhasePreInvocation, step)
}

// OnInvocation registers a step for the Invocation phase.
func (c *Context) OnInvocation(step Step) *Context {
	return c.register(PhaseInvocation, step)
}

// OnPostInvocation registers a step for the PostInvocation phase.
func (c *Context) OnPostInvocation(step Step) *Context {
	return c.register(PhasePostInvocation, step)
}

// OnPrepareCommit registers a step for the PrepareCommit phase.
func (c *Context) OnPrepareCommit(step Step) *Context {
	return c.register(PhasePrepareCommit, step)
}

// OnCommit registers a step for the Commit phase.
func (c *Context) OnCommit(step Step) *Context {
	return c.register(PhaseCommit, step)
}

// OnAfterCommit registers a step for the AfterCommit phase.
func (c *Context) OnAfterCommit(step Step) *Context {
	return c.register(PhaseAfterCommit, step)
}

func (c *Context) register(p Phase, step Step) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		panic("unitofwork: step registered after the unit of work completed")
	}
	if c.started && p < c.phase {
		panic(fmt.Sprintf("unitofwork: cannot register a %s step while executing %s", p, c.phase))
	}
	c.steps[p] = append(c.steps[p], step)
	return c
}

// Execute runs all phases in order. Within a phase, steps run in
// registration order; steps registered during execution for the current or
// a later phase are honored. The first step error aborts the pipeline:
// remaining steps and phases do not run and the error is returned.
// Cancellation of ctx between steps aborts the same way.
//
// Execute may be called once. Scope resources are released when it returns.
func (c *Context) Execute(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		panic("unitofwork: Execute called twice")
	}
	c.started = true
	c.mu.Unlock()

	failure := c.run(ctx)

	c.mu.Lock()
	c.completed = true
	c.resources = nil
	c.mu.Unlock()
	return failure
}

func (c *Context) run(ctx context.Context) error {
	for p := PhasePreInvocation; p < numPhases; p++ {
		c.mu.Lock()
		c.phase = p
		c.mu.Unlock()

		for i := 0; ; i++ {
			c.mu.Lock()
			if i >= len(c.steps[p]) {
				c.mu.Unlock()
				break
			}
			step := c.steps[p][i]
			c.mu.Unlock()

			if err := ctx.Err(); err != nil {
				return err
			}
			if err := step(ctx, c); err != nil {
				return fmt.Errorf("%s step %d: %w", p, i, err)
			}
		}
	}
	return nil
}

// ComputeResourceIfAbsent returns the resource stored under key, creating it
// with factory on first access. The factory runs at most once per key and
// scope; concurrent callers observe the same value. The factory must not
// call back into the scope.
func ComputeResourceIfAbsent[T any](scope *Context, key *ResourceKey, factory func() T) T {
	scope.mu.Lock()
	defer scope.mu.Unlock()
	if scope.completed {
		panic(fmt.Sprintf("unitofwork: resource %q requested after the unit of work completed", key))
	}
	if v, ok := scope.resources[key]; ok {
		return v.(T)
	}
	v := factory()
	scope.resources[key] = v
	return v
}
