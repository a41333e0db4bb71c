package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// nameFormat enforces the {module}::{kind}::{name} kebab-case convention
// from §6.4.
var nameFormat = regexp.MustCompile(`^[a-z][a-z0-9-]*::[a-z][a-z0-9-]*::[a-z][a-z0-9-]*$`)

// ActivityFunc is the activity handler ABI (§6.2).
type ActivityFunc func(ctx *ActivityContext, input json.RawMessage) (json.RawMessage, error)

// WorkflowFunc is a workflow authoring's entry point. It runs
// synchronously to its next suspension point each time the executor calls
// it, driven entirely through orchCtx.
type WorkflowFunc func(orchCtx *OrchestrationContext, input json.RawMessage) (json.RawMessage, error)

// Registry holds the immutable set of activity and workflow names known at
// startup (§6.4: "Registries are built at startup and immutable thereafter;
// unknown names on dequeue fail with InfrastructureError").
type Registry struct {
	activities map[string]ActivityFunc
	workflows  map[string]WorkflowFunc
}

func NewRegistry() *Registry {
	return &Registry{
		activities: make(map[string]ActivityFunc),
		workflows:  make(map[string]WorkflowFunc),
	}
}

func (r *Registry) RegisterActivity(name string, fn ActivityFunc) {
	if !nameFormat.MatchString(name) {
		panic(fmt.Sprintf("durable: invalid activity name %q, must match {module}::{kind}::{name}", name))
	}
	if _, exists := r.activities[name]; exists {
		panic(fmt.Sprintf("durable: activity %q already registered", name))
	}
	r.activities[name] = fn
}

func (r *Registry) RegisterWorkflow(name string, fn WorkflowFunc) {
	if !nameFormat.MatchString(name) {
		panic(fmt.Sprintf("durable: invalid workflow name %q, must match {module}::{kind}::{name}", name))
	}
	if _, exists := r.workflows[name]; exists {
		panic(fmt.Sprintf("durable: workflow %q already registered", name))
	}
	r.workflows[name] = fn
}

func (r *Registry) Activity(name string) (ActivityFunc, bool) {
	fn, ok := r.activities[name]
	return fn, ok
}

func (r *Registry) Workflow(name string) (WorkflowFunc, bool) {
	fn, ok := r.workflows[name]
	return fn, ok
}

// ActivityContext is passed to every activity handler (§4.3): structured
// logging plus a deterministic wall-clock snapshot taken by the
// orchestrator for this turn.
type ActivityContext struct {
	context.Context

	InstanceID   string
	ExecutionID  int64
	Seq          int64
	Name         string
	RetryAttempt int
	// ScheduledAt is the orchestrator's deterministic clock snapshot for
	// the turn that scheduled this activity — activities may read it but
	// must not rely on it for idempotency beyond what they enforce
	// themselves (§4.3).
	ScheduledAt time.Time
}
