// Package actor is the uniform envelope around every actor: state
// loading and persistence, the command/query dispatch pipeline,
// event emission through the catalog's consumer registry, resilience
// wiring, and the monitoring and security capabilities.
package actor

import (
	"context"
	"time"

	"github.com/nmxmxh/loom/pkg/events"
	"github.com/nmxmxh/loom/pkg/schema"
)

// Result is the outcome of a handled command. Events listed here are
// emitted by the runtime after the handler returns.
type Result struct {
	Success bool               `json:"success"`
	Data    map[string]any     `json:"data,omitempty"`
	Events  []*events.Envelope `json:"-"`
}

// OK builds a successful result carrying data.
func OK(data map[string]any) *Result {
	return &Result{Success: true, Data: data}
}

// Emitting appends events to the result.
func (r *Result) Emitting(evs ...*events.Envelope) *Result {
	r.Events = append(r.Events, evs...)
	return r
}

// RateLimit declares a fixed-window limit for one command type. The
// key generator partitions the window, typically by a payload field
// such as an email or user id; a nil generator shares one window.
type RateLimit struct {
	Window       time.Duration
	MaxRequests  int
	KeyGenerator func(payload map[string]any) string
}

// Task is an actor-declared background job. Schedule takes cron syntax
// including the @every form. The runtime serializes tasks against
// dispatch by running them under the actor's state lock.
type Task[S any] struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context, state *S) error
}

// Hooks are optional interception points around the actor lifecycle
// and dispatch pipeline. Nil hooks are skipped.
type Hooks[S any] struct {
	// BeforeStateLoad runs before the persisted state is read.
	BeforeStateLoad func(ctx context.Context) error
	// AfterStateLoad runs once state is loaded or defaulted.
	AfterStateLoad func(ctx context.Context, state *S) error
	// BeforeCommand runs before validation; an error aborts dispatch.
	BeforeCommand func(ctx context.Context, state *S, env *events.Envelope) error
	// AfterCommand runs after the handler, before emission.
	AfterCommand func(ctx context.Context, state *S, env *events.Envelope, res *Result) error
	// BeforeQuery runs before the query handler.
	BeforeQuery func(ctx context.Context, state *S, env *events.Envelope) error
	// AfterQuery runs after the query handler.
	AfterQuery func(ctx context.Context, state *S, env *events.Envelope, data map[string]any) error
	// OnError observes every transformed dispatch error.
	OnError func(ctx context.Context, env *events.Envelope, err error)
	// OnHealthCheck contributes to the aggregate health report.
	OnHealthCheck func(ctx context.Context, state *S) error
	// OnShutdown runs during Shutdown, before the final state save.
	OnShutdown func(ctx context.Context, state *S) error
}

// Behavior is everything an actor author plugs into the runtime.
type Behavior[S any] struct {
	// CreateDefaultState builds the initial state when nothing is
	// persisted. Required.
	CreateDefaultState func() S

	// StateSchema validates reconstructed and default state when set.
	StateSchema *schema.Schema

	// OnInitialize runs last in the initialization order, after
	// catalog registration.
	OnInitialize func(ctx context.Context, state *S) error

	// OnCommand handles command envelopes. Actors without commands
	// leave it nil; dispatch then fails UNKNOWN_COMMAND.
	OnCommand func(ctx context.Context, state *S, env *events.Envelope) (*Result, error)

	// OnQuery handles query envelopes; nil fails UNKNOWN_QUERY.
	OnQuery func(ctx context.Context, state *S, env *events.Envelope) (map[string]any, error)

	// CommandSchemas validate payloads locally when the catalog has no
	// definition for the type.
	CommandSchemas map[string]*schema.Schema

	// RateLimits declares per-command fixed windows.
	RateLimits map[string]RateLimit

	// ErrorTransforms prepend actor-specific rules to the default
	// error transformer.
	ErrorTransforms []Transform

	// Tasks are scheduled at initialization.
	Tasks []Task[S]

	// ConcurrentQueries runs queries under a read lock so they overlap
	// each other (never commands). Only safe for handlers proven not
	// to mutate state.
	ConcurrentQueries bool

	Hooks Hooks[S]
}
