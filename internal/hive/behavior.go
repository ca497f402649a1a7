package hive

import (
	"context"
	"fmt"
)

// Call carries everything a behavior needs to run one function on one agent.
type Call struct {
	AgentID   string
	Type      AgentType
	SandboxID string
	Function  string
	Params    map[string]any
	Config    map[string]any
}

// Behavior is the per-type implementation behind the pool's dispatch. The
// pool validates the function name against the type's closed set before
// invoking, so a behavior only ever sees functions its type declares.
type Behavior interface {
	Invoke(ctx context.Context, call Call) (any, error)
}

// BehaviorFunc adapts a plain function to the Behavior interface.
type BehaviorFunc func(ctx context.Context, call Call) (any, error)

func (f BehaviorFunc) Invoke(ctx context.Context, call Call) (any, error) {
	return f(ctx, call)
}

// Behaviors maps each agent type to its implementation. Types without an
// entry reject every call; the integrator decides what each type really does.
type Behaviors map[AgentType]Behavior

func (b Behaviors) invoke(ctx context.Context, call Call) (any, error) {
	behavior, ok := b[call.Type]
	if !ok {
		return nil, fmt.Errorf("no behavior registered for agent type %s", call.Type)
	}
	return behavior.Invoke(ctx, call)
}
