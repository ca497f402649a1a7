package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/hivegate/hivegate/internal/hive"
)

// ExecBehavior adapts the provider to the pool's worker functions: "execute"
// and "run_code" run params["code"] inside the agent's sandbox. Other agent
// types get their behaviors from the integrator; this is the only one the
// gateway ships.
func ExecBehavior(provider Provider) hive.Behavior {
	return hive.BehaviorFunc(func(ctx context.Context, call hive.Call) (any, error) {
		if call.SandboxID == "" {
			return nil, fmt.Errorf("agent %s has no sandbox attached", call.AgentID)
		}

		code, _ := call.Params["code"].(string)
		if code == "" {
			return nil, fmt.Errorf("missing code parameter")
		}
		language, _ := call.Params["language"].(string)
		if language == "" {
			language, _ = call.Config["language"].(string)
		}

		var timeout time.Duration
		if ms, ok := call.Params["timeout_ms"].(float64); ok && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}

		result, err := provider.Execute(ctx, call.SandboxID, code, language, timeout)
		if err != nil {
			return nil, err
		}
		if result.ExitCode != 0 {
			return result, fmt.Errorf("sandbox exited with code %d: %s", result.ExitCode, result.Error)
		}
		return result, nil
	})
}
