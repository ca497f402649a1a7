package telegram

import (
	"encoding/json"
	"fmt"
)

// formatEvent renders a bus event as a chat message. Events that are noise for
// an ops channel return "".
func formatEvent(subject string, payload []byte) string {
	var ev map[string]any
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ""
	}

	name, _ := ev["event"].(string)
	switch name {
	case "swarm_created":
		return fmt.Sprintf("swarm created: %s for user %s (%s agents, %s credits)",
			str(ev, "swarm_id"), str(ev, "user_id"), num(ev, "agents"), num(ev, "cost"))
	case "swarm_scaled":
		return fmt.Sprintf("swarm scaled: %s from %s to %s agents",
			str(ev, "swarm_id"), num(ev, "from"), num(ev, "to"))
	case "swarm_destroyed":
		return fmt.Sprintf("swarm destroyed: %s (final cost %s credits)",
			str(ev, "swarm_id"), num(ev, "final_cost"))
	case "low_balance":
		return fmt.Sprintf("low balance: user %s is down to %s credits",
			str(ev, "user_id"), num(ev, "balance"))
	case "job_fired":
		if status, _ := ev["status"].(string); status != "ok" {
			return fmt.Sprintf("scheduled swarm job %s failed: %s",
				str(ev, "name"), str(ev, "error"))
		}
		return ""
	default:
		return ""
	}
}

func str(ev map[string]any, key string) string {
	s, _ := ev[key].(string)
	if s == "" {
		return "?"
	}
	return s
}

// num formats a JSON number without a trailing ".000000" for integral values.
func num(ev map[string]any, key string) string {
	f, ok := ev[key].(float64)
	if !ok {
		return "?"
	}
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%.2f", f)
}
