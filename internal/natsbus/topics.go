package natsbus

import "fmt"

// Subject layout. Events fan out under events.>, tool invocations use
// request/reply on ToolsSubject.
const (
	ToolsSubject   = "tools.request"
	EventsWildcard = "events.>"
)

func SwarmSubject(swarmID string) string {
	return fmt.Sprintf("events.swarm.%s", swarmID)
}

func AgentSubject(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

func CreditsSubject(userID string) string {
	return fmt.Sprintf("events.credits.%s", userID)
}
