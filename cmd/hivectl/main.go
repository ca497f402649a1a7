// hivectl drives a running gateway over NATS: it sends tool invocations on
// the request subject and prints the response envelope.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hivegate/hivegate/internal/natsbus"
	"github.com/hivegate/hivegate/internal/tools"
)

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	var tool string
	var toolArgs map[string]any

	switch command {
	case "call":
		if len(rest) < 1 {
			fatal("call requires a tool name")
		}
		tool = rest[0]
		toolArgs = map[string]any{}
		if len(rest) > 1 {
			if err := json.Unmarshal([]byte(rest[1]), &toolArgs); err != nil {
				fatal("invalid args JSON: %v", err)
			}
		}

	case "create":
		args := parseArgs(rest)
		if args["user"] == "" || args["name"] == "" {
			fatal("--user and --name are required")
		}
		toolArgs = map[string]any{"user_id": args["user"], "name": args["name"]}
		if v := args["agents"]; v != "" {
			toolArgs["max_agents"] = mustInt("agents", v)
		}
		if v := args["topology"]; v != "" {
			toolArgs["topology"] = v
		}
		if v := args["ttl"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				fatal("invalid --ttl: %v", err)
			}
			toolArgs["ttl_seconds"] = int(d.Seconds())
		}
		tool = "swarm_create"

	case "scale":
		args := parseArgs(rest)
		if args["id"] == "" || args["to"] == "" {
			fatal("--id and --to are required")
		}
		tool = "swarm_scale"
		toolArgs = map[string]any{"swarm_id": args["id"], "target_agents": mustInt("to", args["to"])}

	case "destroy":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		tool = "swarm_destroy"
		toolArgs = map[string]any{"swarm_id": args["id"]}

	case "status":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		tool = "swarm_status"
		toolArgs = map[string]any{"swarm_id": args["id"]}

	case "list":
		args := parseArgs(rest)
		tool = "swarm_list"
		toolArgs = map[string]any{"user_id": args["user"]}

	case "balance":
		args := parseArgs(rest)
		if args["user"] == "" {
			fatal("--user is required")
		}
		tool = "credits_balance"
		toolArgs = map[string]any{"user_id": args["user"]}

	case "grant":
		args := parseArgs(rest)
		if args["user"] == "" || args["amount"] == "" {
			fatal("--user and --amount are required")
		}
		amount, err := strconv.ParseFloat(args["amount"], 64)
		if err != nil {
			fatal("invalid --amount: %v", err)
		}
		tool = "credits_grant"
		toolArgs = map[string]any{"user_id": args["user"], "amount": amount, "reason": args["reason"]}

	default:
		usage()
	}

	envelope, err := invoke(natsURL, tool, toolArgs)
	if err != nil {
		fatal("%v", err)
	}
	os.Stdout.Write(envelope)
	fmt.Println()
}

func invoke(natsURL, tool string, args map[string]any) ([]byte, error) {
	client, err := natsbus.NewClientFromURL(natsURL)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	data, err := json.Marshal(tools.Request{Tool: tool, Args: rawArgs})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := client.Request(natsbus.ToolsSubject, data, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("tool request: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, msg.Data, "", "  "); err != nil {
		return msg.Data, nil
	}
	return pretty.Bytes(), nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func mustInt(flag, v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		fatal("invalid --%s: %v", flag, err)
	}
	return n
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  hivectl create --user "..." --name "..." [--agents N] [--topology mesh] [--ttl 1h]`)
	fmt.Fprintln(os.Stderr, `  hivectl scale --id "..." --to N`)
	fmt.Fprintln(os.Stderr, `  hivectl destroy --id "..."`)
	fmt.Fprintln(os.Stderr, `  hivectl status --id "..."`)
	fmt.Fprintln(os.Stderr, `  hivectl list [--user "..."]`)
	fmt.Fprintln(os.Stderr, `  hivectl balance --user "..."`)
	fmt.Fprintln(os.Stderr, `  hivectl grant --user "..." --amount N [--reason "..."]`)
	fmt.Fprintln(os.Stderr, `  hivectl call <tool> ['{"key":"value"}']`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
