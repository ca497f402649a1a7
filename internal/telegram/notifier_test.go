package telegram

import (
	"strings"
	"testing"
)

func TestChunkMessage(t *testing.T) {
	chunks := chunkMessage("hello", 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	chunks = chunkMessage(strings.Repeat("a", 4096), 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for exact limit, got %d", len(chunks))
	}

	chunks = chunkMessage(strings.Repeat("a", 8192), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}

	// Prefer a newline split when one falls in the back half.
	msg := []byte(strings.Repeat("a", 5000))
	msg[3000] = '\n'
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks with newline split, got %d", len(chunks))
	}
	if len(chunks[0]) != 3001 {
		t.Errorf("expected first chunk length 3001, got %d", len(chunks[0]))
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		payload string
		want    string
	}{
		{
			name:    "swarm created",
			subject: "events.swarm.abc",
			payload: `{"event":"swarm_created","swarm_id":"abc","user_id":"alice","agents":3,"cost":9}`,
			want:    "swarm created: abc for user alice (3 agents, 9 credits)",
		},
		{
			name:    "swarm scaled",
			subject: "events.swarm.abc",
			payload: `{"event":"swarm_scaled","swarm_id":"abc","from":2,"to":5}`,
			want:    "swarm scaled: abc from 2 to 5 agents",
		},
		{
			name:    "swarm destroyed",
			subject: "events.swarm.abc",
			payload: `{"event":"swarm_destroyed","swarm_id":"abc","final_cost":10.5}`,
			want:    "swarm destroyed: abc (final cost 10.50 credits)",
		},
		{
			name:    "low balance",
			subject: "events.credits.alice",
			payload: `{"event":"low_balance","user_id":"alice","balance":1.25}`,
			want:    "low balance: user alice is down to 1.25 credits",
		},
		{
			name:    "failed job",
			subject: "events.job.j1",
			payload: `{"event":"job_fired","name":"nightly","status":"error","error":"insufficient credits"}`,
			want:    "scheduled swarm job nightly failed: insufficient credits",
		},
		{
			name:    "successful job is noise",
			subject: "events.job.j1",
			payload: `{"event":"job_fired","name":"nightly","status":"ok"}`,
			want:    "",
		},
		{
			name:    "unknown event is noise",
			subject: "events.agent.a1",
			payload: `{"event":"something_else"}`,
			want:    "",
		},
		{
			name:    "garbage payload",
			subject: "events.swarm.abc",
			payload: `not json`,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatEvent(tt.subject, []byte(tt.payload))
			if got != tt.want {
				t.Errorf("formatEvent() = %q, want %q", got, tt.want)
			}
		})
	}
}
