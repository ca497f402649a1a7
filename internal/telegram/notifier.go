// Package telegram pushes gateway lifecycle events to an ops chat and answers
// a couple of read-only commands. It is strictly a notification surface; swarm
// and credit operations stay on the tool gateway.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"

	"github.com/hivegate/hivegate/internal/config"
	"github.com/hivegate/hivegate/internal/hive"
	"github.com/hivegate/hivegate/internal/natsbus"
	"github.com/hivegate/hivegate/internal/saga"
	"github.com/hivegate/hivegate/internal/store"
)

type Notifier struct {
	bot     *telego.Bot
	handler *th.BotHandler
	pool    *hive.Pool
	prov    *saga.Provisioner
	cfg     config.TelegramConfig
	cancel  context.CancelFunc
}

func NewNotifier(cfg config.TelegramConfig, pool *hive.Pool, prov *saga.Provisioner) (*Notifier, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot, pool: pool, prov: prov, cfg: cfg}, nil
}

// Watch forwards notable bus events to the configured chat. Events that don't
// format to a message are dropped silently.
func (n *Notifier) Watch(client *natsbus.Client) error {
	_, err := client.Subscribe(natsbus.EventsWildcard, func(msg *nats.Msg) {
		text := formatEvent(msg.Subject, msg.Data)
		if text == "" {
			return
		}
		if err := n.Send(context.Background(), text); err != nil {
			slog.Error("failed to send telegram notification", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	return nil
}

// Start long-polls for commands until the context is cancelled.
func (n *Notifier) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	updates, err := n.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(n.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	n.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		n.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.handler != nil {
		_ = n.handler.Stop()
	}
}

func (n *Notifier) handleMessage(ctx context.Context, msg telego.Message) {
	// Only the configured ops chat gets answers.
	if msg.Chat.ID != n.cfg.ChatID {
		slog.Warn("ignoring telegram message from unknown chat", "chat_id", msg.Chat.ID)
		return
	}

	var reply string
	switch cmd, _, _ := strings.Cut(msg.Text, " "); cmd {
	case "/status":
		reply = n.statusText()
	case "/swarms":
		reply = n.swarmsText()
	default:
		return
	}

	if err := n.Send(ctx, reply); err != nil {
		slog.Error("failed to send telegram reply", "error", err)
	}
}

func (n *Notifier) statusText() string {
	m := n.pool.Metrics()
	active := 0
	if swarms, err := n.prov.List(""); err == nil {
		for _, sw := range swarms {
			if sw.Status == store.SwarmActive {
				active++
			}
		}
	}
	return fmt.Sprintf("agents: %d\ntasks completed: %d\nactive swarms: %d",
		m.TotalAgents, m.TasksCompleted, active)
}

func (n *Notifier) swarmsText() string {
	swarms, err := n.prov.List("")
	if err != nil {
		return fmt.Sprintf("failed to list swarms: %v", err)
	}

	var b strings.Builder
	for _, sw := range swarms {
		if sw.Status != store.SwarmActive {
			continue
		}
		fmt.Fprintf(&b, "%s (%s): %d agents, %.2f credits, user %s\n",
			sw.Name, sw.ID, len(sw.Agents), sw.TotalCost, sw.UserID)
	}
	if b.Len() == 0 {
		return "no active swarms"
	}
	return strings.TrimRight(b.String(), "\n")
}

// Send delivers text to the ops chat, split to fit Telegram's message limit.
func (n *Notifier) Send(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, 4096) {
		msg := tu.Message(tu.ID(n.cfg.ChatID), chunk)
		if _, err := n.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// chunkMessage splits text into chunks within maxLen, preferring newline
// boundaries in the back half of a chunk.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
