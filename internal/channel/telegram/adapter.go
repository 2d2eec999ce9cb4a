// ABOUTME: Telegram channel adapter built on getUpdates long polling
// ABOUTME: One poll loop per bot token; replies are chunked at 4096 runes

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/2389/crewd/internal/channel"
	"github.com/2389/crewd/internal/metrics"
)

const (
	// pollTimeoutSec is the server-side getUpdates hold time.
	pollTimeoutSec = 30

	// errorBackoff is the pause after a failed poll before retrying.
	errorBackoff = 3 * time.Second

	// maxMessageRunes is the Bot API limit for one sendMessage call.
	maxMessageRunes = 4096
)

// Adapter runs one bot's long-poll loop. Telegram tracks delivery with
// the update offset, so unlike socket channels there is no redelivery to
// deduplicate: acknowledging offset n drops everything up to n.
type Adapter struct {
	client  *Client
	logger  *slog.Logger
	handler channel.Handler

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
}

// New creates an adapter for one bot token.
func New(token string) (*Adapter, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram adapter requires bot_token")
	}
	return &Adapter{
		client: NewClient(token),
		logger: slog.Default().With("component", "telegram"),
	}, nil
}

// Name implements channel.Adapter.
func (a *Adapter) Name() string {
	return "telegram"
}

// SetHandler implements channel.Adapter.
func (a *Adapter) SetHandler(h channel.Handler) {
	a.handler = h
}

// Connect starts the poll loop in a background goroutine.
func (a *Adapter) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.connected = true
	a.mu.Unlock()

	go a.pollLoop(runCtx)

	a.logger.Info("poll loop starting")
	return nil
}

// Disconnect implements channel.Adapter.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.connected = false
	return nil
}

// Connected implements channel.Adapter.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// pollLoop fetches updates until ctx is cancelled. The offset advances
// past every update we saw, failed ones included; a poisoned update must
// not wedge the loop.
func (a *Adapter) pollLoop(ctx context.Context) {
	var offset int64
	for {
		updates, err := a.client.GetUpdates(ctx, offset, pollTimeoutSec)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			metrics.AdapterReconnects.WithLabelValues(a.Name()).Inc()
			a.logger.Warn("poll failed, backing off", "error", err, "backoff", errorBackoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			a.handleUpdate(ctx, u)
		}
	}
}

// handleUpdate normalizes one update and hands it to the manager. Only
// text messages from humans are routed.
func (a *Adapter) handleUpdate(ctx context.Context, u Update) {
	if a.handler == nil || u.Message == nil {
		return
	}
	msg := u.Message
	if msg.From == nil || msg.From.IsBot {
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return
	}

	senderName := msg.From.Username
	if senderName == "" {
		senderName = msg.From.FirstName
	}

	a.handler(ctx, channel.InboundMessage{
		ChannelType:       "telegram",
		ExternalID:        strconv.FormatInt(msg.Chat.ID, 10),
		ExternalMessageID: strconv.FormatInt(msg.MessageID, 10),
		SenderID:          strconv.FormatInt(msg.From.ID, 10),
		SenderName:        senderName,
		Content:           text,
		MessageType:       channel.TypeText,
	})
}

// Send implements channel.Adapter. Long texts are split at newline
// boundaries to stay under the Bot API message limit, then each file
// goes out as a document.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ExternalID, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing chat id %q: %w", msg.ExternalID, err)
	}

	if msg.Text != "" {
		for _, chunk := range splitAtNewlines(msg.Text, maxMessageRunes) {
			if err := a.client.SendMessage(ctx, chatID, chunk); err != nil {
				return err
			}
		}
	}
	for _, path := range msg.FilePaths {
		if err := a.client.SendDocument(ctx, chatID, path); err != nil {
			return err
		}
	}
	return nil
}

// splitAtNewlines splits text into chunks of at most maxRunes runes,
// preferring newline boundaries. A window with no newline is hard-split
// so the loop always advances.
func splitAtNewlines(text string, maxRunes int) []string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + maxRunes
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}

		splitAt := -1
		for i := end - 1; i >= start; i-- {
			if runes[i] == '\n' {
				splitAt = i
				break
			}
		}
		if splitAt < 0 {
			chunks = append(chunks, string(runes[start:end]))
			start = end
		} else {
			chunks = append(chunks, string(runes[start:splitAt+1]))
			start = splitAt + 1
		}
	}
	return chunks
}
