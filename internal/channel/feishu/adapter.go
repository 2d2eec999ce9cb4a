// ABOUTME: Feishu channel adapter over the open platform event socket
// ABOUTME: Receives im.message.receive_v1 events and sends replies via REST

package feishu

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/2389/crewd/internal/channel"
	"github.com/2389/crewd/internal/dedupe"
	"github.com/2389/crewd/internal/metrics"
)

// reconnectDelay is the pause between event socket reconnect attempts.
const reconnectDelay = 5 * time.Second

// Adapter holds one Feishu app's event socket. Events arrive over a
// WebSocket the SDK maintains; replies and uploads go through the REST
// API. The platform redelivers events around reconnects, so message ids
// are deduplicated before they reach the handler.
type Adapter struct {
	appID     string
	appSecret string
	logger    *slog.Logger
	window    *dedupe.Window
	handler   channel.Handler
	mediaDir  string

	// messenger is replaced in tests.
	messenger messenger

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
}

// New creates an adapter for one Feishu app credential pair.
func New(appID, appSecret string) (*Adapter, error) {
	if appID == "" || appSecret == "" {
		return nil, fmt.Errorf("feishu adapter requires app_id and app_secret")
	}
	return &Adapter{
		appID:     appID,
		appSecret: appSecret,
		logger:    slog.Default().With("component", "feishu", "app_id", appID),
		window:    dedupe.NewWindow(dedupe.DefaultCapacity),
		mediaDir:  filepath.Join(os.TempDir(), "feishu_media"),
	}, nil
}

// Name implements channel.Adapter.
func (a *Adapter) Name() string {
	return "feishu:" + a.appID
}

// SetHandler implements channel.Adapter.
func (a *Adapter) SetHandler(h channel.Handler) {
	a.handler = h
}

// Connect builds the REST client and starts the event socket in a
// background goroutine that reconnects until Disconnect.
func (a *Adapter) Connect(ctx context.Context) error {
	client := lark.NewClient(a.appID, a.appSecret)
	if a.messenger == nil {
		a.messenger = newSDKMessenger(client)
	}

	eventDispatcher := dispatcher.NewEventDispatcher("", "")
	eventDispatcher.OnP2MessageReceiveV1(a.handleEvent)

	ws := larkws.NewClient(a.appID, a.appSecret,
		larkws.WithEventHandler(eventDispatcher),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
	)

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.connected = true
	a.mu.Unlock()

	go func() {
		for {
			err := ws.Start(runCtx)
			if runCtx.Err() != nil {
				return
			}
			metrics.AdapterReconnects.WithLabelValues(a.Name()).Inc()
			a.logger.Warn("event socket dropped, reconnecting", "error", err, "delay", reconnectDelay)
			select {
			case <-runCtx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}()

	a.logger.Info("event socket starting")
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

// handleEvent normalizes one im.message.receive_v1 event and hands it to
// the manager. Messages from apps (including this bot's own replies) and
// redelivered message ids are dropped here.
func (a *Adapter) handleEvent(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	if event == nil || event.Event == nil || event.Event.Message == nil || a.handler == nil {
		return nil
	}
	if event.Event.Sender != nil && deref(event.Event.Sender.SenderType) == "app" {
		return nil
	}

	msg := event.Event.Message
	messageID := deref(msg.MessageId)
	if messageID != "" && a.window.Seen(messageID) {
		a.logger.Debug("duplicate message skipped", "message_id", messageID)
		return nil
	}

	chatID := deref(msg.ChatId)
	if chatID == "" {
		return nil
	}

	inbound := channel.InboundMessage{
		ChannelType:       "feishu",
		AppID:             a.appID,
		ExternalID:        chatID,
		ExternalMessageID: messageID,
		SenderID:          senderID(event),
	}

	msgType := strings.ToLower(deref(msg.MessageType))
	raw := deref(msg.Content)
	switch msgType {
	case "text":
		inbound.MessageType = channel.TypeText
		inbound.Content = extractText(raw)
	case "post":
		inbound.MessageType = channel.TypePost
		inbound.Content = extractPost(raw)
	case "image", "file", "audio":
		item, err := a.downloadMedia(ctx, messageID, msgType, raw)
		if err != nil {
			a.logger.Warn("media download failed", "message_id", messageID, "error", err)
			return nil
		}
		inbound.MessageType = msgType
		inbound.Content = item.FileName
		inbound.Media = []channel.MediaItem{item}
	default:
		return nil
	}

	if inbound.Content == "" && !inbound.HasMedia() {
		return nil
	}

	a.handler(ctx, inbound)
	return nil
}

// downloadMedia fetches an attached resource through the REST API and
// saves it under the media directory so agents can read it by path.
func (a *Adapter) downloadMedia(ctx context.Context, messageID, msgType, raw string) (channel.MediaItem, error) {
	key, fileName := mediaKeys(raw)
	if key == "" {
		return channel.MediaItem{}, fmt.Errorf("message %s has no resource key", messageID)
	}

	resourceType := "file"
	kind := msgType
	if msgType == "image" {
		resourceType = "image"
	}

	data, name, err := a.messenger.DownloadResource(ctx, messageID, key, resourceType)
	if err != nil {
		return channel.MediaItem{}, err
	}
	if fileName == "" {
		fileName = name
	}
	if fileName == "" {
		fileName = key
		if msgType == "image" {
			fileName = key + ".png"
		}
	}

	if err := os.MkdirAll(a.mediaDir, 0o755); err != nil {
		return channel.MediaItem{}, fmt.Errorf("creating media directory: %w", err)
	}
	localPath := filepath.Join(a.mediaDir, key+"_"+filepath.Base(fileName))
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return channel.MediaItem{}, fmt.Errorf("saving attachment: %w", err)
	}
	if abs, err := filepath.Abs(localPath); err == nil {
		localPath = abs
	}

	return channel.MediaItem{
		Kind:      kind,
		FileName:  fileName,
		MediaType: mediaTypeFor(msgType, fileName),
		LocalPath: localPath,
		Data:      data,
	}, nil
}

// Send implements channel.Adapter. Each file is uploaded and sent as
// its own message first; the text reply follows so it lands after the
// attachments it refers to.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) error {
	for _, path := range msg.FilePaths {
		if err := a.sendFile(ctx, msg.ExternalID, path); err != nil {
			return fmt.Errorf("sending %s: %w", filepath.Base(path), err)
		}
	}
	if msg.Text != "" {
		if err := a.messenger.SendMessage(ctx, msg.ExternalID, "text", textContent(msg.Text)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sendFile(ctx context.Context, chatID, path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	if isImagePath(path) {
		key, err := a.messenger.UploadImage(ctx, payload)
		if err != nil {
			return err
		}
		return a.messenger.SendMessage(ctx, chatID, "image", imageContent(key))
	}

	key, err := a.messenger.UploadFile(ctx, payload, filepath.Base(path))
	if err != nil {
		return err
	}
	return a.messenger.SendMessage(ctx, chatID, "file", fileContent(key))
}

// senderID prefers open_id, falling back to user_id then union_id.
func senderID(event *larkim.P2MessageReceiveV1) string {
	if event.Event.Sender == nil || event.Event.Sender.SenderId == nil {
		return ""
	}
	id := event.Event.Sender.SenderId
	if v := deref(id.OpenId); v != "" {
		return v
	}
	if v := deref(id.UserId); v != "" {
		return v
	}
	return deref(id.UnionId)
}

func mediaTypeFor(msgType, fileName string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName))); t != "" {
		return t
	}
	if msgType == "image" {
		return "image/png"
	}
	return "application/octet-stream"
}

func isImagePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return true
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
