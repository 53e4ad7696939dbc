// Package telegram adapts the Telegram Bot API to the message bus: inbound
// updates become bus messages, outbound bus messages become sends.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/observability"
)

// Config configures the adapter.
type Config struct {
	Token string
	// MediaDir receives downloaded photo attachments.
	MediaDir string
}

// Adapter runs long polling against Telegram and bridges both directions
// of the bus.
type Adapter struct {
	cfg    Config
	bus    *bus.Bus
	logger *observability.Logger
	bot    *bot.Bot

	mu        sync.RWMutex
	connected bool
	lastPing  time.Time

	wg sync.WaitGroup
}

// New creates the adapter and its bot client.
func New(cfg Config, b *bus.Bus, logger *observability.Logger) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if logger == nil {
		logger = observability.Discard()
	}
	a := &Adapter{cfg: cfg, bus: b, logger: logger}
	tb, err := bot.New(cfg.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = tb
	return a, nil
}

// Start begins long polling and the outbound delivery loop. It returns
// immediately; both loops stop when ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) {
	a.setConnected(true)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.bot.Start(ctx)
		a.setConnected(false)
	}()
	go func() {
		defer a.wg.Done()
		a.outboundLoop(ctx)
	}()
	a.logger.Info(ctx, "telegram adapter started")
}

// Wait blocks until both loops have stopped.
func (a *Adapter) Wait() { a.wg.Wait() }

// Status reports connection state for the health endpoint.
func (a *Adapter) Status() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	status := map[string]any{"connected": a.connected}
	if !a.lastPing.IsZero() {
		status["last_message_at"] = a.lastPing.Format(time.RFC3339)
	}
	return status
}

func (a *Adapter) setConnected(v bool) {
	a.mu.Lock()
	a.connected = v
	a.mu.Unlock()
}

// handleUpdate converts one Telegram update into an inbound bus message.
func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil {
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	media := a.downloadPhotos(ctx, msg)
	if content == "" && len(media) == 0 {
		return
	}

	senderID := ""
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
	}
	inbound := &bus.InboundMessage{
		Channel:  "telegram",
		SenderID: senderID,
		ChatID:   strconv.FormatInt(msg.Chat.ID, 10),
		Content:  content,
		Media:    media,
		Metadata: map[string]any{"message_id": strconv.Itoa(msg.ID)},
	}
	if err := a.bus.PublishInbound(ctx, inbound); err != nil {
		a.logger.Warn(ctx, "inbound publish failed", "chat_id", msg.Chat.ID, "error", err)
		return
	}

	a.mu.Lock()
	a.lastPing = time.Now()
	a.mu.Unlock()
}

// downloadPhotos fetches the largest rendition of an attached photo into
// the media dir. Failures drop the attachment, not the message.
func (a *Adapter) downloadPhotos(ctx context.Context, msg *tgmodels.Message) []string {
	if len(msg.Photo) == 0 || a.cfg.MediaDir == "" {
		return nil
	}
	best := msg.Photo[len(msg.Photo)-1]
	f, err := a.bot.GetFile(ctx, &bot.GetFileParams{FileID: best.FileID})
	if err != nil {
		a.logger.Warn(ctx, "photo lookup failed", "file_id", best.FileID, "error", err)
		return nil
	}
	link := a.bot.FileDownloadLink(f)
	path, err := a.fetchToFile(ctx, link, best.FileUniqueID+".jpg")
	if err != nil {
		a.logger.Warn(ctx, "photo download failed", "file_id", best.FileID, "error", err)
		return nil
	}
	return []string{path}
}

func (a *Adapter) fetchToFile(ctx context.Context, url, name string) (string, error) {
	if err := os.MkdirAll(a.cfg.MediaDir, 0o755); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status %d", resp.StatusCode)
	}
	path := filepath.Join(a.cfg.MediaDir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// outboundLoop delivers outbound bus messages addressed to telegram.
func (a *Adapter) outboundLoop(ctx context.Context) {
	for {
		msg, err := a.bus.ConsumeOutbound(ctx)
		if err != nil {
			return
		}
		if msg.Channel != "telegram" {
			a.logger.Warn(ctx, "outbound for unknown channel dropped", "channel", msg.Channel)
			continue
		}
		a.send(ctx, msg)
	}
}

// send delivers one message plus photo attachments.
func (a *Adapter) send(ctx context.Context, msg *bus.OutboundMessage) {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		a.logger.Error(ctx, "bad outbound chat id", "chat_id", msg.ChatID, "error", err)
		return
	}

	params := &bot.SendMessageParams{ChatID: chatID, Text: msg.Content}
	if replyTo, err := strconv.Atoi(msg.ReplyTo); err == nil && replyTo > 0 {
		params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: replyTo}
	}
	if _, err := a.bot.SendMessage(ctx, params); err != nil {
		a.logger.Error(ctx, "send failed", "chat_id", msg.ChatID, "error", err)
		return
	}

	for _, path := range msg.Media {
		a.sendPhoto(ctx, chatID, path)
	}
}

func (a *Adapter) sendPhoto(ctx context.Context, chatID int64, path string) {
	f, err := os.Open(path)
	if err != nil {
		a.logger.Warn(ctx, "photo attachment unreadable", "path", path, "error", err)
		return
	}
	defer f.Close()
	_, err = a.bot.SendPhoto(ctx, &bot.SendPhotoParams{
		ChatID: chatID,
		Photo:  &tgmodels.InputFileUpload{Filename: filepath.Base(path), Data: f},
	})
	if err != nil {
		a.logger.Warn(ctx, "photo send failed", "path", path, "error", err)
	}
}
