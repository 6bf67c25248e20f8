package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/astrobridge/qtbridge/pkg/logger"
	"github.com/astrobridge/qtbridge/pkg/message"
	"github.com/astrobridge/qtbridge/pkg/platform"
)

// Adapter drives a telego bot: long polling in, native send calls out.
type Adapter struct {
	bot  *telego.Bot
	conv Converter

	inbound chan platform.Inbound
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	httpClient *http.Client
}

// NewAdapter constructs the adapter and validates the bot token shape.
func NewAdapter(token string) (*Adapter, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}
	return &Adapter{
		bot:        bot,
		inbound:    make(chan platform.Inbound, 64),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (a *Adapter) Platform() message.Platform { return message.PlatformTelegram }

func (a *Adapter) Inbound() <-chan platform.Inbound { return a.inbound }

// Start begins long polling and the update loop.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	updates, err := a.bot.UpdatesViaLongPolling(runCtx, nil)
	if err != nil {
		cancel()
		return &platform.Error{Code: platform.CodeNetwork, Retryable: true, Err: err}
	}

	a.running.Store(true)
	a.wg.Add(1)
	go a.updateLoop(runCtx, updates)

	logger.InfoC("telegram", "Telegram long polling started")
	return nil
}

// Stop halts polling and waits for the update loop to finish. The update
// loop owns the inbound channel and closes it on exit, so no send can
// race the close.
func (a *Adapter) Stop(ctx context.Context) error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return nil
}

func (a *Adapter) updateLoop(ctx context.Context, updates <-chan telego.Update) {
	defer a.wg.Done()
	defer close(a.inbound)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			a.handleUpdate(ctx, update)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, update telego.Update) {
	native := update.Message
	edited := false
	if native == nil && update.EditedMessage != nil {
		native = update.EditedMessage
		edited = true
	}
	if native == nil {
		return
	}

	unified, err := a.conv.FromNative(native)
	if err != nil {
		logger.DebugCF("telegram", "Skipping unconvertible update", map[string]interface{}{
			"update_id": update.UpdateID,
			"error":     err.Error(),
		})
		return
	}
	if edited {
		unified.Meta = &message.Meta{Edited: true}
	}

	select {
	case a.inbound <- platform.Inbound{Kind: platform.InboundMessage, Message: unified}:
	case <-ctx.Done():
	}
}

func inputFile(ref message.MediaRef) telego.InputFile {
	switch {
	case ref.FileID != "":
		return telego.InputFile{FileID: ref.FileID}
	case ref.URL != "":
		return tu.FileFromURL(ref.URL)
	default:
		return tu.File(tu.NameReader(bytes.NewReader(ref.Data), "upload"))
	}
}

func replyParams(replyTo int) *telego.ReplyParameters {
	if replyTo == 0 {
		return nil
	}
	return &telego.ReplyParameters{MessageID: replyTo}
}

// SendMessage converts the content sequence and executes the resulting
// native calls in order, one receipt per call.
func (a *Adapter) SendMessage(ctx context.Context, chat message.Chat, contents []message.Content) ([]platform.Receipt, error) {
	payloads, err := a.conv.ToNative(&message.UnifiedMessage{Chat: chat, Contents: contents})
	if err != nil {
		return nil, &platform.Error{Code: platform.CodeRejected, Err: err}
	}

	chatID := tu.ID(chat.ID)
	thread := int(chat.ThreadID)

	receipts := make([]platform.Receipt, 0, len(payloads))
	for _, p := range payloads {
		var (
			sent    *telego.Message
			sendErr error
		)

		switch v := p.(type) {
		case SendText:
			sent, sendErr = a.bot.SendMessage(ctx, &telego.SendMessageParams{
				ChatID:          chatID,
				Text:            v.Text,
				MessageThreadID: thread,
				ReplyParameters: replyParams(v.ReplyTo),
			})
		case SendPhoto:
			sent, sendErr = a.bot.SendPhoto(ctx, &telego.SendPhotoParams{
				ChatID:          chatID,
				Photo:           inputFile(v.Ref),
				Caption:         v.Caption,
				HasSpoiler:      v.Spoiler,
				MessageThreadID: thread,
				ReplyParameters: replyParams(v.ReplyTo),
			})
		case SendVideo:
			sent, sendErr = a.bot.SendVideo(ctx, &telego.SendVideoParams{
				ChatID:          chatID,
				Video:           inputFile(v.Ref),
				Caption:         v.Caption,
				MessageThreadID: thread,
				ReplyParameters: replyParams(v.ReplyTo),
			})
		case SendAudio:
			if v.Voice {
				sent, sendErr = a.bot.SendVoice(ctx, &telego.SendVoiceParams{
					ChatID:          chatID,
					Voice:           inputFile(v.Ref),
					MessageThreadID: thread,
					ReplyParameters: replyParams(v.ReplyTo),
				})
			} else {
				sent, sendErr = a.bot.SendAudio(ctx, &telego.SendAudioParams{
					ChatID:          chatID,
					Audio:           inputFile(v.Ref),
					MessageThreadID: thread,
					ReplyParameters: replyParams(v.ReplyTo),
				})
			}
		case SendDocument:
			sent, sendErr = a.bot.SendDocument(ctx, &telego.SendDocumentParams{
				ChatID:          chatID,
				Document:        inputFile(v.Ref),
				Caption:         v.Caption,
				MessageThreadID: thread,
				ReplyParameters: replyParams(v.ReplyTo),
			})
		case SendSticker:
			sent, sendErr = a.bot.SendSticker(ctx, &telego.SendStickerParams{
				ChatID:          chatID,
				Sticker:         inputFile(v.Ref),
				MessageThreadID: thread,
			})
		case SendLocation:
			sent, sendErr = a.bot.SendLocation(ctx, &telego.SendLocationParams{
				ChatID:          chatID,
				Latitude:        v.Lat,
				Longitude:       v.Lon,
				MessageThreadID: thread,
			})
		case SendDice:
			sent, sendErr = a.bot.SendDice(ctx, &telego.SendDiceParams{
				ChatID:          chatID,
				Emoji:           v.Emoji,
				MessageThreadID: thread,
			})
		default:
			continue
		}

		if sendErr != nil {
			return receipts, &platform.Error{Code: platform.CodeNetwork, Retryable: true, Err: sendErr}
		}
		if sent != nil {
			receipts = append(receipts, platform.Receipt{
				MessageID: strconv.Itoa(sent.MessageID),
				ChatID:    chat.ID,
			})
		}
	}

	return receipts, nil
}

// DownloadMedia materializes a Telegram file reference.
func (a *Adapter) DownloadMedia(ctx context.Context, ref message.MediaRef) ([]byte, error) {
	if len(ref.Data) > 0 {
		return ref.Data, nil
	}

	url := ref.URL
	if url == "" && ref.FileID != "" {
		f, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: ref.FileID})
		if err != nil {
			return nil, &platform.Error{Code: platform.CodeNotFound, Err: err}
		}
		url = a.bot.FileDownloadURL(f.FilePath)
	}
	if url == "" {
		return nil, &platform.Error{Code: platform.CodeNotFound, Err: fmt.Errorf("media ref has no source")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &platform.Error{Code: platform.CodeNetwork, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &platform.Error{Code: platform.CodeRejected,
			Err: fmt.Errorf("media download: status %d", resp.StatusCode)}
	}
	return io.ReadAll(resp.Body)
}

// Compile-time verification
var _ platform.Adapter = (*Adapter)(nil)
