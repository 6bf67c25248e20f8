package qq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astrobridge/qtbridge/pkg/logger"
	"github.com/astrobridge/qtbridge/pkg/message"
	"github.com/astrobridge/qtbridge/pkg/platform"
)

const apiTimeout = 15 * time.Second

// Adapter speaks OneBot-11 over a WebSocket connection. Inbound events
// are converted to unified messages; outbound sends are echo-correlated
// API calls on the same connection.
type Adapter struct {
	url   string
	token string
	conv  Converter

	conn    *websocket.Conn
	writeMu sync.Mutex

	inbound chan platform.Inbound
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	waiterMu sync.Mutex
	waiters  map[string]chan apiResponse

	httpClient *http.Client
}

// NewAdapter creates a OneBot adapter for the given WebSocket URL.
func NewAdapter(url, accessToken string) *Adapter {
	return &Adapter{
		url:        url,
		token:      accessToken,
		inbound:    make(chan platform.Inbound, 64),
		waiters:    make(map[string]chan apiResponse),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Platform() message.Platform { return message.PlatformQQ }

func (a *Adapter) Inbound() <-chan platform.Inbound { return a.inbound }

// Start dials the OneBot endpoint and begins the read loop.
func (a *Adapter) Start(ctx context.Context) error {
	header := http.Header{}
	if a.token != "" {
		header.Set("Authorization", "Bearer "+a.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, header)
	if err != nil {
		return &platform.Error{Code: platform.CodeNetwork, Retryable: true, Err: err}
	}
	a.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running.Store(true)

	a.wg.Add(1)
	go a.readLoop(runCtx)

	logger.InfoCF("qq", "OneBot connection established", map[string]interface{}{"url": a.url})
	return nil
}

// Stop closes the connection and waits for the read loop to finish. The
// read loop owns the inbound channel and closes it on exit, so no send
// can race the close.
func (a *Adapter) Stop(ctx context.Context) error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.conn != nil {
		a.conn.Close()
	}
	a.wg.Wait()
	return nil
}

// rawEvent is the superset of OneBot event and API-response fields the
// adapter cares about.
type rawEvent struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	NoticeType  string          `json:"notice_type"`
	MessageID   json.Number     `json:"message_id"`
	GroupID     int64           `json:"group_id"`
	UserID      int64           `json:"user_id"`
	Time        int64           `json:"time"`
	Sender      SenderInfo      `json:"sender"`
	Message     []wireSegment   `json:"message"`
	Echo        string          `json:"echo"`
	Status      string          `json:"status"`
	RetCode     int             `json:"retcode"`
	Data        json.RawMessage `json:"data"`
}

type apiResponse struct {
	RetCode int
	Data    json.RawMessage
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.inbound)
	for {
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && a.running.Load() {
				logger.ErrorCF("qq", "OneBot read failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var ev rawEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.WarnCF("qq", "Dropping undecodable OneBot frame", map[string]interface{}{"error": err.Error()})
			continue
		}

		switch {
		case ev.Echo != "":
			a.resolveWaiter(ev.Echo, apiResponse{RetCode: ev.RetCode, Data: ev.Data})
		case ev.PostType == "message":
			a.handleMessage(ctx, &ev)
		case ev.PostType == "notice" && (ev.NoticeType == "group_recall" || ev.NoticeType == "friend_recall"):
			a.emit(ctx, platform.Inbound{
				Kind:       platform.InboundRecall,
				RecalledID: ev.MessageID.String(),
				Chat:       recallChat(&ev),
			})
		}
	}
}

func recallChat(ev *rawEvent) message.Chat {
	if ev.NoticeType == "group_recall" {
		return message.Chat{ID: ev.GroupID, Type: message.ChatGroup}
	}
	return message.Chat{ID: ev.UserID, Type: message.ChatPrivate}
}

func (a *Adapter) handleMessage(ctx context.Context, ev *rawEvent) {
	native := &Message{
		MessageID: ev.MessageID.String(),
		Type:      MessageType(ev.MessageType),
		GroupID:   ev.GroupID,
		UserID:    ev.UserID,
		Sender:    ev.Sender,
		Time:      ev.Time,
		Segments:  decodeSegments(ev.Message),
	}

	unified, err := a.conv.FromNative(native)
	if err != nil {
		logger.DebugCF("qq", "Skipping unconvertible message", map[string]interface{}{
			"message_id": native.MessageID,
			"error":      err.Error(),
		})
		return
	}

	a.emit(ctx, platform.Inbound{Kind: platform.InboundMessage, Message: unified})
}

func (a *Adapter) emit(ctx context.Context, in platform.Inbound) {
	select {
	case a.inbound <- in:
	case <-ctx.Done():
	}
}

// SendMessage converts the content sequence and issues one OneBot send
// call per native payload.
func (a *Adapter) SendMessage(ctx context.Context, chat message.Chat, contents []message.Content) ([]platform.Receipt, error) {
	payloads, err := a.conv.ToNative(&message.UnifiedMessage{Chat: chat, Contents: contents})
	if err != nil {
		return nil, &platform.Error{Code: platform.CodeRejected, Err: err}
	}

	receipts := make([]platform.Receipt, 0, len(payloads))
	for _, segs := range payloads {
		action := "send_private_msg"
		params := map[string]any{"user_id": chat.ID, "message": encodeSegments(segs)}
		if chat.Type != message.ChatPrivate {
			action = "send_group_msg"
			params = map[string]any{"group_id": chat.ID, "message": encodeSegments(segs)}
		}

		resp, err := a.call(ctx, action, params)
		if err != nil {
			return receipts, err
		}

		var data struct {
			MessageID json.Number `json:"message_id"`
		}
		_ = json.Unmarshal(resp.Data, &data)
		receipts = append(receipts, platform.Receipt{MessageID: data.MessageID.String(), ChatID: chat.ID})
	}

	return receipts, nil
}

// call issues an echo-correlated OneBot API call and waits for its reply.
func (a *Adapter) call(ctx context.Context, action string, params map[string]any) (apiResponse, error) {
	echo := uuid.NewString()
	body, err := json.Marshal(map[string]any{"action": action, "params": params, "echo": echo})
	if err != nil {
		return apiResponse{}, err
	}

	ch := make(chan apiResponse, 1)
	a.waiterMu.Lock()
	a.waiters[echo] = ch
	a.waiterMu.Unlock()
	defer func() {
		a.waiterMu.Lock()
		delete(a.waiters, echo)
		a.waiterMu.Unlock()
	}()

	a.writeMu.Lock()
	err = a.conn.WriteMessage(websocket.TextMessage, body)
	a.writeMu.Unlock()
	if err != nil {
		return apiResponse{}, &platform.Error{Code: platform.CodeNetwork, Retryable: true, Err: err}
	}

	select {
	case resp := <-ch:
		if resp.RetCode != 0 {
			return resp, &platform.Error{
				Code: platform.CodeRejected,
				Err:  fmt.Errorf("onebot %s: retcode %d", action, resp.RetCode),
			}
		}
		return resp, nil
	case <-time.After(apiTimeout):
		return apiResponse{}, &platform.Error{Code: platform.CodeNetwork, Retryable: true,
			Err: fmt.Errorf("onebot %s: no response within %s", action, apiTimeout)}
	case <-ctx.Done():
		return apiResponse{}, ctx.Err()
	}
}

func (a *Adapter) resolveWaiter(echo string, resp apiResponse) {
	a.waiterMu.Lock()
	ch, ok := a.waiters[echo]
	a.waiterMu.Unlock()
	if ok {
		ch <- resp
	}
}

// DownloadMedia fetches a media reference. QQ media is URL-addressed;
// inline bytes pass straight through.
func (a *Adapter) DownloadMedia(ctx context.Context, ref message.MediaRef) ([]byte, error) {
	if len(ref.Data) > 0 {
		return ref.Data, nil
	}
	if ref.URL == "" {
		return nil, &platform.Error{Code: platform.CodeNotFound, Err: fmt.Errorf("media ref has no URL")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
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

// FetchForwardBundle pulls the nested history behind a forward resource id
// via get_forward_msg, converting each node to a unified message.
func (a *Adapter) FetchForwardBundle(ctx context.Context, resID string) ([]message.UnifiedMessage, error) {
	resp, err := a.call(ctx, "get_forward_msg", map[string]any{"id": resID})
	if err != nil {
		return nil, err
	}

	var data struct {
		Messages []struct {
			Sender  SenderInfo    `json:"sender"`
			Time    int64         `json:"time"`
			Content []wireSegment `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, err
	}

	out := make([]message.UnifiedMessage, 0, len(data.Messages))
	for i, node := range data.Messages {
		native := &Message{
			MessageID: resID + ":" + strconv.Itoa(i),
			Type:      MessageGroup,
			Sender:    node.Sender,
			UserID:    node.Sender.UserID,
			Time:      node.Time,
			Segments:  decodeSegments(node.Content),
		}
		unified, err := a.conv.FromNative(native)
		if err != nil {
			continue
		}
		out = append(out, *unified)
	}
	return out, nil
}

// Compile-time verification
var _ platform.Adapter = (*Adapter)(nil)
var _ platform.ForwardFetcher = (*Adapter)(nil)
