package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"

	"github.com/gateway-fm/stresscapture/pkg/types"
)

const (
	subscribeMethod   = "chain_subscribeNewHeads"
	unsubscribeMethod = "chain_unsubscribeNewHeads"
	notifyMethod      = "chain_newHead"

	subscribeID   = 1
	unsubscribeID = 2

	writeTimeout = 5 * time.Second
)

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsMessage struct {
	ID     *int            `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

type wireHeader struct {
	ParentHash string         `json:"parentHash"`
	Number     hexutil.Uint64 `json:"number"`
}

// WSFeed subscribes to new heads over a websocket connection.
type WSFeed struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWSFeed creates a websocket feed for the node at url (ws:// or wss://).
func NewWSFeed(url string, logger *slog.Logger) *WSFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSFeed{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// Subscribe implements Feed. Headers are handled on the calling goroutine, one
// at a time. The subscription is always cancelled and the socket closed on return.
func (f *WSFeed) Subscribe(ctx context.Context, h Handler) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", f.url, err)
	}
	defer conn.Close()

	if err := f.write(conn, wsRequest{JSONRPC: "2.0", ID: subscribeID, Method: subscribeMethod, Params: []interface{}{}}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	subID, err := f.awaitSubscription(conn)
	if err != nil {
		return err
	}
	f.logger.Info("subscribed to new heads", slog.String("subscription", subID))

	headers := make(chan types.Header, 64)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go f.readLoop(conn, subID, headers, readErr, stop)

	defer f.unsubscribe(conn, subID)

	for seq := 0; ; seq++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("subscription closed: %w", err)
		case header := <-headers:
			sig, err := h(ctx, header, seq)
			if err != nil {
				return err
			}
			if sig == Done {
				return nil
			}
		}
	}
}

// awaitSubscription reads until the subscribe response arrives.
func (f *WSFeed) awaitSubscription(conn *websocket.Conn) (string, error) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return "", fmt.Errorf("failed to read subscribe response: %w", err)
		}
		if msg.ID == nil || *msg.ID != subscribeID {
			continue
		}
		if msg.Error != nil {
			return "", fmt.Errorf("subscribe rejected: %d %s", msg.Error.Code, msg.Error.Message)
		}
		var subID string
		if err := json.Unmarshal(msg.Result, &subID); err != nil {
			return "", fmt.Errorf("invalid subscription id: %w", err)
		}
		return subID, nil
	}
}

func (f *WSFeed) readLoop(conn *websocket.Conn, subID string, headers chan<- types.Header, readErr chan<- error, stop <-chan struct{}) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			readErr <- err
			return
		}
		if msg.Method != notifyMethod || msg.Params == nil || msg.Params.Subscription != subID {
			continue
		}
		var wh wireHeader
		if err := json.Unmarshal(msg.Params.Result, &wh); err != nil {
			f.logger.Warn("dropping malformed header", slog.String("error", err.Error()))
			continue
		}
		select {
		case headers <- types.Header{Number: uint64(wh.Number), ParentHash: wh.ParentHash}:
		case <-stop:
			return
		}
	}
}

func (f *WSFeed) unsubscribe(conn *websocket.Conn, subID string) {
	err := f.write(conn, wsRequest{JSONRPC: "2.0", ID: unsubscribeID, Method: unsubscribeMethod, Params: []interface{}{subID}})
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		f.logger.Debug("unsubscribe failed", slog.String("error", err.Error()))
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

func (f *WSFeed) write(conn *websocket.Conn, req wsRequest) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(req)
}
