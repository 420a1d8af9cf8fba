package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"

	"github.com/gateway-fm/stresscapture/internal/rpc"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

func TestCompactRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 63, 64, 16383, 16384, 1<<30 - 1, 1 << 30, 1_700_000_000_000, 1<<64 - 1}
	for _, v := range values {
		enc := EncodeCompact(nil, v)
		got, n, err := decodeCompact(enc)
		if err != nil {
			t.Errorf("decodeCompact(%x) error = %v", enc, err)
			continue
		}
		if got != v || n != len(enc) {
			t.Errorf("decodeCompact(EncodeCompact(%d)) = %d (%d bytes), want %d (%d bytes)", v, got, n, v, len(enc))
		}
	}
}

func TestCompactKnownEncodings(t *testing.T) {
	tests := []struct {
		value uint64
		hex   string
	}{
		{0, "0x00"},
		{1, "0x04"},
		{42, "0xa8"},
		{69, "0x1501"},
		{65535, "0xfeff0300"},
	}
	for _, tt := range tests {
		if got := hexutil.Encode(EncodeCompact(nil, tt.value)); got != tt.hex {
			t.Errorf("EncodeCompact(%d) = %s, want %s", tt.value, got, tt.hex)
		}
	}
}

func TestDecodeTimestamp(t *testing.T) {
	const moment = 1_690_000_123_456

	tests := []struct {
		name    string
		input   []byte
		want    int64
		wantErr bool
	}{
		{"timestamp inherent", EncodeTimestamp(3, 0, moment), moment, false},
		{"small moment", EncodeTimestamp(2, 0, 3000), 3000, false},
		{"signed extrinsic", append([]byte{0x10}, 0x84, 0x01, 0x02, 0x03), 0, true},
		{"truncated body", []byte{0x28, 0x04, 0x03}, 0, true},
		{"empty", nil, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeTimestamp(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeTimestamp() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DecodeTimestamp() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStaticFeed(t *testing.T) {
	f := NewStaticFeed(1, 2, 3, 4)

	var seen []uint64
	err := f.Subscribe(context.Background(), func(_ context.Context, h types.Header, seq int) (Signal, error) {
		if seq != len(seen) {
			t.Errorf("seq = %d, want %d", seq, len(seen))
		}
		seen = append(seen, h.Number)
		if h.Number == 3 {
			return Done, nil
		}
		return Continue, nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if len(seen) != 3 {
		t.Errorf("delivered %v, want [1 2 3]", seen)
	}

	boom := errors.New("boom")
	err = f.Subscribe(context.Background(), func(context.Context, types.Header, int) (Signal, error) {
		return Continue, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Subscribe() error = %v, want boom", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Subscribe(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Subscribe(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestMapResolver(t *testing.T) {
	r := NewMapResolver(&types.Block{Number: 5})
	if _, err := r.BlockByNumber(context.Background(), 5); err != nil {
		t.Errorf("BlockByNumber(5) error = %v", err)
	}
	if _, err := r.BlockByNumber(context.Background(), 6); !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("BlockByNumber(6) error = %v, want ErrBlockNotFound", err)
	}
	r.Put(&types.Block{Number: 6})
	if _, err := r.BlockByNumber(context.Background(), 6); err != nil {
		t.Errorf("BlockByNumber(6) after Put error = %v", err)
	}
}

type fakeClient struct {
	hashes map[uint64]string
	blocks map[string]*rpc.SignedBlock
}

func (c *fakeClient) Call(context.Context, string, []interface{}) (json.RawMessage, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeClient) GetBlockHash(_ context.Context, n uint64) (string, error) {
	return c.hashes[n], nil
}

func (c *fakeClient) GetBlock(_ context.Context, hash string) (*rpc.SignedBlock, error) {
	return c.blocks[hash], nil
}

func (c *fakeClient) GetHeader(context.Context, string) (*rpc.Header, error) {
	return nil, nil
}

func TestRPCResolver(t *testing.T) {
	client := &fakeClient{
		hashes: map[uint64]string{10: "0xa", 11: "0xb"},
		blocks: map[string]*rpc.SignedBlock{
			"0xa": {Block: rpc.Block{Extrinsics: []hexutil.Bytes{
				EncodeTimestamp(3, 0, 30_000),
				make([]byte, 100),
			}}},
		},
	}
	r := NewRPCResolver(client, nil)

	block, err := r.BlockByNumber(context.Background(), 10)
	if err != nil {
		t.Fatalf("BlockByNumber(10) error = %v", err)
	}
	ts, ok := block.Timestamp()
	if !ok || ts != 30_000 {
		t.Errorf("Timestamp() = %d, %v, want 30000", ts, ok)
	}
	if len(block.Extrinsics) != 2 || block.Extrinsics[1].Len() != 100 {
		t.Errorf("extrinsics = %d", len(block.Extrinsics))
	}

	if _, err := r.BlockByNumber(context.Background(), 11); !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("BlockByNumber(11) error = %v, want ErrBlockNotFound (missing body)", err)
	}
	if _, err := r.BlockByNumber(context.Background(), 12); !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("BlockByNumber(12) error = %v, want ErrBlockNotFound (missing hash)", err)
	}
}

// fakeNode is a websocket endpoint that pushes a fixed number of heads.
type fakeNode struct {
	heads int

	mu           sync.Mutex
	unsubscribed []string
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Method {
		case subscribeMethod:
			_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "sub-1"})
			for i := 1; i <= n.heads; i++ {
				_ = conn.WriteJSON(map[string]any{
					"jsonrpc": "2.0",
					"method":  notifyMethod,
					"params": map[string]any{
						"subscription": "sub-1",
						"result":       map[string]any{"number": fmt.Sprintf("0x%x", i), "parentHash": "0x00"},
					},
				})
			}
		case unsubscribeMethod:
			n.mu.Lock()
			if len(req.Params) > 0 {
				n.unsubscribed = append(n.unsubscribed, fmt.Sprint(req.Params[0]))
			}
			n.mu.Unlock()
			_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": true})
		}
	}
}

func (n *fakeNode) unsubscribeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.unsubscribed)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestWSFeedDeliversUntilDone(t *testing.T) {
	node := &fakeNode{heads: 5}
	srv := httptest.NewServer(node)
	defer srv.Close()

	f := NewWSFeed("ws"+strings.TrimPrefix(srv.URL, "http"), nil)

	var got []uint64
	err := f.Subscribe(context.Background(), func(_ context.Context, h types.Header, _ int) (Signal, error) {
		got = append(got, h.Number)
		if len(got) == 3 {
			return Done, nil
		}
		return Continue, nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if fmt.Sprint(got) != "[1 2 3]" {
		t.Errorf("headers = %v, want [1 2 3]", got)
	}
	waitFor(t, func() bool { return node.unsubscribeCount() == 1 })
}

func TestWSFeedCancel(t *testing.T) {
	node := &fakeNode{heads: 1}
	srv := httptest.NewServer(node)
	defer srv.Close()

	f := NewWSFeed("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	ctx, cancel := context.WithCancel(context.Background())

	err := f.Subscribe(ctx, func(context.Context, types.Header, int) (Signal, error) {
		cancel()
		return Continue, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Subscribe() error = %v, want context.Canceled", err)
	}
	waitFor(t, func() bool { return node.unsubscribeCount() == 1 })
}
