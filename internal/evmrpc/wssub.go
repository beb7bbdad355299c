package evmrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/arcsign/withdrawalengine/internal/chainregistry"
)

// WSConn implements chainregistry.WSClient over a gorilla/websocket
// connection, the same library the pack's other retrieved repos dial
// exchange/node streams with.
type WSConn struct {
	conn *websocket.Conn
}

// NewWSFactory returns a chainregistry.WSFactory dialing a raw
// ws(s):// JSON-RPC endpoint.
func NewWSFactory() chainregistry.WSFactory {
	return func(url string) (chainregistry.WSClient, error) {
		if url == "" {
			return nil, fmt.Errorf("evmrpc: empty WS url")
		}
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return nil, fmt.Errorf("evmrpc: dial ws %s: %w", url, err)
		}
		return &WSConn{conn: conn}, nil
	}
}

type subscribeRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// Subscribe sends an eth_subscribe request and streams every subsequent
// frame's raw bytes on the returned channel until the connection closes.
// Frames are passed on undecoded. The monitor's block watch loop does not
// call it: it polls the block number over RPC instead.
func (c *WSConn) Subscribe(ctx context.Context, method string, params interface{}) (<-chan []byte, error) {
	plist, _ := params.([]interface{})
	req := subscribeRequest{JSONRPC: "2.0", ID: 1, Method: "eth_subscribe", Params: append([]interface{}{method}, plist...)}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("evmrpc: subscribe %s: %w", method, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case out <- data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases the underlying WebSocket connection.
func (c *WSConn) Close() error { return c.conn.Close() }

// decodeNewHeadNotification extracts the hex block number from one
// eth_subscribe("newHeads") notification frame, or ("", false) for
// frames that are not head notifications (subscription acks, pings).
func decodeNewHeadNotification(frame []byte) (string, bool) {
	var note struct {
		Params struct {
			Result struct {
				Number string `json:"number"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(frame, &note); err != nil {
		return "", false
	}
	if note.Params.Result.Number == "" {
		return "", false
	}
	return note.Params.Result.Number, true
}
