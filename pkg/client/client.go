/*
Package client is the Go client SDK used by slogctl and by integration
tests: a thin DEALER-socket wrapper around the Server's JSON request
protocol (spec §6).
*/
package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bdeggleston/slogdb/internal/server"
)

// Client is a connection to one Server endpoint. A Client is safe for
// concurrent use by multiple goroutines; requests are serialized onto
// the single underlying DEALER socket the way the teacher's
// `RemoteNode.getConnection` serializes outbound writes onto one cached
// connection per peer.
type Client struct {
	mu   sync.Mutex
	sock *zmq.Socket
	ctx  *zmq.Context

	timeout time.Duration
}

// Dial connects a DEALER socket to a Server's ROUTER endpoint at addr
// ("host:port").
func Dial(addr string) (*Client, error) {
	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("client: new zmq context: %w", err)
	}
	sock, err := zctx.NewSocket(zmq.DEALER)
	if err != nil {
		return nil, fmt.Errorf("client: new DEALER socket: %w", err)
	}
	if err := sock.Connect("tcp://" + addr); err != nil {
		return nil, fmt.Errorf("client: connect %v: %w", addr, err)
	}
	return &Client{sock: sock, ctx: zctx, timeout: 15 * time.Second}, nil
}

// Close releases the underlying socket and context.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sock.Close(); err != nil {
		return err
	}
	return c.ctx.Term()
}

// SetTimeout overrides the default 15s per-request timeout.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

func (c *Client) roundTrip(req *server.Request) (*server.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: marshaling request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sock.SetRcvtimeo(c.timeout); err != nil {
		return nil, fmt.Errorf("client: setting recv timeout: %w", err)
	}
	if _, err := c.sock.SendMessage([]byte{}, body); err != nil {
		return nil, fmt.Errorf("client: sending request: %w", err)
	}

	frames, err := c.sock.RecvMessageBytes(0)
	if err != nil {
		return nil, fmt.Errorf("client: receiving response: %w", err)
	}
	if len(frames) != 2 {
		return nil, fmt.Errorf("client: malformed response (%d frames)", len(frames))
	}

	var resp server.Response
	if err := json.Unmarshal(frames[1], &resp); err != nil {
		return nil, fmt.Errorf("client: unmarshaling response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("client: server error: %s", resp.Error)
	}
	return &resp, nil
}

// SubmitTxn submits one transaction and waits for its final result.
func (c *Client) SubmitTxn(txn *server.TxnRequest) (*server.TxnResultJSON, error) {
	resp, err := c.roundTrip(&server.Request{Kind: "txn", Txn: txn})
	if err != nil {
		return nil, err
	}
	if resp.Txn == nil {
		return nil, fmt.Errorf("client: server returned no txn result")
	}
	return resp.Txn, nil
}

// Stats fetches one module's raw JSON stats snapshot.
func (c *Client) Stats(module string, level int) (string, error) {
	resp, err := c.roundTrip(&server.Request{Kind: "stats", StatsModule: module, StatsLevel: level})
	if err != nil {
		return "", err
	}
	return resp.JSON, nil
}

// Metrics asks the Server to flush counters under prefix; which
// counters that covers is decided by the Server's metrics handler.
func (c *Client) Metrics(prefix string) error {
	_, err := c.roundTrip(&server.Request{Kind: "metrics", MetricsPrefix: prefix})
	return err
}
