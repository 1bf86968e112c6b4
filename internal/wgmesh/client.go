// Package wgmesh talks to the local wg-mesh daemon over its JSON-RPC
// unix socket.
package wgmesh

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Client is a wg-mesh JSON-RPC client. Each call uses a new connection.
type Client struct {
	socketPath string
	Timeout    time.Duration
	nextID     atomic.Int64
}

// NewClient returns a client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, Timeout: 5 * time.Second}
}

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      int64          `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wg-mesh error %d: %s", e.Code, e.Message)
}

// PeerInfo is one entry of the peers.list result.
type PeerInfo struct {
	Name     string `json:"name"`
	PubKey   string `json:"pubkey"`
	MeshIP   string `json:"mesh_ip"`
	Endpoint string `json:"endpoint"`
	LastSeen string `json:"last_seen"`
}

// PeersListResult is the result of peers.list.
type PeersListResult struct {
	Peers []*PeerInfo `json:"peers"`
}

// Peers returns the peers currently known to the mesh.
func (c *Client) Peers(ctx context.Context) ([]*PeerInfo, error) {
	var res PeersListResult
	if err := c.call(ctx, "peers.list", nil, &res); err != nil {
		return nil, err
	}
	return res.Peers, nil
}

func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("connect to wg-mesh socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	deadline := time.Now().Add(c.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	req, err := json.Marshal(RPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	// wg-mesh reads newline-delimited requests.
	if _, err := conn.Write(append(req, '\n')); err != nil {
		return fmt.Errorf("write %s request: %w", method, err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	var resp RPCResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
