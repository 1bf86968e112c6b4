// Package rpc is the request/response channel from the control plane
// to node agents, carried over NATS request/reply.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"github.com/atvirokodosprendimai/knitgrid/internal/messaging"
	"github.com/atvirokodosprendimai/knitgrid/internal/spec"
	"github.com/nats-io/nats.go"
)

// DefaultTimeout bounds a single RPC round trip. Image pulls get
// PullTimeout instead.
var (
	DefaultTimeout = 30 * time.Second
	PullTimeout    = 10 * time.Minute
)

// TransportError means the request never got an answer from the agent:
// no responder, a broker failure, a timeout or an unreadable reply.
type TransportError struct {
	Node   string
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc %s to node %s: %v", e.Method, e.Node, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AgentError is an application-level failure reported by the agent.
type AgentError struct {
	Node    string
	Method  string
	Code    string
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s failed %s: %s (%s)", e.Node, e.Method, e.Message, e.Code)
}

// IsNotFound reports whether err is an agent "not found" answer.
func IsNotFound(err error) bool {
	var ae *AgentError
	return errors.As(err, &ae) && ae.Code == messaging.CodeNotFound
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Client calls agents.
type Client struct {
	nc      *nats.Conn
	Timeout time.Duration
}

// NewClient returns a Client publishing requests on nc.
func NewClient(nc *nats.Conn) *Client {
	return &Client{nc: nc, Timeout: DefaultTimeout}
}

func (c *Client) call(ctx context.Context, node *db.HostNode, method string, timeout time.Duration, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	data, err := json.Marshal(messaging.Request{Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := c.nc.RequestWithContext(ctx, messaging.SubjectAgentRPC(node.NodeID), data)
	if err != nil {
		return &TransportError{Node: node.NodeID, Method: method, Err: err}
	}

	var resp messaging.Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return &TransportError{Node: node.NodeID, Method: method, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Error != nil {
		return &AgentError{Node: node.NodeID, Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return &TransportError{Node: node.NodeID, Method: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

// PullImage pulls image on node and returns its id.
func (c *Client) PullImage(ctx context.Context, node *db.HostNode, image string, auth *spec.RegistryAuth) (string, error) {
	var res messaging.PullImageResult
	err := c.call(ctx, node, messaging.MethodPullImage, PullTimeout, messaging.PullImageParams{Image: image, Auth: auth}, &res)
	return res.ImageID, err
}

// CreateInstance creates and starts an instance on node.
func (c *Client) CreateInstance(ctx context.Context, node *db.HostNode, inst messaging.InstanceSpec) error {
	return c.call(ctx, node, messaging.MethodCreateInstance, c.Timeout, inst, &messaging.CreateInstanceResult{})
}

// RemoveInstance removes the named instance from node.
func (c *Client) RemoveInstance(ctx context.Context, node *db.HostNode, name string) error {
	return c.call(ctx, node, messaging.MethodRemoveInstance, c.Timeout, messaging.InstanceParams{Name: name}, nil)
}

// StartInstance starts the named instance on node if it is not running.
func (c *Client) StartInstance(ctx context.Context, node *db.HostNode, name string) error {
	return c.call(ctx, node, messaging.MethodStartInstance, c.Timeout, messaging.InstanceParams{Name: name}, nil)
}

// StopInstance stops the named instance on node if it is running.
func (c *Client) StopInstance(ctx context.Context, node *db.HostNode, name string) error {
	return c.call(ctx, node, messaging.MethodStopInstance, c.Timeout, messaging.InstanceParams{Name: name}, nil)
}

// PortOpen asks node whether address:port accepts TCP connections.
func (c *Client) PortOpen(ctx context.Context, node *db.HostNode, address string, port int) (bool, error) {
	var res messaging.PortOpenResult
	err := c.call(ctx, node, messaging.MethodPortOpen, c.Timeout, messaging.PortOpenParams{Address: address, Port: port}, &res)
	return res.Open, err
}

// ConfigureLoadBalancer pushes a backend set to the load balancer
// managed by node.
func (c *Client) ConfigureLoadBalancer(ctx context.Context, node *db.HostNode, cfg messaging.LoadBalancerConfig) error {
	return c.call(ctx, node, messaging.MethodConfigureLoadBalancer, c.Timeout, cfg, nil)
}
