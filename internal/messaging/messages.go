package messaging

import (
	"encoding/json"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/spec"
)

// Event is the envelope of every agent report.
type Event struct {
	Type   string          `json:"event"`
	Grid   string          `json:"grid"`
	NodeID string          `json:"node_id"`
	Data   json.RawMessage `json:"data"`
}

// NodeInfo is the heartbeat an agent publishes about its node.
type NodeInfo struct {
	NodeID    string    `json:"node_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Labels    []string  `json:"labels,omitempty"`
	CPUs      int       `json:"cpus"`
	Memory    int64     `json:"memory"`
	Timestamp time.Time `json:"timestamp"`
}

// InstanceInfo reports the state of one service instance on a node.
type InstanceInfo struct {
	ServiceID      uint   `json:"service_id"`
	ServiceName    string `json:"service_name"`
	Name           string `json:"name"`
	InstanceNumber int    `json:"instance_number"`
	DeployRev      string `json:"deploy_rev"`
	ContainerID    string `json:"container_id"`
	Status         string `json:"status"`
	IPAddress      string `json:"ip_address,omitempty"`
}

// InstanceEvent reports a runtime event for an instance, e.g. "destroy".
type InstanceEvent struct {
	Name        string `json:"name"`
	ContainerID string `json:"container_id,omitempty"`
	Status      string `json:"status"`
}

// Request is the envelope of an RPC call to an agent.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the envelope of an agent's RPC answer. Exactly one of
// Result and Error is set.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// ResponseError is an application-level failure reported by an agent.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in ResponseError.
const (
	CodeNotFound      = "not_found"
	CodeInvalidParams = "invalid_params"
	CodeUnknownMethod = "unknown_method"
	CodeRuntime       = "runtime_error"
)

// RPC methods served by agents.
const (
	MethodPullImage             = "pullImage"
	MethodCreateInstance        = "createInstance"
	MethodRemoveInstance        = "removeInstance"
	MethodStartInstance         = "startInstance"
	MethodStopInstance          = "stopInstance"
	MethodPortOpen              = "portOpen"
	MethodConfigureLoadBalancer = "configureLoadBalancer"
)

// PullImageParams asks an agent to pull an image.
type PullImageParams struct {
	Image string             `json:"image"`
	Auth  *spec.RegistryAuth `json:"auth,omitempty"`
}

// PullImageResult carries the id of the pulled image.
type PullImageResult struct {
	ImageID string `json:"image_id"`
}

// InstanceSpec is everything an agent needs to create one instance.
type InstanceSpec struct {
	ServiceID      uint              `json:"service_id"`
	ServiceName    string            `json:"service_name"`
	Name           string            `json:"name"`
	InstanceNumber int               `json:"instance_number"`
	DeployRev      string            `json:"deploy_rev"`
	Image          string            `json:"image"`
	Stateful       bool              `json:"stateful"`
	User           string            `json:"user,omitempty"`
	Cmd            []string          `json:"cmd,omitempty"`
	Env            []string          `json:"env,omitempty"`
	Net            string            `json:"net,omitempty"`
	CPUShares      int               `json:"cpu_shares,omitempty"`
	Memory         int64             `json:"memory,omitempty"`
	MemorySwap     int64             `json:"memory_swap,omitempty"`
	Ports          []spec.PortSpec   `json:"ports,omitempty"`
	Volumes        []string          `json:"volumes,omitempty"`
	VolumesFrom    []string          `json:"volumes_from,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// CreateInstanceResult carries the runtime id of the created instance
// and its address on the container network. IPAddress is empty for
// host-networked instances.
type CreateInstanceResult struct {
	ContainerID string `json:"container_id"`
	IPAddress   string `json:"ip_address,omitempty"`
}

// InstanceParams names an instance for remove/start/stop.
type InstanceParams struct {
	Name string `json:"name"`
}

// PortOpenParams asks whether address:port accepts connections.
type PortOpenParams struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// PortOpenResult answers PortOpenParams.
type PortOpenResult struct {
	Open bool `json:"open"`
}

// LoadBalancerBackend is one instance behind a load balancer.
type LoadBalancerBackend struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Ports   []int  `json:"ports,omitempty"`
}

// LoadBalancerConfig is the backend set of one service on one load
// balancer.
type LoadBalancerConfig struct {
	LoadBalancer string                `json:"load_balancer"`
	Service      string                `json:"service"`
	Backends     []LoadBalancerBackend `json:"backends"`
}

// Ack is the result of calls that return nothing else.
type Ack struct {
	OK bool `json:"ok"`
}

// Labels set on every instance container.
const (
	LabelServiceID      = "io.knit.service.id"
	LabelServiceName    = "io.knit.service.name"
	LabelInstanceName   = "io.knit.container.name"
	LabelInstanceNumber = "io.knit.service.instance_number"
	LabelDeployRev      = "io.knit.container.deploy_rev"
)
