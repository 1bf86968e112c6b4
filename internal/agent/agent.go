// Package agent runs on every host node. It answers control-plane RPC
// requests by driving the local container runtime and reports node and
// instance state back on the event stream.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/atvirokodosprendimai/knitgrid/internal/messaging"
	"github.com/atvirokodosprendimai/knitgrid/internal/spec"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Runtime manages containers on the local node. Implemented by
// docker.Client and test stubs.
type Runtime interface {
	PullImage(ctx context.Context, image string, auth *spec.RegistryAuth) (string, error)
	CreateInstance(ctx context.Context, inst messaging.InstanceSpec) (messaging.CreateInstanceResult, error)
	RemoveInstance(ctx context.Context, name string) error
	StartInstance(ctx context.Context, name string) error
	StopInstance(ctx context.Context, name string) error
}

// Config identifies the node an agent runs on.
type Config struct {
	NodeID            string
	Name              string
	Grid              string
	Address           string
	Labels            []string
	HeartbeatInterval time.Duration
	LBConfigDir       string
	PortTimeout       time.Duration
}

// Agent serves one node.
type Agent struct {
	cfg     Config
	nc      *nats.Conn
	runtime Runtime
	logger  logrus.FieldLogger

	// instances holds the last report of each instance created by
	// this agent. busy serializes runtime calls per instance name.
	mtx       sync.Mutex
	instances map[string]messaging.InstanceInfo
	busy      map[string]*sync.Mutex

	// inflight tracks RPC handlers still running.
	inflight sync.WaitGroup
}

// New returns an unstarted Agent.
func New(ctx context.Context, cfg Config, nc *nats.Conn, rt Runtime) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.PortTimeout <= 0 {
		cfg.PortTimeout = 2 * time.Second
	}
	return &Agent{
		cfg:       cfg,
		nc:        nc,
		runtime:   rt,
		logger:    ctxlog.FromContext(ctx).WithField("Node", cfg.NodeID),
		instances: map[string]messaging.InstanceInfo{},
		busy:      map[string]*sync.Mutex{},
	}
}

// Run subscribes to the node's RPC subject and sends heartbeats until
// ctx is done. Requests are handled concurrently, so a long image pull
// does not hold up calls for other instances. Run returns once the
// running handlers have finished.
func (a *Agent) Run(ctx context.Context) error {
	defer a.inflight.Wait()
	sub, err := a.nc.Subscribe(messaging.SubjectAgentRPC(a.cfg.NodeID), func(m *nats.Msg) {
		a.inflight.Add(1)
		go func() {
			defer a.inflight.Done()
			a.handle(ctx, m)
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe to rpc subject: %w", err)
	}
	defer sub.Unsubscribe()
	if err := a.nc.Flush(); err != nil {
		return fmt.Errorf("flush subscription: %w", err)
	}
	a.logger.Info("agent started")

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	a.heartbeat()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping")
			return nil
		case <-ticker.C:
			a.heartbeat()
		}
	}
}

func (a *Agent) heartbeat() {
	hostname, _ := os.Hostname()
	name := a.cfg.Name
	if name == "" {
		name = hostname
	}
	a.publish(messaging.EventNodeInfo, messaging.NodeInfo{
		NodeID:    a.cfg.NodeID,
		Name:      name,
		Address:   a.cfg.Address,
		Labels:    a.cfg.Labels,
		CPUs:      runtime.NumCPU(),
		Timestamp: time.Now().UTC(),
	})

	// Re-report known instances so the server can reconcile them after
	// the node was out of contact.
	a.mtx.Lock()
	infos := make([]messaging.InstanceInfo, 0, len(a.instances))
	for _, info := range a.instances {
		infos = append(infos, info)
	}
	a.mtx.Unlock()
	for _, info := range infos {
		a.publish(messaging.EventInstanceInfo, info)
	}
}

func (a *Agent) publish(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		a.logger.WithError(err).WithField("Event", event).Error("encoding event")
		return
	}
	msg, err := json.Marshal(messaging.Event{Type: event, Grid: a.cfg.Grid, NodeID: a.cfg.NodeID, Data: raw})
	if err != nil {
		a.logger.WithError(err).WithField("Event", event).Error("encoding event")
		return
	}
	if err := a.nc.Publish(messaging.SubjectAgentEvents, msg); err != nil {
		a.logger.WithError(err).WithField("Event", event).Error("publishing event")
	}
}

func (a *Agent) handle(ctx context.Context, m *nats.Msg) {
	var req messaging.Request
	var resp messaging.Response
	if err := json.Unmarshal(m.Data, &req); err != nil {
		resp.Error = &messaging.ResponseError{Code: messaging.CodeInvalidParams, Message: err.Error()}
	} else {
		logger := a.logger.WithField("Method", req.Method)
		result, err := a.dispatch(ctx, req)
		if err != nil {
			logger.WithError(err).Warn("rpc failed")
			resp.Error = toResponseError(err)
		} else {
			logger.Debug("rpc done")
			resp.Result, err = json.Marshal(result)
			if err != nil {
				resp.Error = &messaging.ResponseError{Code: messaging.CodeRuntime, Message: err.Error()}
			}
		}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		a.logger.WithError(err).Error("encoding rpc response")
		return
	}
	if err := m.Respond(data); err != nil {
		a.logger.WithError(err).Error("sending rpc response")
	}
}

type paramsError struct{ error }

var errUnknownMethod = errors.New("unknown method")

func toResponseError(err error) *messaging.ResponseError {
	code := messaging.CodeRuntime
	var pe paramsError
	switch {
	case errors.As(err, &pe):
		code = messaging.CodeInvalidParams
	case errors.Is(err, errUnknownMethod):
		code = messaging.CodeUnknownMethod
	case cerrdefs.IsNotFound(err):
		code = messaging.CodeNotFound
	}
	return &messaging.ResponseError{Code: code, Message: err.Error()}
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return paramsError{err}
	}
	return nil
}

func (a *Agent) dispatch(ctx context.Context, req messaging.Request) (any, error) {
	switch req.Method {
	case messaging.MethodPullImage:
		var p messaging.PullImageParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := a.runtime.PullImage(ctx, p.Image, p.Auth)
		if err != nil {
			return nil, err
		}
		return messaging.PullImageResult{ImageID: id}, nil

	case messaging.MethodCreateInstance:
		var inst messaging.InstanceSpec
		if err := decode(req.Params, &inst); err != nil {
			return nil, err
		}
		return a.createInstance(ctx, inst)

	case messaging.MethodRemoveInstance:
		var p messaging.InstanceParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return a.removeInstance(ctx, p.Name)

	case messaging.MethodStartInstance, messaging.MethodStopInstance:
		var p messaging.InstanceParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return a.setRunning(ctx, p.Name, req.Method == messaging.MethodStartInstance)

	case messaging.MethodPortOpen:
		var p messaging.PortOpenParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return messaging.PortOpenResult{Open: a.portOpen(p.Address, p.Port)}, nil

	case messaging.MethodConfigureLoadBalancer:
		var cfg messaging.LoadBalancerConfig
		if err := decode(req.Params, &cfg); err != nil {
			return nil, err
		}
		return messaging.Ack{OK: true}, a.configureLoadBalancer(cfg)

	default:
		return nil, fmt.Errorf("%w %q", errUnknownMethod, req.Method)
	}
}

// lockInstance serializes runtime calls for one instance name and
// returns the unlock function.
func (a *Agent) lockInstance(name string) func() {
	a.mtx.Lock()
	m, ok := a.busy[name]
	if !ok {
		m = &sync.Mutex{}
		a.busy[name] = m
	}
	a.mtx.Unlock()
	m.Lock()
	return m.Unlock
}

func (a *Agent) createInstance(ctx context.Context, inst messaging.InstanceSpec) (any, error) {
	defer a.lockInstance(inst.Name)()
	res, err := a.runtime.CreateInstance(ctx, inst)
	if err != nil {
		return nil, err
	}
	info := messaging.InstanceInfo{
		ServiceID:      inst.ServiceID,
		ServiceName:    inst.ServiceName,
		Name:           inst.Name,
		InstanceNumber: inst.InstanceNumber,
		DeployRev:      inst.DeployRev,
		ContainerID:    res.ContainerID,
		Status:         "running",
		IPAddress:      res.IPAddress,
	}
	a.mtx.Lock()
	a.instances[inst.Name] = info
	a.mtx.Unlock()

	a.publish(messaging.EventInstanceInfo, info)
	return res, nil
}

func (a *Agent) removeInstance(ctx context.Context, name string) (any, error) {
	defer a.lockInstance(name)()
	if err := a.runtime.RemoveInstance(ctx, name); err != nil && !cerrdefs.IsNotFound(err) {
		return nil, err
	}
	a.mtx.Lock()
	delete(a.instances, name)
	a.mtx.Unlock()
	a.publish(messaging.EventInstanceEvent, messaging.InstanceEvent{Name: name, Status: "destroy"})
	return messaging.Ack{OK: true}, nil
}

func (a *Agent) setRunning(ctx context.Context, name string, running bool) (any, error) {
	defer a.lockInstance(name)()
	var err error
	status := "running"
	if running {
		err = a.runtime.StartInstance(ctx, name)
	} else {
		status = "stopped"
		err = a.runtime.StopInstance(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	a.mtx.Lock()
	info, known := a.instances[name]
	if known {
		info.Status = status
		a.instances[name] = info
	}
	a.mtx.Unlock()
	if known {
		a.publish(messaging.EventInstanceInfo, info)
	}
	return messaging.Ack{OK: true}, nil
}

func (a *Agent) portOpen(address string, port int) bool {
	if address == "" {
		address = "127.0.0.1"
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), a.cfg.PortTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// configureLoadBalancer writes the backend set where the node's load
// balancer picks it up: <LBConfigDir>/<lb>/<service>.json.
func (a *Agent) configureLoadBalancer(cfg messaging.LoadBalancerConfig) error {
	if a.cfg.LBConfigDir == "" {
		return errors.New("load balancer config dir is not set")
	}
	if cfg.LoadBalancer == "" || cfg.Service == "" {
		return paramsError{errors.New("load balancer and service are required")}
	}
	dir := filepath.Join(a.cfg.LBConfigDir, filepath.Base(cfg.LoadBalancer))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, filepath.Base(cfg.Service)+".json"))
}
