package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/agent"
	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"github.com/atvirokodosprendimai/knitgrid/internal/messaging"
	"github.com/atvirokodosprendimai/knitgrid/internal/messaging/natstest"
	"github.com/atvirokodosprendimai/knitgrid/internal/rpc"
	"github.com/atvirokodosprendimai/knitgrid/internal/spec"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRuntime struct {
	sync.Mutex
	pulls      []string
	containers map[string]messaging.InstanceSpec
	stopped    map[string]bool
	failCreate error
	// pullGate, if set, holds pulls until it is closed. pullStarted
	// receives the image of every pull that reached the gate.
	pullGate    chan struct{}
	pullStarted chan string
}

func (r *stubRuntime) PullImage(ctx context.Context, image string, _ *spec.RegistryAuth) (string, error) {
	r.Lock()
	gate, started := r.pullGate, r.pullStarted
	r.Unlock()
	if gate != nil {
		started <- image
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	r.Lock()
	defer r.Unlock()
	r.pulls = append(r.pulls, image)
	return "sha256:" + image, nil
}

func (r *stubRuntime) CreateInstance(_ context.Context, inst messaging.InstanceSpec) (messaging.CreateInstanceResult, error) {
	r.Lock()
	defer r.Unlock()
	if r.failCreate != nil {
		return messaging.CreateInstanceResult{}, r.failCreate
	}
	r.containers[inst.Name] = inst
	return messaging.CreateInstanceResult{ContainerID: "ctr-" + inst.Name, IPAddress: "172.17.0.9"}, nil
}

func (r *stubRuntime) RemoveInstance(_ context.Context, name string) error {
	r.Lock()
	defer r.Unlock()
	delete(r.containers, name)
	return nil
}

func (r *stubRuntime) StartInstance(_ context.Context, name string) error {
	return r.setStopped(name, false)
}

func (r *stubRuntime) StopInstance(_ context.Context, name string) error {
	return r.setStopped(name, true)
}

func (r *stubRuntime) setStopped(name string, stopped bool) error {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.containers[name]; !ok {
		return fmt.Errorf("container %s: %w", name, cerrdefs.ErrNotFound)
	}
	r.stopped[name] = stopped
	return nil
}

type fixture struct {
	nc      *nats.Conn
	rt      *stubRuntime
	client  *rpc.Client
	node    *db.HostNode
	events  chan messaging.Event
	lbDir   string
	cancel  context.CancelFunc
	stopped chan struct{}
}

func setup(t *testing.T) *fixture {
	return setupConfig(t, func(*agent.Config) {})
}

func setupConfig(t *testing.T, configure func(*agent.Config)) *fixture {
	nc := natstest.Connect(t)
	f := &fixture{
		nc:      nc,
		rt:      &stubRuntime{containers: map[string]messaging.InstanceSpec{}, stopped: map[string]bool{}},
		client:  rpc.NewClient(nc),
		node:    &db.HostNode{NodeID: "node-1"},
		events:  make(chan messaging.Event, 100),
		lbDir:   t.TempDir(),
		stopped: make(chan struct{}),
	}
	f.client.Timeout = 2 * time.Second

	_, err := nc.Subscribe(messaging.SubjectAgentEvents, func(m *nats.Msg) {
		var ev messaging.Event
		if json.Unmarshal(m.Data, &ev) == nil {
			f.events <- ev
		}
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	cfg := agent.Config{
		NodeID:            "node-1",
		Name:              "node-1",
		Grid:              "test",
		HeartbeatInterval: time.Hour,
		LBConfigDir:       f.lbDir,
	}
	configure(&cfg)
	a := agent.New(ctx, cfg, nc, f.rt)
	go func() {
		defer close(f.stopped)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-f.stopped
	})

	// The first heartbeat is sent once the subscription is ready.
	ev := f.next(t, messaging.EventNodeInfo)
	assert.Equal(t, "test", ev.Grid)
	return f
}

func (f *fixture) next(t *testing.T, typ string) messaging.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if typ == "" || ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestPullAndCreate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.client.PullImage(ctx, f.node, "nginx:1.25", &spec.RegistryAuth{Username: "u"})
	require.NoError(t, err)
	assert.Equal(t, "sha256:nginx:1.25", id)

	err = f.client.CreateInstance(ctx, f.node, messaging.InstanceSpec{
		ServiceID: 3, ServiceName: "web", Name: "web-1", InstanceNumber: 1, DeployRev: "r1", Image: "nginx:1.25",
	})
	require.NoError(t, err)

	ev := f.next(t, messaging.EventInstanceInfo)
	var info messaging.InstanceInfo
	require.NoError(t, json.Unmarshal(ev.Data, &info))
	assert.Equal(t, "node-1", ev.NodeID)
	assert.Equal(t, "web-1", info.Name)
	assert.Equal(t, "r1", info.DeployRev)
	assert.Equal(t, "ctr-web-1", info.ContainerID)
	assert.Equal(t, "172.17.0.9", info.IPAddress)
	assert.EqualValues(t, 3, info.ServiceID)
}

func TestSlowPullDoesNotBlockOtherCalls(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	gate, started := make(chan struct{}), make(chan string, 1)
	f.rt.Lock()
	f.rt.pullGate, f.rt.pullStarted = gate, started
	f.rt.Unlock()

	pulled := make(chan error, 1)
	go func() {
		_, err := f.client.PullImage(ctx, f.node, "big:latest", nil)
		pulled <- err
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("pull did not reach the runtime")
	}

	quick := rpc.NewClient(f.nc)
	quick.Timeout = 500 * time.Millisecond
	require.NoError(t, quick.CreateInstance(ctx, f.node, messaging.InstanceSpec{ServiceID: 4, Name: "api-1", InstanceNumber: 1}))
	open, err := quick.PortOpen(ctx, f.node, "127.0.0.1", 1)
	require.NoError(t, err)
	assert.False(t, open)

	select {
	case err := <-pulled:
		t.Fatalf("pull finished before it was released: %v", err)
	default:
	}
	close(gate)
	select {
	case err := <-pulled:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pull did not finish")
	}
}

func TestHeartbeatReReportsInstances(t *testing.T) {
	f := setupConfig(t, func(cfg *agent.Config) { cfg.HeartbeatInterval = 50 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, f.client.CreateInstance(ctx, f.node, messaging.InstanceSpec{ServiceID: 3, Name: "web-1", InstanceNumber: 1, DeployRev: "r1"}))
	f.next(t, messaging.EventInstanceInfo)

	// The next heartbeat carries the instance again.
	f.next(t, messaging.EventNodeInfo)
	var info messaging.InstanceInfo
	require.NoError(t, json.Unmarshal(f.next(t, messaging.EventInstanceInfo).Data, &info))
	assert.Equal(t, "web-1", info.Name)
	assert.Equal(t, "r1", info.DeployRev)
	assert.Equal(t, "ctr-web-1", info.ContainerID)

	// Heartbeats after the destroy report no instances.
	require.NoError(t, f.client.RemoveInstance(ctx, f.node, "web-1"))
	f.next(t, messaging.EventInstanceEvent)
	f.next(t, messaging.EventNodeInfo)
	for ev := f.next(t, ""); ev.Type != messaging.EventNodeInfo; ev = f.next(t, "") {
		assert.NotEqual(t, messaging.EventInstanceInfo, ev.Type, "removed instance reported again")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.client.RemoveInstance(ctx, f.node, "never-existed"))
	ev := f.next(t, messaging.EventInstanceEvent)
	var ie messaging.InstanceEvent
	require.NoError(t, json.Unmarshal(ev.Data, &ie))
	assert.Equal(t, "destroy", ie.Status)
	assert.Equal(t, "never-existed", ie.Name)
}

func TestStartStop(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.client.StopInstance(ctx, f.node, "missing-1")
	assert.True(t, rpc.IsNotFound(err), "%v", err)

	require.NoError(t, f.client.CreateInstance(ctx, f.node, messaging.InstanceSpec{ServiceID: 3, Name: "web-1", InstanceNumber: 1, DeployRev: "r1"}))
	f.next(t, messaging.EventInstanceInfo)
	require.NoError(t, f.client.StopInstance(ctx, f.node, "web-1"))
	f.rt.Lock()
	assert.True(t, f.rt.stopped["web-1"])
	f.rt.Unlock()

	var info messaging.InstanceInfo
	require.NoError(t, json.Unmarshal(f.next(t, messaging.EventInstanceInfo).Data, &info))
	assert.Equal(t, "stopped", info.Status)
	assert.Equal(t, "ctr-web-1", info.ContainerID)
	assert.Equal(t, "r1", info.DeployRev)

	require.NoError(t, f.client.StartInstance(ctx, f.node, "web-1"))
	require.NoError(t, json.Unmarshal(f.next(t, messaging.EventInstanceInfo).Data, &info))
	assert.Equal(t, "running", info.Status)
}

func TestAgentErrors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.rt.Lock()
	f.rt.failCreate = errors.New("disk full")
	f.rt.Unlock()
	err := f.client.CreateInstance(ctx, f.node, messaging.InstanceSpec{Name: "web-1"})
	var ae *rpc.AgentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, messaging.CodeRuntime, ae.Code)
	assert.False(t, rpc.IsTransport(err))

	// Nobody serves this node.
	f.client.Timeout = 200 * time.Millisecond
	err = f.client.RemoveInstance(ctx, &db.HostNode{NodeID: "ghost"}, "web-1")
	assert.True(t, rpc.IsTransport(err), "%v", err)
}

func TestPortOpen(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	open, err := f.client.PortOpen(ctx, f.node, "127.0.0.1", port)
	require.NoError(t, err)
	assert.True(t, open)

	ln.Close()
	open, err = f.client.PortOpen(ctx, f.node, "", port)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestConfigureLoadBalancer(t *testing.T) {
	f := setup(t)
	cfg := messaging.LoadBalancerConfig{
		LoadBalancer: "lb",
		Service:      "web",
		Backends:     []messaging.LoadBalancerBackend{{Name: "web-1", Address: "10.0.0.2", Ports: []int{80}}},
	}
	require.NoError(t, f.client.ConfigureLoadBalancer(context.Background(), f.node, cfg))

	data, err := os.ReadFile(filepath.Join(f.lbDir, "lb", "web.json"))
	require.NoError(t, err)
	var got messaging.LoadBalancerConfig
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, cfg, got)
}
