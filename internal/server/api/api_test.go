package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"github.com/atvirokodosprendimai/knitgrid/internal/deployer"
	"github.com/atvirokodosprendimai/knitgrid/internal/lock"
	"github.com/atvirokodosprendimai/knitgrid/internal/messaging"
	"github.com/atvirokodosprendimai/knitgrid/internal/spec"
	"github.com/atvirokodosprendimai/knitgrid/internal/store"
	"github.com/atvirokodosprendimai/knitgrid/internal/store/storetest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reportingAgents reports each created instance back immediately.
type reportingAgents struct {
	store *store.Store
}

func (a *reportingAgents) PullImage(_ context.Context, _ *db.HostNode, image string, _ *spec.RegistryAuth) (string, error) {
	return image, nil
}

func (a *reportingAgents) CreateInstance(ctx context.Context, node *db.HostNode, inst messaging.InstanceSpec) error {
	return a.store.ApplyInstanceReport(ctx, node.ID, messaging.InstanceInfo{
		ServiceID: inst.ServiceID, Name: inst.Name, InstanceNumber: inst.InstanceNumber,
		DeployRev: inst.DeployRev, Status: "running",
	})
}

func (a *reportingAgents) RemoveInstance(context.Context, *db.HostNode, string) error { return nil }
func (a *reportingAgents) StartInstance(context.Context, *db.HostNode, string) error  { return nil }
func (a *reportingAgents) StopInstance(context.Context, *db.HostNode, string) error   { return nil }
func (a *reportingAgents) PortOpen(context.Context, *db.HostNode, string, int) (bool, error) {
	return true, nil
}
func (a *reportingAgents) ConfigureLoadBalancer(context.Context, *db.HostNode, messaging.LoadBalancerConfig) error {
	return nil
}

type fixture struct {
	store    *store.Store
	deployer *deployer.Deployer
	handler  http.Handler
}

func setup(t *testing.T) *fixture {
	s := storetest.New(t)
	reg := prometheus.NewRegistry()
	d := deployer.New(deployer.Options{
		Store:        s,
		Agents:       &reportingAgents{store: s},
		Locker:       lock.New(s.DB()),
		Registry:     reg,
		PollInterval: 5 * time.Millisecond,
	})
	return &fixture{store: s, deployer: d, handler: NewRouter(s, d, reg)}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestPing(t *testing.T) {
	f := setup(t)
	rec := f.do(t, "GET", "/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"pong"}`, rec.Body.String())
}

func TestGridsAndServices(t *testing.T) {
	f := setup(t)

	rec := f.do(t, "POST", "/grids", `{"name":"prod"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusConflict, f.do(t, "POST", "/grids", `{"name":"prod"}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "POST", "/grids/nope/services", `{"name":"web","image":"nginx"}`).Code)

	rec = f.do(t, "POST", "/grids/prod/services", `{"name":"web","image":"nginx:1.25","container_count":2,"ports":[{"node_port":80,"container_port":80}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID    uint   `json:"id"`
		State string `json:"state"`
		Name  string `json:"name"`
		Net   string `json:"net"`
	}
	decode(t, rec, &created)
	assert.Equal(t, "web", created.Name)
	assert.Equal(t, "initial", created.State)
	assert.Equal(t, "bridge", created.Net)

	rec = f.do(t, "POST", "/grids/prod/services", `{"name":"web","image":"nginx","stateful":true,"volumes_from":["x"],"load_balancer":"lb","affinity":["rack~1"]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var ve deployer.ValidationError
	decode(t, rec, &ve)
	var fields []string
	for _, fe := range ve.Errors {
		fields = append(fields, fe.Field+"/"+fe.Code)
	}
	assert.ElementsMatch(t, []string{"volumes_from/invalid", "name/taken", "load_balancer/not_found", "affinity/invalid"}, fields)

	rec = f.do(t, "GET", "/services/"+itoa(created.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"container_port":80`)
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/services/999", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/services/abc", "").Code)
}

func TestDeployFlow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	grid := storetest.Grid(t, f.store, "test")
	web := storetest.Service(t, f.store, grid, "web", 3, false)
	path := "/services/" + itoa(web.ID)

	// No nodes yet.
	rec := f.do(t, "POST", path+"/deploy", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "no_nodes")

	storetest.Node(t, f.store, grid, "node-1")
	storetest.Node(t, f.store, grid, "node-2")

	rec = f.do(t, "GET", path+"/deploy/preview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"strategy":"ha","schedulable":true}`, rec.Body.String())
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, "GET", path+"/deploy/preview?strategy=binpack", "").Code)

	rec = f.do(t, "POST", path+"/deploy", `{"strategy":"ha"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	f.deployer.Wait()

	svc, err := f.store.Service(ctx, web.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ServiceStateRunning, svc.State)

	rec = f.do(t, "GET", path+"/instances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var insts []instanceView
	decode(t, rec, &insts)
	require.Len(t, insts, 3)
	for _, inst := range insts {
		assert.Equal(t, svc.DeployRev, inst.DeployRev)
		assert.NotEmpty(t, inst.Node)
	}

	rec = f.do(t, "POST", path+"/stop", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"state":"stopped"`)
	rec = f.do(t, "POST", path+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"state":"running"`)

	require.NoError(t, f.store.SetServiceState(ctx, web.ID, db.ServiceStateDeploying))
	assert.Equal(t, http.StatusConflict, f.do(t, "POST", path+"/stop", "").Code)

	rec = f.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `knitgrid_deployer_rollouts_total{result="succeeded"} 1`)
}

func TestNodesAndRegistries(t *testing.T) {
	f := setup(t)
	grid := storetest.Grid(t, f.store, "test")
	storetest.Node(t, f.store, grid, "node-1", "ssd")

	rec := f.do(t, "GET", "/grids/test/nodes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []db.HostNode
	decode(t, rec, &nodes)
	require.Len(t, nodes, 1)
	assert.Equal(t, "ssd", nodes[0].Labels)

	rec = f.do(t, "POST", "/grids/test/registries", `{"url":"https://registry.example.com:5000","username":"u","password":"p"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg, err := f.store.RegistryFor(context.Background(), grid.ID, "registry.example.com:5000")
	require.NoError(t, err)
	assert.Equal(t, "p", reg.Password)

	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, "POST", "/grids/test/registries", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/grids/test/registries", `{`).Code)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
