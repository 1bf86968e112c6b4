package docker

import (
	"encoding/base64"
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/atvirokodosprendimai/knitgrid/internal/messaging"
	"github.com/atvirokodosprendimai/knitgrid/internal/spec"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildConfig(t *testing.T) {
	inst := messaging.InstanceSpec{
		ServiceID:      7,
		ServiceName:    "web",
		Name:           "web-2",
		InstanceNumber: 2,
		DeployRev:      "2026-10-16T10:00:00Z",
		Image:          "nginx:1.25",
		Cmd:            []string{"nginx", "-g", "daemon off;"},
		Env:            []string{"A=1"},
		Net:            "bridge",
		CPUShares:      512,
		Memory:         64 << 20,
		Volumes:        []string{"/data", "/etc/web:/etc/web:ro"},
		VolumesFrom:    []string{"data-%s"},
		Ports:          []spec.PortSpec{{IP: "0.0.0.0", Protocol: "tcp", NodePort: 8080, ContainerPort: 80}},
		Labels:         map[string]string{"team": "edge"},
	}

	cfg, hostCfg, err := buildConfig(inst)
	require.NoError(t, err)

	assert.Equal(t, "nginx:1.25", cfg.Image)
	assert.Equal(t, "web-2", cfg.Hostname)
	assert.Equal(t, "edge", cfg.Labels["team"])
	assert.Equal(t, "7", cfg.Labels[messaging.LabelServiceID])
	assert.Equal(t, "2", cfg.Labels[messaging.LabelInstanceNumber])
	assert.Equal(t, inst.DeployRev, cfg.Labels[messaging.LabelDeployRev])
	assert.Contains(t, cfg.Volumes, "/data")

	assert.Equal(t, container.RestartPolicyAlways, hostCfg.RestartPolicy.Name)
	assert.Equal(t, container.NetworkMode("bridge"), hostCfg.NetworkMode)
	assert.EqualValues(t, 512, hostCfg.CPUShares)
	assert.EqualValues(t, 64<<20, hostCfg.Memory)
	assert.Equal(t, []string{"/etc/web:/etc/web:ro"}, hostCfg.Binds)
	assert.Equal(t, []string{"data-2"}, hostCfg.VolumesFrom)

	port, err := network.ParsePort("80/tcp")
	require.NoError(t, err)
	assert.Contains(t, cfg.ExposedPorts, port)
	require.Len(t, hostCfg.PortBindings[port], 1)
	assert.Equal(t, "8080", hostCfg.PortBindings[port][0].HostPort)

	// The caller's labels are not modified.
	assert.Len(t, inst.Labels, 1)
}

func TestBuildConfigStatefulVolumes(t *testing.T) {
	_, hostCfg, err := buildConfig(messaging.InstanceSpec{
		Name:     "db-1",
		Image:    "postgres:16",
		Stateful: true,
		Volumes:  []string{"/var/lib/postgresql/data"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"db-1-volume-0:/var/lib/postgresql/data"}, hostCfg.Binds)
}

func TestBuildConfigRejectsBadHostIP(t *testing.T) {
	_, _, err := buildConfig(messaging.InstanceSpec{
		Name:  "web-1",
		Image: "nginx",
		Ports: []spec.PortSpec{{IP: "not-an-ip", NodePort: 80, ContainerPort: 80}},
	})
	assert.Error(t, err)
}

func TestGetAuthString(t *testing.T) {
	s, err := getAuthString(spec.RegistryAuth{})
	require.NoError(t, err)
	assert.Empty(t, s)

	s, err = getAuthString(spec.RegistryAuth{Username: "user", Password: "secret"})
	require.NoError(t, err)
	raw, err := base64.URLEncoding.DecodeString(s)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "user", decoded["username"])
}

func TestContainerIP(t *testing.T) {
	assert.Empty(t, containerIP(container.InspectResponse{}))

	host := container.InspectResponse{NetworkSettings: &container.NetworkSettings{
		Networks: map[string]*network.EndpointSettings{"host": {}},
	}}
	assert.Empty(t, containerIP(host))

	bridged := container.InspectResponse{NetworkSettings: &container.NetworkSettings{
		Networks: map[string]*network.EndpointSettings{
			"weave":  {IPAddress: netip.MustParseAddr("10.81.0.4")},
			"bridge": {IPAddress: netip.MustParseAddr("172.17.0.2")},
		},
	}}
	assert.Equal(t, "172.17.0.2", containerIP(bridged))
}
