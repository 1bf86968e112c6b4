package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/atvirokodosprendimai/knitgrid/internal/messaging"
	"github.com/atvirokodosprendimai/knitgrid/internal/spec"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/api/types/registry"
	"github.com/moby/moby/client"
)

// Client is a wrapper around the official Docker client.
type Client struct {
	cli *client.Client
}

// NewClient creates a new Docker client.
func NewClient() (*Client, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// PullImage pulls image with optional registry credentials and returns
// the reference it can be run by.
func (c *Client) PullImage(ctx context.Context, image string, auth *spec.RegistryAuth) (string, error) {
	var authStr string
	if auth != nil {
		var err error
		authStr, err = getAuthString(*auth)
		if err != nil {
			return "", fmt.Errorf("could not get auth string: %w", err)
		}
	}
	reader, err := c.cli.ImagePull(ctx, image, client.ImagePullOptions{RegistryAuth: authStr})
	if err != nil {
		return "", fmt.Errorf("could not pull image '%s': %w", image, err)
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return "", fmt.Errorf("could not pull image '%s': %w", image, err)
	}
	return image, nil
}

// CreateInstance (re)creates the instance container, starts it and
// returns its id and container network address.
func (c *Client) CreateInstance(ctx context.Context, inst messaging.InstanceSpec) (messaging.CreateInstanceResult, error) {
	var res messaging.CreateInstanceResult
	containerConfig, hostConfig, err := buildConfig(inst)
	if err != nil {
		return res, err
	}

	if err := c.removeContainerIfExists(ctx, inst.Name); err != nil {
		return res, fmt.Errorf("could not prepare container name '%s': %w", inst.Name, err)
	}

	resp, err := c.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerConfig,
		HostConfig: hostConfig,
		Name:       inst.Name,
	})
	if err != nil {
		return res, fmt.Errorf("could not create container: %w", err)
	}
	res.ContainerID = resp.ID

	if _, err := c.cli.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		return res, fmt.Errorf("could not start container: %w", err)
	}

	info, err := c.cli.ContainerInspect(ctx, resp.ID, client.ContainerInspectOptions{})
	if err != nil {
		// The container runs; readiness checks fall back to the node.
		ctxlog.FromContext(ctx).WithError(err).WithField("Container", inst.Name).Warn("could not inspect started container")
		return res, nil
	}
	res.IPAddress = containerIP(info.Container)
	return res, nil
}

// containerIP returns the first address the container has on a network,
// in network name order. Host-networked containers have none.
func containerIP(ctr container.InspectResponse) string {
	if ctr.NetworkSettings == nil {
		return ""
	}
	names := make([]string, 0, len(ctr.NetworkSettings.Networks))
	for name := range ctr.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ep := ctr.NetworkSettings.Networks[name]; ep != nil && ep.IPAddress.IsValid() {
			return ep.IPAddress.String()
		}
	}
	return ""
}

// RemoveInstance removes the named container. A missing container is
// not an error.
func (c *Client) RemoveInstance(ctx context.Context, name string) error {
	return c.removeContainerIfExists(ctx, name)
}

// StartInstance starts the named container.
func (c *Client) StartInstance(ctx context.Context, name string) error {
	_, err := c.cli.ContainerStart(ctx, name, client.ContainerStartOptions{})
	return err
}

// StopInstance stops the named container.
func (c *Client) StopInstance(ctx context.Context, name string) error {
	_, err := c.cli.ContainerStop(ctx, name, client.ContainerStopOptions{})
	return err
}

func (c *Client) removeContainerIfExists(ctx context.Context, containerName string) error {
	if containerName == "" {
		return nil
	}

	_, err := c.cli.ContainerInspect(ctx, containerName, client.ContainerInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	ctxlog.FromContext(ctx).WithField("Container", containerName).Info("container already exists, removing")
	_, err = c.cli.ContainerRemove(ctx, containerName, client.ContainerRemoveOptions{Force: true, RemoveVolumes: false})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// buildConfig translates an instance spec into container create
// options.
func buildConfig(inst messaging.InstanceSpec) (*container.Config, *container.HostConfig, error) {
	labels := map[string]string{}
	for k, v := range inst.Labels {
		labels[k] = v
	}
	labels[messaging.LabelServiceID] = strconv.FormatUint(uint64(inst.ServiceID), 10)
	labels[messaging.LabelServiceName] = inst.ServiceName
	labels[messaging.LabelInstanceName] = inst.Name
	labels[messaging.LabelInstanceNumber] = strconv.Itoa(inst.InstanceNumber)
	labels[messaging.LabelDeployRev] = inst.DeployRev

	containerConfig := &container.Config{
		Image:    inst.Image,
		Hostname: inst.Name,
		User:     inst.User,
		Env:      inst.Env,
		Labels:   labels,
	}
	if len(inst.Cmd) > 0 {
		containerConfig.Cmd = inst.Cmd
	}

	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
	}
	if inst.Net != "" {
		hostConfig.NetworkMode = container.NetworkMode(inst.Net)
	}
	hostConfig.CPUShares = int64(inst.CPUShares)
	hostConfig.Memory = inst.Memory
	hostConfig.MemorySwap = inst.MemorySwap

	for i, vol := range inst.Volumes {
		if strings.Contains(vol, ":") {
			hostConfig.Binds = append(hostConfig.Binds, vol)
			continue
		}
		if inst.Stateful {
			// Named volume: survives recreation of the instance on the
			// same node.
			hostConfig.Binds = append(hostConfig.Binds, fmt.Sprintf("%s-volume-%d:%s", inst.Name, i, vol))
			continue
		}
		if containerConfig.Volumes == nil {
			containerConfig.Volumes = map[string]struct{}{}
		}
		containerConfig.Volumes[vol] = struct{}{}
	}
	for _, from := range inst.VolumesFrom {
		hostConfig.VolumesFrom = append(hostConfig.VolumesFrom, strings.ReplaceAll(from, "%s", strconv.Itoa(inst.InstanceNumber)))
	}

	if len(inst.Ports) > 0 {
		exposedPorts := make(network.PortSet)
		portBindings := make(network.PortMap)

		for _, p := range inst.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort, err := network.ParsePort(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			if err != nil {
				return nil, nil, fmt.Errorf("invalid container port %d: %w", p.ContainerPort, err)
			}
			exposedPorts[containerPort] = struct{}{}
			if p.NodePort == 0 {
				continue
			}

			hostIP := netip.Addr{}
			if p.IP != "" {
				hostIP, err = netip.ParseAddr(p.IP)
				if err != nil {
					return nil, nil, fmt.Errorf("invalid host IP '%s': %w", p.IP, err)
				}
			}
			portBindings[containerPort] = append(portBindings[containerPort], network.PortBinding{
				HostIP:   hostIP,
				HostPort: strconv.Itoa(p.NodePort),
			})
		}
		containerConfig.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}
	return containerConfig, hostConfig, nil
}

func getAuthString(auth spec.RegistryAuth) (string, error) {
	if auth.Username == "" && auth.Password == "" {
		return "", nil
	}
	authConfig := registry.AuthConfig{
		Username: auth.Username,
		Password: auth.Password,
	}
	encodedJSON, err := json.Marshal(authConfig)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(encodedJSON), nil
}
