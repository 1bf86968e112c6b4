package deployer

import (
	"context"
	"errors"
	"fmt"

	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"github.com/atvirokodosprendimai/knitgrid/internal/messaging"
	"github.com/atvirokodosprendimai/knitgrid/internal/spec"
)

// updateLoadBalancer pushes the current backends of svc to its load
// balancer in the background. Failures are logged and do not affect
// the rollout.
func (d *Deployer) updateLoadBalancer(ctx context.Context, svc *db.GridService) {
	if svc.LoadBalancerID == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		logger := ctxlog.FromContext(ctx).WithField("Service", svc.Name)
		if err := d.configureLoadBalancer(ctx, svc); err != nil {
			logger.WithError(err).Warn("load balancer update failed")
			return
		}
		logger.Debug("load balancer updated")
	}()
}

func (d *Deployer) configureLoadBalancer(ctx context.Context, svc *db.GridService) error {
	lb, err := d.store.Service(ctx, *svc.LoadBalancerID)
	if err != nil {
		return fmt.Errorf("load balancer: %w", err)
	}
	node, err := d.loadBalancerNode(ctx, lb)
	if err != nil {
		return err
	}
	tmpl, err := spec.FromGridService(svc)
	if err != nil {
		return err
	}
	cfg := messaging.LoadBalancerConfig{
		LoadBalancer: lb.Name,
		Service:      svc.Name,
		Backends:     []messaging.LoadBalancerBackend{},
	}
	for _, inst := range svc.Instances {
		cfg.Backends = append(cfg.Backends, backend(tmpl, inst))
	}
	return d.agents.ConfigureLoadBalancer(ctx, node, cfg)
}

// loadBalancerNode prefers a connected node running the load balancer
// and falls back to any connected node of the grid.
func (d *Deployer) loadBalancerNode(ctx context.Context, lb *db.GridService) (*db.HostNode, error) {
	for _, inst := range lb.Instances {
		if inst.HostNode != nil && inst.HostNode.Connected {
			node := *inst.HostNode
			return &node, nil
		}
	}
	nodes, err := d.store.ConnectedNodes(ctx, lb.GridID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.New("no connected node for load balancer " + lb.Name)
	}
	return &nodes[0], nil
}

// backend addresses an instance on its container network when it has
// an address there, and otherwise through the ports it answers on at
// its node.
func backend(tmpl *spec.ServiceSpec, inst db.ServiceInstance) messaging.LoadBalancerBackend {
	b := messaging.LoadBalancerBackend{Name: inst.Name, Address: inst.IPAddress}
	if b.Address != "" {
		for _, p := range tmpl.Ports {
			b.Ports = append(b.Ports, p.ContainerPort)
		}
		return b
	}
	if inst.HostNode != nil {
		b.Address = inst.HostNode.Address
	}
	for _, p := range tmpl.Ports {
		if wp := nodePort(tmpl, p.ContainerPort); wp.nodePort > 0 {
			b.Ports = append(b.Ports, wp.nodePort)
		}
	}
	return b
}
