package deployer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"github.com/atvirokodosprendimai/knitgrid/internal/messaging"
	"github.com/atvirokodosprendimai/knitgrid/internal/rpc"
	"github.com/atvirokodosprendimai/knitgrid/internal/scheduler"
	"github.com/atvirokodosprendimai/knitgrid/internal/spec"
	"github.com/atvirokodosprendimai/knitgrid/internal/store"
	"github.com/sirupsen/logrus"
)

// rollout performs everything after the transition to deploying and
// returns the new deploy revision.
func (d *Deployer) rollout(ctx context.Context, logger logrus.FieldLogger, req Request, st scheduler.Strategy) (string, error) {
	svc, err := d.store.Service(ctx, req.ServiceID)
	if err != nil {
		return "", err
	}
	d.updateLoadBalancer(ctx, svc)

	rev := d.nextDeployRev(svc.DeployRev)
	logger = logger.WithFields(logrus.Fields{"Service": svc.Name, "DeployRev": rev})
	ctx = ctxlog.Context(ctx, logger)
	logger.WithField("Instances", svc.InstanceCount).Info("rollout started")

	tmpl, err := spec.FromGridService(svc)
	if err != nil {
		return "", err
	}
	auth, err := d.registryAuth(ctx, svc)
	if err != nil {
		return "", err
	}

	sched := scheduler.NewScheduler(st)
	pulled := map[uint]bool{}
	for i := 0; i < svc.InstanceCount; i++ {
		if i > 0 {
			// Placement of later instances depends on where the
			// earlier ones ended up.
			if svc, err = d.store.Service(ctx, svc.ID); err != nil {
				return "", err
			}
		}
		nodes, err := d.store.ConnectedNodes(ctx, svc.GridID)
		if err != nil {
			return "", err
		}
		node := sched.SelectNode(svc, i, nodes)
		if node == nil {
			return "", fmt.Errorf("%s: %w", svc.InstanceName(i+1), ErrSchedulingFailure)
		}
		if !pulled[node.ID] {
			if err := d.pullImage(ctx, svc, node, auth); err != nil {
				return "", err
			}
			pulled[node.ID] = true
		}
		if err := d.deployInstance(ctx, svc, tmpl, i+1, node, rev, req.WaitForPort); err != nil {
			return "", err
		}
	}

	stale, err := d.store.StaleInstances(ctx, svc.ID, rev)
	if err != nil {
		return "", err
	}
	for i := range stale {
		if err := d.TerminateInstance(ctx, &stale[i]); err != nil {
			return "", err
		}
	}
	if err := d.store.SetServiceDeployRev(ctx, svc.ID, rev); err != nil {
		return "", err
	}
	if err := d.store.SetServiceState(ctx, svc.ID, db.ServiceStateRunning); err != nil {
		return "", err
	}
	return rev, nil
}

// nextDeployRev returns a timestamp revision that differs from prev.
func (d *Deployer) nextDeployRev(prev string) string {
	t := d.now().UTC()
	rev := t.Format(time.RFC3339Nano)
	for rev == prev {
		t = t.Add(time.Nanosecond)
		rev = t.Format(time.RFC3339Nano)
	}
	return rev
}

func (d *Deployer) registryAuth(ctx context.Context, svc *db.GridService) (*spec.RegistryAuth, error) {
	reg, err := d.store.RegistryFor(ctx, svc.GridID, spec.RegistryName(svc.Image))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &spec.RegistryAuth{Username: reg.Username, Password: reg.Password, Email: reg.Email}, nil
}

func (d *Deployer) pullImage(ctx context.Context, svc *db.GridService, node *db.HostNode, auth *spec.RegistryAuth) error {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{"Node": node.NodeID, "Image": svc.Image})
	logger.Debug("pulling image")
	d.mImagePulls.Inc()
	imageID, err := d.agents.PullImage(ctx, node, svc.Image, auth)
	if err != nil {
		return fmt.Errorf("pull %s on %s: %w", svc.Image, node.NodeID, err)
	}
	if imageID != "" && imageID != svc.ImageID {
		if err := d.store.SetServiceImageID(ctx, svc.ID, imageID); err != nil {
			return err
		}
	}
	logger.Info("image pulled")
	return nil
}

func (d *Deployer) deployInstance(ctx context.Context, svc *db.GridService, tmpl *spec.ServiceSpec, number int, node *db.HostNode, rev string, waitPort int) error {
	name := svc.InstanceName(number)
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{"Instance": name, "Node": node.NodeID})

	for i := range svc.Instances {
		old := &svc.Instances[i]
		if old.InstanceNumber == number && old.HostNodeID != node.ID {
			logger.WithField("OldNode", old.HostNodeID).Info("instance moves, terminating old copy")
			if err := d.TerminateInstance(ctx, old); err != nil {
				return err
			}
		}
	}

	t0 := time.Now()
	if err := d.agents.CreateInstance(ctx, node, instanceSpec(svc, tmpl, number, rev)); err != nil {
		return fmt.Errorf("create %s on %s: %w", name, node.NodeID, err)
	}
	d.mInstancesCreated.Inc()
	if err := d.waitInstance(ctx, svc.ID, name, rev, nodePort(tmpl, waitPort)); err != nil {
		return err
	}
	d.mConvergenceWaited.Observe(time.Since(t0).Seconds())
	logger.Info("instance converged")
	return nil
}

// waitPort is what portOpen is asked to check for a container port.
type waitPort struct {
	port     int
	nodePort int
}

// nodePort finds the port a container port answers on at the node
// itself: the published port, or the port unchanged under host
// networking.
func nodePort(tmpl *spec.ServiceSpec, port int) waitPort {
	wp := waitPort{port: port}
	if tmpl.Net == "host" {
		wp.nodePort = port
		return wp
	}
	for _, p := range tmpl.Ports {
		if p.ContainerPort == port && p.NodePort > 0 {
			wp.nodePort = p.NodePort
		}
	}
	return wp
}

// waitInstance polls until the named instance is reported with rev and,
// if a port is given, the port answers. It gives up after the instance
// timeout with ErrConvergenceTimeout.
func (d *Deployer) waitInstance(ctx context.Context, serviceID uint, name, rev string, wp waitPort) error {
	wctx, cancel := context.WithTimeout(ctx, d.instanceTimeout)
	defer cancel()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		ok, err := d.converged(wctx, serviceID, name, rev, wp)
		if ok {
			return nil
		}
		if err != nil && wctx.Err() == nil {
			return err
		}
		select {
		case <-wctx.Done():
		case <-ticker.C:
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%s (deploy rev %s) after %s: %w", name, rev, d.instanceTimeout, ErrConvergenceTimeout)
	}
}

func (d *Deployer) converged(ctx context.Context, serviceID uint, name, rev string, wp waitPort) (bool, error) {
	inst, err := d.store.FindInstance(ctx, serviceID, name, rev)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if wp.port <= 0 {
		return true, nil
	}
	if inst.HostNode == nil {
		return false, nil
	}
	// Without a container address the agent checks its own node.
	address, port := inst.IPAddress, wp.port
	if address == "" && wp.nodePort > 0 {
		port = wp.nodePort
	}
	open, err := d.agents.PortOpen(ctx, inst.HostNode, address, port)
	if rpc.IsTransport(err) {
		ctxlog.FromContext(ctx).WithError(err).WithField("Instance", name).Debug("port check did not reach agent, retrying")
		return false, nil
	}
	return open, err
}

func instanceSpec(svc *db.GridService, tmpl *spec.ServiceSpec, number int, rev string) messaging.InstanceSpec {
	name := svc.InstanceName(number)
	return messaging.InstanceSpec{
		ServiceID:      svc.ID,
		ServiceName:    svc.Name,
		Name:           name,
		InstanceNumber: number,
		DeployRev:      rev,
		Image:          svc.Image,
		Stateful:       svc.Stateful,
		User:           tmpl.User,
		Cmd:            tmpl.Cmd,
		Env:            tmpl.Env,
		Net:            tmpl.Net,
		CPUShares:      tmpl.CPUShares,
		Memory:         tmpl.Memory,
		MemorySwap:     tmpl.MemorySwap,
		Ports:          tmpl.Ports,
		Volumes:        tmpl.Volumes,
		VolumesFrom:    tmpl.VolumesFrom,
		Labels: map[string]string{
			messaging.LabelServiceID:      strconv.FormatUint(uint64(svc.ID), 10),
			messaging.LabelServiceName:    svc.Name,
			messaging.LabelInstanceName:   name,
			messaging.LabelInstanceNumber: strconv.Itoa(number),
			messaging.LabelDeployRev:      rev,
		},
	}
}
