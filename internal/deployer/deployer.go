// Package deployer rolls services out onto the nodes of their grid.
//
// A rollout moves the service to the deploying state, places every
// instance with a scheduling strategy, asks the chosen agents to pull
// the image and create the instance, waits until each instance is
// reported back with the new deploy revision, and finally removes
// instances left over from earlier revisions. Any failure restores the
// previous state. Instances created by a failed attempt are left in
// place for the next successful rollout to sweep.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"github.com/atvirokodosprendimai/knitgrid/internal/lock"
	"github.com/atvirokodosprendimai/knitgrid/internal/messaging"
	"github.com/atvirokodosprendimai/knitgrid/internal/rpc"
	"github.com/atvirokodosprendimai/knitgrid/internal/scheduler"
	"github.com/atvirokodosprendimai/knitgrid/internal/spec"
	"github.com/atvirokodosprendimai/knitgrid/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyDeploying   = errors.New("service is already deploying")
	ErrSchedulingFailure  = errors.New("no node available for instance")
	ErrConvergenceTimeout = errors.New("instance did not converge in time")
)

// Agents is the part of the agent RPC client used by the deployer.
// Implemented by *rpc.Client.
type Agents interface {
	PullImage(ctx context.Context, node *db.HostNode, image string, auth *spec.RegistryAuth) (string, error)
	CreateInstance(ctx context.Context, node *db.HostNode, inst messaging.InstanceSpec) error
	RemoveInstance(ctx context.Context, node *db.HostNode, name string) error
	StartInstance(ctx context.Context, node *db.HostNode, name string) error
	StopInstance(ctx context.Context, node *db.HostNode, name string) error
	PortOpen(ctx context.Context, node *db.HostNode, address string, port int) (bool, error)
	ConfigureLoadBalancer(ctx context.Context, node *db.HostNode, cfg messaging.LoadBalancerConfig) error
}

// Options configures a Deployer. Store, Agents and Locker are
// required.
type Options struct {
	Store  *store.Store
	Agents Agents
	Locker *lock.Locker

	// Registry receives the deployer's metrics. If nil, metrics are
	// registered on a private registry.
	Registry *prometheus.Registry

	// InstanceTimeout bounds the wait for one instance to be reported
	// (and its port to open). Default 60s.
	InstanceTimeout time.Duration
	// PollInterval is how often the store is polled while waiting.
	// Default 500ms.
	PollInterval time.Duration
	// LockTimeout bounds the wait for the per-service lock guarding
	// state transitions. Default 10s.
	LockTimeout time.Duration
}

// Request asks for one rollout.
type Request struct {
	ServiceID uint   `json:"service_id"`
	Strategy  string `json:"strategy,omitempty"`
	// WaitForPort, if set, is a container port that must accept
	// connections before an instance counts as converged.
	WaitForPort int `json:"wait_for_port,omitempty"`
}

// ValidationError lists the failed preconditions of a deploy request.
type ValidationError struct {
	Errors []spec.FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fe.Error())
	}
	return "invalid deploy request: " + strings.Join(msgs, "; ")
}

// Deployer runs rollouts and service lifecycle operations.
type Deployer struct {
	store           *store.Store
	agents          Agents
	locker          *lock.Locker
	instanceTimeout time.Duration
	pollInterval    time.Duration
	lockTimeout     time.Duration

	// now returns the time used for deploy revisions.
	now func() time.Time

	wg sync.WaitGroup

	mRollouts          *prometheus.CounterVec
	mRolloutDuration   prometheus.Histogram
	mInstancesCreated  prometheus.Counter
	mInstancesRemoved  prometheus.Counter
	mImagePulls        prometheus.Counter
	mRolloutsInFlight  prometheus.Gauge
	mConvergenceWaited prometheus.Histogram
}

// New returns a Deployer.
func New(opts Options) *Deployer {
	d := &Deployer{
		store:           opts.Store,
		agents:          opts.Agents,
		locker:          opts.Locker,
		instanceTimeout: opts.InstanceTimeout,
		pollInterval:    opts.PollInterval,
		lockTimeout:     opts.LockTimeout,
		now:             time.Now,
	}
	if d.instanceTimeout <= 0 {
		d.instanceTimeout = 60 * time.Second
	}
	if d.pollInterval <= 0 {
		d.pollInterval = 500 * time.Millisecond
	}
	if d.lockTimeout <= 0 {
		d.lockTimeout = 10 * time.Second
	}
	d.registerMetrics(opts.Registry)
	return d
}

// Wait blocks until all rollouts started by DeployAsync and all
// load balancer updates have finished.
func (d *Deployer) Wait() {
	d.wg.Wait()
}

func serviceLock(id uint) string {
	return fmt.Sprintf("grid_service/%d", id)
}

// Validate checks the preconditions of req without side effects. A
// failed precondition is reported as *ValidationError. A missing
// service wraps store.ErrNotFound.
func (d *Deployer) Validate(ctx context.Context, req Request) error {
	svc, err := d.store.Service(ctx, req.ServiceID)
	if err != nil {
		return err
	}
	var errs []spec.FieldError
	ready, err := d.store.HasReadyNodes(ctx, svc.GridID)
	if err != nil {
		return err
	}
	if !ready {
		errs = append(errs, spec.FieldError{Field: "grid", Code: "no_nodes", Message: "grid has no connected nodes"})
	}
	if svc.State == db.ServiceStateDeploying {
		errs = append(errs, spec.FieldError{Field: "service", Code: "deploying", Message: "service is already deploying"})
	}
	if _, err := scheduler.New(req.Strategy); err != nil {
		errs = append(errs, spec.FieldError{Field: "strategy", Code: "unknown", Message: err.Error()})
	} else if ready {
		ok, err := d.CanDeploy(ctx, svc, req.Strategy)
		if err != nil {
			return err
		}
		if !ok {
			errs = append(errs, spec.FieldError{Field: "service", Code: "unschedulable", Message: "cannot find applicable nodes for all instances"})
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// CanDeploy reports whether every instance of svc can currently be
// placed with the named strategy. Nothing is pulled, created or
// reserved.
func (d *Deployer) CanDeploy(ctx context.Context, svc *db.GridService, strategy string) (bool, error) {
	st, err := scheduler.New(strategy)
	if err != nil {
		return false, err
	}
	nodes, err := d.store.ConnectedNodes(ctx, svc.GridID)
	if err != nil {
		return false, err
	}
	return scheduler.NewScheduler(st).CanSchedule(svc, nodes), nil
}

// DeployAsync validates req and, if it is acceptable, runs the rollout
// in the background. The outcome is visible through the service state
// and its instances.
func (d *Deployer) DeployAsync(ctx context.Context, req Request) error {
	if err := d.Validate(ctx, req); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Deploy(ctx, req); err != nil {
			ctxlog.FromContext(ctx).WithError(err).WithField("ServiceID", req.ServiceID).Warn("rollout failed")
		}
	}()
	return nil
}

// Deploy runs one rollout to completion. On failure the service is
// returned to the state it had before and the error is returned.
func (d *Deployer) Deploy(ctx context.Context, req Request) error {
	st, err := scheduler.New(req.Strategy)
	if err != nil {
		return err
	}

	var prevState string
	err = d.locker.WithLock(ctx, serviceLock(req.ServiceID), d.lockTimeout, func(ctx context.Context) error {
		prevState, err = d.store.TransitionState(ctx, req.ServiceID, db.ServiceStateDeploying, db.ServiceStateDeploying)
		return err
	})
	if errors.Is(err, store.ErrStateConflict) {
		return ErrAlreadyDeploying
	} else if err != nil {
		return err
	}

	d.mRolloutsInFlight.Inc()
	defer d.mRolloutsInFlight.Dec()
	t0 := time.Now()
	logger := ctxlog.FromContext(ctx).WithField("ServiceID", req.ServiceID)

	rev, err := d.rollout(ctx, logger, req, st)
	if err != nil {
		logger.WithError(err).WithField("PrevState", prevState).Warn("rollout failed, restoring state")
		// Restore even if ctx was canceled mid-rollout.
		if rerr := d.store.SetServiceState(context.WithoutCancel(ctx), req.ServiceID, prevState); rerr != nil {
			logger.WithError(rerr).Error("error restoring service state")
		}
		d.mRollouts.WithLabelValues("failed").Inc()
		return err
	}
	d.mRollouts.WithLabelValues("succeeded").Inc()
	d.mRolloutDuration.Observe(time.Since(t0).Seconds())
	logger.WithFields(logrus.Fields{"DeployRev": rev, "Elapsed": time.Since(t0)}).Info("rollout finished")
	return nil
}

// TerminateInstance removes inst from its node and deletes its record.
// An instance already gone from the node counts as removed. Instances
// on disconnected nodes only lose their record.
func (d *Deployer) TerminateInstance(ctx context.Context, inst *db.ServiceInstance) error {
	logger := ctxlog.FromContext(ctx).WithField("Instance", inst.Name)
	switch {
	case inst.HostNode != nil && inst.HostNode.Connected:
		err := d.agents.RemoveInstance(ctx, inst.HostNode, inst.Name)
		if err != nil && !rpc.IsNotFound(err) {
			return fmt.Errorf("terminate %s: %w", inst.Name, err)
		}
	case inst.HostNode != nil:
		logger.WithField("Node", inst.HostNode.NodeID).Warn("node is disconnected, dropping instance record only")
	}
	if err := d.store.DeleteInstance(ctx, inst.ID); err != nil {
		return fmt.Errorf("delete instance record %s: %w", inst.Name, err)
	}
	d.mInstancesRemoved.Inc()
	logger.Info("terminated instance")
	return nil
}
