package deployer

import (
	"context"
	"errors"
	"fmt"

	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"github.com/atvirokodosprendimai/knitgrid/internal/rpc"
	"github.com/atvirokodosprendimai/knitgrid/internal/store"
)

// ErrBusy is returned by Start and Stop while another state change of
// the service is in progress.
var ErrBusy = errors.New("service is busy")

// Start starts every instance of a service and marks it running.
func (d *Deployer) Start(ctx context.Context, serviceID uint) error {
	return d.setRunning(ctx, serviceID, true)
}

// Stop stops every instance of a service and marks it stopped.
func (d *Deployer) Stop(ctx context.Context, serviceID uint) error {
	return d.setRunning(ctx, serviceID, false)
}

func (d *Deployer) setRunning(ctx context.Context, serviceID uint, run bool) error {
	via, final := db.ServiceStateStopping, db.ServiceStateStopped
	if run {
		via, final = db.ServiceStateStarting, db.ServiceStateRunning
	}
	busy := []string{db.ServiceStateDeploying, db.ServiceStateStarting, db.ServiceStateStopping}

	var prev string
	err := d.locker.WithLock(ctx, serviceLock(serviceID), d.lockTimeout, func(ctx context.Context) (err error) {
		prev, err = d.store.TransitionState(ctx, serviceID, via, busy...)
		return err
	})
	if errors.Is(err, store.ErrStateConflict) {
		return fmt.Errorf("%w: %s", ErrBusy, prev)
	} else if err != nil {
		return err
	}

	logger := ctxlog.FromContext(ctx).WithField("ServiceID", serviceID)
	if err := d.eachInstance(ctx, serviceID, run); err != nil {
		logger.WithError(err).Warnf("%s failed, restoring state", via)
		if rerr := d.store.SetServiceState(context.WithoutCancel(ctx), serviceID, prev); rerr != nil {
			logger.WithError(rerr).Error("error restoring service state")
		}
		return err
	}
	if err := d.store.SetServiceState(ctx, serviceID, final); err != nil {
		return err
	}
	logger.Infof("service %s", final)
	return nil
}

func (d *Deployer) eachInstance(ctx context.Context, serviceID uint, run bool) error {
	insts, err := d.store.ServiceInstances(ctx, serviceID)
	if err != nil {
		return err
	}
	for _, inst := range insts {
		if inst.HostNode == nil {
			continue
		}
		if run {
			err = d.agents.StartInstance(ctx, inst.HostNode, inst.Name)
		} else {
			err = d.agents.StopInstance(ctx, inst.HostNode, inst.Name)
			if rpc.IsNotFound(err) {
				err = nil
			}
		}
		if err != nil {
			return fmt.Errorf("%s: %w", inst.Name, err)
		}
	}
	return nil
}
