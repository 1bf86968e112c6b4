// Package reports persists what agents report about their nodes and
// instances, and marks nodes whose reports stopped as disconnected.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"github.com/atvirokodosprendimai/knitgrid/internal/messaging"
	"github.com/atvirokodosprendimai/knitgrid/internal/store"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Remover removes an instance from a node. Implemented by *rpc.Client.
type Remover interface {
	RemoveInstance(ctx context.Context, node *db.HostNode, name string) error
}

// Handler applies agent events to the store.
type Handler struct {
	store *store.Store
	// DefaultGrid is used for node reports that name no grid.
	DefaultGrid string
	// Orphans, if set, removes instances that are reported by a node
	// the cluster no longer places them on.
	Orphans Remover
}

const orphanRemoveTimeout = 30 * time.Second

// NewHandler returns a Handler writing to s.
func NewHandler(s *store.Store, defaultGrid string) *Handler {
	return &Handler{store: s, DefaultGrid: defaultGrid}
}

// Subscribe starts handling events published on nc. Events are handled
// one at a time in arrival order.
func (h *Handler) Subscribe(ctx context.Context, nc *nats.Conn) (*nats.Subscription, error) {
	logger := ctxlog.FromContext(ctx)
	sub, err := nc.Subscribe(messaging.SubjectAgentEvents, func(m *nats.Msg) {
		if err := h.HandleEvent(ctx, m.Data); err != nil {
			logger.WithError(err).Warn("error handling agent event")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", messaging.SubjectAgentEvents, err)
	}
	logger.WithField("Subject", messaging.SubjectAgentEvents).Info("handling agent events")
	return sub, nil
}

// HandleEvent decodes and applies one event.
func (h *Handler) HandleEvent(ctx context.Context, data []byte) error {
	var ev messaging.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{"Event": ev.Type, "Node": ev.NodeID})
	switch ev.Type {
	case messaging.EventNodeInfo:
		var info messaging.NodeInfo
		if err := json.Unmarshal(ev.Data, &info); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return h.nodeInfo(ctx, logger, ev, info)
	case messaging.EventInstanceInfo:
		var info messaging.InstanceInfo
		if err := json.Unmarshal(ev.Data, &info); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return h.instanceInfo(ctx, logger, ev, info)
	case messaging.EventInstanceEvent:
		var ie messaging.InstanceEvent
		if err := json.Unmarshal(ev.Data, &ie); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return h.instanceEvent(ctx, logger, ev, ie)
	default:
		logger.Debug("ignoring unknown event")
		return nil
	}
}

func (h *Handler) nodeInfo(ctx context.Context, logger logrus.FieldLogger, ev messaging.Event, info messaging.NodeInfo) error {
	if info.NodeID == "" {
		info.NodeID = ev.NodeID
	}
	if info.NodeID == "" {
		return errors.New("node report without node id")
	}
	gridName := ev.Grid
	if gridName == "" {
		gridName = h.DefaultGrid
	}
	grid, err := h.store.EnsureGrid(ctx, gridName)
	if err != nil {
		return err
	}
	node, err := h.store.UpsertNode(ctx, grid.ID, info)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", info.NodeID, err)
	}
	logger.WithFields(logrus.Fields{"Grid": grid.Name, "NodeNumber": node.NodeNumber}).Debug("node heartbeat")
	return nil
}

func (h *Handler) instanceInfo(ctx context.Context, logger logrus.FieldLogger, ev messaging.Event, info messaging.InstanceInfo) error {
	if info.ServiceID == 0 || info.InstanceNumber <= 0 {
		logger.WithField("Instance", info.Name).Debug("ignoring report for unmanaged instance")
		return nil
	}
	node, err := h.store.NodeByNodeID(ctx, ev.NodeID)
	if err != nil {
		return err
	}
	orphan, err := h.isOrphan(ctx, node, info)
	if err != nil {
		return err
	}
	if orphan {
		return h.removeOrphan(ctx, logger, node, info)
	}
	if err := h.store.ApplyInstanceReport(ctx, node.ID, info); err != nil {
		return fmt.Errorf("apply report for %s: %w", info.Name, err)
	}
	logger.WithFields(logrus.Fields{"Instance": info.Name, "DeployRev": info.DeployRev, "Status": info.Status}).Info("instance reported")
	return nil
}

// isOrphan reports whether a reported instance is one the cluster has
// given up on: its service is gone or its record now places it on
// another node. Such reports come from nodes that were out of contact
// while the instance was moved.
func (h *Handler) isOrphan(ctx context.Context, node *db.HostNode, info messaging.InstanceInfo) (bool, error) {
	svc, err := h.store.Service(ctx, info.ServiceID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	} else if err != nil {
		return false, err
	}
	rec, err := h.store.InstanceByNumber(ctx, svc.ID, info.InstanceNumber)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return rec.HostNodeID != node.ID, nil
}

func (h *Handler) removeOrphan(ctx context.Context, logger logrus.FieldLogger, node *db.HostNode, info messaging.InstanceInfo) error {
	logger = logger.WithFields(logrus.Fields{"Instance": info.Name, "DeployRev": info.DeployRev})
	if h.Orphans == nil || !node.Connected {
		logger.Warn("ignoring report of orphaned instance")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, orphanRemoveTimeout)
	defer cancel()
	if err := h.Orphans.RemoveInstance(ctx, node, info.Name); err != nil {
		return fmt.Errorf("remove orphaned %s: %w", info.Name, err)
	}
	logger.Info("removed orphaned instance")
	return nil
}

func (h *Handler) instanceEvent(ctx context.Context, logger logrus.FieldLogger, ev messaging.Event, ie messaging.InstanceEvent) error {
	if ie.Status != "destroy" {
		return nil
	}
	node, err := h.store.NodeByNodeID(ctx, ev.NodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	n, err := h.store.DeleteInstanceOnNode(ctx, node.ID, ie.Name)
	if err != nil {
		return fmt.Errorf("delete %s: %w", ie.Name, err)
	}
	if n > 0 {
		logger.WithField("Instance", ie.Name).Info("instance destroyed")
	}
	return nil
}
