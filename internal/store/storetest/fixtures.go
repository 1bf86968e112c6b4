// Package storetest builds small clusters in a test database.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"github.com/atvirokodosprendimai/knitgrid/internal/messaging"
	"github.com/atvirokodosprendimai/knitgrid/internal/store"
)

// New returns a Store backed by a fresh test database.
func New(t testing.TB) *store.Store {
	return store.New(db.OpenTestDB(t))
}

// Grid creates a grid named name.
func Grid(t testing.TB, s *store.Store, name string) *db.Grid {
	t.Helper()
	grid, err := s.EnsureGrid(context.Background(), name)
	if err != nil {
		t.Fatalf("create grid: %v", err)
	}
	return grid
}

// Node registers a connected node as if its agent had sent a
// heartbeat.
func Node(t testing.TB, s *store.Store, grid *db.Grid, nodeID string, labels ...string) *db.HostNode {
	t.Helper()
	node, err := s.UpsertNode(context.Background(), grid.ID, messaging.NodeInfo{
		NodeID:    nodeID,
		Name:      nodeID,
		Address:   "10.0.0.1",
		Labels:    labels,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("upsert node: %v", err)
	}
	return node
}

// Service creates a service with count instances.
func Service(t testing.TB, s *store.Store, grid *db.Grid, name string, count int, stateful bool) *db.GridService {
	t.Helper()
	svc := &db.GridService{
		GridID:        grid.ID,
		Name:          name,
		Image:         "nginx:1.25",
		InstanceCount: count,
		Stateful:      stateful,
		Net:           "bridge",
	}
	if err := s.CreateService(context.Background(), svc); err != nil {
		t.Fatalf("create service: %v", err)
	}
	return svc
}

// Instance records a reported instance of svc on node.
func Instance(t testing.TB, s *store.Store, svc *db.GridService, node *db.HostNode, number int, rev string) {
	t.Helper()
	err := s.ApplyInstanceReport(context.Background(), node.ID, messaging.InstanceInfo{
		ServiceID:      svc.ID,
		ServiceName:    svc.Name,
		Name:           svc.InstanceName(number),
		InstanceNumber: number,
		DeployRev:      rev,
		ContainerID:    svc.InstanceName(number) + "-" + rev,
		Status:         "running",
	})
	if err != nil {
		t.Fatalf("apply instance report: %v", err)
	}
}
